package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coregrid/busbridge/internal/bridge"
	"github.com/coregrid/busbridge/internal/busconn"
	"github.com/coregrid/busbridge/internal/config"
	"github.com/coregrid/busbridge/internal/conn"
	"github.com/coregrid/busbridge/internal/engine"
	"github.com/coregrid/busbridge/internal/httpreq"
	"github.com/coregrid/busbridge/internal/logging"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error).")
	busAddr := flag.String("bus", "127.0.0.1:9000", "Address of the backend message bus.")
	flag.Parse()

	log := logging.NewConsole(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	rl := bridge.RateLimit{}
	if cfg.RateLimitPerSecond > 0 {
		rl = bridge.RateLimit{Limit: rate.Limit(cfg.RateLimitPerSecond), Burst: cfg.RateLimitBurst}
	}

	bus := bridge.New(nil, log, rl)

	tcpBus, err := busconn.Dial(*busAddr, log, bus.QueueResponse)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *busAddr).Msg("connecting to backend bus")
	}
	defer tcpBus.Close()
	bus.SetSender(tcpBus)

	bus.RegisterHandlers(demoHandlers(), demoHandlers())

	eng, err := engine.New(engine.EngineConfig{
		ListenAddress:  cfg.ListenAddress,
		WebRoot:        cfg.WebRoot,
		WebOrigins:     cfg.WebOrigins,
		IdleTimeout:    cfg.IdleTimeout(),
		MaxConnections: cfg.MaxConnections,
		TLSCertificate: cfg.WebServerCertificate,
		TLSPrivateKey:  cfg.WebServerPrivateKey,
		TLSCACert:      cfg.WebCACertificate,
	}, log, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing engine")
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Info().Msg("shutdown signal received")
		eng.Stop()
	}()

	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("engine stopped")
	}
}

// demoHandlers wires up a single "ping" method as a working example of
// the (encode, decode) contract spec.md §3 calls a Handler. Real command
// encoders/decoders are domain-specific and out of this core's scope
// (spec.md §1); integrators building on this bridge register their own
// HandlerSet before calling engine.Start.
func demoHandlers() bridge.HandlerSet {
	return bridge.HandlerSet{
		"ping": {
			Command: "ping",
			Encode: func(command, params string, correlation uint32) ([]byte, error) {
				return json.Marshal(struct {
					Command string `json:"command"`
					Params  string `json:"params"`
					Seq     uint32 `json:"seq"`
				}{command, params, correlation})
			},
			Decode: func(payload []byte, clientID uint32, c *conn.Connection) {
				body, _ := json.Marshal(struct {
					ID     uint32 `json:"id"`
					Result string `json:"result"`
				}{clientID, string(payload)})

				if c.IsJSONRPC {
					c.Write(append(httpreq.Reply(200, "application/json", len(body), false), body...))
					return
				}
				c.Write(body)
			},
		},
	}
}
