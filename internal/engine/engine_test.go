package engine

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coregrid/busbridge/internal/bridge"
	"github.com/coregrid/busbridge/internal/wsframe"
)

// dialRetry waits for the engine's listener to come up before connecting —
// Start() runs in its own goroutine and binds asynchronously relative to
// the test.
func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", addr)
	return nil
}

func TestEngineStartAcceptsAndUpgrades(t *testing.T) {
	const addr = "127.0.0.1:18733"

	bus := bridge.New(fakeBus{}, zerolog.Nop(), bridge.RateLimit{})
	bus.RegisterHandlers(echoHandler(), echoHandler())

	e, err := New(EngineConfig{ListenAddress: addr}, zerolog.Nop(), bus)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Start() }()
	defer e.Stop()

	conn := dialRetry(t, addr)
	defer conn.Close()

	request := "GET /socket HTTP/1.1\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, statusLine, "101")

	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}

	// Send a masked close frame and expect the server to echo it back,
	// satisfying the close-handshake open question.
	status := []byte{0x03, 0xe8}
	key := [4]byte{0x01, 0x02, 0x03, 0x04}
	masked := make([]byte, len(status))
	copy(masked, status)
	wsframe.Unmask(masked, key)

	header := wsframe.ToHeader(len(status), wsframe.OpClose)
	header[1] |= 0x80
	frame := append(append(append([]byte{}, header...), key[:]...), masked...)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	reply := make([]byte, 4)
	_, err = readFull(reader, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x80|wsframe.OpClose), reply[0])
	require.Equal(t, status, reply[2:])
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
