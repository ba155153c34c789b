package engine

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/coregrid/busbridge/internal/bridge"
	"github.com/coregrid/busbridge/internal/conn"
	"github.com/coregrid/busbridge/internal/httpreq"
	"github.com/coregrid/busbridge/internal/static"
	"github.com/coregrid/busbridge/internal/wsframe"
)

// onReadable advances a connection's protocol state machine (spec.md
// §4.4) given whatever bytes it has accumulated since the last call. A
// websocket connection is decoded frame by frame; anything else is parsed
// as one HTTP request per call, leftover bytes staying buffered for the
// next read event.
func (e *Engine) onReadable(c *conn.Connection) {
	if c.State() == conn.StateWebsocket {
		e.drainWebsocketFrames(c)
		return
	}
	e.tryHTTPRequest(c)
}

func (e *Engine) tryHTTPRequest(c *conn.Connection) {
	buf := c.Buffered()
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		return // headers not fully arrived yet
	}

	req, err := httpreq.Parse(buf)
	if err != nil {
		e.log.Debug().Err(err).Str("conn", c.ID.String()).Msg("malformed request")
		c.Write(httpreq.Reply(400, "text/plain", 0, false))
		e.closeConnection(c)
		return
	}

	messageEnd := headerEnd + 4 + req.ContentLength
	if len(buf) < messageEnd {
		return // body still arriving
	}
	c.Consume(messageEnd)

	switch {
	case req.UpgradeRequest:
		e.handleUpgrade(c, req)
	case req.JSONRPC:
		e.handleJSONRPC(c, req)
	default:
		e.handleStatic(c, req)
	}
}

func (e *Engine) handleUpgrade(c *conn.Connection, req *httpreq.Request) {
	if origin, ok := req.Header("origin"); ok && origin != "" && len(e.originAllowlist) > 0 {
		if !e.originAllowed(origin) {
			c.Write(httpreq.Reply(403, "text/plain", 0, false))
			e.closeConnection(c)
			return
		}
	}

	key, _ := req.Header("sec-websocket-key")
	c.Write(httpreq.UpgradeReply(wsframe.AcceptKey(key)))
	c.MarkWebsocket()
	c.URI = req.URI
}

func (e *Engine) originAllowed(origin string) bool {
	origin = strings.ToLower(origin)
	for _, allowed := range e.originAllowlist {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (e *Engine) handleJSONRPC(c *conn.Connection, req *httpreq.Request) {
	c.IsJSONRPC = true

	rpc, hasParams, err := req.ParseJSONRPC()
	if err != nil {
		c.Write(httpreq.Reply(400, "application/json", 0, false))
		return
	}
	if !hasParams {
		bridge.RejectBadRequest(c, rpc.ID, "missing params")
		return
	}

	params := ""
	if len(rpc.Params) > 0 {
		params = rpc.Params[0]
	}
	e.bridge.NotifyQueryWork(c.ID, rpc.Method, rpc.ID, params)
}

func (e *Engine) handleStatic(c *conn.Connection, req *httpreq.Request) {
	if req.Method != "get" {
		c.Write(httpreq.Reply(400, "text/plain", 0, false))
		return
	}

	body, mimeType, err := static.Serve(e.cfg.WebRoot, req.URI)
	switch err {
	case nil:
		c.Write(append(httpreq.Reply(200, mimeType, len(body), false), body...))
	case static.ErrNoWebRoot:
		c.Write(httpreq.Reply(400, "text/plain", 0, false))
	default:
		c.Write(httpreq.Reply(404, "text/plain", 0, false))
	}
}

// jsonRPCEnvelope mirrors httpreq.JSONRPCRequest's shape for a WebSocket
// text frame's body — the same {id, method, params} contract spec.md §6
// describes, just delivered inside a frame instead of an HTTP POST.
type jsonRPCEnvelope = httpreq.JSONRPCRequest

func (e *Engine) drainWebsocketFrames(c *conn.Connection) {
	for {
		buf := c.Buffered()
		frame, err := wsframe.Decode(buf)
		if err != nil {
			if err == wsframe.ErrIncomplete || err == wsframe.ErrShortHeader {
				return // wait for more bytes
			}
			e.log.Debug().Err(err).Str("conn", c.ID.String()).Msg("invalid websocket frame")
			e.closeConnection(c)
			return
		}

		payload := buf[frame.HeaderLen : frame.HeaderLen+frame.DataLen]
		wsframe.Unmask(payload, frame.MaskKey)

		if frame.IsControl() {
			e.dispatchControlFrame(c, frame, payload)
		} else {
			e.dispatchDataFrame(c, payload)
		}

		c.Consume(frame.HeaderLen + frame.DataLen)

		if c.Closed() {
			return
		}
	}
}

func (e *Engine) dispatchControlFrame(c *conn.Connection, frame wsframe.Frame, payload []byte) {
	switch frame.Opcode {
	case wsframe.OpClose:
		// spec.md §9 open question: echo the same status and move to
		// closing.
		c.WriteControlFrame(wsframe.OpClose, payload)
		e.closeConnection(c)
	case wsframe.OpPing:
		c.WriteControlFrame(wsframe.OpPong, payload)
	case wsframe.OpPong:
		// nothing to do; presence already updated last-active via Read.
	}
}

func (e *Engine) dispatchDataFrame(c *conn.Connection, payload []byte) {
	var rpc jsonRPCEnvelope
	if err := json.Unmarshal(payload, &rpc); err != nil {
		bridge.RejectBadRequest(c, 0, "malformed websocket message")
		return
	}

	params := ""
	if len(rpc.Params) > 0 {
		params = rpc.Params[0]
	}
	e.bridge.NotifyQueryWork(c.ID, rpc.Method, rpc.ID, params)
}
