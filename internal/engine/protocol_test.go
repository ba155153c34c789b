package engine

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregrid/busbridge/internal/bridge"
	"github.com/coregrid/busbridge/internal/conn"
	"github.com/coregrid/busbridge/internal/httpreq"
	"github.com/coregrid/busbridge/internal/wsframe"
)

type fakeBus struct{}

func (fakeBus) Send([]byte) error { return nil }

func echoHandler() bridge.HandlerSet {
	return bridge.HandlerSet{
		"echo": {
			Command: "echo",
			Encode: func(command, params string, correlation uint32) ([]byte, error) {
				var prefix [4]byte
				binary.BigEndian.PutUint32(prefix[:], 0)
				return append(prefix[:], []byte(command+":"+params)...), nil
			},
			Decode: func(payload []byte, clientID uint32, c *conn.Connection) {
				if c.IsJSONRPC {
					c.Write(append(httpreq.Reply(200, "application/json", len(payload), false), payload...))
					return
				}
				c.Write(payload)
			},
		},
	}
}

func newTestEngine(t *testing.T, origins []string) *Engine {
	t.Helper()
	bus := bridge.New(fakeBus{}, zerolog.Nop(), bridge.RateLimit{})
	bus.RegisterHandlers(echoHandler(), echoHandler())

	e, err := New(EngineConfig{
		ListenAddress: "127.0.0.1:0",
		WebOrigins:    origins,
	}, zerolog.Nop(), bus)
	require.NoError(t, err)
	return e
}

func newFakeConn(t *testing.T, e *Engine) *conn.Connection {
	t.Helper()
	c := conn.New(-1, &net.TCPAddr{})
	e.bridge.RegisterConnection(c)
	return c
}

// maskedTextFrame builds a client->server masked text frame, mirroring the
// RFC 6455 round-trip vector spec.md §4.1 describes.
func maskedTextFrame(payload []byte) []byte {
	key := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	wsframe.Unmask(masked, key)

	header := wsframe.ToHeader(len(payload), wsframe.OpText)
	header[1] |= 0x80 // set mask bit

	out := append([]byte{}, header...)
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}

func TestTryHTTPRequestWaitsForFullHeaders(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	c.Feed([]byte("GET / HTTP/1.1\r\nHost: x"))
	e.tryHTTPRequest(c)

	assert.Empty(t, c.Sent())
}

func TestTryHTTPRequestWaitsForFullBody(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	req := "POST / HTTP/1.1\r\nContent-Length: 20\r\nContent-Type: application/json\r\n\r\n{\"id\":1,\"method\":\"e"
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	assert.Empty(t, c.Sent())
}

func TestTryHTTPRequestRejectsMalformedRequestLine(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	c.Feed([]byte("GET /\r\n\r\n"))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), "400")
}

func TestHandleUpgradeComputesAcceptKey(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	req := "GET /socket HTTP/1.1\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	resp := string(c.Sent())
	assert.Contains(t, resp, "101 Switching Protocols")
	assert.Contains(t, resp, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
	assert.True(t, c.IsWebsocket)
}

func TestHandleUpgradeRejectsDisallowedOrigin(t *testing.T) {
	e := newTestEngine(t, []string{"https://allowed.example"})
	c := newFakeConn(t, e)

	req := "GET /socket HTTP/1.1\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nOrigin: https://evil.example\r\n\r\n"
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), "403")
	assert.False(t, c.IsWebsocket)
}

func TestHandleUpgradeAllowsWhitelistedOrigin(t *testing.T) {
	e := newTestEngine(t, []string{"https://allowed.example"})
	c := newFakeConn(t, e)

	req := "GET /socket HTTP/1.1\r\nConnection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nOrigin: https://allowed.example\r\n\r\n"
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), "101 Switching Protocols")
}

func TestHandleJSONRPCDispatchesToBridge(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	body := `{"id":7,"method":"echo","params":["hi"]}`
	req := "POST /rpc HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	assert.True(t, c.IsJSONRPC)
	assert.Empty(t, c.Sent(), "NotifyQueryWork only replies synchronously on failure")

	// Simulate the backend's asynchronous reply landing for correlation 0,
	// the first sequence number a fresh Bridge hands out.
	e.bridge.QueueResponse(0, append([]byte{0}, []byte("echo:hi")...))
	e.bridge.SendQueryResponses()

	resp := string(c.Sent())
	assert.Contains(t, resp, "200 OK")
	assert.Contains(t, resp, "echo:hi")
}

func TestHandleJSONRPCRejectsMissingParams(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	body := `{"id":7,"method":"echo"}`
	req := "POST /rpc HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
	c.Feed([]byte(req))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), bridge.ErrCodeInvalidRequest)
}

func TestHandleStaticRejectsNonGet(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	c.Feed([]byte("DELETE /index.html HTTP/1.1\r\n\r\n"))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), "400")
}

func TestHandleStaticMissingWebRootIs400(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)

	c.Feed([]byte("GET /index.html HTTP/1.1\r\n\r\n"))
	e.tryHTTPRequest(c)

	assert.Contains(t, string(c.Sent()), "400")
}

func TestDrainWebsocketFramesDispatchesDataFrame(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	body := []byte(`{"id":3,"method":"echo","params":["ping"]}`)
	c.Feed(maskedTextFrame(body))

	e.drainWebsocketFrames(c)
	assert.Empty(t, c.Sent())

	e.bridge.QueueResponse(0, append([]byte{0}, []byte("echo:ping")...))
	e.bridge.SendQueryResponses()

	sent := c.Sent()
	require.Len(t, sent, 2+len("echo:ping"))
	assert.Equal(t, byte(0x80|wsframe.OpText), sent[0])
	assert.Equal(t, "echo:ping", string(sent[2:]))
}

func TestDrainWebsocketFramesWaitsOnIncompleteFrame(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	full := maskedTextFrame([]byte(`{"id":3,"method":"echo","params":["ping"]}`))
	c.Feed(full[:len(full)-2])

	e.drainWebsocketFrames(c)

	assert.Empty(t, c.Sent())
}

func TestDrainWebsocketFramesRejectsUnmaskedFrame(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	header := wsframe.ToHeader(2, wsframe.OpText) // mask bit left clear
	c.Feed(append(header, 'h', 'i'))

	e.drainWebsocketFrames(c)

	assert.True(t, e.closing[c.Fd()])
}

func TestDispatchCloseFrameEchoesStatusAndSchedulesClose(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	status := []byte{0x03, 0xe8} // 1000, normal closure
	c.Feed(maskedControlFrame(wsframe.OpClose, status))

	e.drainWebsocketFrames(c)

	sent := c.Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, byte(0x80|wsframe.OpClose), sent[0])
	assert.Equal(t, status, sent[2:])
	assert.True(t, c.Closed())
}

func TestDispatchPingFrameRepliesWithPong(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	c.Feed(maskedControlFrame(wsframe.OpPing, []byte("keepalive")))

	e.drainWebsocketFrames(c)

	sent := c.Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, byte(wsframe.OpPong)|0x80, sent[0])
}

func TestDispatchDataFrameRejectsMalformedJSON(t *testing.T) {
	e := newTestEngine(t, nil)
	c := newFakeConn(t, e)
	c.MarkWebsocket()

	c.Feed(maskedTextFrame([]byte("not json")))

	e.drainWebsocketFrames(c)

	assert.Contains(t, string(c.Sent()), bridge.ErrCodeInvalidRequest)
}

func TestOriginAllowedIsCaseInsensitive(t *testing.T) {
	e := newTestEngine(t, []string{"https://Example.com"})
	assert.True(t, e.originAllowed("https://example.com"))
	assert.False(t, e.originAllowed("https://other.example"))
}

func maskedControlFrame(op wsframe.Opcode, payload []byte) []byte {
	key := [4]byte{0xaa, 0xbb, 0xcc, 0xdd}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	wsframe.Unmask(masked, key)

	header := wsframe.ToHeader(len(payload), op)
	header[1] |= 0x80

	out := append([]byte{}, header...)
	out = append(out, key[:]...)
	out = append(out, masked...)
	return out
}
