package bridge

import (
	"encoding/binary"
	"encoding/json"

	"github.com/coregrid/busbridge/internal/conn"
	"github.com/coregrid/busbridge/internal/httpreq"
)

// Error codes mirror the symbolic names the original bitcoin protocol web
// layer used (system::error::http_*), kept as strings here since nothing
// in this module needs their C++ enum values.
const (
	ErrCodeMethodNotFound   = "http_method_not_found"
	ErrCodeInvalidRequest   = "http_invalid_request"
	ErrCodeInternalError    = "http_internal_error"
	ErrCodeServiceUnavail   = "http_service_unavailable"
	ErrCodeBackendError     = "http_backend_error"
)

// errorEnvelope is the JSON error body written both for a WebSocket text
// frame and, wrapped in an HTTP reply, for JSON-RPC.
type errorEnvelope struct {
	ID    uint32      `json:"id"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeError(id uint32, code, message string) []byte {
	body, _ := json.Marshal(errorEnvelope{
		ID:    id,
		Error: errorDetail{Code: code, Message: message},
	})
	return body
}

// writeError delivers a JSON error to the client on its own connection:
// wrapped in an HTTP status line and headers for JSON-RPC, otherwise the
// bare body, which conn.Write frames as a WebSocket text message.
func writeError(c *conn.Connection, status int, clientID uint32, code, message string) {
	body := encodeError(clientID, code, message)

	if c.IsJSONRPC {
		c.Write(append(httpreq.Reply(status, "application/json", len(body), false), body...))
		return
	}

	c.Write(body)
}

// RejectBadRequest writes an invalid-request error directly to a
// connection. Used by the engine for cases it rejects before a work item
// ever exists: missing JSON-RPC params, a WebSocket message that is not
// valid JSON.
func RejectBadRequest(c *conn.Connection, clientID uint32, message string) {
	writeError(c, 400, clientID, ErrCodeInvalidRequest, message)
}

// readBackendErrorCode reads the leading varint error code the bridge
// expects on every backend reply payload (spec.md §4.5 step 5), returning
// the code and how many bytes it occupied.
func readBackendErrorCode(payload []byte) (uint64, int) {
	code, n := binary.Uvarint(payload)
	if n <= 0 {
		// Malformed payload: treat as a non-zero (error) code so it's
		// surfaced instead of silently treated as success.
		return 1, 0
	}
	return code, n
}
