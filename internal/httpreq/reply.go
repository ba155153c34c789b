package httpreq

import (
	"fmt"
	"strconv"
	"strings"
)

// statusText mirrors the teacher's flat status-code table; only the codes
// spec.md §6 actually uses are populated.
var statusText = map[int]string{
	101: "101 Switching Protocols",
	200: "200 OK",
	400: "400 Bad Request",
	403: "403 Forbidden",
	404: "404 Not Found",
	429: "429 Too Many Requests",
	500: "500 Internal Server Error",
	503: "503 Service Unavailable",
}

const defaultMimeType = "application/json"

// Reply builds an HTTP/1.1 status line and minimal header set.
func Reply(status int, mimeType string, contentLength int, keepAlive bool) []byte {
	text, ok := statusText[status]
	if !ok {
		text = statusText[500]
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 ")
	b.WriteString(text)
	b.WriteString("\r\n")
	b.WriteString("Content-Type: ")
	b.WriteString(mimeType)
	b.WriteString("\r\n")
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(contentLength))
	b.WriteString("\r\n")
	b.WriteString("Connection: ")
	if keepAlive {
		b.WriteString("keep-alive")
	} else {
		b.WriteString("close")
	}
	b.WriteString("\r\n\r\n")
	return []byte(b.String())
}

// UpgradeReply builds the 101 Switching Protocols response that completes
// the WebSocket handshake.
func UpgradeReply(acceptKey string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %s\r\n"+
			"Upgrade: websocket\r\n"+
			"Connection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n",
		statusText[101], acceptKey))
}
