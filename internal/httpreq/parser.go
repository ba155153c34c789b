package httpreq

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

func jsonUnmarshalLoose(data []byte, out *map[string]any) error {
	return json.Unmarshal(data, out)
}

// ErrMalformedRequestLine is returned when the first line of the request
// isn't exactly three whitespace-separated tokens.
var ErrMalformedRequestLine = errors.New("httpreq: malformed request line")

// Parse parses raw request bytes into a Request. It follows the original
// parser's steps literally: split the request line, strip any query
// suffix from the target, lowercase method/protocol, fold headers
// (case-sensitive only for sec-websocket-key), split the query string,
// derive content-length/upgrade/json-rpc flags, and — for POST with a
// body — attempt a JSON parse of the trailing content_length bytes.
func Parse(raw []byte) (*Request, error) {
	text := string(raw)

	lineEnd := strings.Index(text, "\r\n")
	if lineEnd == -1 {
		return nil, ErrMalformedRequestLine
	}

	requestLine := text[:lineEnd]
	tokens := strings.Fields(requestLine)
	if len(tokens) != 3 {
		return nil, ErrMalformedRequestLine
	}

	target := tokens[1]
	queryString := ""
	if idx := strings.Index(target, "?"); idx != -1 {
		queryString = target[idx+1:]
		target = target[:idx]
	}

	req := &Request{
		Method:     strings.ToLower(tokens[0]),
		URI:        target,
		Protocol:   strings.ToLower(tokens[2]),
		headerIdx:  make(map[string]string),
		Parameters: make(map[string]string),
	}
	req.MessageLength = len(raw)

	if slash := strings.Index(req.Protocol, "/"); slash != -1 {
		if v, err := strconv.ParseFloat(req.Protocol[slash+1:], 64); err == nil {
			req.ProtocolVersion = v
		}
	}

	rest := text[lineEnd+2:]
	headerBlock, body := splitHeadersAndBody(rest)
	parseHeaders(req, headerBlock)
	parseQuery(req, queryString)

	if cl, ok := req.Header("content-length"); ok {
		if n, err := strconv.ParseUint(cl, 0, 64); err == nil {
			req.ContentLength = int(n)
		}
	}

	if conn, ok := req.Header("connection"); ok {
		_, hasKey := req.Header("sec-websocket-key")
		req.UpgradeRequest = strings.Contains(conn, "upgrade") && hasKey
	}

	if req.Method == "post" && req.ContentLength > 0 {
		bodyBytes := []byte(body)
		if req.ContentLength <= len(bodyBytes) {
			candidate := bodyBytes[len(bodyBytes)-req.ContentLength:]
			var tree map[string]any
			if err := jsonUnmarshalLoose(candidate, &tree); err == nil {
				req.JSONRPC = true
				req.JSONTree = tree
				req.Body = candidate
			}
		}
	}

	return req, nil
}

// splitHeadersAndBody separates the header block (terminated by a blank
// line) from whatever follows, which is treated as the body regardless of
// whether a blank-line terminator was actually present — malformed input
// degrades to "no body" rather than failing the whole parse.
func splitHeadersAndBody(rest string) (headerBlock, body string) {
	if idx := strings.Index(rest, "\r\n\r\n"); idx != -1 {
		return rest[:idx], rest[idx+4:]
	}
	return rest, ""
}

func parseHeaders(req *Request, block string) {
	lines := strings.Split(block, "\r\n")
	for _, line := range lines {
		if line == "" {
			continue
		}

		colon := strings.Index(line, ":")
		if colon == -1 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		val := strings.TrimSpace(line[colon+1:])

		// If the value itself contains further colons (e.g. a time-of-day
		// or URL in the value), rejoin with ":" the way the original
		// parser's multi-element split+rejoin did; only the lowercasing
		// decision depends on the key.
		if key != "sec-websocket-key" {
			val = strings.ToLower(val)
		}

		req.Headers = append(req.Headers, Header{Key: key, Val: val})
		req.headerIdx[key] = val
	}
}

func parseQuery(req *Request, query string) {
	if query == "" {
		return
	}

	for _, term := range strings.Split(query, "&") {
		if term == "" {
			continue
		}

		eq := strings.Index(term, "=")
		if eq == -1 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(term[:eq]))
		val := strings.ToLower(strings.TrimSpace(term[eq+1:]))
		req.Parameters[key] = val
	}
}
