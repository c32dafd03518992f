/*
Package proto classifies and parses raw captured traffic.

Classification functions are pure checks over the first bytes of a
received buffer. Parse functions fill structured request/response views
and degrade to "not recognized" instead of erroring, since the relay must
forward bytes it cannot understand. WebSocket parsing is the one stateful
part: each direction of a connection keeps its own decompression context.
*/
package proto

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/websocket"
)

// Protocol labels attached to classified messages.
const (
	ProtocolHTTP      = "HTTP"
	ProtocolWebSocket = "Websocket"

	SubHandshake = "Handshake"
	SubRequest   = "Request"
	SubResponse  = "Response"
	SubFrame     = "Frame"
)

// httpMethods are the verb tokens that mark the start of an HTTP request.
var httpMethods = []string{
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "TRACE", "CONNECT",
}

// IsHTTPRequest reports whether b starts with a known HTTP verb and a space.
func IsHTTPRequest(b []byte) bool {
	for _, m := range httpMethods {
		if len(b) > len(m) && b[len(m)] == ' ' && string(b[:len(m)]) == m {
			return true
		}
	}
	return false
}

// IsHTTPResponse reports whether b starts with an HTTP status line.
func IsHTTPResponse(b []byte) bool {
	return bytes.HasPrefix(b, []byte("HTTP/"))
}

// Request is a parsed HTTP request.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Headers http.Header
	Body    []byte

	std *http.Request
}

// ParseRequest parses raw bytes as an HTTP request. The second return is
// false when the bytes do not form a parseable request; the caller treats
// the buffer as opaque in that case.
func ParseRequest(raw []byte) (*Request, bool) {
	if !IsHTTPRequest(raw) {
		return nil, false
	}

	std, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, false
	}

	// Body length comes from Content-Length; a missing or short body is
	// tolerated because the capture may cut off mid-message.
	body, _ := io.ReadAll(std.Body)
	_ = std.Body.Close()

	return &Request{
		Method:  std.Method,
		Path:    std.URL.RequestURI(),
		Proto:   std.Proto,
		Headers: std.Header,
		Body:    body,
		std:     std,
	}, true
}

// IsWebSocketUpgrade reports whether the request asks to switch protocols
// to WebSocket.
func (r *Request) IsWebSocketUpgrade() bool {
	return websocket.IsWebSocketUpgrade(r.std)
}

// Host returns the request's Host header.
func (r *Request) Host() string {
	if r.std.Host != "" {
		return r.std.Host
	}
	return r.Headers.Get("Host")
}

// Response is a parsed HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Headers    http.Header
	Body       []byte
}

// ParseResponse parses raw bytes as an HTTP response. The second return is
// false when the bytes do not form a parseable status line.
func ParseResponse(raw []byte) (*Response, bool) {
	if !IsHTTPResponse(raw) {
		return nil, false
	}

	std, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, false
	}

	body, _ := io.ReadAll(std.Body)
	_ = std.Body.Close()

	return &Response{
		StatusCode: std.StatusCode,
		Status:     std.Status,
		Proto:      std.Proto,
		Headers:    std.Header,
		Body:       body,
	}, true
}

// BuildResponse serializes a status line, headers, and body into wire
// bytes. Content-Length is set from the body unless the caller supplied
// one. Headers are written in sorted order so output is deterministic.
func BuildResponse(proto string, statusCode int, headers http.Header, body []byte) []byte {
	if proto == "" {
		proto = "HTTP/1.1"
	}
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Status"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", proto, statusCode, statusText)
	writeHeaders(&buf, headers, len(body))
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// BuildRequest serializes a request line, headers, and body into wire bytes.
func BuildRequest(method, path, proto string, headers http.Header, body []byte) []byte {
	if proto == "" {
		proto = "HTTP/1.1"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", method, path, proto)
	writeHeaders(&buf, headers, len(body))
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func writeHeaders(buf *bytes.Buffer, headers http.Header, bodyLen int) {
	names := make([]string, 0, len(headers))
	hasLength := false
	for name := range headers {
		names = append(names, name)
		if http.CanonicalHeaderKey(name) == "Content-Length" {
			hasLength = true
		}
	}
	sort.Strings(names)

	for _, name := range names {
		for _, v := range headers[name] {
			fmt.Fprintf(buf, "%s: %s\r\n", name, v)
		}
	}
	if !hasLength && bodyLen > 0 {
		fmt.Fprintf(buf, "Content-Length: %s\r\n", strconv.Itoa(bodyLen))
	}
}
