package proto

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHTTPRequest(t *testing.T) {
	for _, verb := range []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "TRACE", "CONNECT"} {
		assert.True(t, IsHTTPRequest([]byte(verb+" / HTTP/1.1\r\n")), verb)
	}

	assert.False(t, IsHTTPRequest([]byte("")))
	assert.False(t, IsHTTPRequest([]byte("GET")))
	assert.False(t, IsHTTPRequest([]byte("GETX / HTTP/1.1")))
	assert.False(t, IsHTTPRequest([]byte("FETCH / HTTP/1.1")))
	assert.False(t, IsHTTPRequest([]byte{0x16, 0x03, 0x01, 0x00}))
}

func TestIsHTTPResponse(t *testing.T) {
	assert.True(t, IsHTTPResponse([]byte("HTTP/1.1 200 OK\r\n")))
	assert.True(t, IsHTTPResponse([]byte("HTTP/1.0 404 Not Found\r\n")))
	assert.False(t, IsHTTPResponse([]byte("HTT")))
	assert.False(t, IsHTTPResponse([]byte("200 OK")))
	assert.False(t, IsHTTPResponse([]byte{0x81, 0x05}))
}

func TestParseRequest(t *testing.T) {
	raw := []byte("POST /api/items?page=2 HTTP/1.1\r\nHost: shop.example.com\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello")

	req, ok := ParseRequest(raw)
	require.True(t, ok)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/api/items?page=2", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "shop.example.com", req.Host())
	assert.Equal(t, "text/plain", req.Headers.Get("Content-Type"))
	assert.Equal(t, []byte("hello"), req.Body)
}

func TestParseRequest_Malformed(t *testing.T) {
	_, ok := ParseRequest([]byte("not http at all"))
	assert.False(t, ok)

	_, ok = ParseRequest([]byte("GET garbage\r\n\r\n"))
	assert.False(t, ok)
}

func TestParseRequest_WebSocketUpgrade(t *testing.T) {
	raw := []byte("GET /live HTTP/1.1\r\nHost: shop.example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\nSec-WebSocket-Version: 13\r\n\r\n")

	req, ok := ParseRequest(raw)
	require.True(t, ok)
	assert.True(t, req.IsWebSocketUpgrade())

	plain, ok := ParseRequest([]byte("GET / HTTP/1.1\r\nHost: shop.example.com\r\n\r\n"))
	require.True(t, ok)
	assert.False(t, plain.IsWebSocketUpgrade())
}

func TestParseResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\nContent-Type: text/plain\r\n\r\nnot found")

	resp, ok := ParseResponse(raw)
	require.True(t, ok)
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, []byte("not found"), resp.Body)
}

func TestParseResponse_Malformed(t *testing.T) {
	_, ok := ParseResponse([]byte("HTTP/banana\r\n\r\n"))
	assert.False(t, ok)
}

func TestBuildResponse_RoundTrip(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Request-Id", "abc-123")
	body := []byte(`{"ok":true}`)

	raw := BuildResponse("HTTP/1.1", 201, headers, body)
	resp, ok := ParseResponse(raw)
	require.True(t, ok)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "abc-123", resp.Headers.Get("X-Request-Id"))
	assert.Equal(t, body, resp.Body)
}

func TestBuildResponse_EmptyBody(t *testing.T) {
	raw := BuildResponse("", 204, nil, nil)
	assert.True(t, bytes.HasPrefix(raw, []byte("HTTP/1.1 204 No Content\r\n")))

	resp, ok := ParseResponse(raw)
	require.True(t, ok)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Empty(t, resp.Body)
}

func TestBuildRequest_RoundTrip(t *testing.T) {
	headers := http.Header{}
	headers.Set("Host", "shop.example.com")
	body := []byte("payload")

	raw := BuildRequest("PUT", "/items/7", "HTTP/1.1", headers, body)
	req, ok := ParseRequest(raw)
	require.True(t, ok)

	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "/items/7", req.Path)
	assert.Equal(t, body, req.Body)
}

// buildFrame assembles one wire-format WebSocket frame.
func buildFrame(fin, compressed bool, opcode byte, mask bool, payload []byte) []byte {
	var buf bytes.Buffer

	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	if compressed {
		b0 |= 0x40
	}
	buf.WriteByte(b0)

	var b1 byte
	if mask {
		b1 = 0x80
	}
	switch {
	case len(payload) < 126:
		buf.WriteByte(b1 | byte(len(payload)))
	case len(payload) < 1<<16:
		buf.WriteByte(b1 | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(len(payload)))
		buf.Write(ext[:])
	default:
		buf.WriteByte(b1 | 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(len(payload)))
		buf.Write(ext[:])
	}

	if mask {
		key := [4]byte{0x11, 0x22, 0x33, 0x44}
		buf.Write(key[:])
		masked := make([]byte, len(payload))
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		buf.Write(masked)
	} else {
		buf.Write(payload)
	}
	return buf.Bytes()
}

func TestParseFrame_MaskedText(t *testing.T) {
	wire := buildFrame(true, false, OpText, true, []byte("hello"))

	frame, n, ok := parseFrame(wire)
	require.True(t, ok)
	assert.Equal(t, len(wire), n)
	assert.True(t, frame.Fin)
	assert.True(t, frame.Masked)
	assert.Equal(t, OpText, frame.Opcode)
	assert.Equal(t, []byte("hello"), frame.Payload)
}

func TestParseFrame_ExtendedLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	wire := buildFrame(true, false, OpBinary, false, payload)

	frame, n, ok := parseFrame(wire)
	require.True(t, ok)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, payload, frame.Payload)
}

func TestIsWebSocketFrame(t *testing.T) {
	assert.True(t, IsWebSocketFrame(buildFrame(true, false, OpText, true, []byte("hi"))))
	assert.True(t, IsWebSocketFrame(buildFrame(true, false, OpPing, false, nil)))

	assert.False(t, IsWebSocketFrame([]byte("GET / HTTP/1.1")))
	assert.False(t, IsWebSocketFrame([]byte{0x81}))                   // truncated header
	assert.False(t, IsWebSocketFrame([]byte{0x83, 0x02, 0x01, 0x02})) // reserved opcode 3
	assert.False(t, IsWebSocketFrame([]byte{0x91 | 0x20, 0x00}))      // RSV2 set
	assert.False(t, IsWebSocketFrame([]byte{0x81, 0x05, 0x68}))      // payload shorter than length
}

func TestFrameStream_SingleMessage(t *testing.T) {
	s := NewFrameStream(false)
	msgs, rest := s.Feed(buildFrame(true, false, OpText, true, []byte("hello")))
	require.Len(t, msgs, 1)
	assert.Nil(t, rest)
	assert.Equal(t, OpText, msgs[0].Opcode)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
}

func TestFrameStream_Fragmented(t *testing.T) {
	s := NewFrameStream(false)

	msgs, _ := s.Feed(buildFrame(false, false, OpText, true, []byte("hel")))
	assert.Empty(t, msgs)

	msgs, _ = s.Feed(buildFrame(true, false, OpContinuation, true, []byte("lo")))
	require.Len(t, msgs, 1)
	assert.Equal(t, OpText, msgs[0].Opcode)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
}

func TestFrameStream_ControlInterleaved(t *testing.T) {
	s := NewFrameStream(false)

	var wire []byte
	wire = append(wire, buildFrame(false, false, OpText, true, []byte("hel"))...)
	wire = append(wire, buildFrame(true, false, OpPing, true, []byte("k"))...)
	wire = append(wire, buildFrame(true, false, OpContinuation, true, []byte("lo"))...)

	msgs, rest := s.Feed(wire)
	assert.Nil(t, rest)
	require.Len(t, msgs, 2)
	assert.Equal(t, OpPing, msgs[0].Opcode)
	assert.Equal(t, OpText, msgs[1].Opcode)
	assert.Equal(t, []byte("hello"), msgs[1].Payload)
}

func TestFrameStream_LeftoverReturned(t *testing.T) {
	s := NewFrameStream(false)
	wire := buildFrame(true, false, OpText, false, []byte("ok"))
	garbage := []byte{0x07, 0x07, 0x07}

	msgs, rest := s.Feed(append(wire, garbage...))
	require.Len(t, msgs, 1)
	assert.Equal(t, garbage, rest)
}

// deflatePayload compresses messages on one shared flate context, the way
// a permessage-deflate sender with context takeover does, and returns the
// per-message payloads (sync-flush tail stripped).
func deflatePayloads(t *testing.T, messages ...[]byte) [][]byte {
	t.Helper()
	var buf bytes.Buffer
	// BestSpeed's encoder never emits back-references for inputs shorter
	// than its minimum block size, which would leave every payload
	// self-contained;
	// the default level produces the cross-message references these tests
	// rely on.
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)

	var out [][]byte
	prev := 0
	for _, msg := range messages {
		_, err = w.Write(msg)
		require.NoError(t, err)
		require.NoError(t, w.Flush())

		chunk := buf.Bytes()[prev:]
		require.True(t, bytes.HasSuffix(chunk, []byte{0x00, 0x00, 0xff, 0xff}))
		payload := make([]byte, len(chunk)-4)
		copy(payload, chunk[:len(chunk)-4])
		out = append(out, payload)
		prev = buf.Len()
	}
	return out
}

func TestFrameStream_PermessageDeflate(t *testing.T) {
	payloads := deflatePayloads(t, []byte("first compressed message"))

	s := NewFrameStream(true)
	msgs, _ := s.Feed(buildFrame(true, true, OpText, true, payloads[0]))
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("first compressed message"), msgs[0].Payload)
}

func TestFrameStream_DeflateContextTakeover(t *testing.T) {
	// The second message back-references the first; decompression only
	// succeeds if the stream keeps its window across messages.
	payloads := deflatePayloads(t,
		[]byte("the quick brown fox jumps over the lazy dog"),
		[]byte("the quick brown fox jumps again"),
	)

	s := NewFrameStream(true)
	msgs, _ := s.Feed(buildFrame(true, true, OpText, true, payloads[0]))
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("the quick brown fox jumps over the lazy dog"), msgs[0].Payload)

	msgs, _ = s.Feed(buildFrame(true, true, OpText, true, payloads[1]))
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("the quick brown fox jumps again"), msgs[0].Payload)
}

func TestFrameStream_IndependentDirections(t *testing.T) {
	// Client and server directions each get their own context; feeding the
	// server's second message into a fresh stream must not succeed in
	// borrowing the client stream's window.
	payloads := deflatePayloads(t,
		[]byte("shared dictionary content goes here"),
		[]byte("shared dictionary content goes here"),
	)

	client := NewFrameStream(true)
	msgs, _ := client.Feed(buildFrame(true, true, OpText, true, payloads[0]))
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("shared dictionary content goes here"), msgs[0].Payload)

	server := NewFrameStream(true)
	msgs, _ = server.Feed(buildFrame(true, true, OpText, false, payloads[1]))
	require.Len(t, msgs, 1)
	// Without the client stream's window the data cannot inflate, so the
	// payload stays compressed.
	assert.Equal(t, payloads[1], msgs[0].Payload)
}

func TestOpcodeName(t *testing.T) {
	assert.Equal(t, "Text", OpcodeName(OpText))
	assert.Equal(t, "Binary", OpcodeName(OpBinary))
	assert.Equal(t, "Close", OpcodeName(OpClose))
	assert.Equal(t, "opcode_7", OpcodeName(7))
}
