package proto

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
)

// WebSocket opcodes (RFC 6455 §5.2).
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// flateTail terminates a permessage-deflate message so the flate reader
// sees a final block: the 4-byte tail stripped by the sender, then an
// empty stored final block.
var flateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// maxWindowBytes bounds the context-takeover dictionary (RFC 7692 allows
// up to 32KB of history).
const maxWindowBytes = 32 * 1024

// Frame is one parsed WebSocket frame with its payload unmasked but not
// yet decompressed.
type Frame struct {
	Fin        bool
	Compressed bool // RSV1 on the first frame of a message
	Opcode     byte
	Masked     bool
	Payload    []byte
}

// OpcodeName returns the label recorded for a frame's opcode. The
// capitalization matches the other protocol labels in the statistics
// rows ("HTTP", "Websocket", "Handshake", "Frame").
func OpcodeName(op byte) string {
	switch op {
	case OpContinuation:
		return "Continuation"
	case OpText:
		return "Text"
	case OpBinary:
		return "Binary"
	case OpClose:
		return "Close"
	case OpPing:
		return "Ping"
	case OpPong:
		return "Pong"
	default:
		return fmt.Sprintf("opcode_%d", op)
	}
}

// IsWebSocketFrame reports whether b plausibly starts with a WebSocket
// frame header: known opcode, reserved bits 2-3 clear, and a complete
// header plus payload length.
func IsWebSocketFrame(b []byte) bool {
	_, _, ok := parseFrame(b)
	return ok
}

// parseFrame decodes one frame from the start of b, returning the frame
// and the number of bytes consumed. ok is false when b does not hold one
// complete, well-formed frame.
func parseFrame(b []byte) (Frame, int, bool) {
	if len(b) < 2 {
		return Frame{}, 0, false
	}

	fin := b[0]&0x80 != 0
	rsv1 := b[0]&0x40 != 0
	if b[0]&0x30 != 0 { // RSV2/RSV3 must be clear without an extension using them
		return Frame{}, 0, false
	}
	opcode := b[0] & 0x0f
	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return Frame{}, 0, false
	}

	masked := b[1]&0x80 != 0
	length := uint64(b[1] & 0x7f)
	offset := 2

	switch length {
	case 126:
		if len(b) < offset+2 {
			return Frame{}, 0, false
		}
		length = uint64(binary.BigEndian.Uint16(b[offset:]))
		offset += 2
	case 127:
		if len(b) < offset+8 {
			return Frame{}, 0, false
		}
		length = binary.BigEndian.Uint64(b[offset:])
		offset += 8
	}

	var maskKey [4]byte
	if masked {
		if len(b) < offset+4 {
			return Frame{}, 0, false
		}
		copy(maskKey[:], b[offset:offset+4])
		offset += 4
	}

	if uint64(len(b)-offset) < length {
		return Frame{}, 0, false
	}

	payload := make([]byte, length)
	copy(payload, b[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return Frame{
		Fin:        fin,
		Compressed: rsv1,
		Opcode:     opcode,
		Masked:     masked,
		Payload:    payload,
	}, offset + int(length), true
}

// Message is one logical WebSocket message assembled from frames, with
// permessage-deflate applied when negotiated.
type Message struct {
	Opcode     byte
	Compressed bool
	Payload    []byte
}

// FrameStream assembles messages for one direction of one connection.
// The two directions of a connection must each own a FrameStream because
// permessage-deflate keeps independent compression contexts per direction
// (client frames are masked, server frames are not).
type FrameStream struct {
	deflate bool

	// window is the decompression dictionary carried across messages
	// (context takeover).
	window []byte

	fragOpcode     byte
	fragCompressed bool
	fragBuf        []byte
	fragmented     bool
}

// NewFrameStream creates the reassembly state for one direction.
// deflate enables permessage-deflate handling for data messages with RSV1
// set.
func NewFrameStream(deflate bool) *FrameStream {
	return &FrameStream{deflate: deflate}
}

// Feed parses every complete frame in buf and returns the messages they
// complete. Control frames pass through as single-frame messages.
// Unparseable leftover bytes are returned so the caller can report opaque
// data; Feed never fails.
func (s *FrameStream) Feed(buf []byte) (msgs []Message, rest []byte) {
	for len(buf) > 0 {
		frame, n, ok := parseFrame(buf)
		if !ok {
			return msgs, buf
		}
		buf = buf[n:]

		if msg, done := s.push(frame); done {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// push adds one frame to the assembly state, returning a completed
// message when the frame finishes one.
func (s *FrameStream) push(frame Frame) (Message, bool) {
	// Control frames may interleave with a fragmented message and are
	// never compressed or fragmented.
	if frame.Opcode >= OpClose {
		return Message{Opcode: frame.Opcode, Payload: frame.Payload}, true
	}

	if frame.Opcode != OpContinuation {
		s.fragOpcode = frame.Opcode
		s.fragCompressed = frame.Compressed
		s.fragBuf = s.fragBuf[:0]
		s.fragmented = true
	}
	if !s.fragmented {
		// Continuation without a start frame: emit as-is rather than drop.
		return Message{Opcode: frame.Opcode, Payload: frame.Payload}, true
	}

	s.fragBuf = append(s.fragBuf, frame.Payload...)
	if !frame.Fin {
		return Message{}, false
	}

	payload := make([]byte, len(s.fragBuf))
	copy(payload, s.fragBuf)
	s.fragmented = false

	msg := Message{
		Opcode:     s.fragOpcode,
		Compressed: s.fragCompressed,
		Payload:    payload,
	}

	if s.deflate && msg.Compressed {
		if plain, err := s.decompress(payload); err == nil {
			msg.Payload = plain
		}
		// On decompression failure the compressed payload is kept; the
		// relay forwards original bytes either way.
	}
	return msg, true
}

// decompress inflates one message using this direction's context.
func (s *FrameStream) decompress(payload []byte) ([]byte, error) {
	data := make([]byte, 0, len(payload)+len(flateTail))
	data = append(data, payload...)
	data = append(data, flateTail...)

	fr := flate.NewReaderDict(bytes.NewReader(data), s.window)
	out, err := io.ReadAll(fr)
	_ = fr.Close()
	if err != nil {
		return nil, fmt.Errorf("inflate websocket message: %w", err)
	}

	s.window = append(s.window, out...)
	if len(s.window) > maxWindowBytes {
		s.window = s.window[len(s.window)-maxWindowBytes:]
	}
	return out, nil
}
