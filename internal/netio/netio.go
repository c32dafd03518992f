/*
Package netio classifies socket and TLS errors into a closed set of kinds.

All accept/relay code branches on the Kind returned by Classify instead of
inspecting error types or strings at the call site, so the matching rules
live in exactly one place.
*/
package netio

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind is the classification of a socket or TLS error.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota
	// KindTimeout is a read/write deadline expiry.
	KindTimeout
	// KindReset is a peer-initiated reset (ECONNRESET, EPIPE).
	KindReset
	// KindAborted is a connection aborted before or during accept.
	KindAborted
	// KindClosed is an operation on an already-closed socket, including a
	// clean EOF from the peer. Treated as expected during teardown.
	KindClosed
	// KindTLSHandshake is a failure while establishing a TLS session.
	KindTLSHandshake
	// KindOther is everything else.
	KindOther
)

// String returns the label written into statistics rows.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindTimeout:
		return "timeout"
	case KindReset:
		return "connection_reset"
	case KindAborted:
		return "connection_aborted"
	case KindClosed:
		return "connection_closed"
	case KindTLSHandshake:
		return "tls_handshake_failed"
	default:
		return "other"
	}
}

// Benign reports whether the kind is an expected teardown signal rather
// than something worth a critical log line.
func (k Kind) Benign() bool {
	return k == KindNone || k == KindClosed
}

// Classify maps err to its Kind. A nil error is KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindClosed
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindReset
	}
	if errors.Is(err, syscall.ECONNABORTED) {
		return KindAborted
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return KindTLSHandshake
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return KindTLSHandshake
	}

	// Some error paths in net and crypto/tls surface only as strings.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "use of closed network connection"):
		return KindClosed
	case strings.Contains(msg, "connection reset by peer"), strings.Contains(msg, "broken pipe"):
		return KindReset
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "handshake failure"):
		return KindTLSHandshake
	}

	return KindOther
}
