package relay

import "github.com/ushineko/snare/internal/engine"

// clientMessage accumulates the state of one connection across message
// cycles. The upper fields are fixed for the connection's lifetime; the
// dynamic block is re-zeroed at the start of every cycle.
type clientMessage struct {
	ThreadID   string
	SourceHost string
	SourceIP   string
	DestPort   int
	TLS        bool
	ServerName string
	ProcessCmd string

	// Dynamic per-cycle state.
	Exchange   *engine.Exchange
	Path       string
	Command    string
	StatusCode string
	Errors     []string
}

// resetDynamic clears the per-cycle fields so a message object can be
// reused for the next exchange on the same connection.
func (m *clientMessage) resetDynamic() {
	m.Exchange = nil
	m.Path = ""
	m.Command = ""
	m.StatusCode = ""
	m.Errors = m.Errors[:0]
}
