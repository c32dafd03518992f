/*
Package engine provides the pluggable per-domain behavior bundles used by
connection workers.

An Engine couples a Parser, Requester, and Responder for the domains it
claims. Modules register themselves by name at init time; the registry is
built once at startup from configuration units and is immutable afterwards,
so workers share it without locking.
*/
package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ushineko/snare/internal/proto"
	"github.com/ushineko/snare/internal/recorder"
)

// GenericName is the name of the mandatory fallback engine.
const GenericName = "__generic"

// Exchange carries one message's state through an engine pipeline. It is
// populated by the connection worker after protocol classification and is
// owned by a single worker loop, never shared.
type Exchange struct {
	ServerName string
	SourceIP   string
	DestPort   int
	ThreadID   string

	// Raw holds the bytes exactly as received for this cycle.
	Raw []byte

	// Exactly one of the following is set when classification succeeded;
	// all are nil for opaque traffic.
	Request  *proto.Request
	Response *proto.Response
	Frames   []proto.Message

	Protocol  string
	Protocol2 string
	Protocol3 string
}

// Parser extracts engine-specific structure from a classified exchange.
// Implementations must tolerate any input and leave the exchange usable.
type Parser interface {
	Parse(ex *Exchange) error
}

// Requester builds the bytes forwarded upstream for a client message.
// Returning the exchange's raw bytes unchanged is a pass-through.
type Requester interface {
	BuildRequest(ex *Exchange) ([]byte, error)
}

// Responder builds the bytes returned to the client. On the service
// direction the exchange holds the upstream's bytes; in offline mode it
// holds the client's request and the responder synthesizes the entire
// reply.
type Responder interface {
	BuildResponse(ex *Exchange) ([]byte, error)
}

// Engine is one instantiated behavior bundle. The Responder instance is
// shared across every connection matched to this engine, so stateful
// responders must synchronize internally.
type Engine struct {
	Name    string
	Domains []string
	Ports   map[int]string

	Parser    Parser
	Requester Requester
	Responder Responder

	// Recorder persists this engine's exchanges. Attached after registry
	// construction; nil only in tests.
	Recorder *recorder.Recorder
}

// Factory builds one engine instance for a configuration unit.
type Factory func(name string, logger *slog.Logger) (parser Parser, requester Requester, responder Responder, err error)

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Factory)
)

// RegisterModule adds a named engine module to the build-time table.
// It panics on duplicates: registration happens in init functions and a
// collision is a programming error.
func RegisterModule(name string, f Factory) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if _, dup := modules[name]; dup {
		panic(fmt.Sprintf("engine: duplicate module registration %q", name))
	}
	modules[name] = f
}

// moduleFactory looks up a registered module by name.
func moduleFactory(name string) (Factory, bool) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	f, ok := modules[name]
	return f, ok
}

// ModuleNames returns the registered module names, sorted.
func ModuleNames() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
