package engine

import (
	"log/slog"
	"net/http"

	"github.com/ushineko/snare/internal/proto"
)

func init() {
	RegisterModule("generic", newGenericEngine)
}

// genericEngine is the reference pass-through behavior: traffic is relayed
// unmodified, and offline connections get a minimal synthesized reply so
// replay never stalls.
type genericEngine struct {
	name   string
	logger *slog.Logger
}

func newGenericEngine(name string, logger *slog.Logger) (Parser, Requester, Responder, error) {
	g := &genericEngine{name: name, logger: logger}
	return g, g, g, nil
}

// Parse is a no-op: the generic engine adds nothing beyond the worker's
// protocol classification.
func (g *genericEngine) Parse(_ *Exchange) error { return nil }

// BuildRequest forwards client bytes unchanged.
func (g *genericEngine) BuildRequest(ex *Exchange) ([]byte, error) {
	return ex.Raw, nil
}

// BuildResponse forwards upstream bytes unchanged. When the exchange holds
// a client request instead (offline mode), it synthesizes a fixed reply.
func (g *genericEngine) BuildResponse(ex *Exchange) ([]byte, error) {
	if ex.Request == nil {
		return ex.Raw, nil
	}

	headers := http.Header{}
	headers.Set("Content-Type", "text/plain")
	headers.Set("Connection", "keep-alive")
	body := []byte("ok")

	g.logger.Debug("synthesized offline response",
		"engine", g.name, "path", ex.Request.Path)
	return proto.BuildResponse(ex.Request.Proto, http.StatusOK, headers, body), nil
}
