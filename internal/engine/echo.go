package engine

import (
	"log/slog"
	"net/http"

	"github.com/ushineko/snare/internal/proto"
)

func init() {
	RegisterModule("echo", newEchoEngine)
}

// echoEngine answers every HTTP request with the request's own body,
// useful for deterministic offline replay and relay testing.
type echoEngine struct {
	name   string
	logger *slog.Logger
}

func newEchoEngine(name string, logger *slog.Logger) (Parser, Requester, Responder, error) {
	e := &echoEngine{name: name, logger: logger}
	return e, e, e, nil
}

func (e *echoEngine) Parse(_ *Exchange) error { return nil }

func (e *echoEngine) BuildRequest(ex *Exchange) ([]byte, error) {
	return ex.Raw, nil
}

// BuildResponse echoes the request body back; the request path is exposed
// in a header so replayed traffic stays attributable. Non-request traffic
// passes through unchanged.
func (e *echoEngine) BuildResponse(ex *Exchange) ([]byte, error) {
	if ex.Request == nil {
		return ex.Raw, nil
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("X-Echo-Path", ex.Request.Path)

	return proto.BuildResponse(ex.Request.Proto, http.StatusOK, headers, ex.Request.Body), nil
}
