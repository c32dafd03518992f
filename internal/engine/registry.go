package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ushineko/snare/internal/config"
	"github.com/ushineko/snare/internal/recorder"
)

// Registry holds every instantiated engine plus the generic fallback.
// It is immutable after construction and shared by all workers.
type Registry struct {
	engines []*Engine // insertion order decides match ties
	generic *Engine
	logger  *slog.Logger
}

// NewRegistry instantiates one engine per valid configuration unit. An
// invalid unit (no domains and no ports, unknown module, duplicate name)
// is rejected with an error for that unit; the registry still starts with
// the remaining units plus the mandatory generic fallback. The returned
// error joins all per-unit failures and is nil when every unit built.
func NewRegistry(units []config.EngineUnit, logger *slog.Logger) (*Registry, error) {
	r := &Registry{logger: logger}

	var unitErrs []string
	seen := make(map[string]bool, len(units))

	for i, unit := range units {
		if err := r.addUnit(unit, seen); err != nil {
			unitErrs = append(unitErrs, fmt.Sprintf("engines[%d] (%s): %v", i, unit.Name, err))
			logger.Error("engine unit rejected", "unit", unit.Name, "error", err)
		}
	}

	generic, err := buildEngine(GenericName, "generic", nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("build generic engine: %w", err)
	}
	r.generic = generic

	if len(unitErrs) > 0 {
		return r, fmt.Errorf("engine registry: %s", strings.Join(unitErrs, "; "))
	}
	return r, nil
}

func (r *Registry) addUnit(unit config.EngineUnit, seen map[string]bool) error {
	if unit.Name == "" {
		return fmt.Errorf("missing name")
	}
	if seen[unit.Name] {
		return fmt.Errorf("duplicate engine name")
	}
	if len(unit.Domains) == 0 && len(unit.Ports) == 0 {
		return fmt.Errorf("unit claims no domains and no ports")
	}

	module := unit.Module
	if module == "" {
		module = "generic"
	}

	eng, err := buildEngine(unit.Name, module, unit.Domains, unit.Ports, r.logger)
	if err != nil {
		return err
	}

	seen[unit.Name] = true
	r.engines = append(r.engines, eng)
	return nil
}

func buildEngine(name, module string, domains []string, ports map[int]string, logger *slog.Logger) (*Engine, error) {
	factory, ok := moduleFactory(module)
	if !ok {
		return nil, fmt.Errorf("unknown module %q (registered: %s)", module, strings.Join(ModuleNames(), ", "))
	}

	parser, requester, responder, err := factory(name, logger)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", module, err)
	}

	return &Engine{
		Name:      name,
		Domains:   domains,
		Ports:     ports,
		Parser:    parser,
		Requester: requester,
		Responder: responder,
	}, nil
}

// AttachRecorders creates one recorder per engine (including the generic
// fallback) under dir.
func (r *Registry) AttachRecorders(dir string, enabled bool) error {
	for _, eng := range append(r.engines, r.generic) {
		rec, err := recorder.New(dir, eng.Name, enabled)
		if err != nil {
			return err
		}
		eng.Recorder = rec
	}
	return nil
}

// MatchDomain returns the first engine whose domain list matches the
// queried name, falling back to the generic engine.
//
// Matching is substring containment, not label-aware: an engine claiming
// "example.com" also matches "notexample.com". Deployments depend on this,
// so it stays.
func (r *Registry) MatchDomain(domain string) *Engine {
	if domain == "" {
		return r.generic
	}
	for _, eng := range r.engines {
		for _, claimed := range eng.Domains {
			if strings.Contains(domain, claimed) {
				return eng
			}
		}
	}
	return r.generic
}

// MatchesDomain reports whether any configured (non-generic) engine claims
// the domain. Used by the DNS server's resolve-by-engine mode.
func (r *Registry) MatchesDomain(domain string) bool {
	return r.MatchDomain(domain) != r.generic
}

// MatchPort resolves a connect-port engine for traffic without a usable
// domain: the first engine mapping the port wins and supplies the target
// host to dial.
func (r *Registry) MatchPort(port int) (*Engine, string, bool) {
	for _, eng := range r.engines {
		if target, ok := eng.Ports[port]; ok {
			return eng, target, true
		}
	}
	return nil, "", false
}

// Generic returns the mandatory fallback engine.
func (r *Registry) Generic() *Engine { return r.generic }

// All returns every engine including the generic fallback.
func (r *Registry) All() []*Engine {
	return append(append([]*Engine{}, r.engines...), r.generic)
}

// Domains returns every domain claimed by configured engines.
func (r *Registry) Domains() []string {
	var out []string
	for _, eng := range r.engines {
		out = append(out, eng.Domains...)
	}
	return out
}
