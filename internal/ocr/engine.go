// Package ocr schedules recognition passes over zone x variant pairs under a
// declarative profile and a pass/wall-clock budget.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Input is one recognition request: an encoded zone crop plus the pass
// configuration that produced it.
type Input struct {
	ZoneID    string
	VariantID string
	// Image is PNG-encoded.
	Image  []byte
	Config model.PassConfig
}

// Engine is the provider contract: one image in, positioned tokens out.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) ([]model.Token, error)
}

// EngineError marks a recognition failure attributable to the engine rather
// than the input. Timeouts are treated identically.
type EngineError struct {
	Engine string
	Err    error
}

func (e *EngineError) Error() string {
	return "ocr: engine " + e.Engine + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Registry resolves configured engine names to implementations.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry from the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// Get returns the named engine.
func (r *Registry) Get(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, eris.Errorf("ocr: no engine named %q", name)
	}
	return e, nil
}

// Names lists registered engines in no particular order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	return out
}
