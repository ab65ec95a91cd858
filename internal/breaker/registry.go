package breaker

import (
	"log/slog"
	"sync"
)

// Registry stores one circuit breaker per named provider. Unknown names
// receive a default-configured breaker on first access. The registry is
// scoped to its owner (the executor) rather than process-wide, so tests
// and embedders control its lifecycle.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *slog.Logger

	// OnTransition, if set before first access, is installed on every
	// breaker the registry creates.
	OnTransition func(name string, from, to State)
}

// NewRegistry creates a registry whose breakers use cfg by default.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// Get returns the breaker for the named provider, creating one with the
// registry's default config on first access.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, r.cfg, r.logger)
	b.onTransition = r.OnTransition
	r.breakers[name] = b
	return b
}

// Names returns the providers the registry currently tracks.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		out = append(out, name)
	}
	return out
}

// ResetAll returns every breaker to the closed state.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
