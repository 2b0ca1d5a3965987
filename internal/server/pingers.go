package server

import (
	"context"
	"fmt"
)

// Pinger is a dependency that can report its own reachability. Ping returns
// nil when healthy. Implementations must be safe for concurrent use;
// embedder.Provider satisfies it directly.
type Pinger interface {
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses (e.g. "openai", "storage").
	Name() string
}

// funcPinger adapts a check function to the Pinger interface.
type funcPinger struct {
	name  string
	check func(ctx context.Context) error
}

// NewPinger wraps check as a Pinger labelled name. It is used for
// dependencies such as *storage.Engine that expose Ping without Name.
func NewPinger(name string, check func(ctx context.Context) error) Pinger {
	return &funcPinger{name: name, check: check}
}

// Name returns the dependency label used in readiness responses.
func (p *funcPinger) Name() string { return p.name }

// Ping runs the check and labels any failure.
func (p *funcPinger) Ping(ctx context.Context) error {
	if err := p.check(ctx); err != nil {
		return fmt.Errorf("%s unreachable: %w", p.name, err)
	}
	return nil
}

// optionalPinger marks a dependency whose failure degrades rather than
// fails readiness.
type optionalPinger struct {
	Pinger
}

// Optional marks p as non-required for /readyz. The embedding provider is
// typically optional: without it memory_get, memory_delete and purges keep
// working.
func Optional(p Pinger) Pinger {
	return optionalPinger{Pinger: p}
}

func isOptional(p Pinger) bool {
	_, ok := p.(optionalPinger)
	return ok
}

// fallbackPinger reports an embedder that replaced the configured one at
// startup. It always fails so /readyz shows the degraded state.
type fallbackPinger struct {
	active     string
	configured string
}

func (p fallbackPinger) Name() string { return p.active }

func (p fallbackPinger) Ping(context.Context) error {
	return fmt.Errorf("%s: configured provider %s unreachable at startup, serving %s fallback vectors",
		p.active, p.configured, p.active)
}

// EmbedderPinger returns an optional Pinger for the embedding provider in
// use. When active is a fallback for configured, the check fails with a
// fallback message instead of pinging.
func EmbedderPinger(active Pinger, configured string) Pinger {
	if configured != "" && active.Name() != configured {
		return Optional(fallbackPinger{active: active.Name(), configured: configured})
	}
	return Optional(active)
}
