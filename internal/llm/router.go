package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// breaker tracks failure counts and trip state for a single provider.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Router wraps an ordered list of providers with per-provider circuit
// breakers and per-session pinning. A session sticks to the provider that
// last answered it so conversations keep a consistent voice; when the
// pinned provider is on cooldown the router fails over transparently and
// the pin survives, so the session returns to its provider once the
// breaker resets.
type Router struct {
	clients []Client

	mu       sync.Mutex
	breakers map[string]*breaker
	pins     map[string]string // session id -> provider name
	logger   *slog.Logger

	threshold int           // failures before tripping
	cooldown  time.Duration // time before a tripped breaker resets
}

// NewRouter creates a Router over the given providers, tried in order.
// The breaker trips after threshold consecutive failures and resets after
// cooldown elapses.
func NewRouter(clients []Client, threshold int, cooldown time.Duration, logger *slog.Logger) *Router {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*breaker, len(clients))
	for _, c := range clients {
		breakers[c.Name()] = &breaker{}
	}
	return &Router{
		clients:   clients,
		breakers:  breakers,
		pins:      make(map[string]string),
		logger:    logger,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Complete sends the request to the session's pinned provider when it is
// healthy, otherwise walks the provider list in order. Returns the first
// successful response or a combined error when every provider fails.
func (r *Router) Complete(ctx context.Context, sessionID string, req Request) (*Response, error) {
	var lastErr error

	for _, c := range r.candidates(sessionID) {
		if r.isTripped(c.Name()) {
			r.logger.Info("router: skipping tripped provider", "provider", c.Name())
			continue
		}

		resp, err := c.Complete(ctx, req)
		if err == nil {
			r.recordSuccess(sessionID, c.Name())
			return resp, nil
		}

		lastErr = err
		r.recordFailure(c.Name())
		ec := ClassifyError(err)
		r.logger.Warn("router: provider failed",
			"provider", c.Name(),
			"error_class", string(ec),
			"error", err,
		)

		// The prompt is the same everywhere; a context overflow will not
		// succeed on another provider of similar size.
		if ec == ErrorClassContextOverflow {
			return nil, fmt.Errorf("router: context overflow from %s: %w", c.Name(), err)
		}
	}

	return nil, fmt.Errorf("router: all providers failed, last error: %w", lastErr)
}

// Primary returns the provider a session would be routed to right now.
func (r *Router) Primary(sessionID string) Client {
	cands := r.candidates(sessionID)
	for _, c := range cands {
		if !r.isTripped(c.Name()) {
			return c
		}
	}
	if len(cands) > 0 {
		return cands[0]
	}
	return nil
}

// candidates orders providers for a session: pinned first, then the
// configured order.
func (r *Router) candidates(sessionID string) []Client {
	r.mu.Lock()
	pinned := r.pins[sessionID]
	r.mu.Unlock()

	if pinned == "" {
		return r.clients
	}
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Name() == pinned {
			out = append(out, c)
		}
	}
	for _, c := range r.clients {
		if c.Name() != pinned {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) isTripped(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= r.cooldown {
		b.tripped = false
		b.failures = 0
		r.logger.Info("router: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (r *Router) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = &breaker{}
		r.breakers[name] = b
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= r.threshold {
		b.tripped = true
		r.logger.Warn("router: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

// recordSuccess resets the provider's breaker and pins the session to it
// only if the session had no pin yet. An existing pin is deliberately kept
// even when a fallback answered, so the session snaps back to its provider
// after the cooldown.
func (r *Router) recordSuccess(sessionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		b.failures = 0
		b.tripped = false
	}
	if sessionID != "" {
		if _, pinned := r.pins[sessionID]; !pinned {
			r.pins[sessionID] = name
		}
	}
}

// Unpin drops a session's provider pin, typically on thread reset.
func (r *Router) Unpin(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pins, sessionID)
}
