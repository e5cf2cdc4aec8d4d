package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/transport"
)

// ContinuationFunc resumes a multi-turn command with the follow-up event.
type ContinuationFunc func(ctx context.Context, ev *transport.Event) error

// Continuation is a pending follow-up registered by a command.
type Continuation struct {
	// Command is the name of the command that registered the continuation.
	Command string
	// AuthorID restricts the follow-up to one user; empty accepts anyone.
	AuthorID  string
	Handle    ContinuationFunc
	CreatedAt time.Time
}

// Continuations maps a correlation key (a message id) to a pending continuation.
type Continuations struct {
	mu      sync.Mutex
	pending map[string]Continuation
}

// NewContinuations creates an empty stack.
func NewContinuations() *Continuations {
	return &Continuations{pending: make(map[string]Continuation)}
}

// Put registers c under key, replacing any earlier continuation for that key.
func (c *Continuations) Put(key string, cont Continuation) {
	if cont.CreatedAt.IsZero() {
		cont.CreatedAt = time.Now()
	}
	c.mu.Lock()
	c.pending[key] = cont
	c.mu.Unlock()
}

// Take removes and returns the continuation stored under key when senderID is
// allowed to resume it. A continuation restricted to another author stays
// pending.
func (c *Continuations) Take(key, senderID string) (Continuation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cont, ok := c.pending[key]
	if !ok {
		return Continuation{}, false
	}
	if cont.AuthorID != "" && cont.AuthorID != senderID {
		return Continuation{}, false
	}
	delete(c.pending, key)
	return cont, true
}

// Len returns the number of pending continuations.
func (c *Continuations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Clear drops every pending continuation.
func (c *Continuations) Clear() {
	c.mu.Lock()
	clear(c.pending)
	c.mu.Unlock()
}
