package commands

import (
	"sync"
	"time"
)

type cooldownKey struct {
	userID  string
	command string
}

// cooldowns maps (user, command) to the instant the next invocation is allowed.
// Expiries only move forward for a key.
type cooldowns struct {
	mu     sync.Mutex
	expiry map[cooldownKey]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{expiry: make(map[cooldownKey]time.Time)}
}

// admit reports whether userID may run command at now. When admitted, the
// expiry advances to now+d.
func (c *cooldowns) admit(userID, command string, d time.Duration, now time.Time) bool {
	if d <= 0 {
		return true
	}
	k := cooldownKey{userID: userID, command: command}
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expiry[k]
	if ok && now.Before(exp) {
		return false
	}
	if next := now.Add(d); !ok || next.After(exp) {
		c.expiry[k] = next
	}
	return true
}

// expiresAt returns the recorded expiry for the key.
func (c *cooldowns) expiresAt(userID, command string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.expiry[cooldownKey{userID: userID, command: command}]
	return exp, ok
}

// prune drops expired entries.
func (c *cooldowns) prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.expiry {
		if !now.Before(exp) {
			delete(c.expiry, k)
		}
	}
}
