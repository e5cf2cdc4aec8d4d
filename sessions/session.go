package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/botfleet/transport"
)

// Settings are the per-account bot settings editable from the dashboard.
type Settings struct {
	Prefix  string   `json:"prefix,omitempty"`
	BotName string   `json:"botName,omitempty"`
	Admins  []string `json:"admins,omitempty"`
}

// IsAdmin reports whether userID is listed as a bot admin.
func (s Settings) IsAdmin(userID string) bool {
	for _, a := range s.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

func (s Settings) clone() Settings {
	s.Admins = append([]string(nil), s.Admins...)
	return s
}

// Summary is the public view of a live session.
type Summary struct {
	AccountID      string `json:"accountId"`
	Name           string `json:"name"`
	ProfileURL     string `json:"profileUrl"`
	AvatarURL      string `json:"avatarUrl"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
}

// Config holds the values a Session is constructed from.
type Config struct {
	AccountID  string
	Capability transport.Capability
	Identity   transport.Identity
	Elapsed    int64
	Settings   Settings
	StartedAt  time.Time
}

// Session is one authenticated, actively-listening account.
type Session struct {
	accountID  string
	capability transport.Capability
	startedAt  time.Time

	elapsed atomic.Int64
	carryMu sync.Mutex
	carry   time.Duration

	mu         sync.RWMutex
	identity   transport.Identity
	settings   Settings
	listener   transport.ListenHandle
	eventNames []string

	replies   *Continuations
	reactions *Continuations

	timersMu    sync.Mutex
	reconnect   TimerHandle
	maintenance TimerHandle
	stopped     bool
	stopOnce    sync.Once
}

// New builds a Session with empty continuation stacks and no registered events.
func New(cfg Config) *Session {
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	s := &Session{
		accountID:  cfg.AccountID,
		capability: cfg.Capability,
		startedAt:  started,
		identity:   cfg.Identity,
		settings:   cfg.Settings.clone(),
		replies:    NewContinuations(),
		reactions:  NewContinuations(),
	}
	s.elapsed.Store(cfg.Elapsed)
	return s
}

func (s *Session) AccountID() string                { return s.accountID }
func (s *Session) Capability() transport.Capability { return s.capability }
func (s *Session) StartedAt() time.Time             { return s.startedAt }
func (s *Session) Replies() *Continuations          { return s.replies }
func (s *Session) Reactions() *Continuations        { return s.reactions }

func (s *Session) Identity() transport.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Settings returns a copy of the current per-account settings.
func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// UpdateSettings applies fn to a copy of the settings and stores the result.
func (s *Session) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings.clone()
	fn(&next)
	s.settings = next
	return next.clone()
}

// Elapsed returns the accumulated online seconds.
func (s *Session) Elapsed() int64 { return s.elapsed.Load() }

// Advance credits d of online time and returns the elapsed seconds. Sub-second
// remainders carry over to the next call.
func (s *Session) Advance(d time.Duration) int64 {
	if d <= 0 {
		return s.elapsed.Load()
	}
	s.carryMu.Lock()
	defer s.carryMu.Unlock()
	s.carry += d
	whole := s.carry / time.Second
	s.carry -= whole * time.Second
	if whole == 0 {
		return s.elapsed.Load()
	}
	return s.elapsed.Add(int64(whole))
}

// Listener returns the current listen handle, or nil before listening starts.
func (s *Session) Listener() transport.ListenHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

// SetListener installs h as the live listen handle and returns the previous one.
func (s *Session) SetListener(h transport.ListenHandle) transport.ListenHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.listener
	s.listener = h
	return prev
}

// AddEventName appends name to the ordered list of registered event names.
// Adding a name twice is a no-op.
func (s *Session) AddEventName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.eventNames {
		if n == name {
			return
		}
	}
	s.eventNames = append(s.eventNames, name)
}

// EventNames returns a copy of the registered event names in registration order.
func (s *Session) EventNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.eventNames...)
}

// Clear drops registered event names and every pending continuation.
func (s *Session) Clear() {
	s.mu.Lock()
	s.eventNames = nil
	s.mu.Unlock()
	s.replies.Clear()
	s.reactions.Clear()
}

// Summary returns the public view of the session.
func (s *Session) Summary() Summary {
	id := s.Identity()
	return Summary{
		AccountID:      s.accountID,
		Name:           id.Name,
		ProfileURL:     id.ProfileURL,
		AvatarURL:      id.AvatarURL,
		ElapsedSeconds: s.Elapsed(),
	}
}
