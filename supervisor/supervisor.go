// Package supervisor owns the lifecycle of every bot account session: it
// authenticates, persists, binds handlers, listens, reconnects on a schedule,
// resolves checkpoints and tears sessions down.
//
// Each live session is driven by one goroutine. That goroutine owns the listen
// loop, reacts to the reconnect timer and performs checkpoint resolution, so a
// session's events are always dispatched sequentially in arrival order. A
// failure in one session never affects another.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/checkpoint"
	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/internal/config"
	"github.com/ggoodman/botfleet/maintenance"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
)

const defaultRestoreConcurrency = 4

var (
	// ErrAuthFailure wraps the transport error of a failed authentication.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrAccountAlreadyLinked rejects an interactive creation for an account or
	// username that is already stored.
	ErrAccountAlreadyLinked = errors.New("account already linked")
	// ErrIdentityNotFound is returned when the network cannot resolve the
	// authenticated account's profile.
	ErrIdentityNotFound = errors.New("unable to locate the account")
	// ErrSessionActive is returned when the account already has a live session.
	ErrSessionActive = errors.New("session already active")
	// ErrNotLoggedIn is returned by Terminate and Configure for an absent account.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrShutdown is returned by StartSession after Shutdown began.
	ErrShutdown = errors.New("supervisor shut down")
)

// Metadata accompanies an interactive session creation.
type Metadata struct {
	Username string
	Password string
	BotName  string
	Prefix   string
	Admins   []string
}

// Supervisor is the process-scoped session lifecycle manager.
type Supervisor struct {
	store      accounts.Store
	auth       transport.Authenticator
	commands   *commands.Registry
	dispatcher *commands.Dispatcher
	registry   *sessions.Registry
	maint      *maintenance.Scheduler
	checkpoint *checkpoint.Handler
	settings   config.Source
	log        *slog.Logger
	now        func() time.Time

	reconnectInterval   time.Duration
	maintenanceInterval time.Duration
	restoreConcurrency  int
	hashPassword        func(string) (string, error)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	runs     map[string]*run
	starting map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithReconnectInterval overrides the reconnect period. Without it the
// settings value applies, falling back to six hours.
func WithReconnectInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.reconnectInterval = d }
}

// WithMaintenanceInterval overrides the time accounting tick. Without it the
// settings value applies, falling back to one second.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.maintenanceInterval = d }
}

// WithSettings sets the deployment settings source used for login options,
// default bot name and prefix, and timer intervals.
func WithSettings(src config.Source) Option {
	return func(s *Supervisor) { s.settings = src }
}

func WithCheckpoint(h *checkpoint.Handler) Option {
	return func(s *Supervisor) { s.checkpoint = h }
}

// WithRestoreConcurrency bounds how many stored accounts RestoreAll starts at
// once.
func WithRestoreConcurrency(n int) Option {
	return func(s *Supervisor) { s.restoreConcurrency = n }
}

func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithDispatcher replaces the dispatcher built from the command registry.
func WithDispatcher(d *commands.Dispatcher) Option {
	return func(s *Supervisor) { s.dispatcher = d }
}

// WithRegistry shares an existing session registry.
func WithRegistry(reg *sessions.Registry) Option {
	return func(s *Supervisor) { s.registry = reg }
}

// WithPasswordHasher sets how dashboard passwords are hashed before storage.
func WithPasswordHasher(fn func(string) (string, error)) Option {
	return func(s *Supervisor) { s.hashPassword = fn }
}

// New builds a Supervisor. The command registry must be fully loaded before
// the first session starts.
func New(store accounts.Store, auth transport.Authenticator, reg *commands.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:              store,
		auth:               auth,
		commands:           reg,
		log:                slog.Default(),
		now:                time.Now,
		restoreConcurrency: defaultRestoreConcurrency,
		runs:               make(map[string]*run),
		starting:           make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.settings == nil {
		s.settings = config.Static(config.Settings{})
	}
	if s.registry == nil {
		s.registry = sessions.NewRegistry()
	}
	if s.checkpoint == nil {
		s.checkpoint = checkpoint.New(checkpoint.WithLogger(s.log))
	}
	if s.dispatcher == nil {
		s.dispatcher = commands.NewDispatcher(reg,
			commands.WithClock(s.now),
			commands.WithSettings(s.settings),
			commands.WithDispatchLogger(s.log),
		)
	}
	if s.restoreConcurrency < 1 {
		s.restoreConcurrency = 1
	}
	s.maint = maintenance.New(s.registry, store,
		maintenance.WithInterval(s.tickInterval()),
		maintenance.WithLogger(s.log),
	)
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

// Registry returns the live session registry.
func (s *Supervisor) Registry() *sessions.Registry { return s.registry }

// Get returns the live session for accountID.
func (s *Supervisor) Get(accountID string) (*sessions.Session, bool) {
	return s.registry.Get(accountID)
}

// Active lists the live sessions ordered by account id.
func (s *Supervisor) Active() []sessions.Summary { return s.registry.Summaries() }

// Commands lists the loaded commands.
func (s *Supervisor) Commands() []commands.Summary { return s.commands.Summaries() }

// Configure updates a live session's settings with fn.
func (s *Supervisor) Configure(ctx context.Context, accountID string, fn func(*sessions.Settings)) error {
	sess, ok := s.registry.Get(accountID)
	if !ok {
		return ErrNotLoggedIn
	}
	next := sess.UpdateSettings(fn)
	s.log.InfoContext(ctx, "supervisor.session.configure",
		slog.String("account_id", accountID),
		slog.String("prefix", next.Prefix),
		slog.String("bot_name", next.BotName),
		slog.Int("admins", len(next.Admins)),
	)
	return nil
}

func (s *Supervisor) reconnectEvery() time.Duration {
	if s.reconnectInterval > 0 {
		return s.reconnectInterval
	}
	if cur := s.settings.Current(); cur != nil && cur.ReconnectInterval > 0 {
		return cur.ReconnectInterval
	}
	return config.DefaultReconnectInterval
}

func (s *Supervisor) tickInterval() time.Duration {
	if s.maintenanceInterval > 0 {
		return s.maintenanceInterval
	}
	if cur := s.settings.Current(); cur != nil && cur.MaintenanceInterval > 0 {
		return cur.MaintenanceInterval
	}
	return config.DefaultMaintenanceInterval
}

func (s *Supervisor) loginOptions() transport.Options {
	cur := s.settings.Current()
	if cur == nil || len(cur.LoginOptions) == 0 {
		return transport.Options{}
	}
	opts := make(transport.Options, len(cur.LoginOptions))
	for k, v := range cur.LoginOptions {
		opts[k] = v
	}
	return opts
}
