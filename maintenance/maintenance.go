// Package maintenance runs the per-session time accounting ticker. Every tick
// credits the interval to the session's elapsed counter and persists it once a
// whole second has accrued. A ticker whose session is no longer registered
// stops itself.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/sessions"
)

// Scheduler starts maintenance tickers for live sessions.
type Scheduler struct {
	reg          *sessions.Registry
	store        accounts.Store
	log          *slog.Logger
	interval     time.Duration
	step         time.Duration
	writeTimeout time.Duration
}

type Option func(*Scheduler)

// WithInterval sets the tick interval. Default one second.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStep sets the online time credited per tick. Default the interval.
func WithStep(d time.Duration) Option {
	return func(s *Scheduler) { s.step = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithWriteTimeout bounds each persistence write. Default five seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.writeTimeout = d }
}

func New(reg *sessions.Registry, store accounts.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:          reg,
		store:        store,
		log:          slog.Default(),
		interval:     time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.step <= 0 {
		s.step = s.interval
	}
	return s
}

// Start spawns the ticker for accountID and returns its handle. Stop blocks
// until the ticker goroutine has exited.
func (s *Scheduler) Start(accountID string) sessions.TimerHandle {
	t := &ticker{stop: make(chan struct{}), done: make(chan struct{})}
	go s.run(accountID, t)
	return t
}

func (s *Scheduler) run(accountID string, t *ticker) {
	defer close(t.done)
	tk := time.NewTicker(s.interval)
	defer tk.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tk.C:
		}
		sess, ok := s.reg.Get(accountID)
		if !ok {
			s.log.Debug("maintenance.tick.orphaned", slog.String("account_id", accountID))
			return
		}
		prev := sess.Elapsed()
		if elapsed := sess.Advance(s.step); elapsed != prev {
			s.persist(accountID, elapsed)
		}
	}
}

func (s *Scheduler) persist(accountID string, elapsed int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.store.Update(ctx, accountID, accounts.Patch{ElapsedSeconds: accounts.Int64(elapsed)}); err != nil {
		s.log.Warn("maintenance.persist.fail",
			slog.String("account_id", accountID),
			slog.Int64("elapsed", elapsed),
			slog.String("err", err.Error()),
		)
	}
}

type ticker struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (t *ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}

// Done is closed once the ticker goroutine has exited.
func (t *ticker) Done() <-chan struct{} { return t.done }
