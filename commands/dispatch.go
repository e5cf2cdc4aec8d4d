package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/botfleet/internal/config"
	"github.com/ggoodman/botfleet/internal/logctx"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
)

const pruneEvery = 1024

// Dispatcher routes inbound events of a session to the loaded descriptors.
// Dispatch is called sequentially per session and concurrently across sessions.
type Dispatcher struct {
	reg           *Registry
	log           *slog.Logger
	now           func() time.Time
	defaultPrefix string
	settings      config.Source

	cooldowns  *cooldowns
	dispatched atomic.Uint64
}

type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock used for cooldowns.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithDefaultPrefix sets the prefix used when a session has none.
func WithDefaultPrefix(prefix string) DispatcherOption {
	return func(d *Dispatcher) { d.defaultPrefix = prefix }
}

// WithSettings makes the dispatcher read the default prefix and the disabled
// sets from src on every event.
func WithSettings(src config.Source) DispatcherOption {
	return func(d *Dispatcher) { d.settings = src }
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reg:       reg,
		log:       slog.Default(),
		now:       time.Now,
		cooldowns: newCooldowns(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch handles one inbound event for sess. Handler failures are logged
// and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *sessions.Session, ev *transport.Event) {
	if ev == nil {
		return
	}
	if d.dispatched.Add(1)%pruneEvery == 0 {
		d.cooldowns.prune(d.now())
	}
	settings := d.currentSettings()
	prefix := sess.Settings().Prefix
	if prefix == "" {
		prefix = d.defaultPrefix
		if settings != nil && settings.Prefix != "" {
			prefix = settings.Prefix
		}
	}

	d.resumeContinuation(ctx, sess, ev)

	if ev.IsMessage() {
		if cmd, args, ok := d.resolve(ev.Body, prefix); ok && !settings.CommandDisabled(cmd.Name) {
			d.runCommand(ctx, sess, ev, cmd, args, prefix)
		}
	}

	for _, name := range sess.EventNames() {
		cmd, ok := d.reg.Command(name)
		if !ok || !cmd.HandlesEvent() || settings.CommandDisabled(cmd.Name) {
			continue
		}
		hc := d.handlerContext(sess, ev, cmd, nil, prefix)
		d.invoke(ctx, cmd.Name, "handle_event", func(ctx context.Context) error { return cmd.handleEvent(ctx, hc) })
	}

	if !ev.IsMessage() {
		for _, evd := range d.reg.Events() {
			if !evd.Matches(ev.Type) || settings.EventDisabled(evd.Name) {
				continue
			}
			hc := d.handlerContext(sess, ev, nil, nil, prefix)
			d.invoke(ctx, evd.Name, "event", func(ctx context.Context) error { return evd.handle(ctx, hc) })
		}
	}
}

// resolve finds the command a message body invokes.
func (d *Dispatcher) resolve(body, prefix string) (*CommandDescriptor, []string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil, false
	}
	if prefix != "" && strings.HasPrefix(body, prefix) {
		words := strings.Fields(strings.TrimPrefix(body, prefix))
		if len(words) > 0 {
			if cmd, ok := d.reg.Command(words[0]); ok && cmd.RequiresPrefix {
				return cmd, words[1:], true
			}
		}
	}
	words := strings.Fields(body)
	if cmd, ok := d.reg.Command(words[0]); ok && !cmd.RequiresPrefix {
		return cmd, words[1:], true
	}
	return nil, nil, false
}

func (d *Dispatcher) runCommand(ctx context.Context, sess *sessions.Session, ev *transport.Event, cmd *CommandDescriptor, args []string, prefix string) {
	ctx = logctx.WithCommandData(ctx, &logctx.CommandData{Name: cmd.Name, UserID: ev.SenderID, ThreadID: ev.ThreadID})
	if cmd.Premium && !d.reg.Premium() {
		d.log.DebugContext(ctx, "commands.run.premium_only")
		return
	}
	if !d.cooldowns.admit(ev.SenderID, cmd.Name, cmd.Cooldown, d.now()) {
		d.log.DebugContext(ctx, "commands.run.cooldown")
		return
	}
	hc := d.handlerContext(sess, ev, cmd, args, prefix)
	start := time.Now()
	if d.invoke(ctx, cmd.Name, "run", func(ctx context.Context) error { return cmd.run(ctx, hc) }) {
		d.log.InfoContext(ctx, "commands.run.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
}

func (d *Dispatcher) resumeContinuation(ctx context.Context, sess *sessions.Session, ev *transport.Event) {
	var (
		cont  sessions.Continuation
		ok    bool
		phase string
	)
	switch {
	case ev.Type == transport.EventMessageReply && ev.ReplyTo != "":
		cont, ok = sess.Replies().Take(ev.ReplyTo, ev.SenderID)
		phase = "reply"
	case ev.Type == transport.EventReaction && ev.MessageID != "":
		cont, ok = sess.Reactions().Take(ev.MessageID, ev.SenderID)
		phase = "reaction"
	}
	if !ok || cont.Handle == nil {
		return
	}
	d.invoke(ctx, cont.Command, phase, func(ctx context.Context) error { return cont.Handle(ctx, ev) })
}

func (d *Dispatcher) handlerContext(sess *sessions.Session, ev *transport.Event, cmd *CommandDescriptor, args []string, prefix string) *Context {
	return &Context{
		Session:  sess,
		Event:    ev,
		Command:  cmd,
		Args:     args,
		Prefix:   prefix,
		Registry: d.reg,
		Logger:   d.log,
	}
}

// invoke runs fn, converting errors and panics into logged DispatchErrors. It
// reports whether fn succeeded.
func (d *Dispatcher) invoke(ctx context.Context, name, phase string, fn func(context.Context) error) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			err := &DispatchError{Handler: name, Phase: phase, Err: fmt.Errorf("panic: %v", rec)}
			d.log.ErrorContext(ctx, "commands.dispatch.panic", slog.String("err", err.Error()))
			ok = false
		}
	}()
	if err := fn(ctx); err != nil {
		err = &DispatchError{Handler: name, Phase: phase, Err: err}
		d.log.ErrorContext(ctx, "commands.dispatch.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

func (d *Dispatcher) currentSettings() *config.Settings {
	if d.settings == nil {
		return nil
	}
	return d.settings.Current()
}
