package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/botfleet/sessions"
)

// Registry holds the validated command and event descriptors. Names are
// unique: the first descriptor loaded under a name wins.
type Registry struct {
	log     *slog.Logger
	premium bool

	disabledCommands map[string]struct{}
	disabledEvents   map[string]struct{}

	mu         sync.RWMutex
	commands   map[string]*CommandDescriptor // lower-cased name -> descriptor
	cmdOrder   []string
	events     map[string]*EventDescriptor
	eventOrder []string
}

type RegistryOption func(*Registry)

// WithPremium turns on premium mode: every command must declare "premium".
func WithPremium(premium bool) RegistryOption {
	return func(r *Registry) { r.premium = premium }
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// WithDisabled skips loading the named commands and events.
func WithDisabled(commands, events []string) RegistryOption {
	return func(r *Registry) {
		for _, n := range commands {
			r.disabledCommands[strings.ToLower(n)] = struct{}{}
		}
		for _, n := range events {
			r.disabledEvents[n] = struct{}{}
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:              slog.Default(),
		disabledCommands: make(map[string]struct{}),
		disabledEvents:   make(map[string]struct{}),
		commands:         make(map[string]*CommandDescriptor),
		events:           make(map[string]*EventDescriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadCommand validates raw and registers it. Any violation yields a
// *LoadError and leaves the registry unchanged. A disabled command is skipped
// without error.
func (r *Registry) LoadCommand(raw RawCommand) error {
	fields, err := decodeFields(raw.Manifest)
	if err != nil {
		return r.loadFailed(&LoadError{Kind: KindCommand, Reason: err.Error(), Err: ErrInvalidDescriptor})
	}
	name := stringField(fields, "name")
	fail := func(reason string, cause error) error {
		return r.loadFailed(&LoadError{Kind: KindCommand, Descriptor: name, Reason: reason, Err: cause})
	}

	if name == "" {
		return fail("name is required", ErrMissingField)
	}
	if stringField(fields, "category") == "" {
		return fail("category is required", ErrMissingField)
	}
	if r.premium && !present(fields, "premium") {
		return fail("premium must be declared in premium mode", ErrMissingField)
	}
	if !present(fields, "prefix") {
		return fail("prefix must be declared", ErrMissingField)
	}
	if raw.Run == nil {
		return fail("run handler is required", ErrMissingField)
	}

	schemas, err := compiledSchemas()
	if err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}
	if err := validateManifest(schemas.command, raw.Manifest); err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}
	var m CommandManifest
	if err := json.Unmarshal(raw.Manifest, &m); err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}

	key := strings.ToLower(m.Name)
	if _, off := r.disabledCommands[key]; off {
		r.log.Info("commands.load.skip", slog.String("kind", string(KindCommand)), slog.String("name", m.Name))
		return nil
	}

	d := &CommandDescriptor{
		Name:           m.Name,
		Category:       m.Category,
		Description:    m.Description,
		Usage:          m.Usage,
		RequiresPrefix: m.Prefix,
		Premium:        m.Premium,
		Cooldown:       time.Duration(m.Cooldown) * time.Second,
		run:            raw.Run,
		handleEvent:    raw.HandleEvent,
		onLoad:         raw.OnLoad,
	}

	r.mu.Lock()
	if _, dup := r.commands[key]; dup {
		r.mu.Unlock()
		return fail("a command with this name is already loaded", ErrDuplicateName)
	}
	r.commands[key] = d
	r.cmdOrder = append(r.cmdOrder, key)
	r.mu.Unlock()

	r.log.Debug("commands.load.ok", slog.String("kind", string(KindCommand)), slog.String("name", d.Name))
	return nil
}

// LoadEvent validates raw and registers it.
func (r *Registry) LoadEvent(raw RawEvent) error {
	fields, err := decodeFields(raw.Manifest)
	if err != nil {
		return r.loadFailed(&LoadError{Kind: KindEvent, Reason: err.Error(), Err: ErrInvalidDescriptor})
	}
	name := stringField(fields, "name")
	fail := func(reason string, cause error) error {
		return r.loadFailed(&LoadError{Kind: KindEvent, Descriptor: name, Reason: reason, Err: cause})
	}

	if name == "" {
		return fail("name is required", ErrMissingField)
	}
	if raw.Handle == nil {
		return fail("handler is required", ErrMissingField)
	}
	schemas, err := compiledSchemas()
	if err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}
	if err := validateManifest(schemas.event, raw.Manifest); err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}
	var m EventManifest
	if err := json.Unmarshal(raw.Manifest, &m); err != nil {
		return fail(err.Error(), ErrInvalidDescriptor)
	}

	if _, off := r.disabledEvents[m.Name]; off {
		r.log.Info("commands.load.skip", slog.String("kind", string(KindEvent)), slog.String("name", m.Name))
		return nil
	}

	d := &EventDescriptor{
		Name:        m.Name,
		Description: m.Description,
		Types:       append([]string(nil), m.EventTypes...),
		handle:      raw.Handle,
		onLoad:      raw.OnLoad,
	}

	r.mu.Lock()
	if _, dup := r.events[m.Name]; dup {
		r.mu.Unlock()
		return fail("an event with this name is already loaded", ErrDuplicateName)
	}
	r.events[m.Name] = d
	r.eventOrder = append(r.eventOrder, m.Name)
	r.mu.Unlock()

	r.log.Debug("commands.load.ok", slog.String("kind", string(KindEvent)), slog.String("name", d.Name))
	return nil
}

// LoadCommands loads every descriptor and returns the load errors. An invalid
// descriptor never stops the batch.
func (r *Registry) LoadCommands(raws ...RawCommand) []error {
	var errs []error
	for _, raw := range raws {
		if err := r.LoadCommand(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// LoadEvents loads every descriptor and returns the load errors.
func (r *Registry) LoadEvents(raws ...RawEvent) []error {
	var errs []error
	for _, raw := range raws {
		if err := r.LoadEvent(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Premium reports whether the registry runs in premium mode.
func (r *Registry) Premium() bool { return r.premium }

// Command looks up a command by name, case-insensitively.
func (r *Registry) Command(name string) (*CommandDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.commands[strings.ToLower(name)]
	return d, ok
}

// Commands returns the loaded commands in load order.
func (r *Registry) Commands() []*CommandDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CommandDescriptor, len(r.cmdOrder))
	for i, k := range r.cmdOrder {
		out[i] = r.commands[k]
	}
	return out
}

// Events returns the loaded events in load order.
func (r *Registry) Events() []*EventDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EventDescriptor, len(r.eventOrder))
	for i, k := range r.eventOrder {
		out[i] = r.events[k]
	}
	return out
}

// Summaries lists the loaded commands. Premium commands are listed only in
// premium mode.
func (r *Registry) Summaries() []Summary {
	cmds := r.Commands()
	out := make([]Summary, 0, len(cmds))
	for _, d := range cmds {
		if d.Premium && !r.premium {
			continue
		}
		out = append(out, d.summary())
	}
	return out
}

// Bind runs every OnLoad hook against sess and records the commands that
// handle events on it. Hook failures are logged and returned; they do not stop
// the remaining hooks.
func (r *Registry) Bind(ctx context.Context, sess *sessions.Session) []error {
	var errs []error
	for _, d := range r.Commands() {
		if d.HasOnLoad() {
			if err := safeOnLoad(ctx, d.Name, d.onLoad, sess); err != nil {
				errs = append(errs, err)
			}
		}
		if d.HandlesEvent() {
			sess.AddEventName(d.Name)
		}
	}
	for _, d := range r.Events() {
		if d.HasOnLoad() {
			if err := safeOnLoad(ctx, d.Name, d.onLoad, sess); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, err := range errs {
		r.log.WarnContext(ctx, "commands.bind.fail", slog.String("account_id", sess.AccountID()), slog.String("err", err.Error()))
	}
	return errs
}

func safeOnLoad(ctx context.Context, name string, fn OnLoadFunc, sess *sessions.Session) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &DispatchError{Handler: name, Phase: "on_load", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if err := fn(ctx, sess); err != nil {
		return &DispatchError{Handler: name, Phase: "on_load", Err: err}
	}
	return nil
}

func (r *Registry) loadFailed(err *LoadError) error {
	r.log.Warn("commands.load.fail",
		slog.String("kind", string(err.Kind)),
		slog.String("name", err.Descriptor),
		slog.String("err", err.Error()),
	)
	return err
}

func decodeFields(manifest []byte) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(manifest)) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(manifest, &fields); err != nil {
		return nil, fmt.Errorf("manifest is not a JSON object: %w", err)
	}
	return fields, nil
}

func present(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && string(v) != "null"
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := fields[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return strings.TrimSpace(s)
}
