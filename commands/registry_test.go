package commands

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/botfleet/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Context) error { return nil }

func cmd(manifest string) RawCommand {
	return RawCommand{Manifest: []byte(manifest), Run: noop}
}

func TestLoadCommandRequiresNameAndCategory(t *testing.T) {
	for _, manifest := range []string{
		`{"category":"util","prefix":true}`,
		`{"name":"","category":"util","prefix":true}`,
		`{"name":"ping","prefix":true}`,
	} {
		r := NewRegistry()
		errs := r.LoadCommands(cmd(manifest))
		require.Len(t, errs, 1, manifest)

		var le *LoadError
		require.True(t, errors.As(errs[0], &le))
		assert.Equal(t, KindCommand, le.Kind)
		assert.ErrorIs(t, errs[0], ErrMissingField)
		assert.Empty(t, r.Commands(), "registry must be unchanged")
	}
}

func TestLoadCommandRequiresPrefixDeclaration(t *testing.T) {
	r := NewRegistry()
	err := r.LoadCommand(cmd(`{"name":"ping","category":"util"}`))
	require.ErrorIs(t, err, ErrMissingField)

	require.NoError(t, r.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":false}`)))
	d, ok := r.Command("PING")
	require.True(t, ok)
	assert.False(t, d.RequiresPrefix)
}

func TestLoadCommandPremiumMode(t *testing.T) {
	r := NewRegistry(WithPremium(true))
	err := r.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":true}`))
	require.ErrorIs(t, err, ErrMissingField)

	require.NoError(t, r.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":true,"premium":false}`)))

	plain := NewRegistry()
	require.NoError(t, plain.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":true}`)))
}

func TestLoadCommandRejectsSchemaViolations(t *testing.T) {
	r := NewRegistry()
	err := r.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":"yes"}`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.LoadCommand(cmd(`{"name":"ping","category":"util","prefix":true,"cooldown":-5}`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.LoadCommand(cmd(`not json`))
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	err = r.LoadCommand(RawCommand{Manifest: []byte(`{"name":"ping","category":"util","prefix":true}`)})
	require.ErrorIs(t, err, ErrMissingField, "run handler is mandatory")
	assert.Empty(t, r.Commands())
}

func TestLoadCommandDuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry()
	first := cmd(`{"name":"ping","category":"util","prefix":true,"description":"first"}`)
	second := cmd(`{"name":"Ping","category":"util","prefix":true,"description":"second"}`)
	errs := r.LoadCommands(first, second)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrDuplicateName)

	d, ok := r.Command("ping")
	require.True(t, ok)
	assert.Equal(t, "first", d.Description)
}

func TestLoadCommandsContinuesAfterInvalid(t *testing.T) {
	r := NewRegistry()
	errs := r.LoadCommands(
		cmd(`{"category":"util","prefix":true}`),
		cmd(`{"name":"ping","category":"util","prefix":true,"cooldown":3}`),
		cmd(`{"name":"help","category":"util","prefix":true,"extra":"kept"}`),
	)
	require.Len(t, errs, 1)
	require.Len(t, r.Commands(), 2)
	assert.Equal(t, "ping", r.Commands()[0].Name)
	assert.Equal(t, 3, r.Summaries()[0].CooldownSeconds)
}

func TestLoadEventDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	errs := r.LoadEvents(
		RawEvent{Manifest: []byte(`{"name":"welcome","description":"first"}`), Handle: noop},
		RawEvent{Manifest: []byte(`{"name":"welcome","description":"second"}`), Handle: noop},
	)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrDuplicateName)
	require.Len(t, r.Events(), 1)
	assert.Equal(t, "first", r.Events()[0].Description)

	err := r.LoadEvent(RawEvent{Manifest: []byte(`{"description":"x"}`), Handle: noop})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDisabledDescriptorsAreSkipped(t *testing.T) {
	r := NewRegistry(WithDisabled([]string{"Ping"}, []string{"welcome"}))
	require.Empty(t, r.LoadCommands(cmd(`{"name":"ping","category":"util","prefix":true}`)))
	require.Empty(t, r.LoadEvents(RawEvent{Manifest: []byte(`{"name":"welcome"}`), Handle: noop}))
	assert.Empty(t, r.Commands())
	assert.Empty(t, r.Events())
}

func TestSummariesHidePremiumOutsidePremiumMode(t *testing.T) {
	r := NewRegistry()
	require.Empty(t, r.LoadCommands(
		cmd(`{"name":"ping","category":"util","prefix":true}`),
		cmd(`{"name":"vip","category":"util","prefix":true,"premium":true}`),
	))
	sums := r.Summaries()
	require.Len(t, sums, 1)
	assert.Equal(t, "ping", sums[0].Name)
}

func TestBindRunsOnLoadAndRecordsEventNames(t *testing.T) {
	r := NewRegistry()
	var loaded []string
	onLoad := func(name string) OnLoadFunc {
		return func(ctx context.Context, sess *sessions.Session) error {
			loaded = append(loaded, name+":"+sess.AccountID())
			return nil
		}
	}
	require.Empty(t, r.LoadCommands(
		RawCommand{Manifest: []byte(`{"name":"watch","category":"util","prefix":true}`), Run: noop, HandleEvent: noop, OnLoad: onLoad("watch")},
		RawCommand{Manifest: []byte(`{"name":"boom","category":"util","prefix":true}`), Run: noop, OnLoad: func(context.Context, *sessions.Session) error {
			panic("kaboom")
		}},
		cmd(`{"name":"ping","category":"util","prefix":true}`),
	))
	require.Empty(t, r.LoadEvents(RawEvent{Manifest: []byte(`{"name":"welcome"}`), Handle: noop, OnLoad: onLoad("welcome")}))

	watch, _ := r.Command("watch")
	ping, _ := r.Command("ping")
	assert.True(t, watch.HasOnLoad())
	assert.False(t, ping.HasOnLoad())
	assert.True(t, r.Events()[0].HasOnLoad())

	sess := sessions.New(sessions.Config{AccountID: "A1"})
	errs := r.Bind(context.Background(), sess)
	require.Len(t, errs, 1)
	var de *DispatchError
	require.True(t, errors.As(errs[0], &de))
	assert.Equal(t, "on_load", de.Phase)

	assert.Equal(t, []string{"watch:A1", "welcome:A1"}, loaded)
	assert.Equal(t, []string{"watch"}, sess.EventNames())
}

func TestManifestSchemasAreExposed(t *testing.T) {
	raw, err := CommandManifestSchema()
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.ElementsMatch(t, []any{"name", "category", "prefix"}, schema["required"])

	raw, err = EventManifestSchema()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Contains(t, schema["properties"], "eventTypes")
}
