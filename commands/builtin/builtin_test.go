package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
	"github.com/ggoodman/botfleet/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...commands.RegistryOption) (*commands.Dispatcher, *sessions.Session, *memory.Network) {
	t.Helper()
	reg := commands.NewRegistry(opts...)
	require.Empty(t, reg.LoadCommands(Commands()...))
	require.Empty(t, reg.LoadEvents(Events()...))

	n := memory.New()
	n.Register("bot", transport.Identity{Name: "Fleet Bot"}, json.RawMessage(`"bot"`))
	capab, err := n.Authenticate(context.Background(), transport.Credentials{Snapshot: json.RawMessage(`"bot"`)})
	require.NoError(t, err)
	sess := sessions.New(sessions.Config{AccountID: "bot", Capability: capab, Identity: transport.Identity{Name: "Fleet Bot"}, Elapsed: 90})
	reg.Bind(context.Background(), sess)
	return commands.NewDispatcher(reg, commands.WithDefaultPrefix("/")), sess, n
}

func say(d *commands.Dispatcher, sess *sessions.Session, sender, body string) {
	d.Dispatch(context.Background(), sess, &transport.Event{Type: transport.EventMessage, ThreadID: "t1", SenderID: sender, MessageID: "in-" + body, Body: body})
}

func lastSent(t *testing.T, n *memory.Network) transport.OutboundMessage {
	t.Helper()
	sent := n.Sent("bot")
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func TestBuiltinsLoadInPremiumMode(t *testing.T) {
	setup(t, commands.WithPremium(true))
}

func TestPing(t *testing.T) {
	d, sess, n := setup(t)
	say(d, sess, "u1", "/ping")
	got := lastSent(t, n)
	assert.Equal(t, "pong", got.Body)
	assert.Equal(t, "in-/ping", got.ReplyTo)
}

func TestHelpListsAndDescribes(t *testing.T) {
	d, sess, n := setup(t)
	say(d, sess, "u1", "/help")
	body := lastSent(t, n).Body
	assert.Contains(t, body, "SYSTEM: help, ping, uptime, prefix")
	assert.Contains(t, body, "GAME: guess")

	say(d, sess, "u1", "/help ping")
	assert.Contains(t, lastSent(t, n).Body, "Usage: /ping")
}

func TestUptimeAndPrefix(t *testing.T) {
	d, sess, n := setup(t)
	say(d, sess, "u1", "/uptime")
	assert.Equal(t, "Fleet Bot has been online for 1m30s.", lastSent(t, n).Body)

	sess.UpdateSettings(func(s *sessions.Settings) { s.Prefix = "!"; s.BotName = "Jarvis" })
	say(d, sess, "u1", "prefix")
	assert.Equal(t, `The prefix of Jarvis is "!".`, lastSent(t, n).Body)
}

func TestGuessGame(t *testing.T) {
	prev := intn
	intn = func(int) int { return 6 } // secret is 7
	t.Cleanup(func() { intn = prev })

	d, sess, n := setup(t)
	say(d, sess, "u1", "/guess")
	prompt := n.Sent("bot")
	require.Len(t, prompt, 1)
	promptID := "mid.1"

	reply := func(sender, to, body string) {
		d.Dispatch(context.Background(), sess, &transport.Event{
			Type: transport.EventMessageReply, ThreadID: "t1", SenderID: sender, MessageID: "r-" + body, ReplyTo: to, Body: body,
		})
	}

	reply("u2", promptID, "7")
	assert.Len(t, n.Sent("bot"), 1, "other users cannot answer")

	reply("u1", promptID, "3")
	assert.Equal(t, "Higher!", lastSent(t, n).Body)

	reply("u1", "mid.2", "9")
	assert.Equal(t, "Lower!", lastSent(t, n).Body)

	reply("u1", "mid.3", "7")
	assert.True(t, strings.HasPrefix(lastSent(t, n).Body, "Correct"))
	assert.Equal(t, 0, sess.Replies().Len())
}

func TestWelcomeEvent(t *testing.T) {
	d, sess, n := setup(t)
	d.Dispatch(context.Background(), sess, &transport.Event{Type: transport.EventLog, LogType: "log:subscribe", ThreadID: "t9", SenderID: "admin"})
	assert.Equal(t, transport.OutboundMessage{ThreadID: "t9", Body: "Welcome to the thread!"}, lastSent(t, n))

	d.Dispatch(context.Background(), sess, &transport.Event{Type: transport.EventLog, LogType: "log:unsubscribe", ThreadID: "t9", SenderID: "bot"})
	assert.Len(t, n.Sent("bot"), 1, "the bot's own actions are ignored")
}
