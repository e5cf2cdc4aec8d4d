// Package builtin ships the command and event descriptors compiled into the
// binary. Manifests live next to the code under manifests/.
package builtin

import (
	"context"
	"embed"
	"fmt"
	"math/rand/v2"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/transport"
)

//go:embed manifests/*.json
var manifests embed.FS

// intn picks the secret number of the guess game.
var intn = rand.IntN

func manifest(name string) []byte {
	b, err := manifests.ReadFile(path.Join("manifests", name+".json"))
	if err != nil {
		// Missing manifests fail validation at load time.
		return nil
	}
	return b
}

// Commands returns the built-in command descriptors.
func Commands() []commands.RawCommand {
	return []commands.RawCommand{
		{Manifest: manifest("help"), Run: runHelp},
		{Manifest: manifest("ping"), Run: runPing},
		{Manifest: manifest("uptime"), Run: runUptime},
		{Manifest: manifest("prefix"), Run: runPrefix},
		{Manifest: manifest("guess"), Run: runGuess},
	}
}

// Events returns the built-in event descriptors.
func Events() []commands.RawEvent {
	return []commands.RawEvent{
		{Manifest: manifest("welcome"), Handle: threadNotice("log:subscribe", "Welcome to the thread!")},
		{Manifest: manifest("goodbye"), Handle: threadNotice("log:unsubscribe", "Goodbye!")},
	}
}

func runPing(ctx context.Context, c *commands.Context) error {
	_, err := c.Reply(ctx, "pong")
	return err
}

func runHelp(ctx context.Context, c *commands.Context) error {
	if len(c.Args) > 0 {
		d, ok := c.Registry.Command(c.Args[0])
		if !ok {
			_, err := c.Reply(ctx, fmt.Sprintf("Unknown command %q.", c.Args[0]))
			return err
		}
		usage := d.Usage
		if usage == "" {
			usage = d.Name
		}
		if d.RequiresPrefix {
			usage = c.Prefix + usage
		}
		_, err := c.Reply(ctx, fmt.Sprintf("%s: %s\nUsage: %s", d.Name, d.Description, usage))
		return err
	}

	byCategory := map[string][]string{}
	var categories []string
	for _, s := range c.Registry.Summaries() {
		if _, ok := byCategory[s.Category]; !ok {
			categories = append(categories, s.Category)
		}
		byCategory[s.Category] = append(byCategory[s.Category], s.Name)
	}
	var b strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(cat), strings.Join(byCategory[cat], ", "))
	}
	fmt.Fprintf(&b, "Use %shelp <command> for details.", c.Prefix)
	_, err := c.Reply(ctx, b.String())
	return err
}

func runUptime(ctx context.Context, c *commands.Context) error {
	online := time.Duration(c.Session.Elapsed()) * time.Second
	_, err := c.Reply(ctx, fmt.Sprintf("%s has been online for %s.", c.Session.Identity().Name, online))
	return err
}

func runPrefix(ctx context.Context, c *commands.Context) error {
	name := c.Session.Settings().BotName
	if name == "" {
		name = c.Session.Identity().Name
	}
	_, err := c.Reply(ctx, fmt.Sprintf("The prefix of %s is %q.", name, c.Prefix))
	return err
}

func runGuess(ctx context.Context, c *commands.Context) error {
	secret := intn(10) + 1
	id, err := c.Reply(ctx, "I picked a number between 1 and 10. Reply to this message with your guess.")
	if err != nil {
		return err
	}
	var await func(messageID string)
	await = func(messageID string) {
		c.AwaitReply(messageID, func(ctx context.Context, ev *transport.Event) error {
			n, err := strconv.Atoi(strings.TrimSpace(ev.Body))
			var reply string
			switch {
			case err != nil:
				reply = "That is not a number. Reply with a number between 1 and 10."
			case n < secret:
				reply = "Higher!"
			case n > secret:
				reply = "Lower!"
			default:
				_, err := c.Send(ctx, ev.ThreadID, fmt.Sprintf("Correct, it was %d!", secret))
				return err
			}
			next, err := c.Session.Capability().Send(ctx, transport.OutboundMessage{ThreadID: ev.ThreadID, Body: reply, ReplyTo: ev.MessageID})
			if err != nil {
				return err
			}
			await(next)
			return nil
		})
	}
	await(id)
	return nil
}

func threadNotice(logType, body string) commands.HandlerFunc {
	return func(ctx context.Context, c *commands.Context) error {
		if c.Event.LogType != logType || c.Event.ThreadID == "" {
			return nil
		}
		if c.Event.SenderID == c.Session.AccountID() {
			return nil
		}
		_, err := c.Send(ctx, c.Event.ThreadID, body)
		return err
	}
}
