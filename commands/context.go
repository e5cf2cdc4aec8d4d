package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
)

// Context is what a handler sees for one inbound event.
type Context struct {
	Session *sessions.Session
	Event   *transport.Event
	// Command is the resolved command; nil for event handlers.
	Command *CommandDescriptor
	// Args are the words following the command name.
	Args []string
	// Prefix is the prefix in effect for the session.
	Prefix   string
	Registry *Registry
	Logger   *slog.Logger
}

// Reply sends body to the thread the event came from, quoting the event.
func (c *Context) Reply(ctx context.Context, body string) (string, error) {
	if c.Event == nil {
		return "", errors.New("reply: no event")
	}
	return c.Session.Capability().Send(ctx, transport.OutboundMessage{
		ThreadID: c.Event.ThreadID,
		Body:     body,
		ReplyTo:  c.Event.MessageID,
	})
}

// Send sends body to threadID.
func (c *Context) Send(ctx context.Context, threadID, body string) (string, error) {
	return c.Session.Capability().Send(ctx, transport.OutboundMessage{ThreadID: threadID, Body: body})
}

// AwaitReply resumes fn when the event's sender replies to messageID.
func (c *Context) AwaitReply(messageID string, fn sessions.ContinuationFunc) {
	c.Session.Replies().Put(messageID, c.continuation(fn))
}

// AwaitReaction resumes fn when the event's sender reacts to messageID.
func (c *Context) AwaitReaction(messageID string, fn sessions.ContinuationFunc) {
	c.Session.Reactions().Put(messageID, c.continuation(fn))
}

func (c *Context) continuation(fn sessions.ContinuationFunc) sessions.Continuation {
	cont := sessions.Continuation{Handle: fn}
	if c.Command != nil {
		cont.Command = c.Command.Name
	}
	if c.Event != nil {
		cont.AuthorID = c.Event.SenderID
	}
	return cont
}
