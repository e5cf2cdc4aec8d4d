package commands

import (
	"context"
	"time"

	"github.com/ggoodman/botfleet/sessions"
)

// HandlerFunc runs a command or event handler for one inbound event.
type HandlerFunc func(ctx context.Context, c *Context) error

// OnLoadFunc binds a descriptor to a freshly initialized session.
type OnLoadFunc func(ctx context.Context, sess *sessions.Session) error

// RawCommand is an unvalidated command definition. Manifest holds the JSON
// manifest; the functions are the executable parts.
type RawCommand struct {
	Manifest    []byte
	Run         HandlerFunc
	HandleEvent HandlerFunc
	OnLoad      OnLoadFunc
}

// RawEvent is an unvalidated event definition.
type RawEvent struct {
	Manifest []byte
	Handle   HandlerFunc
	OnLoad   OnLoadFunc
}

// CommandDescriptor is a validated command. Values are built only by the
// Registry and never modified afterwards.
type CommandDescriptor struct {
	Name           string
	Category       string
	Description    string
	Usage          string
	RequiresPrefix bool
	Premium        bool
	Cooldown       time.Duration

	run         HandlerFunc
	handleEvent HandlerFunc
	onLoad      OnLoadFunc
}

// HandlesEvent reports whether the command wants every non-ignored event of
// the sessions it is bound to.
func (d *CommandDescriptor) HandlesEvent() bool { return d.handleEvent != nil }

// HasOnLoad reports whether the command binds itself to new sessions.
func (d *CommandDescriptor) HasOnLoad() bool { return d.onLoad != nil }

// EventDescriptor is a validated event handler.
type EventDescriptor struct {
	Name        string
	Description string
	Types       []string

	handle HandlerFunc
	onLoad OnLoadFunc
}

// Matches reports whether the descriptor wants events of type typ.
func (d *EventDescriptor) Matches(typ string) bool {
	if len(d.Types) == 0 {
		return typ != "message" && typ != "message_reply"
	}
	for _, t := range d.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// HasOnLoad reports whether the event binds itself to new sessions.
func (d *EventDescriptor) HasOnLoad() bool { return d.onLoad != nil }

// Summary is the public listing of a loaded command.
type Summary struct {
	Name            string `json:"name"`
	Category        string `json:"category"`
	Description     string `json:"description,omitempty"`
	Usage           string `json:"usage,omitempty"`
	Prefix          bool   `json:"prefix"`
	Premium         bool   `json:"premium"`
	CooldownSeconds int    `json:"cooldown"`
}

func (d *CommandDescriptor) summary() Summary {
	return Summary{
		Name:            d.Name,
		Category:        d.Category,
		Description:     d.Description,
		Usage:           d.Usage,
		Prefix:          d.RequiresPrefix,
		Premium:         d.Premium,
		CooldownSeconds: int(d.Cooldown / time.Second),
	}
}
