package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	kjsonschema "github.com/kaptinlin/jsonschema"
)

// CommandManifest is the declarative part of a command descriptor.
type CommandManifest struct {
	Name        string `json:"name" jsonschema:"minLength=1,description=Unique command name"`
	Category    string `json:"category" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
	// Prefix reports whether the command must be invoked with the prefix.
	Prefix bool `json:"prefix"`
	// Premium marks the command as premium-only. Required in premium mode.
	Premium bool `json:"premium,omitempty"`
	// Cooldown in seconds between invocations by the same user.
	Cooldown int `json:"cooldown,omitempty" jsonschema:"minimum=0"`
}

// EventManifest is the declarative part of an event descriptor.
type EventManifest struct {
	Name        string `json:"name" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty"`
	// EventTypes restricts the handler to these event types. Empty means
	// every non-message event.
	EventTypes []string `json:"eventTypes,omitempty"`
}

type manifestSchemas struct {
	command     *kjsonschema.Schema
	event       *kjsonschema.Schema
	commandJSON []byte
	eventJSON   []byte
}

var compiledSchemas = sync.OnceValues(func() (*manifestSchemas, error) {
	cmdJSON, err := reflectSchema(new(CommandManifest))
	if err != nil {
		return nil, err
	}
	evJSON, err := reflectSchema(new(EventManifest))
	if err != nil {
		return nil, err
	}
	compiler := kjsonschema.NewCompiler()
	cmd, err := compiler.Compile(cmdJSON)
	if err != nil {
		return nil, fmt.Errorf("compile command manifest schema: %w", err)
	}
	ev, err := compiler.Compile(evJSON)
	if err != nil {
		return nil, fmt.Errorf("compile event manifest schema: %w", err)
	}
	return &manifestSchemas{command: cmd, event: ev, commandJSON: cmdJSON, eventJSON: evJSON}, nil
})

func reflectSchema(v any) ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(v)
	// Unknown manifest keys are tolerated so descriptors can carry extra metadata.
	s.AdditionalProperties = nil
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest schema: %w", err)
	}
	return b, nil
}

// CommandManifestSchema returns the JSON Schema command manifests are validated against.
func CommandManifestSchema() ([]byte, error) {
	s, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	return s.commandJSON, nil
}

// EventManifestSchema returns the JSON Schema event manifests are validated against.
func EventManifestSchema() ([]byte, error) {
	s, err := compiledSchemas()
	if err != nil {
		return nil, err
	}
	return s.eventJSON, nil
}

func validateManifest(schema *kjsonschema.Schema, raw []byte) error {
	result := schema.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for key, e := range result.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %v", key, e))
	}
	sort.Strings(msgs)
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
