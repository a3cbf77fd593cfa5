package vici

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SetSchema installs a JSON Schema that every outbound message body for
// cmd must satisfy before it reaches the wire. A decoded Message is
// converted to a plain map[string]any for validation, the same
// representation the schema compiler expects elsewhere in this codebase.
// Passing a nil schema for cmd removes any schema previously set.
func (c *Client) SetSchema(cmd string, schema []byte) error {
	c.schemas.mu.Lock()
	defer c.schemas.mu.Unlock()
	if c.schemas.byCmd == nil {
		c.schemas.byCmd = make(map[string]*jsonschema.Schema)
	}
	if schema == nil {
		delete(c.schemas.byCmd, cmd)
		return nil
	}

	compiler := jsonschema.NewCompiler()
	resource := "vici/" + cmd + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(string(schema))); err != nil {
		return fmt.Errorf("vici: schema for %s: %w", cmd, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("vici: schema for %s: %w", cmd, err)
	}
	c.schemas.byCmd[cmd] = compiled
	return nil
}

// schemaSet holds the per-command validators installed by SetSchema.
type schemaSet struct {
	mu    sync.RWMutex
	byCmd map[string]*jsonschema.Schema
}

// validate checks message against the schema registered for cmd, if any.
// A command with no registered schema always passes.
func (s *schemaSet) validate(cmd string, message *Message) error {
	s.mu.RLock()
	schema, ok := s.byCmd[cmd]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	doc := messageToMap(message)
	if err := schema.Validate(doc); err != nil {
		return dataErr(fmt.Sprintf("message for %s failed schema validation: %v", cmd, err))
	}
	return nil
}

// messageToMap converts a Message into a plain map[string]any so it can be
// checked against a compiled JSON Schema; nested sections and lists
// convert recursively.
func messageToMap(m *Message) map[string]any {
	out := make(map[string]any)
	if m == nil {
		return out
	}
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch val := v.(type) {
		case *Message:
			out[k] = messageToMap(val)
		case []string:
			items := make([]any, len(val))
			for i, item := range val {
				items[i] = item
			}
			out[k] = items
		default:
			out[k] = val
		}
	}
	return out
}
