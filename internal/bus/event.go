// Package bus implements the cache-invalidation fabric: typed events on a
// Redis pub/sub channel, published by application write paths and by the
// database notification bridge, consumed by the per-process caches.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies which cache family an event targets.
type Kind string

const (
	KindAPIKey      Kind = "apiKey"
	KindLLMConfig   Kind = "llmConfig"
	KindPersona     Kind = "persona"
	KindCascade     Kind = "cascade"
	KindPersonality Kind = "personality"
	KindChannel     Kind = "channel"
	KindDenylist    Kind = "denylist"
)

// Scope narrows an event within its kind. Not every kind uses every scope;
// Validate rejects illegal combinations.
type Scope string

const (
	ScopeAll         Scope = "all"
	ScopeUser        Scope = "user"
	ScopeConfig      Scope = "config"
	ScopeAdmin       Scope = "admin"
	ScopePersonality Scope = "personality"
	ScopeAdd         Scope = "add"
	ScopeRemove      Scope = "remove"
	ScopeNone        Scope = ""
)

// Event is one invalidation message. ID carries the user/config/personality
// identifier for scoped events and is empty for broad ones.
//
// Handlers must be idempotent: the bus may reorder or repeat events, and an
// "all" event subsumes any narrower event for the same kind.
type Event struct {
	Kind  Kind   `json:"kind"`
	Scope Scope  `json:"scope,omitempty"`
	ID    string `json:"id,omitempty"`
}

// validScopes lists the scopes each kind accepts.
var validScopes = map[Kind][]Scope{
	KindAPIKey:      {ScopeAll, ScopeUser},
	KindLLMConfig:   {ScopeAll, ScopeUser, ScopeConfig},
	KindPersona:     {ScopeAll, ScopeUser},
	KindCascade:     {ScopeAll, ScopeAdmin, ScopeUser, ScopePersonality},
	KindPersonality: {ScopeNone, ScopeAll},
	KindChannel:     {ScopeNone, ScopeAll},
	KindDenylist:    {ScopeAdd, ScopeRemove},
}

// Validate reports whether the event is a legal kind/scope/id combination.
// Scoped events (user, config, personality) require an id; broad events must
// not carry one.
func (e Event) Validate() error {
	scopes, ok := validScopes[e.Kind]
	if !ok {
		return fmt.Errorf("bus: unknown event kind %q", e.Kind)
	}

	found := false
	for _, s := range scopes {
		if e.Scope == s {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("bus: scope %q is not valid for kind %q", e.Scope, e.Kind)
	}

	switch e.Scope {
	case ScopeUser, ScopeConfig, ScopePersonality:
		if e.ID == "" {
			return fmt.Errorf("bus: %s/%s requires an id", e.Kind, e.Scope)
		}
	case ScopeAll, ScopeAdmin, ScopeNone:
		if e.ID != "" {
			return fmt.Errorf("bus: %s/%s must not carry an id", e.Kind, e.Scope)
		}
	}

	return nil
}

// String renders the event in the canonical "kind/scope[:id]" form used in
// logs and the database notification payloads.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Scope != ScopeNone {
		b.WriteByte('/')
		b.WriteString(string(e.Scope))
	}
	if e.ID != "" {
		b.WriteByte(':')
		b.WriteString(e.ID)
	}
	return b.String()
}

// ParseEvent decodes an event from its JSON wire form and validates it.
func ParseEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("bus: malformed event payload: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
