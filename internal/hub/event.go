package hub

import (
	"encoding/json"
	"fmt"
)

// EntityState is one entity's current value, as returned by a full snapshot.
type EntityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// RawEvent is a single state-changed notification from the hub.
type RawEvent struct {
	EntityID   string
	OldValue   string
	NewValue   string
	Attributes map[string]any
}

// Message is one ordered item on the client's stream: either a full snapshot
// (emitted right after every successful (re)connect, before any incremental
// event from that session) or exactly one incremental event.
type Message struct {
	Snapshot []EntityState
	Event    *RawEvent
}

// frame is the hub's generic websocket envelope.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *eventFrame     `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

type eventFrame struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string       `json:"entity_id"`
		OldState *entityFrame `json:"old_state"`
		NewState *entityFrame `json:"new_state"`
	} `json:"data"`
}

type entityFrame struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// parseStateChanged extracts a RawEvent from an event frame.
// Returns nil for event types other than state_changed and for envelopes
// missing a new state (entity removals carry nothing worth relaying).
func parseStateChanged(ev *eventFrame) (*RawEvent, error) {
	if ev == nil {
		return nil, fmt.Errorf("empty event payload")
	}
	if ev.EventType != "state_changed" {
		return nil, nil
	}
	if ev.Data.NewState == nil {
		return nil, nil
	}

	raw := &RawEvent{
		EntityID:   ev.Data.EntityID,
		NewValue:   ev.Data.NewState.State,
		Attributes: ev.Data.NewState.Attributes,
	}
	if raw.EntityID == "" {
		raw.EntityID = ev.Data.NewState.EntityID
	}
	if ev.Data.OldState != nil {
		raw.OldValue = ev.Data.OldState.State
	}
	if raw.EntityID == "" {
		return nil, fmt.Errorf("state_changed without entity_id")
	}
	return raw, nil
}
