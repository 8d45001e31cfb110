// Package eventbus implements the cube's in-process publish/subscribe
// fabric: typed and wildcard subscriptions, once-only handlers,
// pause/resume queueing, and both awaited and fire-and-forget delivery.
package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cubed/internal/node"
)

// Type tags an event with its variant. The catalog is closed: graph
// mutations emit node.* and edge.*, the orchestrator emits agent.* and
// work.*, the trigger engine emits trigger.*.
type Type string

const (
	NodeCreated         Type = "node.created"
	NodeUpdated         Type = "node.updated"
	NodeDeleted         Type = "node.deleted"
	NodeStatusChanged   Type = "node.status_changed"
	NodeValidityChanged Type = "node.validity_changed"

	EdgeCreated Type = "edge.created"
	EdgeDeleted Type = "edge.deleted"

	CodeFileChanged Type = "code.file_changed"

	AgentRegistered    Type = "agent.registered"
	AgentUnregistered  Type = "agent.unregistered"
	AgentStatusChanged Type = "agent.status_changed"
	AgentStale         Type = "agent.stale"

	CubeInitialized Type = "cube.initialized"

	TriggerFired Type = "trigger.fired"
	TriggerError Type = "trigger.error"

	WorkEnqueued  Type = "work.enqueued"
	WorkClaimed   Type = "work.claimed"
	WorkReleased  Type = "work.released"
	WorkCompleted Type = "work.completed"
	WorkFailed    Type = "work.failed"
	WorkExpired   Type = "work.expired"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Payload carries the variant-specific data of an event. Fields are
// populated per type: node.* events carry Node (and for updates the
// Before/After field deltas), edge.* events carry Edge, agent.* and
// work.* events carry the relevant ids.
type Payload struct {
	Node      *node.Node     `json:"node,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Edge      *node.Edge     `json:"edge,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	TriggerID string         `json:"triggerId,omitempty"`
	Actions   []string       `json:"actions,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	FilePath  string         `json:"filePath,omitempty"`
}

// Event is an immutable record of something that happened.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New builds an event stamped with a fresh id and the current instant.
func New(t Type, payload Payload) Event {
	return NewAt(t, payload, time.Now())
}

// NewAt builds an event with an explicit timestamp, for callers that
// inject their own clock.
func NewAt(t Type, payload Payload, ts time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: ts.UTC(),
		Payload:   payload,
	}
}

// NodeID returns the id of the node the event concerns, if any.
func (e Event) NodeID() string {
	if e.Payload.Node != nil {
		return e.Payload.Node.ID
	}
	if e.Payload.NodeID != "" {
		return e.Payload.NodeID
	}
	if e.Payload.Edge != nil {
		return e.Payload.Edge.From
	}
	return ""
}
