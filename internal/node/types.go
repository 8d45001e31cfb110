// Package node defines the cube's knowledge unit: a typed, versioned
// node with directed edges to other nodes, and the on-disk codec that
// renders it as a frontmatter-headed text file.
package node

import "time"

// Type enumerates the kinds of knowledge a node can carry.
type Type string

const (
	TypeTask         Type = "task"
	TypeDoc          Type = "doc"
	TypeCode         Type = "code"
	TypeDecision     Type = "decision"
	TypeIdeation     Type = "ideation"
	TypeBrainfart    Type = "brainfart"
	TypeResearch     Type = "research"
	TypeConversation Type = "conversation"
	TypeConcept      Type = "concept"
	TypeEvent        Type = "event"
	TypeAgent        Type = "agent"
	TypeProject      Type = "project"
)

// Types lists every valid node type, in canonical order.
func Types() []Type {
	return []Type{
		TypeTask, TypeDoc, TypeCode, TypeDecision, TypeIdeation,
		TypeBrainfart, TypeResearch, TypeConversation, TypeConcept,
		TypeEvent, TypeAgent, TypeProject,
	}
}

func (t Type) valid() bool {
	for _, candidate := range Types() {
		if candidate == t {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusComplete Status = "complete"
	StatusArchived Status = "archived"
)

// Statuses lists every valid status, in canonical order.
func Statuses() []Status {
	return []Status{StatusPending, StatusClaimed, StatusActive, StatusBlocked, StatusComplete, StatusArchived}
}

func (s Status) valid() bool {
	for _, candidate := range Statuses() {
		if candidate == s {
			return true
		}
	}
	return false
}

// Validity tracks whether a node's content is still trustworthy.
type Validity string

const (
	ValidityCurrent    Validity = "current"
	ValidityStale      Validity = "stale"
	ValiditySuperseded Validity = "superseded"
	ValidityArchived   Validity = "archived"
)

// Validities lists every valid validity state, in canonical order.
func Validities() []Validity {
	return []Validity{ValidityCurrent, ValidityStale, ValiditySuperseded, ValidityArchived}
}

func (v Validity) valid() bool {
	for _, candidate := range Validities() {
		if candidate == v {
			return true
		}
	}
	return false
}

// Priority ranks a node's urgency. The ordering below (index 0 highest)
// is the canonical sort order used by queries and the work queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Priorities lists every valid priority, highest first.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) valid() bool {
	for _, candidate := range Priorities() {
		if candidate == p {
			return true
		}
	}
	return false
}

// Rank returns the sort weight of a priority; lower sorts first.
func (p Priority) Rank() int {
	for i, candidate := range Priorities() {
		if candidate == p {
			return i
		}
	}
	return len(Priorities())
}

// EdgeType enumerates the directed relations a node may hold.
type EdgeType string

const (
	EdgeImplements  EdgeType = "implements"
	EdgeDocuments   EdgeType = "documents"
	EdgeSourcedFrom EdgeType = "sourced-from"
	EdgeBlocks      EdgeType = "blocks"
	EdgeBlockedBy   EdgeType = "blocked-by"
	EdgeDependsOn   EdgeType = "depends-on"
	EdgeSpawns      EdgeType = "spawns"
	EdgeBecomes     EdgeType = "becomes"
	EdgeRelatesTo   EdgeType = "relates-to"
	EdgePartOf      EdgeType = "part-of"
	EdgeSupersedes  EdgeType = "supersedes"
	EdgeInvalidates EdgeType = "invalidates"
	EdgeDerivedFrom EdgeType = "derived-from"
	EdgeAssignedTo  EdgeType = "assigned-to"
	EdgeOwnedBy     EdgeType = "owned-by"
	EdgeLockedBy    EdgeType = "locked-by"
)

// EdgeTypes lists every valid edge type, in canonical order.
func EdgeTypes() []EdgeType {
	return []EdgeType{
		EdgeImplements, EdgeDocuments, EdgeSourcedFrom, EdgeBlocks, EdgeBlockedBy,
		EdgeDependsOn, EdgeSpawns, EdgeBecomes, EdgeRelatesTo, EdgePartOf,
		EdgeSupersedes, EdgeInvalidates, EdgeDerivedFrom, EdgeAssignedTo,
		EdgeOwnedBy, EdgeLockedBy,
	}
}

func (e EdgeType) valid() bool {
	for _, candidate := range EdgeTypes() {
		if candidate == e {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relation owned by its source node.
type Edge struct {
	ID        string            `json:"id" yaml:"-"`
	From      string            `json:"from" yaml:"-"`
	To        string            `json:"to" yaml:"target"`
	Type      EdgeType          `json:"type" yaml:"type"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
}

// EdgeID returns the deterministic identifier for an edge with the given
// source, type, and target.
func EdgeID(from string, edgeType EdgeType, to string) string {
	return from + "--" + string(edgeType) + "-->" + to
}

// Ordering records provenance for a node's content lineage.
type Ordering struct {
	SupersededBy    string `json:"superseded_by,omitempty" yaml:"superseded_by"`
	SemanticHash    string `json:"semantic_hash" yaml:"semantic_hash"`
	SourceFreshness string `json:"source_freshness,omitempty" yaml:"source_freshness"`
}

// Node is a typed, versioned unit of knowledge.
type Node struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Version        int        `json:"version"`
	Status         Status     `json:"status"`
	Validity       Validity   `json:"validity"`
	Confidence     float64    `json:"confidence"`
	Priority       Priority   `json:"priority"`
	Tags           []string   `json:"tags"`
	CreatedBy      string     `json:"created_by,omitempty"`
	AssignedTo     string     `json:"assigned_to,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ModifiedAt     time.Time  `json:"modified_at"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	Ordering       Ordering   `json:"ordering"`
	Edges          []Edge     `json:"edges"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	ContentPreview string     `json:"content_preview"`
	FilePath       string     `json:"file_path,omitempty"`
}

// CreateInput carries the caller-supplied fields for Create.
type CreateInput struct {
	Type       Type
	Title      string
	Content    string
	Status     Status
	Priority   Priority
	Tags       []string
	AssignedTo string
	CreatedBy  string
	DueAt      *time.Time
}

// UpdateInput carries a partial set of fields for Update; nil/zero
// fields are left unchanged except where noted on Update itself.
type UpdateInput struct {
	Title      *string
	Content    *string
	Status     *Status
	Validity   *Validity
	Priority   *Priority
	Confidence *float64
	Tags       *[]string
	AssignedTo *string
	LockedBy   *string
	DueAt      **time.Time
}

// EdgeInput describes a new edge to attach during creation or via AddEdge.
type EdgeInput struct {
	Type     EdgeType
	To       string
	Metadata map[string]string
}
