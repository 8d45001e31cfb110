package node

import (
	"fmt"
	"time"
)

// Create builds a new node with version 1, deriving its id, semantic
// hash and content preview. now is the creation instant; callers that
// retry on id collision pass distinct instants.
func Create(input CreateInput, now time.Time) (Node, error) {
	if !input.Type.valid() {
		return Node{}, fmt.Errorf("node: invalid type %q", input.Type)
	}
	status := input.Status
	if status == "" {
		status = StatusPending
	}
	if !status.valid() {
		return Node{}, fmt.Errorf("node: invalid status %q", status)
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.valid() {
		return Node{}, fmt.Errorf("node: invalid priority %q", priority)
	}
	now = now.UTC()
	n := Node{
		ID:             deriveID(input.Type, input.Title, now.UnixMilli()),
		Type:           input.Type,
		Version:        1,
		Status:         status,
		Validity:       ValidityCurrent,
		Confidence:     1.0,
		Priority:       priority,
		Tags:           append([]string{}, input.Tags...),
		CreatedBy:      input.CreatedBy,
		AssignedTo:     input.AssignedTo,
		CreatedAt:      now,
		ModifiedAt:     now,
		DueAt:          input.DueAt,
		Title:          input.Title,
		Content:        input.Content,
		ContentPreview: contentPreview(input.Content),
	}
	n.Ordering.SemanticHash = semanticHash(n.Title, n.Content)
	return n, nil
}

// Update returns a copy of n with the supplied partial changes applied,
// incrementing Version and refreshing ModifiedAt. Title/Content changes
// trigger recomputation of the preview and semantic hash.
func Update(n Node, partial UpdateInput, now time.Time) (Node, error) {
	updated := n
	titleOrContentChanged := false
	if partial.Title != nil {
		updated.Title = *partial.Title
		titleOrContentChanged = true
	}
	if partial.Content != nil {
		updated.Content = *partial.Content
		titleOrContentChanged = true
	}
	if partial.Status != nil {
		if !partial.Status.valid() {
			return Node{}, fmt.Errorf("node: invalid status %q", *partial.Status)
		}
		updated.Status = *partial.Status
	}
	if partial.Validity != nil {
		if !partial.Validity.valid() {
			return Node{}, fmt.Errorf("node: invalid validity %q", *partial.Validity)
		}
		updated.Validity = *partial.Validity
	}
	if partial.Priority != nil {
		if !partial.Priority.valid() {
			return Node{}, fmt.Errorf("node: invalid priority %q", *partial.Priority)
		}
		updated.Priority = *partial.Priority
	}
	if partial.Confidence != nil {
		updated.Confidence = *partial.Confidence
	}
	if partial.Tags != nil {
		updated.Tags = append([]string{}, (*partial.Tags)...)
	}
	if partial.AssignedTo != nil {
		updated.AssignedTo = *partial.AssignedTo
	}
	if partial.LockedBy != nil {
		updated.LockedBy = *partial.LockedBy
	}
	if partial.DueAt != nil {
		updated.DueAt = *partial.DueAt
	}
	if titleOrContentChanged {
		updated.ContentPreview = contentPreview(updated.Content)
		updated.Ordering.SemanticHash = semanticHash(updated.Title, updated.Content)
	}
	updated.Version = n.Version + 1
	updated.ModifiedAt = now.UTC()
	return updated, nil
}

// AddEdge appends a new outgoing edge to n. No deduplication is
// performed here; callers that must enforce edge uniqueness check
// before calling.
func AddEdge(n Node, input EdgeInput, now time.Time) (Node, error) {
	if !input.Type.valid() {
		return Node{}, fmt.Errorf("node: invalid edge type %q", input.Type)
	}
	if input.To == "" {
		return Node{}, fmt.Errorf("node: edge target is required")
	}
	edge := Edge{
		ID:        EdgeID(n.ID, input.Type, input.To),
		From:      n.ID,
		To:        input.To,
		Type:      input.Type,
		Metadata:  input.Metadata,
		CreatedAt: now.UTC(),
	}
	updated := n
	updated.Edges = append(append([]Edge{}, n.Edges...), edge)
	updated.Version = n.Version + 1
	updated.ModifiedAt = now.UTC()
	return updated, nil
}

// RemoveEdge filters out the edge with the given id, if present.
func RemoveEdge(n Node, edgeID string, now time.Time) (Node, bool) {
	kept := make([]Edge, 0, len(n.Edges))
	removed := false
	for _, e := range n.Edges {
		if e.ID == edgeID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return n, false
	}
	updated := n
	updated.Edges = kept
	updated.Version = n.Version + 1
	updated.ModifiedAt = now.UTC()
	return updated, true
}
