package node

import (
	"regexp"
	"testing"
	"time"
)

func TestCreateDerivesID(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := Create(CreateInput{Type: TypeTask, Title: "Implement authentication", Priority: PriorityHigh, Tags: []string{"api"}}, now)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	idPattern := regexp.MustCompile(`^task/[-a-z0-9]{1,50}-[0-9a-f]{6}$`)
	if !idPattern.MatchString(n.ID) {
		t.Fatalf("id %q does not match expected pattern", n.ID)
	}
	if n.Status != StatusPending || n.Validity != ValidityCurrent || n.Version != 1 {
		t.Fatalf("unexpected defaults: %+v", n)
	}
	if len(n.Ordering.SemanticHash) != 16 {
		t.Fatalf("expected 16-char semantic hash, got %q", n.Ordering.SemanticHash)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := Create(CreateInput{Type: TypeTask, Title: "Implement authentication", Priority: PriorityHigh, Tags: []string{"api"}}, now)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	n.Content = "Wire up the login flow."

	encoded, err := Encode(n)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	decoded, err := Decode(encoded, "")
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	decoded.FilePath = n.FilePath
	if decoded.ID != n.ID || decoded.Title != n.Title || decoded.Content != n.Content {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, n)
	}
	if decoded.Priority != n.Priority || len(decoded.Tags) != 1 || decoded.Tags[0] != "api" {
		t.Fatalf("round trip lost fields: %+v", decoded)
	}
}

func TestUpdateRecomputesHashOnlyWhenNeeded(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n, _ := Create(CreateInput{Type: TypeTask, Title: "A"}, now)
	originalHash := n.Ordering.SemanticHash

	blocked := StatusBlocked
	updated, err := Update(n, UpdateInput{Status: &blocked}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Ordering.SemanticHash != originalHash {
		t.Fatalf("status-only update should not change semantic hash")
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	newContent := "different content entirely"
	updated2, err := Update(updated, UpdateInput{Content: &newContent}, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated2.Ordering.SemanticHash == originalHash {
		t.Fatalf("content update should change semantic hash")
	}
}

func TestAddAndRemoveEdge(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a, _ := Create(CreateInput{Type: TypeTask, Title: "A"}, now)
	withEdge, err := AddEdge(a, EdgeInput{Type: EdgeDependsOn, To: "task/b-000001"}, now)
	if err != nil {
		t.Fatalf("AddEdge returned error: %v", err)
	}
	if len(withEdge.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(withEdge.Edges))
	}
	edgeID := withEdge.Edges[0].ID
	withoutEdge, removed := RemoveEdge(withEdge, edgeID, now)
	if !removed {
		t.Fatalf("expected edge to be removed")
	}
	if len(withoutEdge.Edges) != 0 {
		t.Fatalf("expected 0 edges after removal, got %d", len(withoutEdge.Edges))
	}
}

func TestDecodeMissingHeaderFails(t *testing.T) {
	_, err := Decode([]byte("no header here"), "")
	if err != ErrMissingHeader {
		t.Fatalf("expected ErrMissingHeader, got %v", err)
	}
}
