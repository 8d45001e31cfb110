package graph

import (
	"context"
	"testing"
	"time"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
)

type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

func testGraph(t *testing.T) (*Graph, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.NewBus()
	clock := &testClock{current: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	g, err := Open(t.TempDir(), WithBus(bus), WithClock(clock.now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g, bus
}

func collectEvents(bus *eventbus.Bus) *[]eventbus.Event {
	var events []eventbus.Event
	bus.Subscribe(eventbus.Wildcard, func(e eventbus.Event) error {
		events = append(events, e)
		return nil
	})
	return &events
}

func TestCreateEmitsAndPersists(t *testing.T) {
	g, bus := testGraph(t)
	events := collectEvents(bus)

	n, err := g.Create(CreateInput{CreateInput: node.CreateInput{
		Type: node.TypeTask, Title: "Implement authentication", Priority: node.PriorityHigh, Tags: []string{"api"},
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	loaded, err := g.Get(n.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if loaded.Status != node.StatusPending || loaded.Validity != node.ValidityCurrent || loaded.Version != 1 {
		t.Fatalf("defaults wrong: %+v", loaded)
	}
	if len(*events) != 1 || (*events)[0].Type != eventbus.NodeCreated {
		t.Fatalf("expected one node.created event, got %v", *events)
	}
}

func TestUpdateEmitsDeltasAndStatusChange(t *testing.T) {
	g, bus := testGraph(t)
	n, err := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A task"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	events := collectEvents(bus)

	active := node.StatusActive
	updated, err := g.Update(n.ID, node.UpdateInput{Status: &active})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version should increment, got %d", updated.Version)
	}
	if len(*events) != 2 {
		t.Fatalf("expected node.updated + node.status_changed, got %v", *events)
	}
	if (*events)[0].Type != eventbus.NodeUpdated || (*events)[1].Type != eventbus.NodeStatusChanged {
		t.Fatalf("wrong event sequence: %v, %v", (*events)[0].Type, (*events)[1].Type)
	}
	if (*events)[0].Payload.Before["status"] != "pending" || (*events)[0].Payload.After["status"] != "active" {
		t.Fatalf("deltas wrong: %+v", (*events)[0].Payload)
	}
}

func TestUpdateNoChangeIsNoOp(t *testing.T) {
	g, bus := testGraph(t)
	n, err := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A task"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	events := collectEvents(bus)

	pending := node.StatusPending
	same, err := g.Update(n.ID, node.UpdateInput{Status: &pending})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if same.Version != 1 {
		t.Fatalf("no-op update must not bump version, got %d", same.Version)
	}
	if len(*events) != 0 {
		t.Fatalf("no-op update must not emit, got %v", *events)
	}
}

func TestDeleteRemovesAllArtifacts(t *testing.T) {
	g, _ := testGraph(t)
	n, err := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Doomed"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	title := "Renamed"
	if _, err := g.Update(n.ID, node.UpdateInput{Title: &title}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := g.Delete(n.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := g.Get(n.ID); !cubeerr.Is(err, cubeerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	ids, err := g.Query(QueryOptions{})
	if err != nil || len(ids) != 0 {
		t.Fatalf("index should be empty after delete: %v, %v", ids, err)
	}
}

func TestLinkUnlinkRoundTripAndConflict(t *testing.T) {
	g, _ := testGraph(t)
	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A"}})
	b, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "B"}})

	linked, err := g.Link(a.ID, node.EdgeDependsOn, b.ID, nil)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(linked.Edges) != 1 {
		t.Fatalf("expected one edge, got %v", linked.Edges)
	}

	if _, err := g.Link(a.ID, node.EdgeDependsOn, b.ID, nil); !cubeerr.Is(err, cubeerr.Conflict) {
		t.Fatalf("second link must be Conflict, got %v", err)
	}

	unlinked, err := g.Unlink(a.ID, node.EdgeDependsOn, b.ID)
	if err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if len(unlinked.Edges) != 0 {
		t.Fatalf("edge set should return to prior state: %v", unlinked.Edges)
	}
	if _, err := g.Unlink(a.ID, node.EdgeDependsOn, b.ID); !cubeerr.Is(err, cubeerr.NotFound) {
		t.Fatalf("unlinking a missing edge must be NotFound, got %v", err)
	}
}

func TestLinkToMissingTargetFails(t *testing.T) {
	g, _ := testGraph(t)
	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A"}})
	if _, err := g.Link(a.ID, node.EdgeBlocks, "task/ghost-000000", nil); !cubeerr.Is(err, cubeerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestEdgeCoherenceAfterTargetDelete(t *testing.T) {
	g, _ := testGraph(t)
	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A"}})
	b, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "B"}})
	if _, err := g.Link(a.ID, node.EdgeDependsOn, b.ID, nil); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := g.Delete(b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// The edge row survives in A's file; the query still returns A.
	nodes, err := g.Query(QueryOptions{Filter: index.Filter{
		HasEdge: &index.EdgeFilter{Type: node.EdgeDependsOn, Direction: index.DirectionOut},
	}})
	if err != nil || len(nodes) != 1 || nodes[0].ID != a.ID {
		t.Fatalf("query after delete: %v, %v", nodes, err)
	}

	// Traversal filters the orphan reference out.
	reached, err := g.Traverse(TraverseOptions{
		StartNode: a.ID, Direction: index.DirectionOut,
		EdgeTypes: []node.EdgeType{node.EdgeDependsOn}, IncludeStart: true,
	})
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(reached) != 1 || reached[0].Node.ID != a.ID {
		t.Fatalf("traverse should reach only A, got %v", reached)
	}
}

func TestTraverseDepthPathAndDirections(t *testing.T) {
	g, _ := testGraph(t)
	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A"}})
	b, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "B"}})
	c, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "C"}})
	if _, err := g.Link(a.ID, node.EdgeBlocks, b.ID, nil); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := g.Link(b.ID, node.EdgeBlocks, c.ID, nil); err != nil {
		t.Fatalf("Link: %v", err)
	}

	out, err := g.Traverse(TraverseOptions{StartNode: a.ID, Direction: index.DirectionOut, IncludeStart: true})
	if err != nil {
		t.Fatalf("Traverse out: %v", err)
	}
	if len(out) != 3 || out[2].Depth != 2 {
		t.Fatalf("expected chain of 3, got %v", out)
	}
	if len(out[2].Path) != 3 || out[2].Path[0] != a.ID || out[2].Path[2] != c.ID {
		t.Fatalf("path wrong: %v", out[2].Path)
	}
	if out[0].Via != nil || out[1].Via == nil {
		t.Fatalf("via edges wrong: %+v", out)
	}

	in, err := g.Traverse(TraverseOptions{StartNode: c.ID, Direction: index.DirectionIn})
	if err != nil {
		t.Fatalf("Traverse in: %v", err)
	}
	if len(in) != 2 || in[0].Node.ID != b.ID || in[1].Node.ID != a.ID {
		t.Fatalf("incoming traversal wrong: %v", in)
	}

	capped, err := g.Traverse(TraverseOptions{StartNode: a.ID, Direction: index.DirectionOut, MaxDepth: 1})
	if err != nil || len(capped) != 1 {
		t.Fatalf("depth cap: %v, %v", capped, err)
	}
}

func TestQueryWithoutIndexFiltersEdgeDirections(t *testing.T) {
	bus := eventbus.NewBus()
	clock := &testClock{current: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	g, err := Open(t.TempDir(), WithBus(bus), WithClock(clock.now), WithoutIndex())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close()

	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Source"}})
	b, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Target"}})
	c, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Bystander"}})
	if _, err := g.Link(a.ID, node.EdgeBlocks, b.ID, nil); err != nil {
		t.Fatalf("Link: %v", err)
	}

	run := func(direction index.EdgeDirection) map[string]bool {
		t.Helper()
		nodes, err := g.Query(QueryOptions{Filter: index.Filter{
			HasEdge: &index.EdgeFilter{Type: node.EdgeBlocks, Direction: direction},
		}})
		if err != nil {
			t.Fatalf("Query %s: %v", direction, err)
		}
		ids := map[string]bool{}
		for _, n := range nodes {
			ids[n.ID] = true
		}
		return ids
	}

	out := run(index.DirectionOut)
	if len(out) != 1 || !out[a.ID] {
		t.Fatalf("out filter should return only the source: %v", out)
	}
	in := run(index.DirectionIn)
	if len(in) != 1 || !in[b.ID] {
		t.Fatalf("in filter should return only the target: %v", in)
	}
	both := run(index.DirectionBoth)
	if len(both) != 2 || !both[a.ID] || !both[b.ID] || both[c.ID] {
		t.Fatalf("both filter should return source and target: %v", both)
	}
}

func TestQueryStripsContentUnlessRequested(t *testing.T) {
	g, _ := testGraph(t)
	if _, err := g.Create(CreateInput{CreateInput: node.CreateInput{
		Type: node.TypeDoc, Title: "Doc", Content: "full body",
	}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stripped, err := g.Query(QueryOptions{})
	if err != nil || len(stripped) != 1 || stripped[0].Content != "" {
		t.Fatalf("content should be stripped: %v, %v", stripped, err)
	}
	full, err := g.Query(QueryOptions{IncludeContent: true})
	if err != nil || full[0].Content != "full body" {
		t.Fatalf("content should be included: %v, %v", full, err)
	}
}

func TestRebuildIndexReconcilesToFiles(t *testing.T) {
	g, _ := testGraph(t)
	for _, title := range []string{"One", "Two", "Three"} {
		if _, err := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: title}}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	count, errs, err := g.RebuildIndex(context.Background())
	if err != nil || len(errs) != 0 {
		t.Fatalf("RebuildIndex: %d, %v, %v", count, errs, err)
	}
	if count != 3 {
		t.Fatalf("expected 3 reindexed nodes, got %d", count)
	}
	stats, err := g.Stats()
	if err != nil || stats.Total != 3 {
		t.Fatalf("Stats after rebuild: %+v, %v", stats, err)
	}
}

func TestValidateEdgesReportsOrphans(t *testing.T) {
	g, _ := testGraph(t)
	a, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "A"}})
	b, _ := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "B"}})
	if _, err := g.Link(a.ID, node.EdgeRelatesTo, b.ID, nil); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := g.Delete(b.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	issues, err := g.ValidateEdges()
	if err != nil {
		t.Fatalf("ValidateEdges: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != "orphan" || issues[0].NodeID != a.ID {
		t.Fatalf("expected one orphan issue, got %v", issues)
	}
}

func TestTypesDescriptor(t *testing.T) {
	d := Types()
	if len(d.NodeTypes) != 12 || len(d.EdgeTypes) != 16 || len(d.Priorities) != 4 {
		t.Fatalf("descriptor incomplete: %+v", d)
	}
}

func TestOpenRebuildsEmptyIndexFromFiles(t *testing.T) {
	root := t.TempDir()
	bus := eventbus.NewBus()
	g, err := Open(root, WithBus(bus))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := g.Create(CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Survivor"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	g.Close()

	// Simulate index loss: reopen against a fresh index file.
	if err := removeIndexFiles(root); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	reopened, err := Open(root, WithBus(bus))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	stats, err := reopened.Stats()
	if err != nil || stats.Total != 1 {
		t.Fatalf("startup rebuild should restore the mirror: %+v, %v", stats, err)
	}
}
