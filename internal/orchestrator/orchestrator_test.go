package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/kingrea/cubed/internal/agent"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/node"
	"github.com/kingrea/cubed/internal/queue"
)

type testClock struct {
	current time.Time
}

func (c *testClock) now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

type fixture struct {
	graph  *graph.Graph
	agents *agent.Registry
	queue  *queue.Queue
	bus    *eventbus.Bus
	orch   *Orchestrator
	clock  *testClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	bus := eventbus.NewBus()
	clock := &testClock{current: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)}
	g, err := graph.Open(t.TempDir(), graph.WithBus(bus), graph.WithClock(clock.now))
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	agents, err := agent.NewRegistry(g.Root(), agent.WithBus(bus), agent.WithClock(clock.now))
	if err != nil {
		t.Fatalf("agent.NewRegistry: %v", err)
	}
	q := queue.New(g, agents, queue.WithBus(bus), queue.WithClock(clock.now))
	orch := New(g, agents, q, bus, opts)
	return &fixture{graph: g, agents: agents, queue: q, bus: bus, orch: orch, clock: clock}
}

func TestPendingTaskNodesAutoEnqueue(t *testing.T) {
	f := newFixture(t, Options{})
	f.orch.Start()
	defer f.orch.Stop()

	created, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Auto"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if items := f.queue.GetQueued(); len(items) != 1 || items[0].TaskID != created.ID {
		t.Fatalf("pending task should auto-enqueue: %v", items)
	}

	// A doc does not enqueue.
	if _, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeDoc, Title: "Not work"}}); err != nil {
		t.Fatalf("Create doc: %v", err)
	}
	if items := f.queue.GetQueued(); len(items) != 1 {
		t.Fatalf("doc must not enqueue: %v", items)
	}
}

func TestStatusChangeBackToPendingReenqueues(t *testing.T) {
	f := newFixture(t, Options{})
	created, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{
		Type: node.TypeTask, Title: "Later", Status: node.StatusBlocked,
	}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.orch.Start()
	defer f.orch.Stop()
	if items := f.queue.GetQueued(); len(items) != 0 {
		t.Fatalf("blocked task must not enqueue: %v", items)
	}
	pending := node.StatusPending
	if _, err := f.graph.Update(created.ID, node.UpdateInput{Status: &pending}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if items := f.queue.GetQueued(); len(items) != 1 {
		t.Fatalf("pending transition should enqueue: %v", items)
	}
}

func TestDispatchAssignsBestAgent(t *testing.T) {
	f := newFixture(t, Options{})
	task, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Assignable"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, cfg := range []agent.Config{
		{ID: "plain"},
		{ID: "boosted", Capabilities: agent.Capabilities{PriorityBoost: 10}},
	} {
		if _, err := f.agents.Register(cfg); err != nil {
			t.Fatalf("Register %s: %v", cfg.ID, err)
		}
	}

	dry, err := f.orch.Dispatch(context.Background(), DispatchOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry dispatch: %v", err)
	}
	if len(dry) != 1 || dry[0].AgentID != "boosted" {
		t.Fatalf("dry run should pick the boosted agent: %v", dry)
	}
	if items := f.queue.GetClaimed(""); len(items) != 0 {
		t.Fatalf("dry run must not claim: %v", items)
	}

	real, err := f.orch.Dispatch(context.Background(), DispatchOptions{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(real) != 1 || real[0] != dry[0] {
		t.Fatalf("real run should match the dry run: %v vs %v", real, dry)
	}
	n, err := f.graph.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n.Status != node.StatusClaimed || n.AssignedTo != "boosted" {
		t.Fatalf("dispatch should claim the task: %+v", n)
	}
}

func TestDispatchRespectsSimulatedCapacity(t *testing.T) {
	f := newFixture(t, Options{})
	for _, title := range []string{"One", "Two"} {
		if _, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: title}}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := f.agents.Register(agent.Config{ID: "solo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	dry, err := f.orch.Dispatch(context.Background(), DispatchOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(dry) != 1 {
		t.Fatalf("single-slot agent should get one task even in a dry run: %v", dry)
	}
}

func TestStaleSweepReleasesClaims(t *testing.T) {
	f := newFixture(t, Options{StaleThreshold: time.Minute})
	task, err := f.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Held"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.agents.Register(agent.Config{ID: "coder", HeartbeatIntervalMs: 1000}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.agents.Heartbeat("coder"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, err := f.queue.Enqueue(task.ID, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := f.queue.Claim(queue.ClaimRequest{AgentID: "coder", TaskID: task.ID}); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	f.clock.current = f.clock.current.Add(10 * time.Minute)
	f.orch.SweepNow()

	a, _ := f.agents.Get("coder")
	if a.State.Status != agent.StatusOffline {
		t.Fatalf("silent agent should be offline, got %s", a.State.Status)
	}
	items := f.queue.GetQueued()
	if len(items) != 1 || items[0].TaskID != task.ID {
		t.Fatalf("claim should return to the queue: %v", items)
	}
}
