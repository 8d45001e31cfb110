package trigger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/eventlog"
	"github.com/kingrea/cubed/internal/graph"
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

func testEngine(t *testing.T) (*Engine, *graph.Graph, *eventbus.Bus, *eventlog.Log) {
	t.Helper()
	bus := eventbus.NewBus()
	clock := &testClock{current: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	g, err := graph.Open(t.TempDir(), graph.WithBus(bus), graph.WithClock(clock.now))
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	log := eventlog.New(filepath.Join(g.Root(), "events.log"))
	engine := NewEngine(g, bus, log, WithClock(clock.now))
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine, g, bus, log
}

func TestInvalidateMarksDocumentersStale(t *testing.T) {
	engine, g, _, log := testEngine(t)
	engine.AddTrigger(Trigger{
		Name:    "stale-docs",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.NodeUpdated},
		Conditions: &Condition{
			NodeTypes: []node.Type{node.TypeCode},
		},
		Actions: []Action{{Type: "invalidate"}},
	})

	code, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeCode, Title: "parser.go"}})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	doc, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeDoc, Title: "Parser guide"}})
	if err != nil {
		t.Fatalf("create doc: %v", err)
	}
	if _, err := g.Link(doc.ID, node.EdgeDocuments, code.ID, nil); err != nil {
		t.Fatalf("link: %v", err)
	}

	content := "new parsing strategy"
	if _, err := g.Update(code.ID, node.UpdateInput{Content: &content}); err != nil {
		t.Fatalf("update code: %v", err)
	}

	reloaded, err := g.Get(doc.ID)
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}
	if reloaded.Validity != node.ValidityStale {
		t.Fatalf("doc should be stale, got %s", reloaded.Validity)
	}

	entries, err := log.ReadByType(eventbus.NodeUpdated, 0)
	if err != nil {
		t.Fatalf("ReadByType: %v", err)
	}
	activatedEntries := 0
	for _, entry := range entries {
		if len(entry.TriggersActivated) > 0 {
			activatedEntries++
		}
	}
	if activatedEntries != 1 {
		t.Fatalf("expected exactly one log entry with the rule activated, got %d", activatedEntries)
	}
}

func TestTriggerFiredEventCarriesActionTypes(t *testing.T) {
	engine, g, bus, _ := testEngine(t)
	var fired []eventbus.Event
	bus.Subscribe(string(eventbus.TriggerFired), func(e eventbus.Event) error {
		fired = append(fired, e)
		return nil
	})
	installed := engine.AddTrigger(Trigger{
		Name:    "observer",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.NodeCreated},
		Actions: []Action{{Type: "log", Message: "created {{event.payload.node.id}}"}},
	})

	if _, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "T"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected one trigger.fired, got %d", len(fired))
	}
	if fired[0].Payload.TriggerID != installed.ID || len(fired[0].Payload.Actions) != 1 || fired[0].Payload.Actions[0] != "log" {
		t.Fatalf("trigger.fired payload wrong: %+v", fired[0].Payload)
	}
}

func TestCooldownLimitsFiring(t *testing.T) {
	engine, _, bus, _ := testEngine(t)
	var fired int
	bus.Subscribe(string(eventbus.TriggerFired), func(eventbus.Event) error {
		fired++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:       "cooled",
		Enabled:    true,
		Events:     []eventbus.Type{eventbus.CodeFileChanged},
		Actions:    []Action{{Type: "log", Message: "changed"}},
		CooldownMs: 10_000,
	})

	// The test clock advances one second per reading; a storm of five
	// events stays inside the ten second cooldown after the first.
	for i := 0; i < 5; i++ {
		bus.Emit(eventbus.New(eventbus.CodeFileChanged, eventbus.Payload{FilePath: "main.go"}))
	}
	if fired != 1 {
		t.Fatalf("cooldown should allow one firing, got %d", fired)
	}
}

func TestSelfEmittedEventsDoNotReenter(t *testing.T) {
	engine, g, bus, _ := testEngine(t)
	var fired int
	bus.Subscribe(string(eventbus.TriggerFired), func(eventbus.Event) error {
		fired++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:    "spawner",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.NodeCreated},
		Actions: []Action{{Type: "create_node", NodeType: node.TypeEvent, Title: "Spawned record"}},
	})

	if _, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeTask, Title: "Origin"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fired != 1 {
		t.Fatalf("rule must not re-enter itself, fired %d times", fired)
	}
	stats, err := g.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// The origin task plus exactly one spawned node.
	if stats.Total != 2 {
		t.Fatalf("expected 2 nodes, got %d", stats.Total)
	}
}

func TestPriorityOrdersRuleEvaluation(t *testing.T) {
	engine, _, bus, _ := testEngine(t)
	var order []string
	for _, spec := range []struct {
		name     string
		priority int
	}{{"low", 1}, {"high", 10}} {
		name := spec.name
		engine.AddTrigger(Trigger{
			Name:     name,
			Enabled:  true,
			Events:   []eventbus.Type{eventbus.CodeFileChanged},
			Priority: spec.priority,
			Actions:  []Action{{Type: "probe-" + name}},
		})
		if err := engine.RegisterAction("probe-"+name, func(ActionContext) error {
			order = append(order, name)
			return nil
		}); err != nil {
			t.Fatalf("RegisterAction: %v", err)
		}
	}
	bus.Emit(eventbus.New(eventbus.CodeFileChanged, eventbus.Payload{}))
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("priority order wrong: %v", order)
	}
}

func TestHasEdgeBothDirectionSeesIncomingEdges(t *testing.T) {
	engine, g, bus, _ := testEngine(t)
	var fired int
	bus.Subscribe(string(eventbus.TriggerFired), func(eventbus.Event) error {
		fired++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:    "documented-code",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.NodeUpdated},
		Conditions: &Condition{
			NodeTypes: []node.Type{node.TypeCode},
			HasEdge:   &EdgeCondition{Type: node.EdgeDocuments, Direction: index.DirectionBoth},
		},
		Actions: []Action{{Type: "log", Message: "documented"}},
	})

	code, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeCode, Title: "lexer.go"}})
	if err != nil {
		t.Fatalf("create code: %v", err)
	}
	doc, err := g.Create(graph.CreateInput{CreateInput: node.CreateInput{Type: node.TypeDoc, Title: "Lexer guide"}})
	if err != nil {
		t.Fatalf("create doc: %v", err)
	}
	if _, err := g.Link(doc.ID, node.EdgeDocuments, code.ID, nil); err != nil {
		t.Fatalf("link: %v", err)
	}

	// The code node holds no outgoing documents edge; only the
	// incoming one from the doc can satisfy the condition.
	content := "tokenizer rewritten"
	if _, err := g.Update(code.ID, node.UpdateInput{Content: &content}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if fired != 1 {
		t.Fatalf("both-direction condition should match the incoming edge, fired %d times", fired)
	}
}

func TestConditionRequiringNodeRejectsNodelessEvent(t *testing.T) {
	engine, _, bus, _ := testEngine(t)
	var fired int
	bus.Subscribe(string(eventbus.TriggerFired), func(eventbus.Event) error {
		fired++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:       "needs-node",
		Enabled:    true,
		Events:     []eventbus.Type{eventbus.CodeFileChanged},
		Conditions: &Condition{NodeTypes: []node.Type{node.TypeCode}},
		Actions:    []Action{{Type: "log", Message: "x"}},
	})
	bus.Emit(eventbus.New(eventbus.CodeFileChanged, eventbus.Payload{FilePath: "a.go"}))
	if fired != 0 {
		t.Fatal("a node condition must reject events without a node")
	}
}

func TestUnknownActionIsNonFatal(t *testing.T) {
	engine, _, bus, _ := testEngine(t)
	var fired, errored int
	bus.Subscribe(string(eventbus.TriggerFired), func(eventbus.Event) error {
		fired++
		return nil
	})
	bus.Subscribe(string(eventbus.TriggerError), func(eventbus.Event) error {
		errored++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:    "mystery",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.CodeFileChanged},
		Actions: []Action{{Type: "does_not_exist"}, {Type: "log", Message: "still runs"}},
	})
	bus.Emit(eventbus.New(eventbus.CodeFileChanged, eventbus.Payload{}))
	if fired != 1 || errored != 0 {
		t.Fatalf("unknown action should be skipped silently: fired=%d errored=%d", fired, errored)
	}
}

func TestFailingActionEmitsTriggerError(t *testing.T) {
	engine, _, bus, _ := testEngine(t)
	var errored int
	bus.Subscribe(string(eventbus.TriggerError), func(eventbus.Event) error {
		errored++
		return nil
	})
	engine.AddTrigger(Trigger{
		Name:    "bad-update",
		Enabled: true,
		Events:  []eventbus.Type{eventbus.CodeFileChanged},
		Actions: []Action{{Type: "update_node", NodeID: "task/missing-000000"}},
	})
	bus.Emit(eventbus.New(eventbus.CodeFileChanged, eventbus.Payload{}))
	if errored != 1 {
		t.Fatalf("failing action must produce trigger.error, got %d", errored)
	}
}

func TestInterpolate(t *testing.T) {
	ctx := map[string]any{
		"event": map[string]any{
			"type": "node.created",
			"payload": map[string]any{
				"node": map[string]any{"id": "task/a-000000"},
			},
		},
	}
	got := Interpolate("saw {{event.type}} for {{event.payload.node.id}} and {{missing.path}}", ctx)
	want := "saw node.created for task/a-000000 and {{missing.path}}"
	if got != want {
		t.Fatalf("Interpolate = %q, want %q", got, want)
	}
}
