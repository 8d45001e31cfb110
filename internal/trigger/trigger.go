// Package trigger maps events onto actions by evaluating a rule
// table: match by event type, check declarative conditions against the
// node in scope, honor cooldowns, then run the rule's actions through
// the action catalog.
package trigger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/eventlog"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
)

// Logger is the engine's diagnostic sink.
type Logger interface {
	Printf(format string, args ...any)
}

// Condition is the declarative predicate a rule may attach. All
// populated fields must hold; a condition that needs a node rejects
// events that carry none.
type Condition struct {
	NodeTypes  []node.Type     `json:"nodeTypes,omitempty" yaml:"nodeTypes"`
	Statuses   []node.Status   `json:"statuses,omitempty" yaml:"statuses"`
	Validities []node.Validity `json:"validities,omitempty" yaml:"validities"`
	Tags       []string        `json:"tags,omitempty" yaml:"tags"`
	TagsAny    []string        `json:"tagsAny,omitempty" yaml:"tagsAny"`
	HasEdge    *EdgeCondition  `json:"hasEdge,omitempty" yaml:"hasEdge"`
}

// EdgeCondition requires the node in scope to hold (or be targeted
// by) an edge of the given type.
type EdgeCondition struct {
	Type      node.EdgeType       `json:"type" yaml:"type"`
	Direction index.EdgeDirection `json:"direction,omitempty" yaml:"direction"`
}

// Action is one step of a rule. Type selects the catalog entry;
// string fields are interpolated against the event context before
// execution.
type Action struct {
	Type     string            `json:"type" yaml:"type"`
	Message  string            `json:"message,omitempty" yaml:"message"`
	Target   string            `json:"target,omitempty" yaml:"target"`
	NodeType node.Type         `json:"nodeType,omitempty" yaml:"nodeType"`
	Title    string            `json:"title,omitempty" yaml:"title"`
	Content  string            `json:"content,omitempty" yaml:"content"`
	NodeID   string            `json:"nodeId,omitempty" yaml:"nodeId"`
	Set      map[string]string `json:"set,omitempty" yaml:"set"`
	Params   map[string]string `json:"params,omitempty" yaml:"params"`
}

// Trigger is one rule of the table.
type Trigger struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Events      []eventbus.Type `json:"events" yaml:"events"`
	Conditions  *Condition      `json:"conditions,omitempty" yaml:"conditions"`
	Actions     []Action        `json:"actions" yaml:"actions"`
	Priority    int             `json:"priority,omitempty" yaml:"priority"`
	CooldownMs  int64           `json:"cooldownMs,omitempty" yaml:"cooldownMs"`
	LastFiredAt time.Time       `json:"lastFiredAt,omitempty" yaml:"-"`
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithClock injects the instant source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger injects a diagnostic sink.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier injects the delivery hook used by the notify action.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// Engine evaluates the rule table against the event stream.
type Engine struct {
	mu       sync.Mutex
	graph    *graph.Graph
	bus      *eventbus.Bus
	log      *eventlog.Log
	logger   Logger
	notifier Notifier
	rules    []*Trigger
	custom   map[string]ActionFunc
	firing   map[string]bool
	now      func() time.Time
	subID    string
}

// NewEngine builds an engine over the graph, bus, and event log. Call
// Start to begin receiving events.
func NewEngine(g *graph.Graph, bus *eventbus.Bus, log *eventlog.Log, opts ...Option) *Engine {
	e := &Engine{
		graph:  g,
		bus:    bus,
		log:    log,
		custom: map[string]ActionFunc{},
		firing: map[string]bool{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.notifier == nil {
		e.notifier = loggerNotifier{logger: func(format string, args ...any) {
			if e.logger != nil {
				e.logger.Printf(format, args...)
			}
		}}
	}
	return e
}

// Start subscribes the engine to every event on the bus.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID != "" {
		return
	}
	e.subID = e.bus.Subscribe(eventbus.Wildcard, func(event eventbus.Event) error {
		e.HandleEvent(event)
		return nil
	})
}

// Stop unsubscribes from the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subID != "" {
		e.bus.Unsubscribe(e.subID)
		e.subID = ""
	}
}

// AddTrigger installs a rule, assigning an id when absent.
func (e *Engine) AddTrigger(t Trigger) Trigger {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := t
	e.rules = append(e.rules, &copied)
	return t
}

// RemoveTrigger deletes the rule with the given id.
func (e *Engine) RemoveTrigger(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rule := range e.rules {
		if rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled flips a rule on or off.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range e.rules {
		if rule.ID == id {
			rule.Enabled = enabled
			return true
		}
	}
	return false
}

// Triggers returns a snapshot of the rule table in insertion order.
func (e *Engine) Triggers() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trigger, len(e.rules))
	for i, rule := range e.rules {
		out[i] = *rule
	}
	return out
}

// HandleEvent runs the dispatch algorithm for one event: snapshot the
// rules by priority, and for each enabled rule check match, cooldown,
// and conditions before executing its actions. One trigger.fired event
// is emitted per activated rule, and one log entry per incoming event
// records the activated rule ids.
func (e *Engine) HandleEvent(event eventbus.Event) {
	// The engine's own emissions never feed back into the table.
	if event.Type == eventbus.TriggerFired || event.Type == eventbus.TriggerError {
		return
	}

	e.mu.Lock()
	snapshot := make([]*Trigger, len(e.rules))
	copy(snapshot, e.rules)
	e.mu.Unlock()
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Priority > snapshot[j].Priority
	})

	scoped := e.nodeInScope(event)
	var activated []string
	var actionErrors []string

	for _, rule := range snapshot {
		if !rule.Enabled {
			continue
		}
		if !matchesEvent(rule, event.Type) {
			continue
		}
		now := e.now()
		e.mu.Lock()
		if rule.CooldownMs > 0 && !rule.LastFiredAt.IsZero() &&
			now.Sub(rule.LastFiredAt) < time.Duration(rule.CooldownMs)*time.Millisecond {
			e.mu.Unlock()
			continue
		}
		if e.firing[rule.ID] {
			// An action of this rule produced the event being
			// handled; re-entering would loop forever.
			e.mu.Unlock()
			continue
		}
		if rule.Conditions != nil && !e.conditionsHold(rule.Conditions, scoped) {
			e.mu.Unlock()
			continue
		}
		rule.LastFiredAt = now
		e.firing[rule.ID] = true
		e.mu.Unlock()

		actionTypes := make([]string, 0, len(rule.Actions))
		for _, action := range rule.Actions {
			actionTypes = append(actionTypes, action.Type)
			if err := e.execute(action, event, *rule); err != nil {
				actionErrors = append(actionErrors, err.Error())
				e.bus.Emit(eventbus.NewAt(eventbus.TriggerError, eventbus.Payload{
					TriggerID: rule.ID,
					Error:     err.Error(),
				}, e.now()))
			}
		}

		e.mu.Lock()
		delete(e.firing, rule.ID)
		e.mu.Unlock()

		activated = append(activated, rule.ID)
		e.bus.Emit(eventbus.NewAt(eventbus.TriggerFired, eventbus.Payload{
			TriggerID: rule.ID,
			Actions:   actionTypes,
		}, e.now()))
	}

	if e.log != nil {
		entry := eventlog.Entry{
			Event:             event,
			ProcessedAt:       e.now().UTC(),
			TriggersActivated: activated,
			Errors:            actionErrors,
		}
		if entry.TriggersActivated == nil {
			entry.TriggersActivated = []string{}
		}
		if err := e.log.Append(entry); err != nil && e.logger != nil {
			e.logger.Printf("trigger: event log append failed: %v", err)
		}
	}
}

func matchesEvent(rule *Trigger, t eventbus.Type) bool {
	for _, candidate := range rule.Events {
		if candidate == t {
			return true
		}
	}
	return false
}

// nodeInScope resolves the node an event concerns: node.* events carry
// the node (or its final snapshot for deletions); other event types
// yield none.
func (e *Engine) nodeInScope(event eventbus.Event) *node.Node {
	return event.Payload.Node
}

func (e *Engine) conditionsHold(c *Condition, scoped *node.Node) bool {
	needsNode := len(c.NodeTypes) > 0 || len(c.Statuses) > 0 || len(c.Validities) > 0 ||
		len(c.Tags) > 0 || len(c.TagsAny) > 0 || c.HasEdge != nil
	if needsNode && scoped == nil {
		return false
	}
	if scoped == nil {
		return true
	}
	if len(c.NodeTypes) > 0 && !oneOf(c.NodeTypes, scoped.Type) {
		return false
	}
	if len(c.Statuses) > 0 && !oneOf(c.Statuses, scoped.Status) {
		return false
	}
	if len(c.Validities) > 0 && !oneOf(c.Validities, scoped.Validity) {
		return false
	}
	for _, tag := range c.Tags {
		if !containsString(scoped.Tags, tag) {
			return false
		}
	}
	if len(c.TagsAny) > 0 {
		matched := false
		for _, tag := range c.TagsAny {
			if containsString(scoped.Tags, tag) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.HasEdge != nil && !e.hasEdgeHolds(c.HasEdge, scoped) {
		return false
	}
	return true
}

// hasEdgeHolds checks edge presence for the scoped node. Outgoing
// edges live in the node itself; incoming ones need the index, via a
// depth-one traversal.
func (e *Engine) hasEdgeHolds(c *EdgeCondition, scoped *node.Node) bool {
	outgoing := func() bool {
		for _, edge := range scoped.Edges {
			if c.Type == "" || edge.Type == c.Type {
				return true
			}
		}
		return false
	}
	incoming := func() bool {
		var edgeTypes []node.EdgeType
		if c.Type != "" {
			edgeTypes = []node.EdgeType{c.Type}
		}
		reached, err := e.graph.Traverse(graph.TraverseOptions{
			StartNode: scoped.ID,
			Direction: index.DirectionIn,
			EdgeTypes: edgeTypes,
			MaxDepth:  1,
		})
		return err == nil && len(reached) > 0
	}
	switch c.Direction {
	case index.DirectionIn:
		return incoming()
	case index.DirectionBoth:
		return outgoing() || incoming()
	default:
		return outgoing()
	}
}

func oneOf[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
