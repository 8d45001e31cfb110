// Package queue holds the priority work queue: task references flow
// queued → claimed → completed/failed, or back to queued on release
// and timeout. Claim and release serialize behind the queue's lock so
// only one claim can ever succeed for a task.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/cubed/internal/agent"
	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/node"
)

// ItemStatus is a work item's lifecycle state.
type ItemStatus string

const (
	StatusQueued    ItemStatus = "queued"
	StatusClaimed   ItemStatus = "claimed"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
	StatusExpired   ItemStatus = "expired"
)

// Item is one queue entry referencing a task node.
type Item struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"taskId"`
	Priority       int        `json:"priority"`
	AddedAt        time.Time  `json:"addedAt"`
	PreferredAgent string     `json:"preferredAgent,omitempty"`
	RequiredRole   string     `json:"requiredRole,omitempty"`
	RequiredTags   []string   `json:"requiredTags,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	TimeoutMs      int64      `json:"timeoutMs,omitempty"`
	Status         ItemStatus `json:"status"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimedAt      time.Time  `json:"claimedAt,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt,omitempty"`
	CompletedAt    time.Time  `json:"completedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// EnqueueOptions carries the optional placement constraints.
type EnqueueOptions struct {
	PreferredAgent string
	RequiredRole   string
	RequiredTags   []string
	Deadline       *time.Time
	TimeoutMs      int64
}

// Option customizes Queue construction.
type Option func(*Queue)

// WithBus injects the event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(q *Queue) {
		if bus != nil {
			q.bus = bus
		}
	}
}

// WithClock injects the instant source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is the in-memory priority queue over task nodes. Graph and
// registry side effects run outside the queue lock so handlers fed by
// the resulting events can call back in.
type Queue struct {
	mu          sync.Mutex
	graph       *graph.Graph
	agents      *agent.Registry
	bus         *eventbus.Bus
	now         func() time.Time
	live        map[string]*Item // by task id
	order       []string
	terminal    []*Item
	waitSamples []time.Duration
}

// New builds a queue over the graph and agent registry.
func New(g *graph.Graph, agents *agent.Registry, opts ...Option) *Queue {
	q := &Queue{
		graph:  g,
		agents: agents,
		bus:    eventbus.Default(),
		now:    time.Now,
		live:   map[string]*Item{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Priority weights.
const (
	basePriorityCritical = 1000
	basePriorityHigh     = 100
	basePriorityNormal   = 10
	basePriorityLow      = 1
	overdueBoost         = 500
	dueSoonBoost         = 200
	dueThisWeekBoost     = 50
	blockingBoostPerEdge = 20
)

// computePriority scores a task: its priority enum, how close its due
// date is, and how many other tasks it blocks.
func computePriority(n node.Node, now time.Time) int {
	score := basePriorityLow
	switch n.Priority {
	case node.PriorityCritical:
		score = basePriorityCritical
	case node.PriorityHigh:
		score = basePriorityHigh
	case node.PriorityNormal:
		score = basePriorityNormal
	}
	if n.DueAt != nil {
		until := n.DueAt.Sub(now)
		switch {
		case until < 0:
			score += overdueBoost
		case until <= 24*time.Hour:
			score += dueSoonBoost
		case until <= 72*time.Hour:
			score += dueThisWeekBoost
		}
	}
	for _, e := range n.Edges {
		if e.Type == node.EdgeBlocks {
			score += blockingBoostPerEdge
		}
	}
	return score
}

// Enqueue adds the task to the queue, idempotently: a task already
// queued or claimed returns its existing item.
func (q *Queue) Enqueue(taskID string, opts EnqueueOptions) (Item, error) {
	n, err := q.graph.Get(taskID)
	if err != nil {
		return Item{}, err
	}
	now := q.now()
	q.mu.Lock()
	if existing, ok := q.live[taskID]; ok {
		item := *existing
		q.mu.Unlock()
		return item, nil
	}
	item := &Item{
		ID:             uuid.NewString(),
		TaskID:         taskID,
		Priority:       computePriority(n, now),
		AddedAt:        now.UTC(),
		PreferredAgent: opts.PreferredAgent,
		RequiredRole:   opts.RequiredRole,
		RequiredTags:   opts.RequiredTags,
		Deadline:       opts.Deadline,
		TimeoutMs:      opts.TimeoutMs,
		Status:         StatusQueued,
	}
	q.live[taskID] = item
	q.order = append(q.order, taskID)
	snapshot := *item
	q.mu.Unlock()

	q.bus.Emit(eventbus.NewAt(eventbus.WorkEnqueued, eventbus.Payload{TaskID: taskID}, now))
	return snapshot, nil
}

// GetNextFor picks the highest-priority queued item the agent aligns
// with: a preferred agent must be this one, a required role must match
// the agent's, and required tags overlap the agent's capability tags.
func (q *Queue) GetNextFor(agentID string) (Item, bool, error) {
	a, err := q.agents.Get(agentID)
	if err != nil {
		return Item{}, false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Item
	for _, taskID := range q.order {
		item, ok := q.live[taskID]
		if !ok || item.Status != StatusQueued {
			continue
		}
		if !itemFitsAgent(item, a) {
			continue
		}
		if best == nil || item.Priority > best.Priority {
			best = item
		}
	}
	if best == nil {
		return Item{}, false, nil
	}
	return *best, true, nil
}

func itemFitsAgent(item *Item, a agent.Agent) bool {
	if item.PreferredAgent != "" && item.PreferredAgent != a.Config.ID {
		return false
	}
	if item.RequiredRole != "" && item.RequiredRole != a.Config.Role {
		return false
	}
	if len(item.RequiredTags) > 0 {
		any := false
		for _, tag := range item.RequiredTags {
			for _, capable := range a.Config.Capabilities.Tags {
				if tag == capable {
					any = true
					break
				}
			}
			if any {
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// ClaimRequest names who claims what.
type ClaimRequest struct {
	AgentID   string
	TaskID    string
	TimeoutMs int64
}

// Claim gives the agent exclusive hold of a queued task, stamping the
// claim on the task node (status claimed, assigned and locked by the
// agent) and recording a wait-time sample.
func (q *Queue) Claim(req ClaimRequest) (Item, error) {
	a, err := q.agents.Get(req.AgentID)
	if err != nil {
		return Item{}, err
	}
	if len(a.State.ClaimedTasks) >= a.Config.Capabilities.MaxConcurrent {
		return Item{}, cubeerr.New(cubeerr.Capacity, "queue.Claim",
			fmt.Errorf("agent %s is at max concurrency (%d)", req.AgentID, a.Config.Capabilities.MaxConcurrent))
	}

	now := q.now()
	q.mu.Lock()
	item, ok := q.live[req.TaskID]
	if !ok {
		q.mu.Unlock()
		return Item{}, cubeerr.New(cubeerr.NotFound, "queue.Claim", fmt.Errorf("task %s is not queued", req.TaskID))
	}
	if item.Status != StatusQueued {
		q.mu.Unlock()
		return Item{}, cubeerr.New(cubeerr.Conflict, "queue.Claim",
			fmt.Errorf("task %s is %s by %s", req.TaskID, item.Status, item.ClaimedBy))
	}
	item.Status = StatusClaimed
	item.ClaimedBy = req.AgentID
	item.ClaimedAt = now.UTC()
	timeoutMs := req.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = item.TimeoutMs
	}
	if timeoutMs > 0 {
		item.ExpiresAt = now.Add(time.Duration(timeoutMs) * time.Millisecond).UTC()
	}
	q.waitSamples = append(q.waitSamples, now.Sub(item.AddedAt))
	snapshot := *item
	q.mu.Unlock()

	if err := q.agents.AddClaimedTask(req.AgentID, req.TaskID); err != nil {
		return Item{}, err
	}
	claimed := node.StatusClaimed
	if _, err := q.graph.Update(req.TaskID, node.UpdateInput{
		Status:     &claimed,
		AssignedTo: &req.AgentID,
		LockedBy:   &req.AgentID,
	}); err != nil && !cubeerr.Is(err, cubeerr.NotFound) {
		return Item{}, err
	}
	q.bus.Emit(eventbus.NewAt(eventbus.WorkClaimed, eventbus.Payload{TaskID: req.TaskID, AgentID: req.AgentID}, now))
	return snapshot, nil
}

// ReleaseRequest names who releases what and why.
type ReleaseRequest struct {
	AgentID   string
	TaskID    string
	Reason    string
	NewStatus *node.Status
	Error     string
}

// Release ends a claim. "completed" and "error" are terminal; any
// other reason returns the item to the queue with its claim fields
// reset.
func (q *Queue) Release(req ReleaseRequest) (Item, error) {
	now := q.now()
	q.mu.Lock()
	item, ok := q.live[req.TaskID]
	if !ok {
		q.mu.Unlock()
		return Item{}, cubeerr.New(cubeerr.NotFound, "queue.Release", fmt.Errorf("task %s is not in the queue", req.TaskID))
	}
	if item.Status != StatusClaimed {
		q.mu.Unlock()
		return Item{}, cubeerr.New(cubeerr.Conflict, "queue.Release", fmt.Errorf("task %s is not claimed", req.TaskID))
	}
	if item.ClaimedBy != req.AgentID {
		q.mu.Unlock()
		return Item{}, cubeerr.New(cubeerr.Conflict, "queue.Release",
			fmt.Errorf("task %s is claimed by %s, not %s", req.TaskID, item.ClaimedBy, req.AgentID))
	}
	durationMs := now.Sub(item.ClaimedAt).Milliseconds()
	var snapshot Item
	terminal := false
	switch req.Reason {
	case "completed":
		item.Status = StatusCompleted
		item.CompletedAt = now.UTC()
		terminal = true
	case "error":
		item.Status = StatusFailed
		item.CompletedAt = now.UTC()
		item.Error = req.Error
		terminal = true
	default:
		item.Status = StatusQueued
		item.ClaimedBy = ""
		item.ClaimedAt = time.Time{}
		item.ExpiresAt = time.Time{}
	}
	if terminal {
		delete(q.live, req.TaskID)
		for i, taskID := range q.order {
			if taskID == req.TaskID {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
		q.terminal = append(q.terminal, item)
	}
	snapshot = *item
	q.mu.Unlock()

	outcome := agent.OutcomeReleased
	switch req.Reason {
	case "completed":
		outcome = agent.OutcomeCompleted
	case "error":
		outcome = agent.OutcomeFailed
	}
	if err := q.agents.RemoveClaimedTask(req.AgentID, req.TaskID, outcome, durationMs); err != nil {
		return Item{}, err
	}

	partial := node.UpdateInput{}
	empty := ""
	switch req.Reason {
	case "completed":
		status := node.StatusComplete
		if req.NewStatus != nil {
			status = *req.NewStatus
		}
		partial.Status = &status
		partial.LockedBy = &empty
	case "error":
		blocked := node.StatusBlocked
		partial.Status = &blocked
		partial.LockedBy = &empty
	default:
		pending := node.StatusPending
		partial.Status = &pending
		partial.AssignedTo = &empty
		partial.LockedBy = &empty
	}
	if _, err := q.graph.Update(req.TaskID, partial); err != nil && !cubeerr.Is(err, cubeerr.NotFound) {
		return Item{}, err
	}

	eventType := eventbus.WorkReleased
	switch req.Reason {
	case "completed":
		eventType = eventbus.WorkCompleted
	case "error":
		eventType = eventbus.WorkFailed
	case "timeout":
		eventType = eventbus.WorkExpired
	}
	q.bus.Emit(eventbus.NewAt(eventType, eventbus.Payload{
		TaskID:  req.TaskID,
		AgentID: req.AgentID,
		Reason:  req.Reason,
		Error:   req.Error,
	}, now))
	return snapshot, nil
}

// Transfer moves a claim between agents: release with reason
// "reassign", then claim for the new agent.
func (q *Queue) Transfer(fromID, toID, taskID string) (Item, error) {
	q.mu.Lock()
	item, ok := q.live[taskID]
	var timeoutMs int64
	if ok {
		timeoutMs = item.TimeoutMs
	}
	q.mu.Unlock()
	if !ok {
		return Item{}, cubeerr.New(cubeerr.NotFound, "queue.Transfer", fmt.Errorf("task %s is not in the queue", taskID))
	}
	if _, err := q.Release(ReleaseRequest{AgentID: fromID, TaskID: taskID, Reason: "reassign"}); err != nil {
		return Item{}, err
	}
	return q.Claim(ClaimRequest{AgentID: toID, TaskID: taskID, TimeoutMs: timeoutMs})
}

// CheckExpired releases every claimed item whose timeout has elapsed,
// with reason "timeout", and returns the affected task ids.
func (q *Queue) CheckExpired() ([]string, error) {
	now := q.now()
	q.mu.Lock()
	type expiry struct {
		taskID  string
		agentID string
	}
	var expired []expiry
	for _, taskID := range q.order {
		item, ok := q.live[taskID]
		if !ok || item.Status != StatusClaimed || item.ExpiresAt.IsZero() {
			continue
		}
		if now.After(item.ExpiresAt) {
			expired = append(expired, expiry{taskID: taskID, agentID: item.ClaimedBy})
		}
	}
	q.mu.Unlock()

	var released []string
	var firstErr error
	for _, e := range expired {
		if _, err := q.Release(ReleaseRequest{AgentID: e.agentID, TaskID: e.taskID, Reason: "timeout"}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		released = append(released, e.taskID)
	}
	return released, firstErr
}

// ReleaseAllFor returns every claim held by the agent to the queue,
// with the given reason. The maintenance loop uses this when an agent
// goes stale.
func (q *Queue) ReleaseAllFor(agentID, reason string) []string {
	q.mu.Lock()
	var held []string
	for _, taskID := range q.order {
		item, ok := q.live[taskID]
		if ok && item.Status == StatusClaimed && item.ClaimedBy == agentID {
			held = append(held, taskID)
		}
	}
	q.mu.Unlock()
	var released []string
	for _, taskID := range held {
		if _, err := q.Release(ReleaseRequest{AgentID: agentID, TaskID: taskID, Reason: reason}); err == nil {
			released = append(released, taskID)
		}
	}
	return released
}

// State summarizes the queue.
type State struct {
	Queued    int
	Claimed   int
	Completed int
	Failed    int
	AvgWaitMs int64
}

// GetState reports counts and the average queued-to-claimed wait.
func (q *Queue) GetState() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := State{}
	for _, item := range q.live {
		switch item.Status {
		case StatusQueued:
			state.Queued++
		case StatusClaimed:
			state.Claimed++
		}
	}
	for _, item := range q.terminal {
		switch item.Status {
		case StatusCompleted:
			state.Completed++
		case StatusFailed:
			state.Failed++
		}
	}
	if len(q.waitSamples) > 0 {
		var total time.Duration
		for _, sample := range q.waitSamples {
			total += sample
		}
		state.AvgWaitMs = (total / time.Duration(len(q.waitSamples))).Milliseconds()
	}
	return state
}

// GetQueued lists queued items in priority order, highest first.
func (q *Queue) GetQueued() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []Item
	for _, taskID := range q.order {
		if item, ok := q.live[taskID]; ok && item.Status == StatusQueued {
			items = append(items, *item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority > items[j].Priority })
	return items
}

// GetClaimed lists claimed items, optionally for a single agent.
func (q *Queue) GetClaimed(agentID string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var items []Item
	for _, taskID := range q.order {
		item, ok := q.live[taskID]
		if !ok || item.Status != StatusClaimed {
			continue
		}
		if agentID != "" && item.ClaimedBy != agentID {
			continue
		}
		items = append(items, *item)
	}
	return items
}

// Cleanup drops terminal entries older than the given age and
// returns how many were removed.
func (q *Queue) Cleanup(olderThan time.Duration) int {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.terminal[:0]
	removed := 0
	for _, item := range q.terminal {
		if now.Sub(item.CompletedAt) > olderThan {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.terminal = kept
	return removed
}
