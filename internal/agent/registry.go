// Package agent persists agent configurations and runtime state under
// the workspace, tracks liveness through heartbeats, and answers
// capability-based lookups for the dispatcher.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/node"
	"github.com/kingrea/cubed/internal/store"
)

// Status is an agent's liveness state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusBlocked Status = "blocked"
	StatusOffline Status = "offline"
)

// Capabilities bounds what an agent may touch.
type Capabilities struct {
	NodeTypes     []node.Type     `json:"nodeTypes"`
	EdgeTypes     []node.EdgeType `json:"edgeTypes"`
	Tags          []string        `json:"tags"`
	MaxConcurrent int             `json:"maxConcurrent"`
	CanCreate     bool            `json:"canCreate"`
	CanDelete     bool            `json:"canDelete"`
	PriorityBoost int             `json:"priorityBoost"`
}

// Config is the persisted identity of an agent.
type Config struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Role                string       `json:"role"`
	Description         string       `json:"description,omitempty"`
	Capabilities        Capabilities `json:"capabilities"`
	HeartbeatIntervalMs int64        `json:"heartbeatIntervalMs,omitempty"`
}

// Stats aggregates an agent's completed work.
type Stats struct {
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	AvgCompletionMs int64     `json:"avgCompletionMs"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

// State is the per-agent runtime record, persisted separately from
// the config so heartbeats don't rewrite the roster.
type State struct {
	Status        Status    `json:"status"`
	ClaimedTasks  []string  `json:"claimedTasks"`
	Stats         Stats     `json:"stats"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Agent bundles config and state.
type Agent struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// Outcome classifies why a claim is being released.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeReleased  Outcome = "released"
)

// Option customizes Registry construction.
type Option func(*Registry)

// WithBus injects the event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Registry) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithClock injects the instant source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry holds the live agent table and its on-disk mirror:
// configurations together in agents.json, state per agent under
// agent-state/.
type Registry struct {
	mu     sync.Mutex
	root   string
	bus    *eventbus.Bus
	now    func() time.Time
	agents map[string]*Agent
	order  []string
}

type rosterFile struct {
	Agents []Config `json:"agents"`
}

// NewRegistry opens the registry rooted at the workspace, loading any
// persisted roster and per-agent state.
func NewRegistry(root string, opts ...Option) (*Registry, error) {
	r := &Registry{
		root:   root,
		bus:    eventbus.Default(),
		now:    time.Now,
		agents: map[string]*Agent{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) rosterPath() string {
	return filepath.Join(r.root, store.AgentsFile)
}

func (r *Registry) statePath(id string) string {
	return filepath.Join(r.root, store.AgentStateDir, id+".json")
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.rosterPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return cubeerr.New(cubeerr.IO, "agent.load", err)
	}
	var roster rosterFile
	if err := json.Unmarshal(data, &roster); err != nil {
		return cubeerr.New(cubeerr.Malformed, "agent.load", err)
	}
	for _, cfg := range roster.Agents {
		state, err := r.loadState(cfg.ID)
		if err != nil {
			return err
		}
		r.agents[cfg.ID] = &Agent{Config: cfg, State: state}
		r.order = append(r.order, cfg.ID)
	}
	return nil
}

func (r *Registry) loadState(id string) (State, error) {
	data, err := os.ReadFile(r.statePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return State{Status: StatusIdle, ClaimedTasks: []string{}}, nil
	}
	if err != nil {
		return State{}, cubeerr.New(cubeerr.IO, "agent.loadState", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, cubeerr.New(cubeerr.Malformed, "agent.loadState", err)
	}
	if state.Status == "" {
		state.Status = StatusIdle
	}
	if state.ClaimedTasks == nil {
		state.ClaimedTasks = []string{}
	}
	return state, nil
}

func (r *Registry) persistRosterLocked() error {
	roster := rosterFile{Agents: make([]Config, 0, len(r.order))}
	for _, id := range r.order {
		roster.Agents = append(roster.Agents, r.agents[id].Config)
	}
	data, err := json.MarshalIndent(roster, "", "  ")
	if err != nil {
		return cubeerr.New(cubeerr.IO, "agent.persist", err)
	}
	if err := os.WriteFile(r.rosterPath(), data, 0o644); err != nil {
		return cubeerr.New(cubeerr.IO, "agent.persist", err)
	}
	return nil
}

func (r *Registry) persistStateLocked(id string) error {
	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.statePath(id)), 0o755); err != nil {
		return cubeerr.New(cubeerr.IO, "agent.persistState", err)
	}
	data, err := json.MarshalIndent(a.State, "", "  ")
	if err != nil {
		return cubeerr.New(cubeerr.IO, "agent.persistState", err)
	}
	if err := os.WriteFile(r.statePath(id), data, 0o644); err != nil {
		return cubeerr.New(cubeerr.IO, "agent.persistState", err)
	}
	return nil
}

func defaultCapabilities() Capabilities {
	return Capabilities{
		NodeTypes:     []node.Type{node.TypeTask},
		EdgeTypes:     []node.EdgeType{node.EdgeImplements, node.EdgeBlocks, node.EdgeDependsOn},
		Tags:          []string{},
		MaxConcurrent: 1,
	}
}

func mergeCapabilities(caps Capabilities) Capabilities {
	merged := defaultCapabilities()
	if len(caps.NodeTypes) > 0 {
		merged.NodeTypes = caps.NodeTypes
	}
	if len(caps.EdgeTypes) > 0 {
		merged.EdgeTypes = caps.EdgeTypes
	}
	if len(caps.Tags) > 0 {
		merged.Tags = caps.Tags
	}
	if caps.MaxConcurrent > 0 {
		merged.MaxConcurrent = caps.MaxConcurrent
	}
	merged.CanCreate = caps.CanCreate
	merged.CanDelete = caps.CanDelete
	merged.PriorityBoost = caps.PriorityBoost
	return merged
}

// Register installs a new agent. Its capabilities merge over the
// defaults, and any previously persisted state is restored.
func (r *Registry) Register(cfg Config) (Agent, error) {
	if cfg.ID == "" {
		return Agent{}, cubeerr.New(cubeerr.InvalidInput, "agent.Register", errors.New("agent id is required"))
	}
	r.mu.Lock()
	if _, exists := r.agents[cfg.ID]; exists {
		r.mu.Unlock()
		return Agent{}, cubeerr.New(cubeerr.Conflict, "agent.Register", fmt.Errorf("agent %s already registered", cfg.ID))
	}
	cfg.Capabilities = mergeCapabilities(cfg.Capabilities)
	state, err := r.loadState(cfg.ID)
	if err != nil {
		r.mu.Unlock()
		return Agent{}, err
	}
	a := &Agent{Config: cfg, State: state}
	r.agents[cfg.ID] = a
	r.order = append(r.order, cfg.ID)
	if err := r.persistRosterLocked(); err != nil {
		r.mu.Unlock()
		return Agent{}, err
	}
	if err := r.persistStateLocked(cfg.ID); err != nil {
		r.mu.Unlock()
		return Agent{}, err
	}
	snapshot := *a
	r.mu.Unlock()

	r.bus.Emit(eventbus.NewAt(eventbus.AgentRegistered, eventbus.Payload{AgentID: cfg.ID}, r.now()))
	return snapshot, nil
}

// Unregister removes an agent, refusing while it holds claims.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return cubeerr.New(cubeerr.NotFound, "agent.Unregister", fmt.Errorf("agent %s not registered", id))
	}
	if len(a.State.ClaimedTasks) > 0 {
		r.mu.Unlock()
		return cubeerr.New(cubeerr.Conflict, "agent.Unregister", fmt.Errorf("agent %s holds %d claims", id, len(a.State.ClaimedTasks)))
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if err := r.persistRosterLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	os.Remove(r.statePath(id))
	r.mu.Unlock()

	r.bus.Emit(eventbus.NewAt(eventbus.AgentUnregistered, eventbus.Payload{AgentID: id}, r.now()))
	return nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, cubeerr.New(cubeerr.NotFound, "agent.Get", fmt.Errorf("agent %s not registered", id))
	}
	return *a, nil
}

// List returns every agent in registration order.
func (r *Registry) List() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// SetStatus moves an agent to the given status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return cubeerr.New(cubeerr.NotFound, "agent.SetStatus", fmt.Errorf("agent %s not registered", id))
	}
	a.State.Status = status
	err := r.persistStateLocked(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.bus.Emit(eventbus.NewAt(eventbus.AgentStatusChanged, eventbus.Payload{AgentID: id, Reason: string(status)}, r.now()))
	return nil
}

// Heartbeat records liveness, promoting an offline agent back to
// idle.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return cubeerr.New(cubeerr.NotFound, "agent.Heartbeat", fmt.Errorf("agent %s not registered", id))
	}
	now := r.now().UTC()
	a.State.LastHeartbeat = now
	a.State.Stats.LastActiveAt = now
	if a.State.Status == StatusOffline {
		a.State.Status = StatusIdle
	}
	return r.persistStateLocked(id)
}

// AddClaimedTask records a claim and moves the agent to working.
func (r *Registry) AddClaimedTask(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return cubeerr.New(cubeerr.NotFound, "agent.AddClaimedTask", fmt.Errorf("agent %s not registered", id))
	}
	for _, existing := range a.State.ClaimedTasks {
		if existing == taskID {
			return nil
		}
	}
	a.State.ClaimedTasks = append(a.State.ClaimedTasks, taskID)
	a.State.Status = StatusWorking
	a.State.Stats.LastActiveAt = r.now().UTC()
	return r.persistStateLocked(id)
}

// RemoveClaimedTask releases a claim, updating the completion
// counters for terminal outcomes; durationMs feeds the running
// average. The agent returns to idle once its last claim is gone.
func (r *Registry) RemoveClaimedTask(id, taskID string, outcome Outcome, durationMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return cubeerr.New(cubeerr.NotFound, "agent.RemoveClaimedTask", fmt.Errorf("agent %s not registered", id))
	}
	kept := a.State.ClaimedTasks[:0]
	for _, existing := range a.State.ClaimedTasks {
		if existing != taskID {
			kept = append(kept, existing)
		}
	}
	a.State.ClaimedTasks = kept
	switch outcome {
	case OutcomeCompleted:
		prior := int64(a.State.Stats.Completed)
		a.State.Stats.AvgCompletionMs = (a.State.Stats.AvgCompletionMs*prior + durationMs) / (prior + 1)
		a.State.Stats.Completed++
	case OutcomeFailed:
		a.State.Stats.Failed++
	}
	a.State.Stats.LastActiveAt = r.now().UTC()
	if len(a.State.ClaimedTasks) == 0 && a.State.Status == StatusWorking {
		a.State.Status = StatusIdle
	}
	return r.persistStateLocked(id)
}

// CheckStale moves any agent whose heartbeat is older than threshold
// to offline and returns the affected ids.
func (r *Registry) CheckStale(threshold time.Duration) []string {
	now := r.now()
	r.mu.Lock()
	var stale []string
	for _, id := range r.order {
		a := r.agents[id]
		if a.State.Status == StatusOffline {
			continue
		}
		if a.State.LastHeartbeat.IsZero() || now.Sub(a.State.LastHeartbeat) > threshold {
			a.State.Status = StatusOffline
			stale = append(stale, id)
			r.persistStateLocked(id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.bus.Emit(eventbus.NewAt(eventbus.AgentStale, eventbus.Payload{AgentID: id}, now))
	}
	return stale
}

// CapabilityQuery narrows FindCapable.
type CapabilityQuery struct {
	NodeType node.Type
	Tags     []string
	Role     string
}

// FindCapable returns agents that are online, have free claim slots,
// match the role when given, support the node type, and cover at
// least one required tag. Results sort by priority boost descending,
// then by current claim count ascending.
func (r *Registry) FindCapable(q CapabilityQuery) []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Agent
	for _, id := range r.order {
		a := r.agents[id]
		if a.State.Status == StatusOffline {
			continue
		}
		if len(a.State.ClaimedTasks) >= a.Config.Capabilities.MaxConcurrent {
			continue
		}
		if q.Role != "" && a.Config.Role != q.Role {
			continue
		}
		if q.NodeType != "" && !containsType(a.Config.Capabilities.NodeTypes, q.NodeType) {
			continue
		}
		if len(q.Tags) > 0 {
			any := false
			for _, tag := range q.Tags {
				if containsString(a.Config.Capabilities.Tags, tag) {
					any = true
					break
				}
			}
			if !any {
				continue
			}
		}
		matched = append(matched, *a)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		bi, bj := matched[i].Config.Capabilities.PriorityBoost, matched[j].Config.Capabilities.PriorityBoost
		if bi != bj {
			return bi > bj
		}
		return len(matched[i].State.ClaimedTasks) < len(matched[j].State.ClaimedTasks)
	})
	return matched
}

func containsType(values []node.Type, v node.Type) bool {
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
