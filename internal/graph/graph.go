// Package graph is the single authoritative entry point to a cube's
// knowledge graph. It keeps the node files and the structured index
// coherent, enforces referential rules, and emits a domain event for
// every committed mutation.
package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
	"github.com/kingrea/cubed/internal/store"
)

// Logger is the facade's diagnostic sink.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes Graph construction.
type Option func(*Graph)

// WithBus injects the event bus; without it the process-wide default
// bus is used.
func WithBus(bus *eventbus.Bus) Option {
	return func(g *Graph) {
		if bus != nil {
			g.bus = bus
		}
	}
}

// WithClock injects the instant source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger injects a diagnostic sink.
func WithLogger(logger Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// WithoutIndex disables the structured index; queries fall back to
// scanning files in memory.
func WithoutIndex() Option {
	return func(g *Graph) {
		g.indexDisabled = true
	}
}

// Graph is the facade over the file store, the index, and the bus.
// Mutations hold the writer lock across both the file write and the
// index update; readers share a read lock.
type Graph struct {
	mu              sync.RWMutex
	store           *store.Store
	index           *index.Index
	indexDisabled   bool
	bus             *eventbus.Bus
	logger          Logger
	now             func() time.Time
	deferredReindex bool
}

// Open initializes the workspace at root: the directory tree is
// created, the index is opened, and if the index is empty while node
// files exist it is rebuilt from them.
func Open(root string, opts ...Option) (*Graph, error) {
	g := &Graph{
		store: store.New(root),
		bus:   eventbus.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if err := g.store.Init(); err != nil {
		return nil, err
	}
	if !g.indexDisabled {
		idx, err := index.Open(filepath.Join(root, store.IndexFile))
		if err != nil {
			return nil, err
		}
		g.index = idx
		count, err := idx.Count()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			if listed, err := g.store.ListAll(); err == nil && len(listed.Nodes) > 0 {
				if _, rebuildErrs, err := g.RebuildIndex(context.Background()); err != nil {
					return nil, err
				} else if len(rebuildErrs) > 0 && g.logger != nil {
					g.logger.Printf("graph: startup rebuild skipped %d files", len(rebuildErrs))
				}
			}
		}
	}
	return g, nil
}

// Close releases the index connection.
func (g *Graph) Close() error {
	if g.index != nil {
		return g.index.Close()
	}
	return nil
}

// Root returns the workspace root.
func (g *Graph) Root() string { return g.store.Root() }

// DeferredReindex reports whether an index write failed after a file
// write committed; the files are authoritative and RebuildIndex clears
// the flag.
func (g *Graph) DeferredReindex() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.deferredReindex
}

// CreateInput is the facade's creation request: the node fields plus
// any edges to attach inline.
type CreateInput struct {
	node.CreateInput
	Edges []node.EdgeInput
}

const createRetries = 3

// Create builds, persists, and indexes a new node, emitting
// node.created. An id collision retries with a fresh creation instant
// up to three times before surfacing Conflict.
func (g *Graph) Create(input CreateInput) (node.Node, error) {
	g.mu.Lock()
	var n node.Node
	var err error
	for attempt := 0; attempt <= createRetries; attempt++ {
		n, err = node.Create(input.CreateInput, g.now().Add(time.Duration(attempt)*time.Millisecond))
		if err != nil {
			g.mu.Unlock()
			return node.Node{}, cubeerr.New(cubeerr.InvalidInput, "graph.Create", err)
		}
		if _, loadErr := g.store.LoadNode(n.ID); cubeerr.Is(loadErr, cubeerr.NotFound) {
			err = nil
			break
		}
		err = cubeerr.New(cubeerr.Conflict, "graph.Create", fmt.Errorf("id %s already exists", n.ID))
	}
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}

	for _, edge := range input.Edges {
		withEdge, edgeErr := node.AddEdge(n, edge, n.CreatedAt)
		if edgeErr != nil {
			g.mu.Unlock()
			return node.Node{}, cubeerr.New(cubeerr.InvalidInput, "graph.Create", edgeErr)
		}
		withEdge.Version = 1
		withEdge.ModifiedAt = n.CreatedAt
		n = withEdge
	}

	saved, err := g.store.SaveNode(n)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	g.reindexLocked(saved)
	g.mu.Unlock()

	g.bus.Emit(eventbus.NewAt(eventbus.NodeCreated, eventbus.Payload{Node: &saved}, g.now()))
	return saved, nil
}

// Get loads the node from its file, the authoritative representation.
func (g *Graph) Get(id string) (node.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.LoadNode(id)
}

// Update applies a partial change to the node, increments its version,
// reindexes, and emits node.updated with before/after deltas plus
// node.status_changed / node.validity_changed when those fields moved.
// An update that changes nothing is a no-op and emits no event.
func (g *Graph) Update(id string, partial node.UpdateInput) (node.Node, error) {
	g.mu.Lock()
	before, err := g.store.LoadNode(id)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	updated, err := node.Update(before, partial, g.now())
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, cubeerr.New(cubeerr.InvalidInput, "graph.Update", err)
	}
	beforeDelta, afterDelta := fieldDeltas(before, updated)
	if len(beforeDelta) == 0 {
		g.mu.Unlock()
		return before, nil
	}
	saved, err := g.store.SaveNode(updated)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	g.reindexLocked(saved)
	g.mu.Unlock()

	now := g.now()
	g.bus.Emit(eventbus.NewAt(eventbus.NodeUpdated, eventbus.Payload{
		Node:   &saved,
		Before: beforeDelta,
		After:  afterDelta,
	}, now))
	if before.Status != saved.Status {
		g.bus.Emit(eventbus.NewAt(eventbus.NodeStatusChanged, eventbus.Payload{
			Node:   &saved,
			Before: map[string]any{"status": string(before.Status)},
			After:  map[string]any{"status": string(saved.Status)},
		}, now))
	}
	if before.Validity != saved.Validity {
		g.bus.Emit(eventbus.NewAt(eventbus.NodeValidityChanged, eventbus.Payload{
			Node:   &saved,
			Before: map[string]any{"validity": string(before.Validity)},
			After:  map[string]any{"validity": string(saved.Validity)},
		}, now))
	}
	return saved, nil
}

// fieldDeltas compares the caller-visible fields of two node values
// and returns before/after maps holding only what changed.
func fieldDeltas(before, after node.Node) (map[string]any, map[string]any) {
	b := map[string]any{}
	a := map[string]any{}
	if before.Title != after.Title {
		b["title"], a["title"] = before.Title, after.Title
	}
	if before.Content != after.Content {
		b["content"], a["content"] = before.Content, after.Content
	}
	if before.Status != after.Status {
		b["status"], a["status"] = string(before.Status), string(after.Status)
	}
	if before.Validity != after.Validity {
		b["validity"], a["validity"] = string(before.Validity), string(after.Validity)
	}
	if before.Priority != after.Priority {
		b["priority"], a["priority"] = string(before.Priority), string(after.Priority)
	}
	if before.Confidence != after.Confidence {
		b["confidence"], a["confidence"] = before.Confidence, after.Confidence
	}
	if strings.Join(before.Tags, "\x00") != strings.Join(after.Tags, "\x00") {
		b["tags"], a["tags"] = before.Tags, after.Tags
	}
	if before.AssignedTo != after.AssignedTo {
		b["assigned_to"], a["assigned_to"] = before.AssignedTo, after.AssignedTo
	}
	if before.LockedBy != after.LockedBy {
		b["locked_by"], a["locked_by"] = before.LockedBy, after.LockedBy
	}
	beforeDue, afterDue := "", ""
	if before.DueAt != nil {
		beforeDue = before.DueAt.UTC().Format(time.RFC3339)
	}
	if after.DueAt != nil {
		afterDue = after.DueAt.UTC().Format(time.RFC3339)
	}
	if beforeDue != afterDue {
		b["due_at"], a["due_at"] = beforeDue, afterDue
	}
	return b, a
}

// Delete removes the node's file and index rows and emits node.deleted
// carrying the last snapshot. Edges pointing at the deleted node stay
// in their owners' files as orphan references; queries filter them.
func (g *Graph) Delete(id string) error {
	g.mu.Lock()
	snapshot, err := g.store.LoadNode(id)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	if _, err := g.store.DeleteNode(id); err != nil {
		g.mu.Unlock()
		return err
	}
	if g.index != nil {
		if err := g.index.RemoveNode(id); err != nil {
			g.deferredReindex = true
			if g.logger != nil {
				g.logger.Printf("graph: index removal failed for %s: %v", id, err)
			}
		}
	}
	g.mu.Unlock()

	g.bus.Emit(eventbus.NewAt(eventbus.NodeDeleted, eventbus.Payload{Node: &snapshot}, g.now()))
	return nil
}

// Link adds a typed edge from one node to another. The target must
// exist, and a second edge with the same (from, type, to) triple is a
// Conflict.
func (g *Graph) Link(from string, edgeType node.EdgeType, to string, metadata map[string]string) (node.Node, error) {
	g.mu.Lock()
	source, err := g.store.LoadNode(from)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	if _, err := g.store.LoadNode(to); err != nil {
		g.mu.Unlock()
		if cubeerr.Is(err, cubeerr.NotFound) {
			return node.Node{}, cubeerr.New(cubeerr.NotFound, "graph.Link", fmt.Errorf("target %s does not exist", to))
		}
		return node.Node{}, err
	}
	edgeID := node.EdgeID(from, edgeType, to)
	for _, e := range source.Edges {
		if e.ID == edgeID {
			g.mu.Unlock()
			return node.Node{}, cubeerr.New(cubeerr.Conflict, "graph.Link", fmt.Errorf("edge %s already exists", edgeID))
		}
	}
	linked, err := node.AddEdge(source, node.EdgeInput{Type: edgeType, To: to, Metadata: metadata}, g.now())
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, cubeerr.New(cubeerr.InvalidInput, "graph.Link", err)
	}
	saved, err := g.store.SaveNode(linked)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	g.reindexLocked(saved)
	g.mu.Unlock()

	edge := saved.Edges[len(saved.Edges)-1]
	g.bus.Emit(eventbus.NewAt(eventbus.EdgeCreated, eventbus.Payload{Edge: &edge, Node: &saved}, g.now()))
	return saved, nil
}

// Unlink removes the edge identified by its deterministic id and
// emits edge.deleted; a missing edge is NotFound.
func (g *Graph) Unlink(from string, edgeType node.EdgeType, to string) (node.Node, error) {
	g.mu.Lock()
	source, err := g.store.LoadNode(from)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	edgeID := node.EdgeID(from, edgeType, to)
	var removed *node.Edge
	for i := range source.Edges {
		if source.Edges[i].ID == edgeID {
			e := source.Edges[i]
			removed = &e
			break
		}
	}
	if removed == nil {
		g.mu.Unlock()
		return node.Node{}, cubeerr.New(cubeerr.NotFound, "graph.Unlink", fmt.Errorf("edge %s not found", edgeID))
	}
	updated, _ := node.RemoveEdge(source, edgeID, g.now())
	saved, err := g.store.SaveNode(updated)
	if err != nil {
		g.mu.Unlock()
		return node.Node{}, err
	}
	g.reindexLocked(saved)
	g.mu.Unlock()

	g.bus.Emit(eventbus.NewAt(eventbus.EdgeDeleted, eventbus.Payload{Edge: removed, Node: &saved}, g.now()))
	return saved, nil
}

// reindexLocked mirrors n into the index, downgrading failures to the
// deferred-reindex flag: the file is already committed and stays
// authoritative. Called with the writer lock held.
func (g *Graph) reindexLocked(n node.Node) {
	if g.index == nil {
		return
	}
	if err := g.index.IndexNode(n); err != nil {
		g.deferredReindex = true
		if g.logger != nil {
			g.logger.Printf("graph: reindex failed for %s: %v", n.ID, err)
		}
	}
}

// QueryOptions selects, sorts, and paginates nodes.
type QueryOptions struct {
	Filter         index.Filter
	Sort           *index.Sort
	Limit          int
	Offset         int
	IncludeContent bool
}

// Query resolves matching nodes. With the index enabled the id set
// comes from the mirror and each node loads from its file; without it
// the files are scanned and filtered in memory.
func (g *Graph) Query(opts QueryOptions) ([]node.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var nodes []node.Node
	if g.index != nil {
		ids, err := g.index.Run(index.Query{Filter: opts.Filter, Sort: opts.Sort, Limit: opts.Limit, Offset: opts.Offset})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			n, err := g.store.LoadNode(id)
			if err != nil {
				// A file deleted out from under the mirror: the file
				// wins, skip the row.
				if cubeerr.Is(err, cubeerr.NotFound) || cubeerr.Is(err, cubeerr.Malformed) {
					continue
				}
				return nil, err
			}
			nodes = append(nodes, n)
		}
	} else {
		listed, err := g.store.ListAll()
		if err != nil {
			return nil, err
		}
		nodes = filterInMemory(listed.Nodes, opts.Filter)
		sortInMemory(nodes, opts.Sort)
		nodes = paginateNodes(nodes, opts.Limit, opts.Offset)
	}
	if !opts.IncludeContent {
		for i := range nodes {
			nodes[i].Content = ""
		}
	}
	return nodes, nil
}

func filterInMemory(nodes []node.Node, f index.Filter) []node.Node {
	contains := func(values []string, v string) bool {
		for _, candidate := range values {
			if candidate == v {
				return true
			}
		}
		return false
	}
	// Incoming edges only exist in other nodes' files, so an in/both
	// edge filter needs a pass over the whole scanned set first.
	var incomingMatch map[string]bool
	if f.HasEdge != nil && (f.HasEdge.Direction == index.DirectionIn || f.HasEdge.Direction == index.DirectionBoth) {
		incomingMatch = map[string]bool{}
		for _, n := range nodes {
			for _, e := range n.Edges {
				if f.HasEdge.Type == "" || e.Type == f.HasEdge.Type {
					incomingMatch[e.To] = true
				}
			}
		}
	}
	var kept []node.Node
	for _, n := range nodes {
		if len(f.Types) > 0 && !containsType(f.Types, n.Type) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, n.Status) {
			continue
		}
		if len(f.Validities) > 0 && !containsValidity(f.Validities, n.Validity) {
			continue
		}
		if len(f.Priorities) > 0 && !containsPriority(f.Priorities, n.Priority) {
			continue
		}
		if f.AssignedTo != nil && n.AssignedTo != *f.AssignedTo {
			continue
		}
		if f.CreatedBy != "" && n.CreatedBy != f.CreatedBy {
			continue
		}
		if len(f.Tags) > 0 {
			all := true
			for _, tag := range f.Tags {
				if !contains(n.Tags, tag) {
					all = false
					break
				}
			}
			if !all {
				continue
			}
		}
		if len(f.TagsAny) > 0 {
			any := false
			for _, tag := range f.TagsAny {
				if contains(n.Tags, tag) {
					any = true
					break
				}
			}
			if !any {
				continue
			}
		}
		if f.HasEdge != nil {
			outgoing := false
			for _, e := range n.Edges {
				if f.HasEdge.Type == "" || e.Type == f.HasEdge.Type {
					outgoing = true
					break
				}
			}
			matched := false
			switch f.HasEdge.Direction {
			case index.DirectionIn:
				matched = incomingMatch[n.ID]
			case index.DirectionBoth:
				matched = outgoing || incomingMatch[n.ID]
			default:
				matched = outgoing
			}
			if !matched {
				continue
			}
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(n.Title), needle) &&
				!strings.Contains(strings.ToLower(n.ContentPreview), needle) {
				continue
			}
		}
		kept = append(kept, n)
	}
	return kept
}

func containsType(values []node.Type, v node.Type) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsStatus(values []node.Status, v node.Status) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsValidity(values []node.Validity, v node.Validity) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsPriority(values []node.Priority, v node.Priority) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func sortInMemory(nodes []node.Node, s *index.Sort) {
	if s == nil {
		return
	}
	less := func(a, b node.Node) bool { return false }
	switch s.Field {
	case "title":
		less = func(a, b node.Node) bool { return a.Title < b.Title }
	case "priority":
		less = func(a, b node.Node) bool { return a.Priority.Rank() < b.Priority.Rank() }
	case "created_at":
		less = func(a, b node.Node) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "modified_at":
		less = func(a, b node.Node) bool { return a.ModifiedAt.Before(b.ModifiedAt) }
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if s.Descending {
			return less(nodes[j], nodes[i])
		}
		return less(nodes[i], nodes[j])
	})
}

func paginateNodes(nodes []node.Node, limit, offset int) []node.Node {
	if offset > 0 {
		if offset >= len(nodes) {
			return nil
		}
		nodes = nodes[offset:]
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes
}

// StatsResult totals nodes by type and status.
type StatsResult struct {
	Total    int
	ByType   map[node.Type]int
	ByStatus map[node.Status]int
}

// Stats tallies the graph, from the index when enabled, otherwise
// from the files.
func (g *Graph) Stats() (StatsResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.index != nil {
		stats, err := g.index.CollectStats()
		if err != nil {
			return StatsResult{}, err
		}
		return StatsResult{Total: stats.Total, ByType: stats.ByType, ByStatus: stats.ByStatus}, nil
	}
	listed, err := g.store.ListAll()
	if err != nil {
		return StatsResult{}, err
	}
	result := StatsResult{ByType: map[node.Type]int{}, ByStatus: map[node.Status]int{}}
	for _, n := range listed.Nodes {
		result.Total++
		result.ByType[n.Type]++
		result.ByStatus[n.Status]++
	}
	return result, nil
}

// RebuildIndex clears the mirror and reindexes every readable node
// file, reconciling the index to the files. ctx cancellation is
// checked between nodes.
func (g *Graph) RebuildIndex(ctx context.Context) (int, []error, error) {
	if g.index == nil {
		return 0, nil, cubeerr.New(cubeerr.Index, "graph.RebuildIndex", errors.New("index disabled"))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.index.Clear(); err != nil {
		return 0, nil, err
	}
	listed, err := g.store.ListAll()
	if err != nil {
		return 0, nil, err
	}
	var errs []error
	for path, fileErr := range listed.Errors {
		errs = append(errs, fmt.Errorf("%s: %w", path, fileErr))
	}
	count := 0
	for _, n := range listed.Nodes {
		if err := ctx.Err(); err != nil {
			return count, errs, cubeerr.New(cubeerr.Timeout, "graph.RebuildIndex", err)
		}
		if err := g.index.IndexNode(n); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	g.deferredReindex = false
	return count, errs, nil
}
