package graph

import (
	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
)

const defaultMaxDepth = 10

// TraverseOptions configures a breadth-first walk from a start node.
type TraverseOptions struct {
	StartNode    string
	Direction    index.EdgeDirection
	EdgeTypes    []node.EdgeType
	MaxDepth     int
	IncludeStart bool
}

// TraversalNode is one reached node: its depth, the id path from the
// start, and the edge used to arrive (nil for the start itself).
type TraversalNode struct {
	Node  node.Node
	Depth int
	Path  []string
	Via   *node.Edge
}

// Traverse walks the graph breadth-first from the start node,
// visiting each node once up to MaxDepth. Outgoing edges come from the
// node files; incoming edges are resolved through the index, which is
// the only holder of the reverse direction. Targets whose files are
// gone are orphan references and are skipped.
func (g *Graph) Traverse(opts TraverseOptions) ([]TraversalNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, err := g.store.LoadNode(opts.StartNode)
	if err != nil {
		return nil, err
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	direction := opts.Direction
	if direction == "" {
		direction = index.DirectionOut
	}
	if direction == index.DirectionIn || direction == index.DirectionBoth {
		if g.index == nil {
			return nil, cubeerr.New(cubeerr.InvalidInput, "graph.Traverse", errIndexRequired)
		}
	}

	typeAllowed := func(t node.EdgeType) bool {
		if len(opts.EdgeTypes) == 0 {
			return true
		}
		for _, candidate := range opts.EdgeTypes {
			if candidate == t {
				return true
			}
		}
		return false
	}

	type queued struct {
		n     node.Node
		depth int
		path  []string
		via   *node.Edge
	}
	visited := map[string]bool{start.ID: true}
	frontier := []queued{{n: start, depth: 0, path: []string{start.ID}}}
	var results []TraversalNode

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current.depth > 0 || opts.IncludeStart {
			results = append(results, TraversalNode{
				Node:  current.n,
				Depth: current.depth,
				Path:  current.path,
				Via:   current.via,
			})
		}
		if current.depth >= maxDepth {
			continue
		}

		var neighbors []node.Edge
		if direction == index.DirectionOut || direction == index.DirectionBoth {
			for _, e := range current.n.Edges {
				if typeAllowed(e.Type) {
					neighbors = append(neighbors, e)
				}
			}
		}
		if direction == index.DirectionIn || direction == index.DirectionBoth {
			incoming, err := g.index.EdgesInto(current.n.ID, opts.EdgeTypes)
			if err != nil {
				return nil, err
			}
			for _, ref := range incoming {
				neighbors = append(neighbors, node.Edge{
					ID:   ref.ID,
					From: ref.From,
					To:   ref.To,
					Type: ref.Type,
				})
			}
		}

		for _, edge := range neighbors {
			nextID := edge.To
			if nextID == current.n.ID {
				nextID = edge.From
			}
			if visited[nextID] {
				continue
			}
			next, err := g.store.LoadNode(nextID)
			if err != nil {
				if cubeerr.Is(err, cubeerr.NotFound) || cubeerr.Is(err, cubeerr.Malformed) {
					continue
				}
				return nil, err
			}
			visited[nextID] = true
			e := edge
			path := append(append([]string{}, current.path...), nextID)
			frontier = append(frontier, queued{n: next, depth: current.depth + 1, path: path, via: &e})
		}
	}
	return results, nil
}
