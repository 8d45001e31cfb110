package graph

import (
	"errors"

	"github.com/kingrea/cubed/internal/node"
)

var errIndexRequired = errors.New("operation requires the index")

// EdgeIssue is one problem found by ValidateEdges.
type EdgeIssue struct {
	NodeID string
	EdgeID string
	Kind   string // "duplicate" or "orphan"
}

// ValidateEdges scans every node file for duplicate outgoing edges
// (same from, type, and target — possible in hand-edited files) and
// for edges whose target no longer exists. Nothing is repaired; the
// issues are reported for the caller to act on.
func (g *Graph) ValidateEdges() ([]EdgeIssue, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	listed, err := g.store.ListAll()
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(listed.Nodes))
	for _, n := range listed.Nodes {
		exists[n.ID] = true
	}
	var issues []EdgeIssue
	for _, n := range listed.Nodes {
		seen := map[string]bool{}
		for _, e := range n.Edges {
			if seen[e.ID] {
				issues = append(issues, EdgeIssue{NodeID: n.ID, EdgeID: e.ID, Kind: "duplicate"})
			}
			seen[e.ID] = true
			if !exists[e.To] {
				issues = append(issues, EdgeIssue{NodeID: n.ID, EdgeID: e.ID, Kind: "orphan"})
			}
		}
	}
	return issues, nil
}

// Descriptor lists the closed enums external collaborators need
// without importing deeper packages.
type Descriptor struct {
	NodeTypes  []node.Type
	Statuses   []node.Status
	Validities []node.Validity
	Priorities []node.Priority
	EdgeTypes  []node.EdgeType
}

// Types returns the read-only descriptor of the graph's closed enums.
func Types() Descriptor {
	return Descriptor{
		NodeTypes:  node.Types(),
		Statuses:   node.Statuses(),
		Validities: node.Validities(),
		Priorities: node.Priorities(),
		EdgeTypes:  node.EdgeTypes(),
	}
}
