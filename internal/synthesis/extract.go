// Package synthesis extracts candidate knowledge nodes from raw text:
// conversation transcripts and source files. It proposes, it never
// mutates the graph directly; the pipeline's apply step goes through
// the facade.
package synthesis

import (
	"github.com/kingrea/cubed/internal/node"
)

// ExtractedNode is a candidate node proposed by an extractor.
type ExtractedNode struct {
	Title      string        `json:"title"`
	Content    string        `json:"content"`
	Type       node.Type     `json:"type"`
	Tags       []string      `json:"tags"`
	Priority   node.Priority `json:"priority"`
	Confidence float64       `json:"confidence"`
	Start      int           `json:"start"`
	End        int           `json:"end"`

	// Code-extractor extras.
	Docstring    string   `json:"docstring,omitempty"`
	Complexity   int      `json:"complexity,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ExtractedRelation is a candidate edge between two extracted nodes,
// referenced by title.
type ExtractedRelation struct {
	FromTitle string        `json:"fromTitle"`
	ToTitle   string        `json:"toTitle"`
	Type      node.EdgeType `json:"type"`
}

// Result is the combined output of an extraction run.
type Result struct {
	Nodes     []ExtractedNode     `json:"nodes"`
	Relations []ExtractedRelation `json:"relations"`
	Intents   map[int]string      `json:"intents,omitempty"`
}
