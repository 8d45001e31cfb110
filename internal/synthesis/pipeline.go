package synthesis

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
)

// SourceKind routes a source to its extractor.
type SourceKind string

const (
	SourceConversation SourceKind = "conversation"
	SourceCode         SourceKind = "code"
)

// Source is one input to the pipeline.
type Source struct {
	Kind     SourceKind
	Content  string
	Path     string
	Language string
}

// Recommendation is what the dedup step suggests for a candidate.
type Recommendation string

const (
	RecommendSkip   Recommendation = "skip"
	RecommendMerge  Recommendation = "merge"
	RecommendLink   Recommendation = "link"
	RecommendCreate Recommendation = "create"
)

// Match pairs a candidate with an existing node it resembles.
type Match struct {
	NodeID     string  `json:"nodeId"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// Candidate is an extracted node with its dedup verdict.
type Candidate struct {
	Node           ExtractedNode  `json:"node"`
	Matches        []Match        `json:"matches,omitempty"`
	Recommendation Recommendation `json:"recommendation"`
}

const (
	defaultMinConfidence  = 0.5
	defaultDedupThreshold = 0.8
	skipThreshold         = 0.95
	linkThreshold         = 0.5
	matchFloor            = 0.3
	maxMatches            = 5
)

// Options tunes the pipeline.
type Options struct {
	MinConfidence  float64
	DedupThreshold float64
}

func (o Options) withDefaults() Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = defaultMinConfidence
	}
	if o.DedupThreshold <= 0 {
		o.DedupThreshold = defaultDedupThreshold
	}
	return o
}

// Pipeline routes sources to extractors and reconciles the candidates
// against the existing graph.
type Pipeline struct {
	graph *graph.Graph
	opts  Options
}

// NewPipeline builds a pipeline over the graph.
func NewPipeline(g *graph.Graph, opts Options) *Pipeline {
	return &Pipeline{graph: g, opts: opts.withDefaults()}
}

// Extract runs every source through its extractor, concurrently when
// more than one source is supplied, and filters by minimum
// confidence.
func (p *Pipeline) Extract(ctx context.Context, sources []Source) (Result, error) {
	results := make([]Result, len(sources))
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			var r Result
			switch src.Kind {
			case SourceCode:
				r = ExtractCode(CodeSource{Path: src.Path, Language: src.Language, Content: src.Content})
			default:
				r = ExtractConversation(src.Content)
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	var combined Result
	for _, r := range results {
		for _, n := range r.Nodes {
			if n.Confidence >= p.opts.MinConfidence {
				combined.Nodes = append(combined.Nodes, n)
			}
		}
		combined.Relations = append(combined.Relations, r.Relations...)
		if r.Intents != nil && combined.Intents == nil {
			combined.Intents = r.Intents
		}
	}
	return combined, nil
}

// Dedup scores each candidate against existing nodes of the same type
// and attaches a recommendation.
func (p *Pipeline) Dedup(result Result) ([]Candidate, error) {
	byType := map[node.Type][]node.Node{}
	candidates := make([]Candidate, 0, len(result.Nodes))
	for _, extracted := range result.Nodes {
		existing, ok := byType[extracted.Type]
		if !ok {
			loaded, err := p.graph.Query(graph.QueryOptions{
				Filter:         index.Filter{Types: []node.Type{extracted.Type}},
				IncludeContent: true,
			})
			if err != nil {
				return nil, err
			}
			existing = loaded
			byType[extracted.Type] = loaded
		}

		var matches []Match
		for _, candidate := range existing {
			score := similarity(extracted, candidate)
			if score > matchFloor {
				matches = append(matches, Match{NodeID: candidate.ID, Title: candidate.Title, Similarity: score})
			}
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
		if len(matches) > maxMatches {
			matches = matches[:maxMatches]
		}

		recommendation := RecommendCreate
		if len(matches) > 0 {
			switch best := matches[0].Similarity; {
			case best >= skipThreshold:
				recommendation = RecommendSkip
			case best >= p.opts.DedupThreshold:
				recommendation = RecommendMerge
			case best >= linkThreshold:
				recommendation = RecommendLink
			}
		}
		candidates = append(candidates, Candidate{
			Node:           extracted,
			Matches:        matches,
			Recommendation: recommendation,
		})
	}
	return candidates, nil
}

// similarity blends title and content word overlap with tag overlap.
func similarity(extracted ExtractedNode, existing node.Node) float64 {
	title := jaccard(tokenize(extracted.Title), tokenize(existing.Title))
	content := jaccard(tokenize(extracted.Content), tokenize(existing.Content))
	tags := jaccard(toSet(extracted.Tags), toSet(existing.Tags))
	return 0.5*title + 0.3*content + 0.2*tags
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) map[string]bool {
	set := map[string]bool{}
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		set[word] = true
	}
	return set
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// ApplyOptions gates CreateNodes.
type ApplyOptions struct {
	RequireApproval bool
	Approved        map[string]bool // keyed by candidate title
}

// ApplyResult reports what CreateNodes did.
type ApplyResult struct {
	Created []string `json:"created"`
	Merged  []string `json:"merged"`
	Linked  []string `json:"linked"`
	Skipped []string `json:"skipped"`
}

// CreateNodes applies the candidates' recommendations through the
// graph facade: skip leaves the graph alone, merge folds the
// candidate into its best match, link creates the node and relates it
// to the match, create adds a fresh node. With approval required,
// unapproved create/link candidates are skipped; merges into an
// existing node always proceed.
func (p *Pipeline) CreateNodes(candidates []Candidate, relations []ExtractedRelation, opts ApplyOptions) (ApplyResult, error) {
	var result ApplyResult
	createdByTitle := map[string]string{}
	for _, candidate := range candidates {
		title := candidate.Node.Title
		switch candidate.Recommendation {
		case RecommendSkip:
			result.Skipped = append(result.Skipped, title)
		case RecommendMerge:
			target := candidate.Matches[0].NodeID
			if err := p.merge(target, candidate.Node); err != nil {
				return result, err
			}
			createdByTitle[title] = target
			result.Merged = append(result.Merged, target)
		case RecommendLink:
			if opts.RequireApproval && !opts.Approved[title] {
				result.Skipped = append(result.Skipped, title)
				continue
			}
			created, err := p.create(candidate.Node)
			if err != nil {
				return result, err
			}
			createdByTitle[title] = created.ID
			if _, err := p.graph.Link(created.ID, node.EdgeRelatesTo, candidate.Matches[0].NodeID, nil); err != nil {
				return result, err
			}
			result.Linked = append(result.Linked, created.ID)
		default:
			if opts.RequireApproval && !opts.Approved[title] {
				result.Skipped = append(result.Skipped, title)
				continue
			}
			created, err := p.create(candidate.Node)
			if err != nil {
				return result, err
			}
			createdByTitle[title] = created.ID
			result.Created = append(result.Created, created.ID)
		}
	}

	for _, relation := range relations {
		from, okFrom := createdByTitle[relation.FromTitle]
		to, okTo := createdByTitle[relation.ToTitle]
		if !okFrom || !okTo {
			continue
		}
		if _, err := p.graph.Link(from, relation.Type, to, nil); err != nil {
			// A relation that already exists is fine.
			continue
		}
	}
	return result, nil
}

func (p *Pipeline) create(extracted ExtractedNode) (node.Node, error) {
	return p.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{
		Type:      extracted.Type,
		Title:     extracted.Title,
		Content:   extracted.Content,
		Priority:  extracted.Priority,
		Tags:      extracted.Tags,
		CreatedBy: "synthesis",
	}})
}

// merge folds a candidate into an existing node: tags union, content
// appended when the candidate adds anything.
func (p *Pipeline) merge(targetID string, extracted ExtractedNode) error {
	existing, err := p.graph.Get(targetID)
	if err != nil {
		return err
	}
	tagSet := map[string]bool{}
	merged := append([]string{}, existing.Tags...)
	for _, tag := range existing.Tags {
		tagSet[tag] = true
	}
	for _, tag := range extracted.Tags {
		if !tagSet[tag] {
			tagSet[tag] = true
			merged = append(merged, tag)
		}
	}
	partial := node.UpdateInput{Tags: &merged}
	if extracted.Content != "" && !strings.Contains(existing.Content, extracted.Content) {
		content := strings.TrimSpace(existing.Content + "\n\n" + extracted.Content)
		partial.Content = &content
	}
	_, err = p.graph.Update(targetID, partial)
	return err
}
