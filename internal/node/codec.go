package node

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingHeader indicates the document did not start with a header fence.
	ErrMissingHeader = errors.New("node: missing header")
	// ErrMalformedNode indicates the header or its fields could not be parsed.
	ErrMalformedNode = errors.New("node: malformed")
)

const timeLayout = time.RFC3339

// header mirrors the on-disk key ordering of the node file format. Field
// order here is the serialized order: yaml.v3 preserves struct field
// order on marshal.
type header struct {
	ID         string          `yaml:"id"`
	Type       string          `yaml:"type"`
	Version    int             `yaml:"version"`
	Status     string          `yaml:"status"`
	Validity   string          `yaml:"validity"`
	Confidence float64         `yaml:"confidence"`
	Priority   string          `yaml:"priority"`
	Tags       []string        `yaml:"tags,flow"`
	CreatedBy  *string         `yaml:"created_by"`
	AssignedTo *string         `yaml:"assigned_to"`
	LockedBy   *string         `yaml:"locked_by"`
	CreatedAt  string          `yaml:"created_at"`
	ModifiedAt string          `yaml:"modified_at"`
	DueAt      *string         `yaml:"due_at"`
	Ordering   orderingHeader  `yaml:"ordering"`
	Edges      []edgeHeader    `yaml:"edges"`
	Actions    []any           `yaml:"actions"`
}

type orderingHeader struct {
	SupersededBy    *string `yaml:"superseded_by"`
	SemanticHash    string  `yaml:"semantic_hash"`
	SourceFreshness *string `yaml:"source_freshness"`
}

type edgeHeader struct {
	Type     string            `yaml:"type"`
	Target   string            `yaml:"target"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Encode renders n as a frontmatter-headed text file: a YAML header
// between `---` fences, a blank line, `# title`, a blank line, body.
func Encode(n Node) ([]byte, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("%w: node has no id", ErrMalformedNode)
	}
	h := header{
		ID:         n.ID,
		Type:       string(n.Type),
		Version:    n.Version,
		Status:     string(n.Status),
		Validity:   string(n.Validity),
		Confidence: n.Confidence,
		Priority:   string(n.Priority),
		Tags:       n.Tags,
		CreatedBy:  nonEmpty(n.CreatedBy),
		AssignedTo: nonEmpty(n.AssignedTo),
		LockedBy:   nonEmpty(n.LockedBy),
		CreatedAt:  n.CreatedAt.UTC().Format(timeLayout),
		ModifiedAt: n.ModifiedAt.UTC().Format(timeLayout),
		Ordering: orderingHeader{
			SupersededBy:    nonEmpty(n.Ordering.SupersededBy),
			SemanticHash:    n.Ordering.SemanticHash,
			SourceFreshness: nonEmpty(n.Ordering.SourceFreshness),
		},
		Edges:   make([]edgeHeader, 0, len(n.Edges)),
		Actions: []any{},
	}
	if h.Tags == nil {
		h.Tags = []string{}
	}
	if n.DueAt != nil {
		formatted := n.DueAt.UTC().Format(timeLayout)
		h.DueAt = &formatted
	}
	for _, e := range n.Edges {
		h.Edges = append(h.Edges, edgeHeader{
			Type:     string(e.Type),
			Target:   e.To,
			Metadata: e.Metadata,
		})
	}

	data, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: encode header: %v", ErrMalformedNode, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString("# ")
	buf.WriteString(n.Title)
	buf.WriteString("\n\n")
	buf.WriteString(n.Content)
	return buf.Bytes(), nil
}

// Decode parses a frontmatter-headed text file into a Node. filePath is
// stamped onto the result verbatim; it is not otherwise interpreted.
func Decode(content []byte, filePath string) (Node, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Node{}, ErrMissingHeader
	}
	rest := normalized[len("---\n"):]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Node{}, fmt.Errorf("%w: unterminated header", ErrMalformedNode)
	}
	var h header
	if err := yaml.Unmarshal(parts[0], &h); err != nil {
		return Node{}, fmt.Errorf("%w: parse header: %v", ErrMalformedNode, err)
	}
	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	title, bodyContent := splitTitleAndBody(body)

	n, err := h.toNode()
	if err != nil {
		return Node{}, err
	}
	n.Title = title
	n.Content = bodyContent
	n.ContentPreview = contentPreview(bodyContent)
	n.FilePath = filePath
	return n, nil
}

func splitTitleAndBody(body []byte) (string, string) {
	text := string(body)
	if !strings.HasPrefix(text, "# ") {
		return "", strings.TrimPrefix(text, "\n")
	}
	nl := strings.Index(text, "\n")
	if nl < 0 {
		return strings.TrimPrefix(text, "# "), ""
	}
	title := strings.TrimPrefix(text[:nl], "# ")
	rest := strings.TrimPrefix(text[nl+1:], "\n")
	return title, rest
}

func (h header) toNode() (Node, error) {
	if h.ID == "" || h.Type == "" {
		return Node{}, fmt.Errorf("%w: missing id or type", ErrMalformedNode)
	}
	t := Type(h.Type)
	if !t.valid() {
		return Node{}, fmt.Errorf("%w: unknown type %q", ErrMalformedNode, h.Type)
	}
	status := Status(h.Status)
	if !status.valid() {
		return Node{}, fmt.Errorf("%w: unknown status %q", ErrMalformedNode, h.Status)
	}
	validity := Validity(h.Validity)
	if !validity.valid() {
		return Node{}, fmt.Errorf("%w: unknown validity %q", ErrMalformedNode, h.Validity)
	}
	priority := Priority(h.Priority)
	if !priority.valid() {
		return Node{}, fmt.Errorf("%w: unknown priority %q", ErrMalformedNode, h.Priority)
	}
	createdAt, err := time.Parse(timeLayout, h.CreatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("%w: parse created_at: %v", ErrMalformedNode, err)
	}
	modifiedAt, err := time.Parse(timeLayout, h.ModifiedAt)
	if err != nil {
		return Node{}, fmt.Errorf("%w: parse modified_at: %v", ErrMalformedNode, err)
	}
	var dueAt *time.Time
	if h.DueAt != nil && *h.DueAt != "" {
		parsed, err := time.Parse(timeLayout, *h.DueAt)
		if err != nil {
			return Node{}, fmt.Errorf("%w: parse due_at: %v", ErrMalformedNode, err)
		}
		dueAt = &parsed
	}
	edges := make([]Edge, 0, len(h.Edges))
	for _, e := range h.Edges {
		edgeType := EdgeType(e.Type)
		if !edgeType.valid() {
			return Node{}, fmt.Errorf("%w: unknown edge type %q", ErrMalformedNode, e.Type)
		}
		edges = append(edges, Edge{
			ID:       EdgeID(h.ID, edgeType, e.Target),
			From:     h.ID,
			To:       e.Target,
			Type:     edgeType,
			Metadata: e.Metadata,
		})
	}
	return Node{
		ID:         h.ID,
		Type:       t,
		Version:    h.Version,
		Status:     status,
		Validity:   validity,
		Confidence: h.Confidence,
		Priority:   priority,
		Tags:       append([]string{}, h.Tags...),
		CreatedBy:  deref(h.CreatedBy),
		AssignedTo: deref(h.AssignedTo),
		LockedBy:   deref(h.LockedBy),
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
		DueAt:      dueAt,
		Ordering: Ordering{
			SupersededBy:    deref(h.Ordering.SupersededBy),
			SemanticHash:    h.Ordering.SemanticHash,
			SourceFreshness: deref(h.Ordering.SourceFreshness),
		},
		Edges: edges,
	}, nil
}
