package index

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/node"
)

// EdgeDirection selects which side of an edge a filter or traversal
// looks at.
type EdgeDirection string

const (
	DirectionOut  EdgeDirection = "out"
	DirectionIn   EdgeDirection = "in"
	DirectionBoth EdgeDirection = "both"
)

// EdgeFilter restricts a query to nodes that hold (or are targeted by)
// an edge of the given type.
type EdgeFilter struct {
	Type      node.EdgeType
	Direction EdgeDirection
}

// Filter is the declarative query predicate. Zero-valued fields are
// ignored. AssignedTo distinguishes "unfiltered" (nil) from
// "unassigned" (pointer to empty string).
type Filter struct {
	Types          []node.Type
	Statuses       []node.Status
	Validities     []node.Validity
	Priorities     []node.Priority
	Tags           []string
	TagsAny        []string
	AssignedTo     *string
	CreatedBy      string
	HasEdge        *EdgeFilter
	Search         string
	CreatedAfter   string
	CreatedBefore  string
	ModifiedAfter  string
	ModifiedBefore string
	DueAfter       string
	DueBefore      string
}

// Sort names a column and direction for query ordering.
type Sort struct {
	Field      string
	Descending bool
}

// Query is a filtered, sorted, paginated id lookup.
type Query struct {
	Filter Filter
	Sort   *Sort
	Limit  int
	Offset int
}

var sortColumns = map[string]string{
	"title":       "n.title",
	"created_at":  "n.created_at",
	"modified_at": "n.modified_at",
	"due_at":      "n.due_at",
	"confidence":  "n.confidence",
	"version":     "n.version",
	"type":        "n.type",
	"status":      "n.status",
}

// Run executes q and returns matching node ids. When a search term is
// present and no explicit sort is requested, results are ordered by
// fuzzy relevance against title and preview; otherwise insertion order
// breaks ties.
func (x *Index) Run(q Query) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(`SELECT DISTINCT n.id, n.title, n.content_preview, n.rowid FROM nodes n`)
	var args []any
	var conds []string

	for i, tag := range q.Filter.Tags {
		alias := fmt.Sprintf("t%d", i)
		fmt.Fprintf(&sb, ` JOIN node_tags %s ON %s.node_id = n.id AND %s.tag = ?`, alias, alias, alias)
		args = append(args, tag)
	}
	if len(q.Filter.TagsAny) > 0 {
		sb.WriteString(` JOIN node_tags ta ON ta.node_id = n.id`)
		conds = append(conds, `ta.tag IN (`+placeholders(len(q.Filter.TagsAny))+`)`)
		for _, tag := range q.Filter.TagsAny {
			args = append(args, tag)
		}
	}
	if he := q.Filter.HasEdge; he != nil {
		switch he.Direction {
		case DirectionIn:
			sb.WriteString(` JOIN edges e ON e.to_node = n.id`)
		case DirectionBoth:
			sb.WriteString(` JOIN edges e ON (e.from_node = n.id OR e.to_node = n.id)`)
		default:
			sb.WriteString(` JOIN edges e ON e.from_node = n.id`)
		}
		if he.Type != "" {
			conds = append(conds, `e.type = ?`)
			args = append(args, string(he.Type))
		}
	}

	addEnum := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		if len(values) == 1 {
			conds = append(conds, column+` = ?`)
			args = append(args, values[0])
			return
		}
		conds = append(conds, column+` IN (`+placeholders(len(values))+`)`)
		for _, v := range values {
			args = append(args, v)
		}
	}
	addEnum("n.type", asStrings(q.Filter.Types))
	addEnum("n.status", asStrings(q.Filter.Statuses))
	addEnum("n.validity", asStrings(q.Filter.Validities))
	addEnum("n.priority", asStrings(q.Filter.Priorities))

	if q.Filter.AssignedTo != nil {
		if *q.Filter.AssignedTo == "" {
			conds = append(conds, `n.assigned_to IS NULL`)
		} else {
			conds = append(conds, `n.assigned_to = ?`)
			args = append(args, *q.Filter.AssignedTo)
		}
	}
	if q.Filter.CreatedBy != "" {
		conds = append(conds, `n.created_by = ?`)
		args = append(args, q.Filter.CreatedBy)
	}

	addDate := func(column, op, value string) {
		if value == "" {
			return
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", column, op))
		args = append(args, value)
	}
	addDate("n.created_at", ">=", q.Filter.CreatedAfter)
	addDate("n.created_at", "<=", q.Filter.CreatedBefore)
	addDate("n.modified_at", ">=", q.Filter.ModifiedAfter)
	addDate("n.modified_at", "<=", q.Filter.ModifiedBefore)
	addDate("n.due_at", ">=", q.Filter.DueAfter)
	addDate("n.due_at", "<=", q.Filter.DueBefore)

	if q.Filter.Search != "" {
		conds = append(conds, `(LOWER(n.title) LIKE ? OR LOWER(n.content_preview) LIKE ?)`)
		needle := "%" + strings.ToLower(q.Filter.Search) + "%"
		args = append(args, needle, needle)
	}

	if len(conds) > 0 {
		sb.WriteString(` WHERE ` + strings.Join(conds, ` AND `))
	}

	rankBySearch := q.Filter.Search != "" && q.Sort == nil
	sb.WriteString(orderClause(q.Sort))

	// Pagination happens in SQL except when relevance ranking
	// reorders the candidate set afterward.
	if !rankBySearch {
		if q.Limit > 0 {
			fmt.Fprintf(&sb, ` LIMIT %d`, q.Limit)
			if q.Offset > 0 {
				fmt.Fprintf(&sb, ` OFFSET %d`, q.Offset)
			}
		} else if q.Offset > 0 {
			fmt.Fprintf(&sb, ` LIMIT -1 OFFSET %d`, q.Offset)
		}
	}

	rows, err := x.db.Query(sb.String(), args...)
	if err != nil {
		return nil, cubeerr.New(cubeerr.Index, "index.Run", err)
	}
	defer rows.Close()

	var candidates []searchCandidate
	for rows.Next() {
		var c searchCandidate
		var preview string
		var rowid int64
		if err := rows.Scan(&c.id, &c.haystack, &preview, &rowid); err != nil {
			return nil, cubeerr.New(cubeerr.Index, "index.Run", err)
		}
		c.haystack += " " + preview
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, cubeerr.New(cubeerr.Index, "index.Run", err)
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	if rankBySearch {
		ids = rankByRelevance(q.Filter.Search, candidates, ids)
		ids = paginate(ids, q.Limit, q.Offset)
	}
	return ids, nil
}

type searchCandidate struct {
	id       string
	haystack string
}

// rankByRelevance reorders the LIKE-filtered candidates by fuzzy match
// score; candidates the scorer rejects keep their LIKE order after the
// scored ones.
func rankByRelevance(term string, candidates []searchCandidate, ids []string) []string {
	haystacks := make([]string, len(candidates))
	for i, c := range candidates {
		haystacks[i] = c.haystack
	}
	matches := fuzzy.Find(term, haystacks)
	seen := make(map[string]bool, len(matches))
	ranked := make([]string, 0, len(ids))
	for _, m := range matches {
		ranked = append(ranked, candidates[m.Index].id)
		seen[candidates[m.Index].id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			ranked = append(ranked, id)
		}
	}
	return ranked
}

func paginate(ids []string, limit, offset int) []string {
	if offset > 0 {
		if offset >= len(ids) {
			return nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func orderClause(s *Sort) string {
	if s == nil {
		return ` ORDER BY n.rowid ASC`
	}
	dir := "ASC"
	if s.Descending {
		dir = "DESC"
	}
	if s.Field == "priority" {
		return fmt.Sprintf(` ORDER BY CASE n.priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END %s, n.rowid ASC`, dir)
	}
	column, ok := sortColumns[s.Field]
	if !ok {
		column = "n.rowid"
	}
	return fmt.Sprintf(` ORDER BY %s %s, n.rowid ASC`, column, dir)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func asStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}
