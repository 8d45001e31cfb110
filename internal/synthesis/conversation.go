package synthesis

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kingrea/cubed/internal/node"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
	Intent  string
}

var rolePrefix = regexp.MustCompile(`(?im)^(user|assistant|human|ai|system)\s*[:>]\s*`)

// SplitMessages breaks a transcript into role-tagged messages. Text
// with no recognizable structure becomes a single user message.
func SplitMessages(text string) []Message {
	locations := rolePrefix.FindAllStringSubmatchIndex(text, -1)
	if len(locations) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []Message{{Role: "user", Content: trimmed}}
	}
	var messages []Message
	for i, loc := range locations {
		role := strings.ToLower(text[loc[2]:loc[3]])
		end := len(text)
		if i+1 < len(locations) {
			end = locations[i+1][0]
		}
		content := strings.TrimSpace(text[loc[1]:end])
		if content == "" {
			continue
		}
		messages = append(messages, Message{Role: role, Content: content})
	}
	for i := range messages {
		messages[i].Intent = classifyIntent(messages[i].Content)
	}
	return messages
}

// classifyIntent assigns a coarse label per message.
func classifyIntent(content string) string {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(trimmed, "?"),
		strings.HasPrefix(lower, "how "), strings.HasPrefix(lower, "what "),
		strings.HasPrefix(lower, "why "), strings.HasPrefix(lower, "can "):
		return "question"
	case strings.Contains(lower, "need to"), strings.Contains(lower, "should"),
		strings.Contains(lower, "must"), strings.Contains(lower, "todo"):
		return "directive"
	case strings.Contains(lower, "decided"), strings.Contains(lower, "we will"),
		strings.Contains(lower, "going with"):
		return "decision"
	default:
		return "information"
	}
}

// pattern is one member of a pattern family.
type pattern struct {
	family     string
	re         *regexp.Regexp
	confidence float64
	nodeType   node.Type
	priority   node.Priority
}

var conversationPatterns = []pattern{
	// TASK family.
	{"task", regexp.MustCompile(`(?i)\b(?:we |i )?need to\s+([^.!?\n]+)`), 0.75, node.TypeTask, ""},
	{"task", regexp.MustCompile(`(?i)\b(?:we|i|you)\s+(?:should|must|have to)\s+([^.!?\n]+)`), 0.7, node.TypeTask, ""},
	{"task", regexp.MustCompile(`(?i)\btodo:?\s+([^.!?\n]+)`), 0.85, node.TypeTask, ""},
	{"task", regexp.MustCompile(`(?i)\b(?:urgent|asap|critical):?\s+([^.!?\n]+)`), 0.8, node.TypeTask, node.PriorityHigh},
	// DECISION family.
	{"decision", regexp.MustCompile(`(?i)\b(?:we\s+)?decided\s+(?:to\s+)?([^.!?\n]+)`), 0.8, node.TypeDecision, ""},
	{"decision", regexp.MustCompile(`(?i)\bdecision:?\s+([^.!?\n]+)`), 0.85, node.TypeDecision, ""},
	{"decision", regexp.MustCompile(`(?i)\b(?:we(?:'re| are)?\s+)?going with\s+([^.!?\n]+)`), 0.75, node.TypeDecision, ""},
	// IDEA family.
	{"idea", regexp.MustCompile(`(?i)\bidea:?\s+([^.!?\n]+)`), 0.7, node.TypeIdeation, ""},
	{"idea", regexp.MustCompile(`(?i)\bwhat if\s+([^.!?\n]+)`), 0.6, node.TypeIdeation, ""},
	{"idea", regexp.MustCompile(`(?i)\b(?:we|you)\s+could\s+([^.!?\n]+)`), 0.55, node.TypeIdeation, ""},
	// QUESTION family.
	{"question", regexp.MustCompile(`(?i)\b(?:how|what|why|where|when)\s+(?:do|does|is|are|can|should)\s+([^.?\n]+)\?`), 0.6, node.TypeResearch, ""},
}

// technicalVocabulary maps content markers onto tags.
var technicalVocabulary = map[string]string{
	"api":         "api",
	"endpoint":    "api",
	"database":    "database",
	"sql":         "database",
	"auth":        "auth",
	"login":       "auth",
	"security":    "security",
	"ui":          "ui",
	"frontend":    "ui",
	"test":        "testing",
	"deploy":      "deploy",
	"bug":         "bug",
	"performance": "performance",
	"cache":       "performance",
}

const (
	titleLimit   = 100
	contextRange = 50
)

// ExtractConversation runs the pattern families over the transcript
// and returns candidate nodes, deduplicated by byte range.
func ExtractConversation(text string) Result {
	messages := SplitMessages(text)
	if len(messages) == 0 {
		return Result{}
	}
	joined := make([]string, len(messages))
	intents := map[int]string{}
	for i, m := range messages {
		joined[i] = m.Content
		intents[i] = m.Intent
	}
	content := strings.Join(joined, "\n")

	type hit struct {
		pattern pattern
		start   int
		end     int
		capture string
	}
	var hits []hit
	for _, p := range conversationPatterns {
		for _, match := range p.re.FindAllStringSubmatchIndex(content, -1) {
			capture := content[match[2]:match[3]]
			hits = append(hits, hit{pattern: p, start: match[0], end: match[1], capture: capture})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	// Overlapping hits resolve to the higher confidence, with a 0.1
	// margin required to displace an earlier winner.
	var kept []hit
	for _, candidate := range hits {
		displaced := false
		overlaps := false
		for i, existing := range kept {
			if candidate.start < existing.end && existing.start < candidate.end {
				overlaps = true
				if candidate.pattern.confidence > existing.pattern.confidence+0.1 {
					kept[i] = candidate
					displaced = true
				}
				break
			}
		}
		if !overlaps && !displaced {
			kept = append(kept, candidate)
		}
	}

	result := Result{Intents: intents}
	for _, h := range kept {
		priority := h.pattern.priority
		if priority == "" {
			priority = node.PriorityNormal
		}
		result.Nodes = append(result.Nodes, ExtractedNode{
			Title:      cleanTitle(h.capture),
			Content:    surroundingContext(content, h.start, h.end),
			Type:       h.pattern.nodeType,
			Tags:       extractTags(h.capture),
			Priority:   priority,
			Confidence: h.pattern.confidence,
			Start:      h.start,
			End:        h.end,
		})
	}
	return result
}

// cleanTitle sentence-cases the capture and bounds it to 100 chars.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(strings.Trim(raw, ".,;: "))
	if title == "" {
		return title
	}
	runes := []rune(title)
	runes[0] = unicode.ToUpper(runes[0])
	title = string(runes)
	if len(title) > titleLimit {
		title = strings.TrimSpace(title[:titleLimit-3]) + "..."
	}
	return title
}

// surroundingContext grabs up to 50 chars either side of the match.
func surroundingContext(content string, start, end int) string {
	from := start - contextRange
	if from < 0 {
		from = 0
	}
	to := end + contextRange
	if to > len(content) {
		to = len(content)
	}
	return strings.TrimSpace(content[from:to])
}

// extractTags maps the technical vocabulary plus priority markers
// onto a tag set.
func extractTags(text string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var tags []string
	for marker, tag := range technicalVocabulary {
		if strings.Contains(lower, marker) && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	for _, marker := range []string{"urgent", "asap", "critical"} {
		if strings.Contains(lower, marker) && !seen["urgent"] {
			seen["urgent"] = true
			tags = append(tags, "urgent")
		}
	}
	sort.Strings(tags)
	return tags
}
