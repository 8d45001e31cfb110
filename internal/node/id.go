package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var slugCollapse = regexp.MustCompile(`[^a-z0-9]+`)

// MaxSlugLength bounds the slug portion of a node id.
const MaxSlugLength = 50

func slugify(title string) string {
	lower := strings.ToLower(strings.TrimSpace(title))
	collapsed := slugCollapse.ReplaceAllString(lower, "-")
	trimmed := strings.Trim(collapsed, "-")
	if len(trimmed) > MaxSlugLength {
		trimmed = strings.Trim(trimmed[:MaxSlugLength], "-")
	}
	if trimmed == "" {
		return "untitled"
	}
	return trimmed
}

// deriveID builds the deterministic `{type}/{slug}-{6-hex}` identifier
// from the node type, title, and creation instant expressed in
// milliseconds since epoch.
func deriveID(t Type, title string, creationMillis int64) string {
	slug := slugify(title)
	seed := fmt.Sprintf("%s:%s:%d", t, title, creationMillis)
	sum := sha256.Sum256([]byte(seed))
	suffix := hex.EncodeToString(sum[:])[:6]
	return fmt.Sprintf("%s/%s-%s", t, slug, suffix)
}

var nonWordOrSpace = regexp.MustCompile(`[^\w\s]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// semanticHash returns the first 16 hex chars of SHA-256 over the
// normalized title+content.
func semanticHash(title, content string) string {
	normalized := strings.ToLower(title + " " + content)
	normalized = nonWordOrSpace.ReplaceAllString(normalized, "")
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

const contentPreviewLimit = 200

// contentPreview derives the ≤200-char preview: headings stripped,
// whitespace collapsed.
func contentPreview(content string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, trimmed)
	}
	collapsed := whitespaceRun.ReplaceAllString(strings.Join(kept, " "), " ")
	collapsed = strings.TrimSpace(collapsed)
	if len(collapsed) <= contentPreviewLimit {
		return collapsed
	}
	return strings.TrimSpace(collapsed[:contentPreviewLimit])
}
