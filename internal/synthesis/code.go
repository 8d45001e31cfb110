package synthesis

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/kingrea/cubed/internal/node"
)

// CodeSource is one source file handed to the code extractor.
type CodeSource struct {
	Path     string
	Language string
	Content  string
}

// function is an extracted declaration before it becomes a node.
type function struct {
	name      string
	exported  bool
	docstring string
	start     int
	end       int
	body      string
}

type class struct {
	name       string
	extends    string
	implements []string
	docstring  string
	start      int
	end        int
	body       string
}

var (
	funcDeclPattern  = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(`)
	arrowPattern     = regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?\(?[\w\s,{}:]*\)?\s*=>`)
	goFuncPattern    = regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?(\w+)\s*\(`)
	pyDefPattern     = regexp.MustCompile(`(?m)^\s*def\s+(\w+)\s*\(`)
	methodPattern    = regexp.MustCompile(`(?m)^\s{2,}(?:async\s+)?(\w+)\s*\([^)]*\)\s*\{`)
	classPattern     = regexp.MustCompile(`(?m)^\s*(?:export\s+)?class\s+(\w+)(?:\s+extends\s+(\w+))?(?:\s+implements\s+([\w\s,]+))?`)
	decisionPoints   = regexp.MustCompile(`\b(?:if|else\s+if|for|while|switch|case|catch)\b|\?|&&|\|\|`)
	callPattern      = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\(`)
	docCommentClean  = regexp.MustCompile(`(?m)^\s*(?:/\*\*?|\*/|\*|//+|#)\s?`)
)

// builtinDenylist holds identifiers that appear in call position but
// are language machinery, not dependencies.
var builtinDenylist = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "require": true, "import": true,
	"console": true, "log": true, "print": true, "println": true,
	"len": true, "make": true, "new": true, "append": true, "typeof": true,
	"parseInt": true, "String": true, "Number": true, "Boolean": true,
	"Array": true, "Object": true, "Promise": true, "super": true,
}

// ExtractCode runs the regex pass over a single source file and
// proposes one code node per exported function and per class.
func ExtractCode(src CodeSource) Result {
	content := src.Content
	functions := findFunctions(content, src.Language)
	classes := findClasses(content)

	declared := map[string]bool{}
	for _, fn := range functions {
		declared[fn.name] = true
	}
	for _, cl := range classes {
		declared[cl.name] = true
	}

	var result Result
	for _, fn := range functions {
		if !fn.exported {
			continue
		}
		deps := dependencies(fn.body, fn.name)
		result.Nodes = append(result.Nodes, ExtractedNode{
			Title:        fn.name,
			Content:      describeFunction(fn, src),
			Type:         node.TypeCode,
			Tags:         codeTags(src),
			Priority:     node.PriorityNormal,
			Confidence:   0.9,
			Start:        fn.start,
			End:          fn.end,
			Docstring:    fn.docstring,
			Complexity:   complexity(fn.body),
			Dependencies: deps,
		})
		for _, dep := range deps {
			if declared[dep] && dep != fn.name {
				result.Relations = append(result.Relations, ExtractedRelation{
					FromTitle: fn.name,
					ToTitle:   dep,
					Type:      node.EdgeDependsOn,
				})
			}
		}
	}
	for _, cl := range classes {
		result.Nodes = append(result.Nodes, ExtractedNode{
			Title:      cl.name,
			Content:    describeClass(cl, src),
			Type:       node.TypeCode,
			Tags:       codeTags(src),
			Priority:   node.PriorityNormal,
			Confidence: 0.9,
			Start:      cl.start,
			End:        cl.end,
			Docstring:  cl.docstring,
			Complexity: complexity(cl.body),
		})
		if cl.extends != "" {
			result.Relations = append(result.Relations, ExtractedRelation{
				FromTitle: cl.name,
				ToTitle:   cl.extends,
				Type:      node.EdgePartOf,
			})
		}
	}
	return result
}

func findFunctions(content, language string) []function {
	patterns := []*regexp.Regexp{funcDeclPattern, arrowPattern, methodPattern}
	switch strings.ToLower(language) {
	case "go":
		patterns = []*regexp.Regexp{goFuncPattern}
	case "python", "py":
		patterns = []*regexp.Regexp{pyDefPattern}
	}
	seen := map[string]bool{}
	var functions []function
	for _, p := range patterns {
		for _, match := range p.FindAllStringSubmatchIndex(content, -1) {
			name := content[match[2]:match[3]]
			if seen[name] || builtinDenylist[name] {
				continue
			}
			seen[name] = true
			start := match[0]
			// A pattern's leading \s* can span blank lines; start at the
			// declaration's own line so isExported reads that line.
			if nl := strings.LastIndexByte(content[match[0]:match[2]], '\n'); nl >= 0 {
				start = match[0] + nl + 1
			}
			end := blockEnd(content, match[1])
			functions = append(functions, function{
				name:      name,
				exported:  isExported(content, start, name, language),
				docstring: precedingDoc(content, start),
				start:     start,
				end:       end,
				body:      content[match[1]:end],
			})
		}
	}
	sort.SliceStable(functions, func(i, j int) bool { return functions[i].start < functions[j].start })
	return functions
}

func findClasses(content string) []class {
	var classes []class
	for _, match := range classPattern.FindAllStringSubmatchIndex(content, -1) {
		cl := class{
			name:  content[match[2]:match[3]],
			start: match[0],
			end:   blockEnd(content, match[1]),
		}
		if match[4] >= 0 {
			cl.extends = content[match[4]:match[5]]
		}
		if match[6] >= 0 {
			for _, impl := range strings.Split(content[match[6]:match[7]], ",") {
				if trimmed := strings.TrimSpace(impl); trimmed != "" {
					cl.implements = append(cl.implements, trimmed)
				}
			}
		}
		cl.docstring = precedingDoc(content, cl.start)
		cl.body = content[match[1]:cl.end]
		classes = append(classes, cl)
	}
	return classes
}

// isExported treats explicit export keywords and capitalized names as
// the visibility signal, which covers the common conventions.
func isExported(content string, declStart int, name string, language string) bool {
	lineStart := strings.LastIndexByte(content[:declStart], '\n') + 1
	line := content[lineStart:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	if strings.Contains(line, "export ") {
		return true
	}
	switch strings.ToLower(language) {
	case "go":
		return unicode.IsUpper([]rune(name)[0])
	case "python", "py":
		return !strings.HasPrefix(name, "_")
	}
	return unicode.IsUpper([]rune(name)[0])
}

// precedingDoc collects the comment block immediately above the
// declaration, stripped of comment syntax.
func precedingDoc(content string, declStart int) string {
	lines := strings.Split(content[:declStart], "\n")
	var doc []string
	for i := len(lines) - 2; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" && len(doc) == 0 {
			continue
		}
		isComment := strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") ||
			strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "*/")
		if !isComment {
			break
		}
		doc = append([]string{docCommentClean.ReplaceAllString(trimmed, "")}, doc...)
	}
	return strings.TrimSpace(strings.Join(doc, "\n"))
}

// blockEnd finds the end of the brace-delimited block starting after
// offset, falling back to the next blank line for indentation-based
// code.
func blockEnd(content string, offset int) int {
	depth := 0
	opened := false
	for i := offset; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
			opened = true
		case '}':
			depth--
			if opened && depth <= 0 {
				return i + 1
			}
		case '\n':
			if !opened && i+1 < len(content) && (i+1 == len(content)-1 || content[i+1] == '\n') {
				return i
			}
		}
	}
	return len(content)
}

// complexity approximates cyclomatic complexity as a decision-point
// count plus one.
func complexity(body string) int {
	return len(decisionPoints.FindAllString(body, -1)) + 1
}

// dependencies lists identifiers in call position, minus builtins and
// the function itself.
func dependencies(body, self string) []string {
	seen := map[string]bool{}
	var deps []string
	for _, match := range callPattern.FindAllStringSubmatch(body, -1) {
		name := match[1]
		if builtinDenylist[name] || name == self || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	sort.Strings(deps)
	return deps
}

func describeFunction(fn function, src CodeSource) string {
	var sb strings.Builder
	sb.WriteString("Function " + fn.name)
	if src.Path != "" {
		sb.WriteString(" in " + src.Path)
	}
	if fn.docstring != "" {
		sb.WriteString("\n\n" + fn.docstring)
	}
	return sb.String()
}

func describeClass(cl class, src CodeSource) string {
	var sb strings.Builder
	sb.WriteString("Class " + cl.name)
	if cl.extends != "" {
		sb.WriteString(" extends " + cl.extends)
	}
	if len(cl.implements) > 0 {
		sb.WriteString(" implements " + strings.Join(cl.implements, ", "))
	}
	if src.Path != "" {
		sb.WriteString(" in " + src.Path)
	}
	if cl.docstring != "" {
		sb.WriteString("\n\n" + cl.docstring)
	}
	return sb.String()
}

func codeTags(src CodeSource) []string {
	tags := []string{"code"}
	if src.Language != "" {
		tags = append(tags, strings.ToLower(src.Language))
	}
	return tags
}
