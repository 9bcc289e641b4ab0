// Package sync implements bidirectional synchronization between markdown
// recipe/candidate files and the recipe/candidate tables (spec.md §4.4):
// front-matter parsing and canonical serialization, validation, and the
// orphan-detecting sync pass itself.
package sync

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/knowledgeengine/core/internal/errs"
)

// closed sets from spec.md §4.4.
var (
	validCategories = map[string]bool{
		"View": true, "Service": true, "Tool": true, "Model": true,
		"Network": true, "Storage": true, "UI": true, "Utility": true,
	}
	validLanguages = map[string]bool{"swift": true, "objectivec": true, "markdown": true}

	headerImportPattern = regexp.MustCompile(`^#import\s+<.+>$`)
	headerImportWord     = regexp.MustCompile(`^import\s+\w+`)
)

// FrontMatter is the YAML block at the top of a recipe file.
type FrontMatter struct {
	ID            string   `yaml:"id,omitempty"`
	Title         string   `yaml:"title"`
	Trigger       string   `yaml:"trigger"`
	Category      string   `yaml:"category"`
	Language      string   `yaml:"language"`
	SummaryCN     string   `yaml:"summary_cn"`
	SummaryEN     string   `yaml:"summary_en"`
	Headers       []string `yaml:"headers"`
	UsageGuideCN  string   `yaml:"usageGuide_cn,omitempty"`
	UsageGuideEN  string   `yaml:"usageGuide_en,omitempty"`
	KnowledgeType string   `yaml:"knowledgeType,omitempty"`
	Kind          string   `yaml:"kind,omitempty"`
	Complexity    string   `yaml:"complexity,omitempty"`
	Scope         string   `yaml:"scope,omitempty"`
}

// RecipeDoc is one parsed markdown record (a file may hold several).
type RecipeDoc struct {
	FrontMatter FrontMatter
	CodeFence   string // language tag on the fenced fence, e.g. "swift"
	CodeBlock   string // fenced code content under "## Snippet / Code Reference"
	UsageGuide  string // free markdown under "## AI Context / Usage Guide"
	IntroOnly   bool   // no "## Snippet" heading present
}

const (
	headingSnippet = "## Snippet / Code Reference"
	headingUsage   = "## AI Context / Usage Guide"
)

// ParseFile splits file content into one or more RecipeDoc records.
// Records are separated by a blank line, a `---` line, and another front
// matter block (spec.md §4.4).
func ParseFile(content string) ([]RecipeDoc, error) {
	blocks := splitRecords(content)
	if len(blocks) == 0 {
		return nil, errs.Validation("file contains no recipe records")
	}
	docs := make([]RecipeDoc, 0, len(blocks))
	for i, b := range blocks {
		doc, err := parseRecord(b)
		if err != nil {
			return nil, errs.Wrap(errs.CodeValidation, err, "record %d", i+1)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// splitRecords finds each `---\n<yaml>\n---\n<body>` record in sequence.
// A new record begins whenever a `---` line is found at the start of a
// line following the previous record's body (i.e. not inside it).
func splitRecords(content string) []string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	var starts []int
	for i, l := range lines {
		if strings.TrimSpace(l) == "---" && isFrontMatterStart(lines, i) {
			starts = append(starts, i)
		}
	}
	if len(starts) == 0 {
		return nil
	}
	var out []string
	for i, s := range starts {
		end := len(lines)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		out = append(out, strings.Join(lines[s:end], "\n"))
	}
	return out
}

// isFrontMatterStart reports whether the `---` at lines[i] opens a front
// matter block: either it is the first line of the file, or it is
// preceded by a blank line (record separator).
func isFrontMatterStart(lines []string, i int) bool {
	if i == 0 {
		return true
	}
	return strings.TrimSpace(lines[i-1]) == ""
}

func parseRecord(block string) (RecipeDoc, error) {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != "---" {
		return RecipeDoc{}, errs.Validation("record missing opening front matter delimiter")
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		return RecipeDoc{}, errs.Validation("record missing closing front matter delimiter")
	}

	yamlText := strings.Join(lines[1:closeIdx], "\n")
	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(yamlText), &fm); err != nil {
		return RecipeDoc{}, errs.Wrap(errs.CodeValidation, err, "invalid front matter YAML")
	}

	body := strings.Join(lines[closeIdx+1:], "\n")
	doc := RecipeDoc{FrontMatter: fm}

	snippetIdx := strings.Index(body, headingSnippet)
	usageIdx := strings.Index(body, headingUsage)

	if snippetIdx == -1 {
		doc.IntroOnly = true
	} else {
		section := body[snippetIdx+len(headingSnippet):]
		if usageIdx != -1 && usageIdx > snippetIdx {
			section = body[snippetIdx+len(headingSnippet) : usageIdx]
		}
		fence, code := extractFence(section)
		doc.CodeFence = fence
		doc.CodeBlock = code
	}

	if usageIdx != -1 {
		doc.UsageGuide = strings.TrimSpace(body[usageIdx+len(headingUsage):])
	}

	return doc, nil
}

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

func extractFence(section string) (fence, code string) {
	m := fencePattern.FindStringSubmatch(section)
	if m == nil {
		return "", ""
	}
	return m[1], strings.TrimRight(m[2], "\n")
}

// Validate checks a RecipeDoc against spec.md §4.4's rules, returning one
// Violation per failed rule (never a short-circuit on first failure, so a
// caller sees every problem in one pass).
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func Validate(doc RecipeDoc) []Violation {
	var v []Violation

	if strings.TrimSpace(doc.FrontMatter.Title) == "" {
		v = append(v, Violation{"title", "title is required"})
	}
	if !strings.HasPrefix(doc.FrontMatter.Trigger, "@") {
		v = append(v, Violation{"trigger", "trigger must start with @"})
	}
	if !validCategories[doc.FrontMatter.Category] {
		v = append(v, Violation{"category", fmt.Sprintf("category %q is not in the closed set", doc.FrontMatter.Category)})
	}
	if !validLanguages[doc.FrontMatter.Language] {
		v = append(v, Violation{"language", fmt.Sprintf("language %q is not in the closed set", doc.FrontMatter.Language)})
	}
	if strings.TrimSpace(doc.FrontMatter.SummaryCN) == "" {
		v = append(v, Violation{"summary_cn", "summary_cn is required"})
	}
	if strings.TrimSpace(doc.FrontMatter.SummaryEN) == "" {
		v = append(v, Violation{"summary_en", "summary_en is required"})
	}
	for _, h := range doc.FrontMatter.Headers {
		if !headerImportPattern.MatchString(h) && !headerImportWord.MatchString(h) {
			v = append(v, Violation{"headers", fmt.Sprintf("header %q does not look like an import statement", h)})
		}
	}
	if !doc.IntroOnly && strings.TrimSpace(doc.CodeBlock) == "" {
		v = append(v, Violation{"content", "at least one code block is required unless intro-only"})
	}
	return v
}

// Serialize reconstructs the canonical markdown form of doc. Headers
// always re-serialize as a JSON array on one line regardless of how they
// were read (spec.md §9 Open Question resolution).
func Serialize(doc RecipeDoc) string {
	var b strings.Builder
	b.WriteString("---\n")
	writeField(&b, "id", doc.FrontMatter.ID, true)
	writeField(&b, "title", doc.FrontMatter.Title, false)
	writeField(&b, "trigger", doc.FrontMatter.Trigger, false)
	writeField(&b, "category", doc.FrontMatter.Category, false)
	writeField(&b, "language", doc.FrontMatter.Language, false)
	writeField(&b, "summary_cn", doc.FrontMatter.SummaryCN, false)
	writeField(&b, "summary_en", doc.FrontMatter.SummaryEN, false)
	b.WriteString("headers: ")
	b.WriteString(jsonArrayLine(doc.FrontMatter.Headers))
	b.WriteString("\n")
	writeField(&b, "usageGuide_cn", doc.FrontMatter.UsageGuideCN, true)
	writeField(&b, "usageGuide_en", doc.FrontMatter.UsageGuideEN, true)
	writeField(&b, "knowledgeType", doc.FrontMatter.KnowledgeType, true)
	writeField(&b, "kind", doc.FrontMatter.Kind, true)
	writeField(&b, "complexity", doc.FrontMatter.Complexity, true)
	writeField(&b, "scope", doc.FrontMatter.Scope, true)
	b.WriteString("---\n\n")

	if !doc.IntroOnly {
		b.WriteString(headingSnippet)
		b.WriteString("\n\n```")
		b.WriteString(doc.CodeFence)
		b.WriteString("\n")
		b.WriteString(doc.CodeBlock)
		b.WriteString("\n```\n\n")
	}

	if doc.UsageGuide != "" {
		b.WriteString(headingUsage)
		b.WriteString("\n\n")
		b.WriteString(doc.UsageGuide)
		b.WriteString("\n")
	}

	return b.String()
}

func writeField(b *strings.Builder, key, value string, omitEmpty bool) {
	if omitEmpty && value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", key, yamlScalar(value))
}

func yamlScalar(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := strings.ContainsAny(s, ":#{}[]&*!|>'\"%@`") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ")
	if !needsQuote {
		return s
	}
	escaped := strings.ReplaceAll(s, `"`, `\"`)
	return `"` + escaped + `"`
}

func jsonArrayLine(items []string) string {
	var b strings.Builder
	b.WriteString("[")
	for i, it := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		escaped := strings.ReplaceAll(it, `"`, `\"`)
		b.WriteString(`"`)
		b.WriteString(escaped)
		b.WriteString(`"`)
	}
	b.WriteString("]")
	return b.String()
}
