// Package parser turns extracted document text into chunks and reads
// Markdown front matter for document metadata.
package parser

import (
	"bufio"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// MarkdownDoc represents a parsed Markdown document.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from first h1 or frontmatter
	Title string

	// Content after the frontmatter block
	Content string

	// Headings in document order, like "## Setup"
	Headings []string
}

var (
	h1Regex      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
)

// ParseMarkdown parses a Markdown document into structured form.
// Invalid YAML front matter is ignored.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx > 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil {
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	doc.Headings = extractHeadings(remaining)

	return doc
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}

	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}

	return ""
}

func extractHeadings(content string) []string {
	var headings []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	inFence := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if match := headingRegex.FindStringSubmatch(line); len(match) > 0 {
			headings = append(headings, match[1]+" "+strings.TrimSpace(match[2]))
		}
	}
	return headings
}

// Metadata flattens the front matter into document metadata. Only scalar
// values and string lists are kept so every vector store can persist them.
// The document's headings are added under "headings" unless the front
// matter sets that key.
func (d *MarkdownDoc) Metadata() map[string]any {
	meta := make(map[string]any, len(d.Frontmatter)+2)
	for k, v := range d.Frontmatter {
		switch v.(type) {
		case string, bool, int, int64, float64:
			meta[k] = v
		case []any, []string:
			if s := d.GetFrontmatterStringSlice(k); len(s) > 0 {
				meta[k] = s
			}
		}
	}
	if d.Title != "" {
		meta["title"] = d.Title
	}
	if _, ok := meta["headings"]; !ok && len(d.Headings) > 0 {
		meta["headings"] = slices.Clone(d.Headings)
	}
	return meta
}

// GetFrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) GetFrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

// GetFrontmatterStringSlice extracts a string slice from frontmatter.
func (d *MarkdownDoc) GetFrontmatterStringSlice(key string) []string {
	switch v := d.Frontmatter[key].(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return v
	}
	return nil
}
