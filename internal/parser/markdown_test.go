package parser

import (
	"slices"
	"testing"
)

func TestParseMarkdown(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantTitle    string
		wantHeadings []string
		wantMeta     map[string]any
	}{
		{
			name:         "frontmatter title wins",
			content:      "---\ntitle: Runbook\ntags: [ops, oncall]\n---\n# Heading\n\nBody",
			wantTitle:    "Runbook",
			wantHeadings: []string{"# Heading"},
			wantMeta:     map[string]any{"title": "Runbook"},
		},
		{
			name:         "first h1 as title",
			content:      "# Setup Guide\n\n## Install\n\n```\n# not a heading\n```\n## Configure",
			wantTitle:    "Setup Guide",
			wantHeadings: []string{"# Setup Guide", "## Install", "## Configure"},
			wantMeta:     map[string]any{"title": "Setup Guide"},
		},
		{
			name:      "invalid yaml ignored",
			content:   "---\n[unclosed\n---\nplain text",
			wantTitle: "",
			wantMeta:  map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := ParseMarkdown(tt.content)
			if doc.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", doc.Title, tt.wantTitle)
			}
			if !slices.Equal(doc.Headings, tt.wantHeadings) {
				t.Errorf("Headings = %q, want %q", doc.Headings, tt.wantHeadings)
			}
			meta := doc.Metadata()
			for k, v := range tt.wantMeta {
				if meta[k] != v {
					t.Errorf("Metadata()[%q] = %v, want %v", k, meta[k], v)
				}
			}
		})
	}
}

func TestMarkdownMetadata_StringSlices(t *testing.T) {
	doc := ParseMarkdown("---\ntags:\n  - ops\n  - db\nnested:\n  a: 1\n---\ntext")
	meta := doc.Metadata()

	tags, ok := meta["tags"].([]string)
	if !ok || !slices.Equal(tags, []string{"ops", "db"}) {
		t.Errorf("tags = %v", meta["tags"])
	}
	if _, ok := meta["nested"]; ok {
		t.Error("nested maps should not be copied into metadata")
	}
}

func TestMarkdownMetadata_Headings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"document headings", "# Guide\n\n## Install\ntext\n### Linux", []string{"# Guide", "## Install", "### Linux"}},
		{"front matter key wins", "---\nheadings: [custom]\n---\n# Guide", []string{"custom"}},
		{"no headings", "plain text", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := ParseMarkdown(tt.content).Metadata()
			got, ok := meta["headings"].([]string)
			if tt.want == nil {
				if _, present := meta["headings"]; present {
					t.Errorf("headings = %v, want none", meta["headings"])
				}
				return
			}
			if !ok || !slices.Equal(got, tt.want) {
				t.Errorf("headings = %v, want %q", meta["headings"], tt.want)
			}
		})
	}
}
