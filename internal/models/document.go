package models

import "time"

// Document is raw text extracted by a source connector.
type Document struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	// SourceID names the connector that produced the document.
	SourceID string `json:"source_id"`
}

// Ref returns a short human readable reference for logs and errors.
func (d Document) Ref() string {
	if src, ok := d.Metadata["source"].(string); ok && src != "" {
		return src
	}
	if d.ID != "" {
		return d.ID
	}
	return "unknown"
}

// LogEntry is one line on the log bus.
type LogEntry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	JobID     string    `json:"job_id,omitempty"`
}
