// Package metrics provides in-memory stage timing collection and Prometheus
// instruments for the ingestion pipeline.
package metrics

import (
	"sync"
	"time"
)

// Operation names for the collector. The first four are pipeline stages.
const (
	OpSourceFetch = "source_fetch"
	OpChunk       = "chunk"
	OpEmbed       = "embed"
	OpSinkUpsert  = "sink_upsert"
	OpAssistant   = "assistant"
)

// OperationSnapshot is the computed view of one operation.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	// Token stats, only for model calls.
	TotalInputTokens  *int64   `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64   `json:"total_output_tokens,omitempty"`
	AvgInputTokens    *float64 `json:"avg_input_tokens,omitempty"`
	AvgOutputTokens   *float64 `json:"avg_output_tokens,omitempty"`
}

// Snapshot is the engine's runtime statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	SourceFetch   *OperationSnapshot `json:"source_fetch,omitempty"`
	Chunk         *OperationSnapshot `json:"chunk,omitempty"`
	Embed         *OperationSnapshot `json:"embed,omitempty"`
	SinkUpsert    *OperationSnapshot `json:"sink_upsert,omitempty"`
	Assistant     *OperationSnapshot `json:"assistant,omitempty"`
}

// opStats accumulates one operation. Zero Count means nothing was recorded.
type opStats struct {
	count    int64
	total    time.Duration
	min, max time.Duration

	tokensIn, tokensOut int64
	tokenCalls          int64
}

func (s *opStats) observe(d time.Duration) {
	if s.count == 0 || d < s.min {
		s.min = d
	}
	s.max = max(s.max, d)
	s.count++
	s.total += d
}

func (s *opStats) snapshot() *OperationSnapshot {
	if s == nil || s.count == 0 {
		return nil
	}
	snap := &OperationSnapshot{
		Count:       s.count,
		TotalTimeMs: s.total.Milliseconds(),
		AvgTimeMs:   float64(s.total.Milliseconds()) / float64(s.count),
		MinTimeMs:   s.min.Milliseconds(),
		MaxTimeMs:   s.max.Milliseconds(),
	}
	if s.tokenCalls > 0 {
		in, out := s.tokensIn, s.tokensOut
		avgIn := float64(in) / float64(s.tokenCalls)
		avgOut := float64(out) / float64(s.tokenCalls)
		snap.TotalInputTokens, snap.TotalOutputTokens = &in, &out
		snap.AvgInputTokens, snap.AvgOutputTokens = &avgIn, &avgOut
	}
	return snap
}

// Collector aggregates in-memory runtime statistics and, when Prometheus
// instruments are attached, mirrors them there. A nil *Collector discards
// everything. All methods are thread-safe.
type Collector struct {
	mu        sync.Mutex
	startTime time.Time
	ops       map[string]*opStats
	prom      *Instruments
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*opStats),
	}
}

// WithPrometheus attaches instruments that every record call also updates.
func (c *Collector) WithPrometheus(inst *Instruments) *Collector {
	c.prom = inst
	return c
}

// Prometheus returns the attached instruments, or nil.
func (c *Collector) Prometheus() *Instruments {
	if c == nil {
		return nil
	}
	return c.prom
}

// stats returns the accumulator for op. Caller must hold mu.
func (c *Collector) stats(op string) *opStats {
	s, ok := c.ops[op]
	if !ok {
		s = &opStats{}
		c.ops[op] = s
	}
	return s
}

// RecordTiming records one call of op.
func (c *Collector) RecordTiming(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.prom.observeStage(op, d)

	c.mu.Lock()
	c.stats(op).observe(d)
	c.mu.Unlock()
}

// RecordLLMUsage records one model call of op with its token usage.
func (c *Collector) RecordLLMUsage(op string, d time.Duration, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.prom.observeStage(op, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats(op)
	s.observe(d)
	s.tokensIn += inputTokens
	s.tokensOut += outputTokens
	s.tokenCalls++
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		SourceFetch:   c.ops[OpSourceFetch].snapshot(),
		Chunk:         c.ops[OpChunk].snapshot(),
		Embed:         c.ops[OpEmbed].snapshot(),
		SinkUpsert:    c.ops[OpSinkUpsert].snapshot(),
		Assistant:     c.ops[OpAssistant].snapshot(),
	}
}
