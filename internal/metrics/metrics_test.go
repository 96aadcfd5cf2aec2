package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpEmbed, 10*time.Millisecond)
	c.RecordTiming(OpEmbed, 30*time.Millisecond)
	c.RecordTiming(OpSinkUpsert, 5*time.Millisecond)

	snap := c.Snapshot()
	require.NotNil(t, snap.Embed)
	assert.EqualValues(t, 2, snap.Embed.Count)
	assert.EqualValues(t, 40, snap.Embed.TotalTimeMs)
	assert.InDelta(t, 20.0, snap.Embed.AvgTimeMs, 0.001)
	assert.EqualValues(t, 10, snap.Embed.MinTimeMs)
	assert.EqualValues(t, 30, snap.Embed.MaxTimeMs)
	assert.Nil(t, snap.Embed.TotalInputTokens, "stage ops carry no token stats")

	require.NotNil(t, snap.SinkUpsert)
	assert.Nil(t, snap.SourceFetch)
	assert.Nil(t, snap.Chunk)
}

func TestCollectorLLMUsage(t *testing.T) {
	c := NewCollector()
	c.RecordLLMUsage(OpAssistant, time.Second, 100, 20)
	c.RecordLLMUsage(OpAssistant, time.Second, 300, 40)

	snap := c.Snapshot().Assistant
	require.NotNil(t, snap)
	assert.EqualValues(t, 400, *snap.TotalInputTokens)
	assert.EqualValues(t, 60, *snap.TotalOutputTokens)
	assert.InDelta(t, 200.0, *snap.AvgInputTokens, 0.001)
	assert.InDelta(t, 30.0, *snap.AvgOutputTokens, 0.001)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTiming(OpEmbed, time.Millisecond)
		c.RecordLLMUsage(OpAssistant, time.Millisecond, 1, 1)
		_ = c.Snapshot()
		c.Prometheus().JobStarted()
		c.Prometheus().DocumentProcessed(3)
	})
}

func TestInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst := NewInstruments(reg)
	c := NewCollector().WithPrometheus(inst)

	inst.JobStarted()
	inst.DocumentProcessed(4)
	inst.DocumentProcessed(1)
	inst.DocumentSkipped()
	inst.Retry(OpEmbed)
	inst.Retry(OpEmbed)
	inst.LogDropped(3)
	inst.JobFinished("completed", "")
	c.RecordTiming(OpEmbed, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(inst.documentsProcessed))
	assert.Equal(t, 5.0, testutil.ToFloat64(inst.chunksCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.documentsSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(inst.retries.WithLabelValues(OpEmbed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(inst.logDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(inst.jobsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(inst.jobsFinished.WithLabelValues("completed", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(inst.stageDuration))
}

func TestInstrumentsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	inst := NewInstruments(reg)
	inst.DocumentProcessed(2)

	rec := httptest.NewRecorder()
	inst.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "ingestd_chunks_created_total 2"))
}
