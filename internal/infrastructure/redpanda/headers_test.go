package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestRecordCarrier(t *testing.T) {
	rec := &kgo.Record{}
	c := recordCarrier{record: rec}

	c.Set("traceparent", "a")
	c.Set("tracestate", "b")
	c.Set("traceparent", "c")

	assert.Equal(t, "c", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Len(t, rec.Headers, 2)
}

func TestTraceContextRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	rec := &kgo.Record{}
	prop.Inject(trace.ContextWithSpanContext(context.Background(), sc), recordCarrier{record: rec})
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", recordCarrier{record: rec}.Get("traceparent"))

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), recordCarrier{record: rec}))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, tc := range DefaultTopicConfigs() {
		names[tc.Name] = true
		assert.Positive(t, tc.Partitions)
	}
	for _, topic := range []string{TopicDrafts, TopicEvents, TopicCompleted, TopicDeadLetter} {
		assert.True(t, names[topic], topic)
	}
}
