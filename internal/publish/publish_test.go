package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"botguard/internal/features"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	flushed int
	closed  bool
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.err
	f.mu.Unlock()
	promise(r, err)
}

func (f *fakeProducer) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type countingFailures struct{ n int }

func (c *countingFailures) PublishFailureInc() { c.n++ }

func TestKafkaPublisher_Publish(t *testing.T) {
	fp := &fakeProducer{}
	p := newKafkaPublisher(fp, "decisions", nil)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := DecisionEvent{
		SessionID:        "sess-1",
		Decision:         "block",
		HumanProbability: 0.12,
		Threshold:        0.5,
		ModelVersion:     "v1",
		Features:         features.Vector{KSCount: 3},
		Timestamp:        at,
	}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, fp.records, 1)
	rec := fp.records[0]
	assert.Equal(t, "decisions", rec.Topic)
	assert.Equal(t, "sess-1", string(rec.Key))
	assert.True(t, rec.Timestamp.Equal(at))

	var got DecisionEvent
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, "block", got.Decision)
	assert.Equal(t, 0.12, got.HumanProbability)
	assert.Equal(t, 3.0, got.Features.KSCount)
	assert.Equal(t, "botguard", got.Source)
}

func TestKafkaPublisher_DeliveryFailureCounted(t *testing.T) {
	fp := &fakeProducer{err: errors.New("broker down")}
	failures := &countingFailures{}
	p := newKafkaPublisher(fp, "decisions", failures)

	// delivery errors are asynchronous and never fail the request
	require.NoError(t, p.Publish(context.Background(), DecisionEvent{SessionID: "s"}))
	assert.Equal(t, 1, failures.n)
}

func TestKafkaPublisher_FillsTimestamp(t *testing.T) {
	fp := &fakeProducer{}
	p := newKafkaPublisher(fp, "decisions", nil)

	require.NoError(t, p.Publish(context.Background(), DecisionEvent{SessionID: "s"}))
	assert.False(t, fp.records[0].Timestamp.IsZero())
}

func TestKafkaPublisher_Close(t *testing.T) {
	fp := &fakeProducer{}
	p := newKafkaPublisher(fp, "decisions", nil)

	require.NoError(t, p.Flush(context.Background()))
	p.Close()

	assert.Equal(t, 2, fp.flushed)
	assert.True(t, fp.closed)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "decisions", nil)
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), DecisionEvent{}))
	p.Close()
}
