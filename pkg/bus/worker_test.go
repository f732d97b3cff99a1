package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
}

func (r *countingRecorder) RecordMessage(_ context.Context, _ string, outcome Outcome, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[Outcome]int{}
	}
	r.outcomes[outcome]++
}

func TestClassify(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		err     error
		attempt int
		max     int
		want    Outcome
	}{
		{"success", nil, 1, 3, OutcomeSuccess},
		{"retry", boom, 1, 3, OutcomeRetry},
		{"exhausted", boom, 3, 3, OutcomeDeadLetter},
		{"unlimited", boom, 100, -1, OutcomeRetry},
		{"permanent", Permanent(boom), 1, 3, OutcomeDeadLetter},
		{"deferred", Defer(boom, time.Minute), 3, 3, OutcomeDeferred},
		{"wrapped defer", errors.Join(Defer(nil, time.Second)), 1, 3, OutcomeDeferred},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.attempt, tt.max))
		})
	}
}

func TestDeferCarriesDelay(t *testing.T) {
	err := Defer(errors.New("grace"), 90*time.Second)
	d, ok := AsDefer(err)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d.After)
	assert.Contains(t, err.Error(), "grace")

	assert.Nil(t, Permanent(nil))
}

func TestWorkerProcessOutcomes(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(MemoryConfig{})
	defer func() { _ = b.Close() }()

	rec := &countingRecorder{}
	var next error
	w := NewWorker(b, WorkerConfig{Queue: "q", MaxAttempts: 2}, func(context.Context, *Delivery) error {
		return next
	}, nil, rec)

	require.NoError(t, b.Enqueue(ctx, "q", "t", testMsg{JobID: "j1"}))

	next = errors.New("transient")
	d, err := receiveWithin(t, b, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, w.Process(ctx, d))

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// Make the retried message visible now.
	b.mu.Lock()
	for _, it := range b.queues["q"].byID {
		it.visibleAt = time.Now()
	}
	b.mu.Unlock()

	next = Defer(nil, 10*time.Millisecond)
	d, err = receiveWithin(t, b, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, OutcomeDeferred, w.Process(ctx, d))

	next = errors.New("still failing")
	d, err = receiveWithin(t, b, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, OutcomeDeadLetter, w.Process(ctx, d))

	letters, err := b.DeadLetters(ctx, "q", 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "still failing", letters[0].Reason)

	assert.Equal(t, 1, rec.outcomes[OutcomeRetry])
	assert.Equal(t, 1, rec.outcomes[OutcomeDeferred])
	assert.Equal(t, 1, rec.outcomes[OutcomeDeadLetter])
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	defer func() { _ = b.Close() }()

	handled := make(chan string, 1)
	w := NewWorker(b, WorkerConfig{Queue: "q", Concurrency: 2}, func(_ context.Context, d *Delivery) error {
		var msg testMsg
		if err := d.Decode(&msg); err != nil {
			return err
		}
		handled <- msg.JobID
		return nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, b.Enqueue(context.Background(), "q", "t", testMsg{JobID: "j7"}))

	select {
	case id := <-handled:
		assert.Equal(t, "j7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("message not handled")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
