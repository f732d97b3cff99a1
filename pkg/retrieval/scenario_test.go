package retrieval

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annovault/pkg/archival"
	"github.com/3leaps/annovault/pkg/backoff"
	"github.com/3leaps/annovault/pkg/blobstore/file"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/tier"
)

type skipCounter struct {
	mu    sync.Mutex
	skips map[string]int
}

func (s *skipCounter) RecordMigration(context.Context) {}

func (s *skipCounter) RecordSkip(_ context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips[reason]++
}

func (s *skipCounter) count(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skips[reason]
}

// harness wires every component over one memory bus, the way serve does.
type harness struct {
	*fixture
	bus       *bus.Memory
	tiers     *tier.Static
	trigger   *Trigger
	skips     *skipCounter
	finalized atomic.Int32
}

func newHarness(t *testing.T, grace time.Duration, fileCfg file.Config) *harness {
	t.Helper()
	h := &harness{
		fixture: newFixture(t, fileCfg),
		bus:     bus.NewMemory(bus.MemoryConfig{VisibilityTimeout: time.Minute}),
		tiers:   tier.NewStatic(nil, false),
		skips:   &skipCounter{skips: map[string]int{}},
	}

	bindings := []bus.Binding{
		{Topic: event.TopicJobCompleted, Queue: event.QueueArchive, Delay: grace},
		{Topic: event.TopicRestoreRequested, Queue: event.QueueRestore},
		{Topic: event.TopicThawCompleted, Queue: event.QueueRestoreReady},
	}
	for _, b := range bindings {
		require.NoError(t, h.bus.Bind(b))
	}

	eng, err := archival.New(h.store, h.cold, h.tiers, archival.Config{GraceInterval: grace}, nil, h.skips)
	require.NoError(t, err)
	initiator := NewInitiator(h.store, h.cold, h.cfg, nil, nil)
	fin := NewFinalizer(h.store, h.cold, h.cfg, nil, nil)
	h.trigger = NewTrigger(h.store, h.bus, h.tiers, nil)

	finalize := func(ctx context.Context, d *bus.Delivery) error {
		defer h.finalized.Add(1)
		return fin.Handle(ctx, d)
	}

	fast := backoff.Config{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}
	workers := []*bus.Worker{
		bus.NewWorker(h.bus, bus.WorkerConfig{Queue: event.QueueArchive, Concurrency: 2, Backoff: fast}, eng.Handle, nil, nil),
		bus.NewWorker(h.bus, bus.WorkerConfig{Queue: event.QueueRestore, Backoff: fast}, initiator.Handle, nil, nil),
		bus.NewWorker(h.bus, bus.WorkerConfig{Queue: event.QueueRestoreReady, Concurrency: 2, Backoff: fast}, finalize, nil, nil),
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *bus.Worker) {
			defer wg.Done()
			_ = w.Run(ctx)
		}(w)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = h.bus.Close()
	})
	return h
}

// complete records J1 as completed by the runner and publishes the event.
func (h *harness) complete(t *testing.T, id, user string) {
	t.Helper()
	ctx := context.Background()
	resultKey := "results/" + user + "/" + id + ".annot.vcf"
	done := time.Now().UTC()

	require.NoError(t, h.store.Create(ctx, &job.AnnotationJob{JobID: id, UserID: user, InputKey: "inputs/" + id, Status: job.StatusPending}))
	_, err := h.store.CompareAndSet(ctx, id, job.Expect{Status: job.StatusPending}, job.Update{Status: job.StatusRunning})
	require.NoError(t, err)
	require.NoError(t, h.blobs.Put(ctx, resultKey, strings.NewReader("annotated"), 9))
	_, err = h.store.CompareAndSet(ctx, id, job.Expect{Status: job.StatusRunning},
		job.Update{Status: job.StatusCompleted, ResultKey: &resultKey, CompleteTime: &done})
	require.NoError(t, err)

	require.NoError(t, h.bus.Publish(ctx, event.TopicJobCompleted,
		event.JobCompleted{JobID: id, UserID: user, ResultKey: resultKey, CompleteTime: done}))
}

func (h *harness) waitStatus(t *testing.T, id string, want job.Status) *job.AnnotationJob {
	t.Helper()
	var last *job.AnnotationJob
	require.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestScenarioFreeUserArchived(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, file.Config{})
	h.complete(t, "J1", "U1")

	j := h.waitStatus(t, "J1", job.StatusArchived)
	assert.Equal(t, "archive/J1", j.ArchiveID)

	hot, err := h.blobs.Exists(context.Background(), j.ResultKey)
	require.NoError(t, err)
	assert.False(t, hot)
}

func TestScenarioUpgradeDuringGrace(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond, file.Config{})
	h.complete(t, "J1", "U1")

	n, err := h.trigger.Upgrade(context.Background(), "U1")
	require.NoError(t, err)
	assert.Zero(t, n, "nothing archived yet")

	require.Eventually(t, func() bool { return h.skips.count(archival.SkipPremium) == 1 },
		5*time.Second, 5*time.Millisecond)

	j, err := h.store.Get(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Empty(t, j.ArchiveID)

	hot, err := h.blobs.Exists(context.Background(), j.ResultKey)
	require.NoError(t, err)
	assert.True(t, hot)
}

func TestScenarioRestoreWithStandardFallback(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, file.Config{ExpeditedUnavailable: true})
	ctx := context.Background()
	h.complete(t, "J1", "U1")
	h.waitStatus(t, "J1", job.StatusArchived)

	n, err := h.trigger.Upgrade(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j := h.waitStatus(t, "J1", job.StatusRestoring)
	assert.Equal(t, job.RestoreTierStandard, j.RestoreTier)
	assert.NotEmpty(t, j.ThawJobID)
	assert.Equal(t, "a few hours", EstimatedWait(j.RestoreTier))

	require.NoError(t, h.bus.Publish(ctx, event.TopicThawCompleted,
		event.ThawCompleted{ThawJobID: j.ThawJobID, ArchiveID: j.ArchiveID, JobID: "J1"}))

	restored := h.waitStatus(t, "J1", job.StatusRestored)
	assert.Empty(t, restored.ArchiveID)
	assert.Equal(t, j.ResultKey, restored.ResultKey)

	hot, err := h.blobs.Exists(ctx, restored.ResultKey)
	require.NoError(t, err)
	assert.True(t, hot, "result back in hot storage")
}

func TestScenarioDuplicateThawNotification(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond, file.Config{})
	ctx := context.Background()
	h.complete(t, "J1", "U1")
	h.waitStatus(t, "J1", job.StatusArchived)

	_, err := h.trigger.Upgrade(ctx, "U1")
	require.NoError(t, err)
	j := h.waitStatus(t, "J1", job.StatusRestoring)

	note := event.ThawCompleted{ThawJobID: j.ThawJobID, JobID: "J1"}
	require.NoError(t, h.bus.Publish(ctx, event.TopicThawCompleted, note))
	first := h.waitStatus(t, "J1", job.StatusRestored)
	require.Eventually(t, func() bool { return h.finalized.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.bus.Publish(ctx, event.TopicThawCompleted, note))
	require.Eventually(t, func() bool { return h.finalized.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)

	second, err := h.store.Get(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, job.StatusRestored, second.Status)
	assert.Equal(t, int32(1), h.cold.completes.Load())
}
