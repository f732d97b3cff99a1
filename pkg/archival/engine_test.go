package archival

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/blobstore/file"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
	"github.com/3leaps/annovault/pkg/tier"
)

// countingCold counts Archive calls and can inject failures.
type countingCold struct {
	blobstore.ColdStore
	archives atomic.Int32
	fail     error
}

func (c *countingCold) Archive(ctx context.Context, jobID, hotKey string) (string, error) {
	c.archives.Add(1)
	if c.fail != nil {
		return "", c.fail
	}
	return c.ColdStore.Archive(ctx, jobID, hotKey)
}

type recorder struct {
	mu         sync.Mutex
	migrations int
	skips      map[string]int
}

func (r *recorder) RecordMigration(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrations++
}

func (r *recorder) RecordSkip(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skips == nil {
		r.skips = map[string]int{}
	}
	r.skips[reason]++
}

type fixture struct {
	store jobstore.Store
	blobs *file.Store
	cold  *countingCold
	tiers *tier.Static
	rec   *recorder
	eng   *Engine
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	f := &fixture{
		store: store,
		blobs: blobs,
		cold:  &countingCold{ColdStore: blobs},
		tiers: tier.NewStatic(nil, false),
		rec:   &recorder{},
		now:   time.Now().UTC(),
	}
	if cfg.GraceInterval == 0 {
		cfg.GraceInterval = 5 * time.Minute
	}
	f.eng, err = New(store, f.cold, f.tiers, cfg, nil, f.rec)
	require.NoError(t, err)
	f.eng.now = func() time.Time { return f.now }
	return f
}

// completed creates a COMPLETED job whose result exists in hot storage.
func (f *fixture) completed(t *testing.T, id, user string, completedAt time.Time) event.JobCompleted {
	t.Helper()
	ctx := context.Background()
	resultKey := "results/" + user + "/" + id + ".annot.vcf"

	require.NoError(t, f.store.Create(ctx, &job.AnnotationJob{
		JobID:    id,
		UserID:   user,
		InputKey: "inputs/" + user + "/" + id + ".vcf",
		Status:   job.StatusPending,
	}))
	_, err := f.store.CompareAndSet(ctx, id, job.Expect{Status: job.StatusPending}, job.Update{Status: job.StatusRunning})
	require.NoError(t, err)
	_, err = f.store.CompareAndSet(ctx, id, job.Expect{Status: job.StatusRunning}, job.Update{
		Status:       job.StatusCompleted,
		ResultKey:    &resultKey,
		CompleteTime: &completedAt,
	})
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(ctx, resultKey, strings.NewReader("annotated"), 9))

	return event.JobCompleted{JobID: id, UserID: user, ResultKey: resultKey, CompleteTime: completedAt}
}

func (f *fixture) get(t *testing.T, id string) *job.AnnotationJob {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestFreeUserArchived(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))

	require.NoError(t, f.eng.Process(context.Background(), ev))

	j := f.get(t, "j1")
	assert.Equal(t, job.StatusArchived, j.Status)
	assert.Equal(t, "archive/j1", j.ArchiveID)
	assert.Nil(t, j.LeaseUntil)
	assert.Equal(t, int32(1), f.cold.archives.Load())
	assert.Equal(t, 1, f.rec.migrations)

	hot, err := f.blobs.Exists(context.Background(), ev.ResultKey)
	require.NoError(t, err)
	assert.False(t, hot, "hot copy should be gone")
}

func TestRedeliveryMigratesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.eng.Process(context.Background(), ev)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// Sequential redeliveries after the fact are no-ops too.
	for i := 0; i < 3; i++ {
		require.NoError(t, f.eng.Process(context.Background(), ev))
	}

	assert.Equal(t, int32(1), f.cold.archives.Load())
	assert.Equal(t, job.StatusArchived, f.get(t, "j1").Status)
	assert.Equal(t, 1, f.rec.migrations)
}

func TestPremiumNeverMigrated(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))
	require.NoError(t, f.tiers.SetTier(context.Background(), "u1", tier.Premium))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.eng.Process(context.Background(), ev))
	}

	j := f.get(t, "j1")
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Empty(t, j.ArchiveID)
	assert.Zero(t, f.cold.archives.Load())
	assert.Equal(t, 3, f.rec.skips[SkipPremium])
}

func TestGraceIntervalDefers(t *testing.T) {
	f := newFixture(t, Config{GraceInterval: 5 * time.Minute})
	ev := f.completed(t, "j1", "u1", f.now.Add(-2*time.Minute))

	err := f.eng.Process(context.Background(), ev)
	require.Error(t, err)
	def, ok := bus.AsDefer(err)
	require.True(t, ok, "expected deferral, got %v", err)
	assert.Equal(t, 3*time.Minute, def.After)
	assert.Equal(t, job.StatusCompleted, f.get(t, "j1").Status)
	assert.Zero(t, f.cold.archives.Load())
}

func TestUpgradeDuringGraceKeepsResultHot(t *testing.T) {
	f := newFixture(t, Config{GraceInterval: 5 * time.Minute})
	ev := f.completed(t, "j1", "u1", f.now)

	_, deferred := bus.AsDefer(f.eng.Process(context.Background(), ev))
	require.True(t, deferred)

	require.NoError(t, f.tiers.SetTier(context.Background(), "u1", tier.Premium))
	f.now = f.now.Add(6 * time.Minute)

	require.NoError(t, f.eng.Process(context.Background(), ev))
	assert.Equal(t, job.StatusCompleted, f.get(t, "j1").Status)
	assert.Zero(t, f.cold.archives.Load())
}

func TestActiveLeaseIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))

	lease := f.now.Add(time.Minute)
	_, err := f.store.CompareAndSet(context.Background(), "j1",
		job.Expect{Status: job.StatusCompleted},
		job.Update{Status: job.StatusArchiving, LeaseUntil: &lease})
	require.NoError(t, err)

	require.NoError(t, f.eng.Process(context.Background(), ev))
	assert.Equal(t, job.StatusArchiving, f.get(t, "j1").Status)
	assert.Zero(t, f.cold.archives.Load())
	assert.Equal(t, 1, f.rec.skips[SkipClaimed])
}

func TestExpiredLeaseTakenOver(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-30*time.Minute))

	lease := f.now.Add(-time.Minute)
	_, err := f.store.CompareAndSet(context.Background(), "j1",
		job.Expect{Status: job.StatusCompleted},
		job.Update{Status: job.StatusArchiving, LeaseUntil: &lease})
	require.NoError(t, err)

	require.NoError(t, f.eng.Process(context.Background(), ev))
	j := f.get(t, "j1")
	assert.Equal(t, job.StatusArchived, j.Status)
	assert.Equal(t, "archive/j1", j.ArchiveID)
	assert.Equal(t, int32(1), f.cold.archives.Load())
}

func TestMigrationFailureStaysArchiving(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))
	f.cold.fail = &blobstore.StoreError{Op: "Archive", Backend: "test", Err: blobstore.ErrProviderUnavailable}

	err := f.eng.Process(context.Background(), ev)
	require.Error(t, err)
	assert.False(t, bus.IsPermanent(err))
	_, deferred := bus.AsDefer(err)
	assert.False(t, deferred)

	j := f.get(t, "j1")
	assert.Equal(t, job.StatusArchiving, j.Status)
	assert.False(t, j.LeaseActive(f.now), "lease should be released for the retry")

	// The retry takes over and finishes.
	f.cold.fail = nil
	require.NoError(t, f.eng.Process(context.Background(), ev))
	assert.Equal(t, job.StatusArchived, f.get(t, "j1").Status)
}

func TestPermanentMigrationFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))
	f.cold.fail = &blobstore.StoreError{Op: "Archive", Backend: "test", Err: blobstore.ErrAccessDenied}

	err := f.eng.Process(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
	assert.Equal(t, job.StatusArchiving, f.get(t, "j1").Status)
}

func TestStatusGates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, &job.AnnotationJob{JobID: "p1", UserID: "u1", InputKey: "in", Status: job.StatusPending}))
	err := f.eng.Process(ctx, event.JobCompleted{JobID: "p1", UserID: "u1", ResultKey: "k", CompleteTime: f.now})
	require.Error(t, err)
	assert.False(t, bus.IsPermanent(err), "pending job should be retried")

	err = f.eng.Process(ctx, event.JobCompleted{JobID: "missing", UserID: "u1", ResultKey: "k", CompleteTime: f.now})
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
	assert.True(t, errors.Is(err, jobstore.ErrNotFound))

	err = f.eng.Process(ctx, event.JobCompleted{JobID: "p1", UserID: "someone-else", ResultKey: "k", CompleteTime: f.now})
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
}

func TestIncludePatterns(t *testing.T) {
	f := newFixture(t, Config{Include: []string{"results/**/*.annot.vcf"}})
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))
	require.NoError(t, f.eng.Process(context.Background(), ev))
	assert.Equal(t, job.StatusArchived, f.get(t, "j1").Status)

	g := newFixture(t, Config{Include: []string{"**/*.bam"}})
	ev = g.completed(t, "j2", "u1", g.now.Add(-10*time.Minute))
	require.NoError(t, g.eng.Process(context.Background(), ev))
	assert.Equal(t, job.StatusCompleted, g.get(t, "j2").Status)
	assert.Equal(t, 1, g.rec.skips[SkipExcluded])

	_, err := New(nil, nil, nil, Config{Include: []string{"[unclosed"}}, nil, nil)
	require.Error(t, err)
}

func TestUnknownUserIsPermanent(t *testing.T) {
	f := newFixture(t, Config{})
	f.eng.tiers = tier.NewStatic(nil, true)
	ev := f.completed(t, "j1", "u1", f.now.Add(-10*time.Minute))

	err := f.eng.Process(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
	assert.Equal(t, job.StatusCompleted, f.get(t, "j1").Status)
}

func TestHandleOverBus(t *testing.T) {
	f := newFixture(t, Config{GraceInterval: time.Millisecond})
	ev := f.completed(t, "j1", "u1", f.now.Add(-time.Minute))
	f.eng.now = time.Now

	b := bus.NewMemory(bus.MemoryConfig{})
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Bind(bus.Binding{Topic: event.TopicJobCompleted, Queue: event.QueueArchive}))
	require.NoError(t, b.Publish(context.Background(), event.TopicJobCompleted, ev))
	require.NoError(t, b.Enqueue(context.Background(), event.QueueArchive, event.TopicJobCompleted, map[string]string{"job_id": "j1"}))

	w := bus.NewWorker(b, bus.WorkerConfig{Queue: event.QueueArchive}, f.eng.Handle, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := b.Receive(ctx, event.QueueArchive)
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeSuccess, w.Process(ctx, d))

	d, err = b.Receive(ctx, event.QueueArchive)
	require.NoError(t, err)
	assert.Equal(t, bus.OutcomeDeadLetter, w.Process(ctx, d), "event without required fields")

	assert.Equal(t, job.StatusArchived, f.get(t, "j1").Status)
}
