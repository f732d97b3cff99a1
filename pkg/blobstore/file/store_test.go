package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annovault/pkg/blobstore"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func putResult(t *testing.T, s *Store, key, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "x", StandardDelay: -time.Second}.Validate())
	assert.NoError(t, Config{BaseDir: "x"}.Validate())
}

func TestHotTier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{})

	putResult(t, s, "u1/j1~a.annot.vcf", "annotated")
	ok, err := s.Exists(ctx, "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "u1/j1~a.annot.vcf"))
	require.NoError(t, s.Delete(ctx, "u1/j1~a.annot.vcf"))

	ok, err = s.Exists(ctx, "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyEscape(t *testing.T) {
	s := newTestStore(t, Config{})
	err := s.Put(context.Background(), "../outside", strings.NewReader("x"), 1)
	require.Error(t, err)
}

func TestArchiveIdempotent(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s := newTestStore(t, Config{BaseDir: base})
	putResult(t, s, "u1/j1~a.annot.vcf", "annotated")

	id, err := s.Archive(ctx, "j1", "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.Equal(t, "archive/j1", id)

	id2, err := s.Archive(ctx, "j1", "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	b, err := os.ReadFile(filepath.Join(base, "cold", "archive", "j1"))
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(b))

	ok, err := s.Exists(ctx, "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveMissingHotObject(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.Archive(context.Background(), "j1", "missing")
	require.Error(t, err)
	assert.True(t, blobstore.IsNotFound(err))
}

func TestThawWithCapacityFallback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{ExpeditedUnavailable: true, StandardDelay: time.Hour})
	putResult(t, s, "u1/j1~a.annot.vcf", "annotated")
	id, err := s.Archive(ctx, "j1", "u1/j1~a.annot.vcf")
	require.NoError(t, err)

	_, err = s.InitiateThaw(ctx, id, blobstore.ThawExpedited, "j1")
	assert.True(t, blobstore.IsInsufficientCapacity(err))

	thawID, err := s.InitiateThaw(ctx, id, blobstore.ThawStandard, "j1")
	require.NoError(t, err)

	again, err := s.InitiateThaw(ctx, id, blobstore.ThawStandard, "j1")
	require.NoError(t, err)
	assert.Equal(t, thawID, again)

	state, err := s.ThawStatus(ctx, id, thawID)
	require.NoError(t, err)
	assert.Equal(t, blobstore.ThawStateInProgress, state)

	err = s.CompleteThaw(ctx, id, thawID, "u1/j1~a.annot.vcf")
	assert.True(t, blobstore.IsThawNotReady(err))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	state, err = s.ThawStatus(ctx, id, thawID)
	require.NoError(t, err)
	assert.Equal(t, blobstore.ThawStateReady, state)

	require.NoError(t, s.CompleteThaw(ctx, id, thawID, "u1/j1~a.annot.vcf"))
	require.NoError(t, s.CompleteThaw(ctx, id, thawID, "u1/j1~a.annot.vcf"))

	ok, err := s.Exists(ctx, "u1/j1~a.annot.vcf")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteArchive(ctx, id))
	state, err = s.ThawStatus(ctx, id, thawID)
	require.NoError(t, err)
	assert.Equal(t, blobstore.ThawStateNone, state)
}

func TestThawUnknownArchive(t *testing.T) {
	s := newTestStore(t, Config{})
	_, err := s.InitiateThaw(context.Background(), "archive/none", blobstore.ThawStandard, "x")
	assert.True(t, blobstore.IsNotFound(err))
}

func TestSetExpeditedAvailable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Config{ExpeditedUnavailable: true})
	putResult(t, s, "k", "v")
	id, err := s.Archive(ctx, "j1", "k")
	require.NoError(t, err)

	s.SetExpeditedAvailable(true)
	_, err = s.InitiateThaw(ctx, id, blobstore.ThawExpedited, "j1")
	require.NoError(t, err)
}
