// Package file implements both result tiers on the local filesystem.
//
// Layout under BaseDir:
//
//	hot/<key>               served results
//	cold/<archive_id>       archived results
//	thaw/<archive_id>.json  pending and finished thaw requests
//
// Thaws complete after a configurable per-tier delay, which makes the
// asynchronous retrieval path runnable without a cloud account.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/annovault/pkg/blobstore"
)

const backendName = "file"

const (
	hotDir  = "hot"
	coldDir = "cold"
	thawDir = "thaw"
)

type Config struct {
	BaseDir string

	// ColdPrefix is prepended to archive ids. Defaults to "archive".
	ColdPrefix string

	// ExpeditedDelay and StandardDelay are how long a thaw takes per tier.
	ExpeditedDelay time.Duration
	StandardDelay  time.Duration

	// ExpeditedUnavailable makes every expedited thaw fail for capacity.
	ExpeditedUnavailable bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	if c.ExpeditedDelay < 0 || c.StandardDelay < 0 {
		return fmt.Errorf("thaw delays must not be negative")
	}
	return nil
}

// Store implements blobstore.Store on a local directory.
type Store struct {
	baseDir    string
	coldPrefix string
	delays     map[blobstore.ThawTier]time.Duration
	now        func() time.Time

	mu                   sync.Mutex
	expeditedUnavailable bool
}

var _ blobstore.Store = (*Store)(nil)

type thawRecord struct {
	ThawJobID     string             `json:"thaw_job_id"`
	ArchiveID     string             `json:"archive_id"`
	Tier          blobstore.ThawTier `json:"tier"`
	CorrelationID string             `json:"correlation_id"`
	RequestedAt   time.Time          `json:"requested_at"`
	ReadyAt       time.Time          `json:"ready_at"`
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix := cfg.ColdPrefix
	if prefix == "" {
		prefix = "archive"
	}
	s := &Store{
		baseDir:    filepath.Clean(cfg.BaseDir),
		coldPrefix: prefix,
		delays: map[blobstore.ThawTier]time.Duration{
			blobstore.ThawExpedited: cfg.ExpeditedDelay,
			blobstore.ThawStandard:  cfg.StandardDelay,
		},
		now:                  time.Now,
		expeditedUnavailable: cfg.ExpeditedUnavailable,
	}
	for _, dir := range []string{hotDir, coldDir, thawDir} {
		// #nosec G301 -- data directories use 0755 for multi-user access compatibility
		if err := os.MkdirAll(filepath.Join(s.baseDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return s, nil
}

// SetExpeditedAvailable toggles simulated expedited thaw capacity.
func (s *Store) SetExpeditedAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expeditedUnavailable = !available
}

func (s *Store) Close() error { return nil }

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_ = ctx
	_ = size
	path, err := s.fullPath(hotDir, key)
	if err != nil {
		return s.wrapError("Put", hotDir, key, err)
	}
	if err := writeAtomic(path, body); err != nil {
		return s.wrapError("Put", hotDir, key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	path, err := s.fullPath(hotDir, key)
	if err != nil {
		return false, s.wrapError("Exists", hotDir, key, err)
	}
	return fileExists(path)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_ = ctx
	return s.remove("Delete", hotDir, key)
}

func (s *Store) Archive(ctx context.Context, jobID, hotKey string) (string, error) {
	_ = ctx
	archiveID := blobstore.ColdKey(s.coldPrefix, jobID)

	coldPath, err := s.fullPath(coldDir, archiveID)
	if err != nil {
		return "", s.wrapError("Archive", coldDir, archiveID, err)
	}
	hotPath, err := s.fullPath(hotDir, hotKey)
	if err != nil {
		return "", s.wrapError("Archive", hotDir, hotKey, err)
	}

	archived, err := fileExists(coldPath)
	if err != nil {
		return "", s.wrapError("Archive", coldDir, archiveID, err)
	}
	if !archived {
		if err := copyFile(hotPath, coldPath); err != nil {
			return "", s.wrapError("Archive", hotDir, hotKey, err)
		}
	}

	if err := s.remove("Archive", hotDir, hotKey); err != nil {
		return "", err
	}
	return archiveID, nil
}

func (s *Store) InitiateThaw(ctx context.Context, archiveID string, tier blobstore.ThawTier, correlationID string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if tier == blobstore.ThawExpedited && s.expeditedUnavailable {
		return "", s.wrapError("InitiateThaw", coldDir, archiveID, blobstore.ErrInsufficientCapacity)
	}

	coldPath, err := s.fullPath(coldDir, archiveID)
	if err != nil {
		return "", s.wrapError("InitiateThaw", coldDir, archiveID, err)
	}
	ok, err := fileExists(coldPath)
	if err != nil {
		return "", s.wrapError("InitiateThaw", coldDir, archiveID, err)
	}
	if !ok {
		return "", s.wrapError("InitiateThaw", coldDir, archiveID, blobstore.ErrNotFound)
	}

	existing, err := s.readThaw(archiveID)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return "", s.wrapError("InitiateThaw", thawDir, archiveID, err)
	}
	if existing != nil {
		return existing.ThawJobID, nil
	}

	delay, ok := s.delays[tier]
	if !ok {
		return "", s.wrapError("InitiateThaw", coldDir, archiveID, fmt.Errorf("unknown thaw tier %q", tier))
	}
	now := s.now().UTC()
	rec := thawRecord{
		ThawJobID:     uuid.NewString(),
		ArchiveID:     archiveID,
		Tier:          tier,
		CorrelationID: correlationID,
		RequestedAt:   now,
		ReadyAt:       now.Add(delay),
	}
	if err := s.writeThaw(&rec); err != nil {
		return "", s.wrapError("InitiateThaw", thawDir, archiveID, err)
	}
	return rec.ThawJobID, nil
}

func (s *Store) ThawStatus(ctx context.Context, archiveID, thawJobID string) (blobstore.ThawState, error) {
	_ = ctx
	_ = thawJobID
	rec, err := s.readThaw(archiveID)
	if errors.Is(err, blobstore.ErrNotFound) {
		return blobstore.ThawStateNone, nil
	}
	if err != nil {
		return "", s.wrapError("ThawStatus", thawDir, archiveID, err)
	}
	if s.now().Before(rec.ReadyAt) {
		return blobstore.ThawStateInProgress, nil
	}
	return blobstore.ThawStateReady, nil
}

func (s *Store) CompleteThaw(ctx context.Context, archiveID, thawJobID, destKey string) error {
	state, err := s.ThawStatus(ctx, archiveID, thawJobID)
	if err != nil {
		return err
	}
	if state != blobstore.ThawStateReady {
		return s.wrapError("CompleteThaw", coldDir, archiveID, blobstore.ErrThawNotReady)
	}

	coldPath, err := s.fullPath(coldDir, archiveID)
	if err != nil {
		return s.wrapError("CompleteThaw", coldDir, archiveID, err)
	}
	hotPath, err := s.fullPath(hotDir, destKey)
	if err != nil {
		return s.wrapError("CompleteThaw", hotDir, destKey, err)
	}
	if err := copyFile(coldPath, hotPath); err != nil {
		return s.wrapError("CompleteThaw", coldDir, archiveID, err)
	}
	return nil
}

func (s *Store) DeleteArchive(ctx context.Context, archiveID string) error {
	_ = ctx
	if err := s.remove("DeleteArchive", coldDir, archiveID); err != nil {
		return err
	}
	if path, err := s.thawPath(archiveID); err == nil {
		_ = os.Remove(path)
	}
	return nil
}

func (s *Store) fullPath(tier, key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	root := filepath.Join(s.baseDir, tier)
	path := filepath.Join(root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("key escapes %s tier: %q", tier, key)
	}
	return path, nil
}

func (s *Store) thawPath(archiveID string) (string, error) {
	return s.fullPath(thawDir, archiveID+".json")
}

func (s *Store) readThaw(archiveID string) (*thawRecord, error) {
	path, err := s.thawPath(archiveID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec thawRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse thaw record: %w", err)
	}
	return &rec, nil
}

func (s *Store) writeThaw(rec *thawRecord) error {
	path, err := s.thawPath(rec.ArchiveID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thaw record: %w", err)
	}
	return writeAtomic(path, strings.NewReader(string(b)+"\n"))
}

func (s *Store) remove(op, tier, key string) error {
	path, err := s.fullPath(tier, key)
	if err != nil {
		return s.wrapError(op, tier, key, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.wrapError(op, tier, key, err)
	}
	return nil
}

func (s *Store) wrapError(op, tier, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = blobstore.ErrNotFound
	} else if errors.Is(err, fs.ErrPermission) {
		err = blobstore.ErrAccessDenied
	}
	return &blobstore.StoreError{Op: op, Backend: backendName, Bucket: tier, Key: key, Err: err}
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func copyFile(src, dst string) error {
	f, err := os.Open(src) // #nosec G304 -- path is confined to the store base dir
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return writeAtomic(dst, f)
}

// writeAtomic writes body to a temp file next to path and renames it into place.
func writeAtomic(path string, body io.Reader) error {
	dir := filepath.Dir(path)
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
