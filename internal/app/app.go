// Package app wires configuration into the store, bus, blob tiers, tier
// lookup and the lifecycle components.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/internal/config"
	"github.com/3leaps/annovault/internal/observability"
	"github.com/3leaps/annovault/pkg/archival"
	"github.com/3leaps/annovault/pkg/backoff"
	"github.com/3leaps/annovault/pkg/blobstore"
	"github.com/3leaps/annovault/pkg/blobstore/file"
	"github.com/3leaps/annovault/pkg/blobstore/s3"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/jobstore"
	"github.com/3leaps/annovault/pkg/lifecycle"
	"github.com/3leaps/annovault/pkg/notify"
	"github.com/3leaps/annovault/pkg/reconcile"
	"github.com/3leaps/annovault/pkg/retrieval"
	"github.com/3leaps/annovault/pkg/sqldb"
	"github.com/3leaps/annovault/pkg/tier"
)

// Worker component names.
const (
	ComponentArchive  = "archive"
	ComponentNotify   = "notify"
	ComponentRestore  = "restore"
	ComponentFinalize = "finalize"
)

// Components lists every worker component in pipeline order.
var Components = []string{ComponentArchive, ComponentNotify, ComponentRestore, ComponentFinalize}

// TierStore looks up and records subscription tiers.
type TierStore interface {
	tier.Lookup
	tier.Setter
}

// App is a fully wired process.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store jobstore.Store
	Bus   bus.Bus
	Blobs blobstore.Store
	Tiers TierStore

	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Lifecycle *lifecycle.Service
	Archival  *archival.Engine
	Initiator *retrieval.Initiator
	Finalizer *retrieval.Finalizer
	Trigger   *retrieval.Trigger
	Sweeper   *reconcile.Sweeper
	Notifier  notify.Sender

	closers []func() error
}

// New opens every dependency named by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.Metrics, a.MetricsHandler, err = observability.NewMetrics(ctx)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	a.Store, err = jobstore.Open(ctx, jobstore.Config{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		AuthToken: cfg.Store.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Bus, err = a.openBus(ctx); err != nil {
		return nil, err
	}
	if err := Bind(a.Bus, cfg.Archive.GraceInterval); err != nil {
		return nil, err
	}

	if a.Blobs, err = openBlobs(ctx, cfg.Storage); err != nil {
		return nil, err
	}

	if a.Tiers, err = a.openTiers(ctx); err != nil {
		return nil, err
	}

	a.Lifecycle = lifecycle.New(a.Store, a.Blobs, a.Bus, logger)

	a.Archival, err = archival.New(a.Store, a.Blobs, a.Tiers, archival.Config{
		GraceInterval: cfg.Archive.GraceInterval,
		Lease:         cfg.Archive.Lease,
		Include:       cfg.Archive.Include,
	}, logger, a.archivalRecorder())
	if err != nil {
		return nil, fmt.Errorf("init archival engine: %w", err)
	}

	rcfg := retrieval.Config{
		Lease:            cfg.Restore.Lease,
		StandardAttempts: cfg.Restore.StandardAttempts,
		Backoff:          backoff.Config{Initial: cfg.Restore.BackoffInitial, Max: cfg.Restore.BackoffMax},
		Recheck:          cfg.Restore.Recheck,
	}
	a.Initiator = retrieval.NewInitiator(a.Store, a.Blobs, rcfg, logger, a.retrievalRecorder())
	a.Finalizer = retrieval.NewFinalizer(a.Store, a.Blobs, rcfg, logger, a.retrievalRecorder())
	a.Trigger = retrieval.NewTrigger(a.Store, a.Bus, a.Tiers, logger)

	a.Sweeper = reconcile.New(a.Store, a.Blobs, a.Bus, reconcile.Config{
		Interval:     cfg.Reconcile.Interval,
		MaxThawWait:  cfg.Reconcile.MaxThawWait,
		Rate:         cfg.Reconcile.Rate,
		BatchSize:    cfg.Reconcile.BatchSize,
		RequeueAfter: cfg.Reconcile.RequeueAfter,
	}, logger, a.reconcileRecorder())

	a.Notifier = notify.NewLogSender(logger)
	return a, nil
}

// Bind declares the topic to queue routing. The archive queue carries the
// grace interval as its delivery delay.
func Bind(b bus.Bus, grace time.Duration) error {
	for _, binding := range []bus.Binding{
		{Topic: event.TopicJobCompleted, Queue: event.QueueArchive, Delay: grace},
		{Topic: event.TopicJobCompleted, Queue: event.QueueNotify},
		{Topic: event.TopicRestoreRequested, Queue: event.QueueRestore},
		{Topic: event.TopicThawCompleted, Queue: event.QueueRestoreReady},
	} {
		if err := b.Bind(binding); err != nil {
			return fmt.Errorf("bind %s -> %s: %w", binding.Topic, binding.Queue, err)
		}
	}
	return nil
}

func (a *App) openBus(ctx context.Context) (bus.Bus, error) {
	cfg := a.Config.Bus
	switch cfg.Driver {
	case "", "memory":
		b := bus.NewMemory(bus.MemoryConfig{VisibilityTimeout: cfg.VisibilityTimeout})
		a.closers = append(a.closers, b.Close)
		return b, nil
	case "sql":
		db, err := a.sharedDB(ctx, cfg.Path, cfg.URL, cfg.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("open bus database: %w", err)
		}
		q, err := bus.NewSQLQueue(ctx, db, bus.SQLConfig{
			VisibilityTimeout: cfg.VisibilityTimeout,
			PollInterval:      cfg.PollInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("init sql queue: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
}

func openBlobs(ctx context.Context, cfg config.StorageConfig) (blobstore.Store, error) {
	switch cfg.Driver {
	case "", "file":
		s, err := file.New(file.Config{
			BaseDir:              cfg.File.BaseDir,
			ExpeditedDelay:       cfg.File.ExpeditedDelay,
			StandardDelay:        cfg.File.StandardDelay,
			ExpeditedUnavailable: cfg.File.ExpeditedUnavailable,
		})
		if err != nil {
			return nil, fmt.Errorf("open file blob store: %w", err)
		}
		return s, nil
	case "s3":
		s, err := s3.New(ctx, s3.Config{
			HotBucket:        cfg.S3.HotBucket,
			ColdBucket:       cfg.S3.ColdBucket,
			ColdPrefix:       cfg.S3.ColdPrefix,
			ColdStorageClass: cfg.S3.ColdStorageClass,
			RestoreDays:      cfg.S3.RestoreDays,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			Profile:          cfg.S3.Profile,
			ForcePathStyle:   cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 blob store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func (a *App) openTiers(ctx context.Context) (TierStore, error) {
	cfg := a.Config.Tier
	switch cfg.Driver {
	case "", "static":
		users := make(map[string]tier.Tier, len(cfg.Premium))
		for _, u := range cfg.Premium {
			if u = strings.TrimSpace(u); u != "" {
				users[u] = tier.Premium
			}
		}
		return tier.NewStatic(users, cfg.Strict), nil
	case "sqlite":
		db, err := a.sharedDB(ctx, cfg.Path, "", "")
		if err != nil {
			return nil, fmt.Errorf("open tier database: %w", err)
		}
		return tier.NewSQLLookup(ctx, db)
	case "postgres":
		l, err := tier.OpenPGLookup(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { l.Close(); return nil })
		return l, nil
	}
	return nil, fmt.Errorf("unknown tier driver %q", cfg.Driver)
}

// sharedDB reuses the job store's database when no separate location is
// configured.
func (a *App) sharedDB(ctx context.Context, path, url, token string) (*sql.DB, error) {
	if path == "" && url == "" {
		if s, ok := a.Store.(*jobstore.SQLStore); ok {
			return s.DB(), nil
		}
		return nil, errors.New("a path or url is required when the job store is not SQLite")
	}
	db, err := sqldb.Open(ctx, sqldb.Config{Path: path, URL: url, AuthToken: token})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// Close releases dependencies in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) archivalRecorder() archival.Recorder {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

func (a *App) retrievalRecorder() retrieval.Recorder {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

func (a *App) reconcileRecorder() reconcile.Recorder {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

func (a *App) busRecorder() bus.Recorder {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}
