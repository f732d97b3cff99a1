package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/annovault/pkg/backoff"
)

// Handler processes one delivery. Its error decides the outcome: nil acks,
// Defer postpones, Permanent dead-letters, anything else retries with backoff.
type Handler func(ctx context.Context, d *Delivery) error

// Recorder is an optional sink for consumer metrics.
type Recorder interface {
	RecordMessage(ctx context.Context, queue string, outcome Outcome, durationSeconds float64)
}

// WorkerConfig configures a consumer.
type WorkerConfig struct {
	Queue       string
	Concurrency int // default 1
	// MaxAttempts dead-letters a message after this many retryable failures.
	// Zero means 5.
	MaxAttempts int
	// Backoff spaces retries. Defaults to 1s doubling to 5m.
	Backoff backoff.Config
	// HandleTimeout bounds a single handler call. Zero means no limit.
	HandleTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Minute
	}
	return c
}

// Worker pulls from one queue and applies a Handler.
type Worker struct {
	bus      Bus
	cfg      WorkerConfig
	handler  Handler
	logger   *zap.Logger
	recorder Recorder
}

// NewWorker creates a consumer. logger and recorder may be nil.
func NewWorker(b Bus, cfg WorkerConfig, h Handler, logger *zap.Logger, recorder Recorder) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		bus:      b,
		cfg:      cfg,
		handler:  h,
		logger:   logger.With(zap.String("queue", cfg.Queue)),
		recorder: recorder,
	}
}

// Run consumes until ctx is cancelled or the bus closes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", zap.Int("concurrency", w.cfg.Concurrency))

	var wg sync.WaitGroup
	wg.Add(w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info("Worker stopped")
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	failures := 0
	for {
		d, err := w.bus.Receive(ctx, w.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			failures++
			w.logger.Warn("Receive failed", zap.Error(err), zap.Int("failures", failures))
			if backoff.Wait(ctx, failures, &w.cfg.Backoff) != nil {
				return
			}
			continue
		}
		failures = 0
		w.Process(ctx, d)
	}
}

// Process runs the handler for d and settles it. Exposed for tests and
// single-shot tools.
func (w *Worker) Process(ctx context.Context, d *Delivery) Outcome {
	start := time.Now()
	log := w.logger.With(
		zap.String("message_id", d.ID),
		zap.String("topic", d.Topic),
		zap.Int("attempt", d.Attempt),
	)

	hctx := ctx
	if w.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, w.cfg.HandleTimeout)
		defer cancel()
	}
	herr := w.handler(hctx, d)

	outcome := Classify(herr, d.Attempt, w.cfg.MaxAttempts)
	var settleErr error
	switch outcome {
	case OutcomeSuccess:
		settleErr = w.bus.Ack(ctx, d)
		log.Debug("Message handled")
	case OutcomeDeferred:
		def, _ := AsDefer(herr)
		settleErr = w.bus.Postpone(ctx, d, def.After)
		log.Debug("Message deferred", zap.Duration("after", def.After), zap.Error(def.Err))
	case OutcomeRetry:
		delay := backoff.Exponential(d.Attempt, &w.cfg.Backoff)
		settleErr = w.bus.Nack(ctx, d, delay)
		log.Warn("Message failed; will retry", zap.Duration("after", delay), zap.Error(herr))
	case OutcomeDeadLetter:
		settleErr = w.bus.DeadLetter(ctx, d, herr.Error())
		log.Error("Message dead-lettered", zap.Error(herr))
	}
	if settleErr != nil {
		// The visibility timeout will redeliver it.
		log.Warn("Settle failed", zap.String("outcome", string(outcome)), zap.Error(settleErr))
	}

	if w.recorder != nil {
		w.recorder.RecordMessage(ctx, w.cfg.Queue, outcome, time.Since(start).Seconds())
	}
	return outcome
}
