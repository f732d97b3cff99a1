package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/notify"
)

// Queue returns the queue a component consumes.
func Queue(component string) (string, error) {
	switch component {
	case ComponentArchive:
		return event.QueueArchive, nil
	case ComponentNotify:
		return event.QueueNotify, nil
	case ComponentRestore:
		return event.QueueRestore, nil
	case ComponentFinalize:
		return event.QueueRestoreReady, nil
	}
	return "", fmt.Errorf("unknown component %q (want one of %v)", component, Components)
}

// Worker builds the consumer for one component.
func (a *App) Worker(component string) (*bus.Worker, error) {
	queue, err := Queue(component)
	if err != nil {
		return nil, err
	}

	var h bus.Handler
	switch component {
	case ComponentArchive:
		h = a.Archival.Handle
	case ComponentNotify:
		h = notify.Handler(a.Notifier)
	case ComponentRestore:
		h = a.Initiator.Handle
	case ComponentFinalize:
		h = a.Finalizer.Handle
	}

	return bus.NewWorker(a.Bus, bus.WorkerConfig{
		Queue:         queue,
		Concurrency:   a.Config.Workers,
		MaxAttempts:   a.Config.Bus.MaxAttempts,
		HandleTimeout: a.Config.Bus.HandleTimeout,
	}, h, a.Logger.With(zap.String("component", component)), a.busRecorder()), nil
}

// RunWorkers runs the named components, plus the reconcile sweeper when
// enabled, until ctx is cancelled or one of them fails.
func (a *App) RunWorkers(ctx context.Context, components []string, sweep bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		w, err := a.Worker(c)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("%s worker: %w", c, err)
			}
			return nil
		})
	}
	if sweep {
		g.Go(func() error {
			return a.Sweeper.Run(gctx)
		})
	}
	return g.Wait()
}
