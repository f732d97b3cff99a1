package cmd

import (
	"context"
	"errors"

	"github.com/3leaps/annovault/internal/app"
	"github.com/3leaps/annovault/internal/server/handlers"
	"github.com/3leaps/annovault/pkg/event"
)

// signalHealthChecker reports healthy while the process is not shutting down.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

type storeHealthChecker struct {
	a *app.App
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.a == nil || c.a.Store == nil {
		return errors.New("job store not initialized")
	}
	return c.a.Store.Ping(ctx)
}

type busHealthChecker struct {
	a *app.App
}

func (c busHealthChecker) CheckHealth(ctx context.Context) error {
	if c.a == nil || c.a.Bus == nil {
		return errors.New("message bus not initialized")
	}
	_, err := c.a.Bus.Depth(ctx, event.QueueArchive)
	return err
}

func registerHealthCheckers(m *handlers.HealthManager, a *app.App) {
	m.RegisterChecker("signal", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		m.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	m.RegisterChecker("store", storeHealthChecker{a: a})
	m.RegisterChecker("bus", busHealthChecker{a: a})
}
