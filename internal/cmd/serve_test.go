package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/annovault/internal/app"
	"github.com/3leaps/annovault/internal/config"
	"github.com/3leaps/annovault/internal/server/handlers"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newCmdTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg, err := config.Load(context.Background(), map[string]any{
		"store":   map[string]any{"path": ":memory:"},
		"storage": map[string]any{"file": map[string]any{"base_dir": t.TempDir()}},
		"metrics": map[string]any{"enabled": false},
	})
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestBackendHealthCheckers(t *testing.T) {
	t.Run("uninitialized", func(t *testing.T) {
		err := storeHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "job store not initialized")

		err = busHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "message bus not initialized")
	})

	t.Run("healthy app", func(t *testing.T) {
		a := newCmdTestApp(t)
		assert.NoError(t, storeHealthChecker{a: a}.CheckHealth(context.Background()))
		assert.NoError(t, busHealthChecker{a: a}.CheckHealth(context.Background()))
	})
}

func TestRegisterHealthCheckers(t *testing.T) {
	orig := appIdentity
	appIdentity = config.DefaultIdentity()
	defer func() { appIdentity = orig }()

	a := newCmdTestApp(t)
	m := handlers.NewHealthManager("test")
	registerHealthCheckers(m, a)

	rec := httptest.NewRecorder()
	m.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	for _, name := range []string{"signal", "identity", "store", "bus"} {
		assert.Equal(t, "healthy", resp.Checks[name], name)
	}
}
