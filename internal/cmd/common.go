package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/annovault/internal/app"
	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/observability"
)

// openApp loads config and wires an App for short-lived commands. Metrics
// are off for these.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd, map[string]any{"metrics": map[string]any{"enabled": false}})
	if err != nil {
		return nil, err
	}
	a, err := app.New(cmd.Context(), cfg, observability.CLILogger)
	if err != nil {
		return nil, exitError(apperrors.ExitExternalServiceUnavailable, "open annovault", err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// domainExit maps a domain error to an exit code.
func domainExit(msg string, err error) error {
	ae := apperrors.Classify(err)
	code := apperrors.ExitFailure
	switch ae.Code {
	case apperrors.CodeNotFound:
		code = apperrors.ExitFileNotFound
	case apperrors.CodeValidation, apperrors.CodeUnprocessable:
		code = apperrors.ExitInvalidArgument
	case apperrors.CodeConflict:
		code = apperrors.ExitConflict
	}
	return exitError(code, msg, err)
}
