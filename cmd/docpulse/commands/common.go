// Package commands implements the docpulse CLI.
package commands

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/db"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/runstate"
)

// ConfigFile is the --config flag shared by every command
var ConfigFile string

// Exit codes
const (
	ExitFailure = 1
	ExitHalted  = 2
	ExitLocked  = 3
)

// ExitCode maps an error to the process exit status
func ExitCode(err error) int {
	switch {
	case errors.Is(err, errors.ErrRunHalted):
		return ExitHalted
	case errors.Is(err, errors.ErrLocked):
		return ExitLocked
	default:
		return ExitFailure
	}
}

// InitLogging configures the global logger from the log section of the
// config, raised by -v flags. A config that fails to load falls back to
// defaults here; the command itself reports the load error.
func InitLogging(cmd *cobra.Command) error {
	jsonLogs := false
	level := "warn"
	if cfg, err := loadConfig(); err == nil {
		jsonLogs = cfg.Log.JSON
		level = cfg.Log.Level
	}
	if verbosity, _ := cmd.Flags().GetCount("verbose"); verbosity > 0 {
		level = logger.VerbosityToLevel(verbosity).String()
	}
	if err := logger.Initialize(jsonLogs, level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

func loadConfig() (*am.Config, error) {
	return am.Load(ConfigFile)
}

func verbosity(cmd *cobra.Command) int {
	v, _ := cmd.Flags().GetCount("verbose")
	return v
}

// openRegistry opens the lineage database. Returns nil when it is disabled.
func openRegistry(cfg *am.Config) (*runstate.Registry, *sql.DB, error) {
	if cfg.State.DBPath == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.DBPath), 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "create %s", filepath.Dir(cfg.State.DBPath))
	}
	database, err := db.OpenWithMigrations(cfg.State.DBPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, nil, err
	}
	return runstate.NewRegistry(database), database, nil
}

func stateManager(cfg *am.Config, registry *runstate.Registry) *runstate.Manager {
	return runstate.NewManager(cfg.State.Path,
		runstate.WithRegistry(registry),
		runstate.WithLogger(logger.ComponentLogger("runstate")))
}

// ensureDirs creates the directories of the checkpoint and state files
func ensureDirs(cfg *am.Config) error {
	for _, path := range []string{cfg.Checkpoint.Path, cfg.State.Path} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(path))
		}
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
