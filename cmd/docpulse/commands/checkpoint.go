package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/pulse/checkpoint"
)

// CheckpointCmd manages the checkpoint file
var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage the checkpoint file",
	Long: `Manage the checkpoint file.

Examples:
  docpulse checkpoint clear       # Forget progress; the next run starts over
  docpulse checkpoint cleanup     # Remove a temp file left by a crash`,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the checkpoint",
	RunE:  runCheckpointClear,
}

var checkpointCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove an orphaned checkpoint temp file",
	RunE:  runCheckpointCleanup,
}

func init() {
	CheckpointCmd.AddCommand(checkpointClearCmd)
	CheckpointCmd.AddCommand(checkpointCleanupCmd)
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lock := fsutil.NewFileLock(cfg.Checkpoint.Path + ".lock")
	if err := lock.TryLock(); err != nil {
		return err
	}
	defer lock.Unlock()

	store := checkpoint.New(cfg.Checkpoint.Path, checkpoint.WithLogger(logger.ComponentLogger("checkpoint")))
	if err := store.Clear(); err != nil {
		return err
	}
	pterm.Success.Printf("Cleared %s\n", cfg.Checkpoint.Path)
	return nil
}

func runCheckpointCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	removed, err := checkpoint.New(cfg.Checkpoint.Path).CleanupTemp()
	if err != nil {
		return err
	}
	if removed {
		pterm.Success.Printf("Removed %s%s\n", cfg.Checkpoint.Path, fsutil.TempSuffix)
	} else {
		pterm.Info.Println("No orphaned temp file")
	}
	return nil
}
