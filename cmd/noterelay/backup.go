package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noterelay/noterelay/internal/backup"
	"github.com/noterelay/noterelay/internal/config"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage vault snapshots",
}

func newScheduler() (*backup.Scheduler, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return backup.NewScheduler(backup.Options{
		VaultsRoot:  cfg.VaultsRoot(),
		BackupsRoot: cfg.BackupsRoot(),
		KeepHourly:  cfg.KeepHourly,
		KeepDaily:   cfg.KeepDaily,
	})
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <vault-id>",
	Short: "Take a manual snapshot of one vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scheduler, err := newScheduler()
		if err != nil {
			return err
		}
		snap, err := scheduler.CreateManual(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created %s/%s (%d bytes)\n", snap.Kind, snap.Name, snap.SizeBytes)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list <vault-id>",
	Short: "List snapshots of one vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scheduler, err := newScheduler()
		if err != nil {
			return err
		}
		snaps, err := scheduler.List(args[0])
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			fmt.Printf("%-7s %-22s %10d bytes\n", snap.Kind, snap.Name, snap.SizeBytes)
		}
		return nil
	},
}

var backupRestoreKind string

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <vault-id> <snapshot-name>",
	Short: "Restore one vault from a snapshot (server must be stopped)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scheduler, err := newScheduler()
		if err != nil {
			return err
		}
		if err := scheduler.Restore(args[0], args[1], backup.Kind(backupRestoreKind)); err != nil {
			return err
		}
		fmt.Printf("restored %s from %s/%s\n", args[0], backupRestoreKind, args[1])
		return nil
	},
}

func init() {
	backupRestoreCmd.Flags().StringVar(&backupRestoreKind, "kind", string(backup.KindHourly), "snapshot kind: hourly or daily")
}
