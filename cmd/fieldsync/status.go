package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geofield/fieldsync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store statistics and server reachability",
	Example: `  fieldsync status
  fieldsync status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return err
	}
	client, err := fieldsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer func() { _ = client.Close() }()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	report := StatusReport{
		Status: string(fieldsync.StatusOffline),
		Stats:  stats,
	}
	if !cfg.IsOffline() {
		report.Remote = cfg.RemoteURL

		reachable := true
		if err := client.Probe(cmd.Context()); err != nil {
			reachable = false
			report.ProbeError = scrubSensitiveData(err.Error())
		}
		report.Reachable = &reachable

		// A one-shot client never replicates, so reachability plus the
		// push queue stands in for the live status. Pending writes to a
		// reachable server are what a running sync would be pushing.
		switch {
		case !reachable:
			report.Status = string(fieldsync.StatusOffline)
		case stats.PendingPush > 0:
			report.Status = string(fieldsync.StatusSyncing)
		default:
			report.Status = string(fieldsync.StatusSynced)
		}
	}
	report.Description = fieldsync.SyncStatus(report.Status).Description()

	return outputStatusReport(cmd, report)
}
