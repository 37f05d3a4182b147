package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/geofield/fieldsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replicate with the server and show live sync status",
	Long: `Provision the remote database, start live replication and print every
status change until interrupted.

With --wait the command exits as soon as the store is in sync, and fails
if replication reports an error or the timeout passes first.`,
	Example: `  fieldsync sync
  fieldsync sync --wait --timeout 2m`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncWait           bool
	syncTimeout        time.Duration
	syncNoNetworkWatch bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "Exit once synced")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", time.Minute, "Give up waiting after this long (with --wait)")
	syncCmd.Flags().BoolVar(&syncNoNetworkWatch, "no-network-watch", false, "Do not poll network interfaces")
}

var errNoRemote = fmt.Errorf("no remote configured: set --remote-url or %s_REMOTE_URL", envPrefix)

// StatusEvent is the JSON form of a status change.
type StatusEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Time        time.Time `json:"time"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.AutoSync = true
	cfg.NetworkWatch = !syncNoNetworkWatch
	if cfg.IsOffline() {
		return errNoRemote
	}

	client, err := fieldsync.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := make(chan fieldsync.SyncStatus, 64)
	unsubscribe := client.OnStatusChange(func(s fieldsync.SyncStatus) {
		select {
		case updates <- s:
		default:
		}
	})
	defer unsubscribe()

	if syncWait {
		return waitForSync(ctx, cmd, client.Status(), updates)
	}

	printInfo(cmd.OutOrStdout(), "Syncing as %s (Ctrl-C to stop)", client.AuthorID())
	showStatus(cmd, client.Status())
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-updates:
			showStatus(cmd, s)
		}
	}
}

func waitForSync(ctx context.Context, cmd *cobra.Command, current fieldsync.SyncStatus, updates <-chan fieldsync.SyncStatus) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	var spin *spinner
	if !outputJSON {
		spin = newSpinner(cmd.ErrOrStderr(), current.Description())
		spin.Start()
		defer spin.Stop()
	}

	for {
		switch current {
		case fieldsync.StatusSynced:
			if spin != nil {
				spin.Stop()
			}
			showStatus(cmd, current)
			return nil
		case fieldsync.StatusError:
			if spin != nil {
				spin.Stop()
			}
			showStatus(cmd, current)
			return errors.New("replication failed; rerun with --debug for details")
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("not synced after %s (status: %s)", syncTimeout, current)
			}
			return ctx.Err()
		case current = <-updates:
			switch {
			case spin != nil:
				spin.SetMessage(current.Description())
			case current != fieldsync.StatusSynced && current != fieldsync.StatusError:
				// Terminal statuses are shown once, above.
				showStatus(cmd, current)
			}
		}
	}
}

func showStatus(cmd *cobra.Command, s fieldsync.SyncStatus) {
	if outputJSON {
		_ = outputAsJSON(cmd, StatusEvent{
			Status:      string(s),
			Description: s.Description(),
			Time:        time.Now().UTC(),
		})
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(s))
}
