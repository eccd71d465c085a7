package cmd

import (
	"context"
	"fmt"

	"github.com/husam-hammami/hercules-sfms-sub001/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	replayDryRun bool
	replayLimit  int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay spilled data batches from the WAL to the service bus",
	Long: `Re-publishes batches that were spilled to the local write-ahead log while
the downstream queue was unreachable. The WAL is truncated only when every
entry was delivered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay()
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "show what would be replayed without sending")
	replayCmd.Flags().IntVarP(&replayLimit, "limit", "l", 0, "maximum number of entries to replay (0 = all)")
	rootCmd.AddCommand(replayCmd)
}

func runReplay() error {
	logger.Info("Starting WAL replay...")

	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	defer wal.Close()

	entries, err := wal.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	if replayLimit > 0 && len(entries) > replayLimit {
		entries = entries[:replayLimit]
	}
	logger.Infof("Found %d spilled entries", len(entries))

	if len(entries) == 0 {
		return nil
	}

	if replayDryRun {
		for i, entry := range entries {
			if i >= 10 {
				logger.Infof("... and %d more entries", len(entries)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"entry_id":   entry.ID,
				"subject":    entry.Subject,
				"spilled_at": entry.Timestamp,
			}).Info("Would replay entry")
		}
		return nil
	}

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("messaging connection failed: %w", err)
	}
	defer messaging.Close()

	ctx := context.Background()
	delivered := 0
	for _, entry := range entries {
		if err := messaging.Publish(ctx, entry.Subject, entry.Data); err != nil {
			logger.WithError(err).WithField("entry_id", entry.ID).Error("Failed to replay entry")
			break
		}
		delivered++
	}

	logger.WithFields(logrus.Fields{
		"total":     len(entries),
		"delivered": delivered,
	}).Info("Replay completed")

	// Partial delivery keeps the WAL intact so nothing is lost; re-running
	// replay may duplicate the already-delivered prefix, which downstream
	// deduplicates by batch id.
	if delivered == len(entries) && replayLimit == 0 {
		if err := wal.Truncate(); err != nil {
			return fmt.Errorf("failed to truncate WAL after replay: %w", err)
		}
		logger.Info("WAL truncated")
	}
	return nil
}
