package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warped-quasar/StatSync/pkg/replay"
)

func newReplayCmd(envFile *string) *cobra.Command {
	var list bool

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-send batches that HEC rejected during earlier runs",
		Long: `replay reads the batches parked in the Redis replay log and sends them
to HEC oldest first, removing each one once it is accepted. It stops at the
first rejection and leaves the remaining batches in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, *envFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateReplay(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			redisClient, err := connectRedis(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer redisClient.Close()

			store := replay.NewStore(redisClient, logger)
			out := cmd.OutOrStdout()

			if list {
				entries, err := store.List(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s  %-10s %-13s records=%-5d failed_at=%s  %s\n",
						e.ID, e.Job, e.Sourcetype, len(e.Records), e.FailedAt.Format(time.RFC3339), e.Error)
				}
				fmt.Fprintf(out, "%d parked batch(es)\n", len(entries))
				return nil
			}

			sink, err := newSink(cfg)
			if err != nil {
				return err
			}
			defer sink.Close()

			res, err := store.Replay(ctx, sink)
			fmt.Fprintf(out, "replayed=%d records=%d remaining=%d\n", res.Replayed, res.Records, res.Remaining)
			return err
		},
	}

	replayCmd.Flags().BoolVar(&list, "list", false, "List parked batches without sending them")

	return replayCmd
}
