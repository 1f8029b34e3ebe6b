package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/warped-quasar/StatSync/internal/config"
	"github.com/warped-quasar/StatSync/internal/ingest"
	"github.com/warped-quasar/StatSync/pkg/balldontlie"
	"github.com/warped-quasar/StatSync/pkg/metrics"
	"github.com/warped-quasar/StatSync/pkg/replay"
)

type runFlags struct {
	jobs       []string
	date       string
	season     int
	postseason bool
	batchSize  int
}

func newRunCmd(envFile *string) *cobra.Command {
	var flags runFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Send the health event, then run the ingestion jobs in order",
		Long: `run sends one health event to HEC and then runs the selected jobs
(teams, box_scores, stats) one after another. A failing job does not stop
the jobs after it; the command exits non-zero if any job failed.`,
		Example: `  statsync run
  statsync run --jobs stats --season 2023 --postseason
  statsync run --jobs box_scores --date 2024-11-01 --batch-size 250`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, *envFile, flags)
		},
	}

	runCmd.Flags().StringSliceVar(&flags.jobs, "jobs", nil, "Jobs to run, in order (default from JOBS)")
	runCmd.Flags().StringVar(&flags.date, "date", "", "Box score date, YYYY-MM-DD (default from BOX_SCORE_DATE)")
	runCmd.Flags().IntVar(&flags.season, "season", 0, "Stats season (default from STATS_SEASON)")
	runCmd.Flags().BoolVar(&flags.postseason, "postseason", false, "Fetch postseason stats")
	runCmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "Records per HEC request (default from BATCH_SIZE)")

	return runCmd
}

// applyRunFlags overrides settings with the flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) {
	if cmd.Flags().Changed("jobs") {
		cfg.Jobs = flags.jobs
	}
	if cmd.Flags().Changed("date") {
		cfg.BoxScoreDate = flags.date
	}
	if cmd.Flags().Changed("season") {
		cfg.StatsSeason = flags.season
	}
	if cmd.Flags().Changed("postseason") {
		cfg.StatsPostseason = flags.postseason
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.BatchSize = flags.batchSize
	}
}

func runIngest(cmd *cobra.Command, envFile string, flags runFlags) error {
	cfg, logger, err := loadConfig(cmd, envFile)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg, flags)

	if err := cfg.ValidateRun(); err != nil {
		return err
	}
	jobs, err := ingest.Select(cfg.Jobs, ingest.Params{
		BoxScoreDate:    cfg.BoxScoreDate,
		StatsSeason:     cfg.StatsSeason,
		StatsPostseason: cfg.StatsPostseason,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		if cfg.CacheTTL > 0 {
			return err
		}
		logger.Warn().Err(err).Msg("Redis unavailable - running without rate limit state and replay log")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Start(cfg.MetricsAddr, readyCheck(redisClient), logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	upstreamCfg := balldontlie.DefaultConfig(cfg.APIKey)
	upstreamCfg.BaseURL = cfg.APIURL
	upstreamCfg.Redis = redisClient
	upstreamCfg.CacheTTL = cfg.CacheTTL
	upstream, err := balldontlie.New(upstreamCfg)
	if err != nil {
		return err
	}
	defer upstream.Close()

	sink, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()

	deps := ingest.Deps{
		Upstream:  upstream,
		Sink:      sink,
		Logger:    logger,
		BatchSize: cfg.BatchSize,
		PerPage:   cfg.PerPage,
		PageDelay: cfg.PageDelay,
	}
	if redisClient != nil {
		deps.Replay = replay.NewStore(redisClient, logger)
	}

	runner, err := ingest.NewRunner(deps)
	if err != nil {
		return err
	}

	sum, err := runner.Run(ctx, jobs)
	for _, res := range sum.Results {
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s records=%d batches=%d dropped=%d elapsed=%s\n",
			res.Job, res.Records, res.Batches, res.Dropped, res.Elapsed.Round(time.Millisecond))
	}
	return err
}

func readyCheck(client *redis.Client) metrics.ReadyFunc {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
