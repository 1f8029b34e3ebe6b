// Package cli implements the statsync command line with cobra.
package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warped-quasar/StatSync/internal/config"
	"github.com/warped-quasar/StatSync/pkg/hec"
	"github.com/warped-quasar/StatSync/pkg/logging"
)

// Version is stamped at build time.
var Version = "0.1.0"

// NewRootCmd builds the statsync command tree.
func NewRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "statsync",
		Short: "Ship NBA statistics from balldontlie to Splunk HEC",
		Long: `statsync pulls teams, box scores and season stats from the balldontlie API,
batches them and forwards them to a Splunk HTTP Event Collector.
Settings come from the environment, optionally seeded from a .env file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load settings from this file instead of ./.env")

	rootCmd.AddCommand(newRunCmd(&envFile))
	rootCmd.AddCommand(newReplayCmd(&envFile))

	return rootCmd
}

// loadConfig reads settings and configures logging.
func loadConfig(cmd *cobra.Command, envFile string) (*config.Config, zerolog.Logger, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}

	cfg, err := config.Load(files...)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, logger, nil
}

// newSink builds the HEC client from settings.
func newSink(cfg *config.Config) (*hec.Client, error) {
	hecCfg := hec.DefaultConfig(cfg.HEC.URL, cfg.HEC.Token)
	hecCfg.AuthScheme = cfg.HEC.AuthScheme
	hecCfg.DefaultIndex = cfg.HEC.Index
	hecCfg.DefaultHost = cfg.HEC.Host
	hecCfg.InsecureSkipVerify = cfg.HEC.InsecureSkipVerify()
	hecCfg.CABundle = cfg.HEC.CABundle()
	return hec.New(hecCfg)
}

// connectRedis opens and pings REDIS_URL. It returns nil, nil when unset.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
