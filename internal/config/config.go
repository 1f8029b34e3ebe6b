// Package config loads StatSync settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultAPIURL         = "https://api.balldontlie.io"
	DefaultHECAuthScheme  = "Splunk"
	DefaultHECIndex       = "sports"
	DefaultBatchSize      = 500
	DefaultPerPage        = 100
	MaxPerPage            = 100
	DefaultPageDelay      = 200 * time.Millisecond
	DefaultStatsSeason    = 2024
	DefaultJobs           = "teams,box_scores"
	boxScoreDateLayout    = "2006-01-02"
	defaultLogLevel       = "info"
	verifyModeInsecure    = "false"
	verifyModeSystemTrust = "true"
)

// ValidationError reports one invalid or missing setting.
type ValidationError struct {
	Var    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Var, e.Reason)
}

// HEC holds the collector settings.
type HEC struct {
	URL        string
	Token      string
	AuthScheme string
	Index      string
	Host       string

	// Verify is "true", "false" or a CA bundle path.
	Verify string
}

// InsecureSkipVerify reports whether TLS verification is disabled.
func (h HEC) InsecureSkipVerify() bool {
	return strings.EqualFold(h.Verify, verifyModeInsecure)
}

// CABundle returns the CA bundle path, empty for the on/off modes.
func (h HEC) CABundle() string {
	switch strings.ToLower(h.Verify) {
	case "", verifyModeSystemTrust, verifyModeInsecure:
		return ""
	}
	return h.Verify
}

// Config is the full process configuration.
type Config struct {
	APIKey string
	APIURL string

	HEC HEC

	BatchSize int
	PerPage   int
	PageDelay time.Duration

	BoxScoreDate    string
	StatsSeason     int
	StatsPostseason bool
	Jobs            []string

	RedisURL string
	CacheTTL time.Duration

	MetricsAddr string
	LogLevel    string
	LogPretty   bool
}

// Load reads the given .env files (or ./.env when none are named and it
// exists) into the environment and parses it. Variables already set in the
// environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv, time.Now())
}

// FromEnv parses settings through getenv. now anchors the default
// box-score date (yesterday, UTC).
func FromEnv(getenv func(string) string, now time.Time) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		APIKey: strings.TrimSpace(getenv("BALLDONTLIE_API_KEY")),
		APIURL: p.str("BALLDONTLIE_URL", DefaultAPIURL),
		HEC: HEC{
			URL:        strings.TrimSpace(getenv("HEC_URL")),
			Token:      strings.TrimSpace(getenv("HEC_TOKEN")),
			AuthScheme: p.str("HEC_AUTH_SCHEME", DefaultHECAuthScheme),
			Index:      p.str("HEC_INDEX", DefaultHECIndex),
			Host:       strings.TrimSpace(getenv("HEC_HOST")),
			Verify:     p.str("HEC_VERIFY", verifyModeSystemTrust),
		},
		BatchSize:       p.integer("BATCH_SIZE", DefaultBatchSize),
		PerPage:         p.integer("PER_PAGE", DefaultPerPage),
		PageDelay:       p.duration("PAGE_DELAY", DefaultPageDelay),
		BoxScoreDate:    p.str("BOX_SCORE_DATE", now.UTC().AddDate(0, 0, -1).Format(boxScoreDateLayout)),
		StatsSeason:     p.integer("STATS_SEASON", DefaultStatsSeason),
		StatsPostseason: p.boolean("STATS_POSTSEASON", false),
		Jobs:            SplitList(p.str("JOBS", DefaultJobs)),
		RedisURL:        strings.TrimSpace(getenv("REDIS_URL")),
		CacheTTL:        p.duration("CACHE_TTL", 0),
		MetricsAddr:     strings.TrimSpace(getenv("METRICS_ADDR")),
		LogLevel:        p.str("LOG_LEVEL", defaultLogLevel),
		LogPretty:       p.boolean("LOG_PRETTY", false),
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// ValidateRun checks the settings an ingestion run needs.
func (c *Config) ValidateRun() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, &ValidationError{Var: "BALLDONTLIE_API_KEY", Reason: "is required"})
	}
	errs = append(errs, c.validateSink()...)
	if c.PerPage <= 0 || c.PerPage > MaxPerPage {
		errs = append(errs, &ValidationError{Var: "PER_PAGE", Reason: fmt.Sprintf("must be between 1 and %d (got %d)", MaxPerPage, c.PerPage)})
	}
	if c.PageDelay < 0 {
		errs = append(errs, &ValidationError{Var: "PAGE_DELAY", Reason: "must not be negative"})
	}
	if _, err := time.Parse(boxScoreDateLayout, c.BoxScoreDate); err != nil {
		errs = append(errs, &ValidationError{Var: "BOX_SCORE_DATE", Reason: "must be YYYY-MM-DD"})
	}
	if c.StatsSeason <= 0 {
		errs = append(errs, &ValidationError{Var: "STATS_SEASON", Reason: "must be a positive year"})
	}
	if len(c.Jobs) == 0 {
		errs = append(errs, &ValidationError{Var: "JOBS", Reason: "must name at least one job"})
	}
	if c.CacheTTL < 0 {
		errs = append(errs, &ValidationError{Var: "CACHE_TTL", Reason: "must not be negative"})
	}
	if c.CacheTTL > 0 && c.RedisURL == "" {
		errs = append(errs, &ValidationError{Var: "CACHE_TTL", Reason: "requires REDIS_URL"})
	}
	return errors.Join(errs...)
}

// ValidateReplay checks the settings a replay needs.
func (c *Config) ValidateReplay() error {
	errs := c.validateSink()
	if c.RedisURL == "" {
		errs = append(errs, &ValidationError{Var: "REDIS_URL", Reason: "is required for replay"})
	}
	return errors.Join(errs...)
}

func (c *Config) validateSink() []error {
	var errs []error
	if c.HEC.URL == "" {
		errs = append(errs, &ValidationError{Var: "HEC_URL", Reason: "is required"})
	}
	if c.HEC.Token == "" {
		errs = append(errs, &ValidationError{Var: "HEC_TOKEN", Reason: "is required"})
	}
	if c.BatchSize <= 0 {
		errs = append(errs, &ValidationError{Var: "BATCH_SIZE", Reason: fmt.Sprintf("must be positive (got %d)", c.BatchSize)})
	}
	return errs
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so that every bad variable is reported.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(name, def string) string {
	if v := strings.TrimSpace(p.getenv(name)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(name string, def int) int {
	v := strings.TrimSpace(p.getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, &ValidationError{Var: name, Reason: fmt.Sprintf("must be an integer (got %q)", v)})
		return def
	}
	return n
}

func (p *parser) boolean(name string, def bool) bool {
	v := strings.TrimSpace(p.getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, &ValidationError{Var: name, Reason: fmt.Sprintf("must be true or false (got %q)", v)})
		return def
	}
	return b
}

// duration accepts Go durations ("200ms") or bare milliseconds ("200").
func (p *parser) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(name))
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, &ValidationError{Var: name, Reason: fmt.Sprintf("must be a duration (got %q)", v)})
		return def
	}
	return d
}
