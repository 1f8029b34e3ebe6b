// Package ingest wires the upstream client, the paginator, the batcher and
// the HEC sink into the teams, box score and stats jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/warped-quasar/StatSync/pkg/batch"
	"github.com/warped-quasar/StatSync/pkg/hec"
	"github.com/warped-quasar/StatSync/pkg/logging"
	"github.com/warped-quasar/StatSync/pkg/pagination"
	"github.com/warped-quasar/StatSync/pkg/record"
	"github.com/warped-quasar/StatSync/pkg/replay"
)

var (
	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_job_runs_total",
		Help: "Job runs by job and result",
	}, []string{"job", "result"})

	jobRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statsync_job_records_total",
		Help: "Records delivered to the sink by job",
	}, []string{"job"})
)

// Job names.
const (
	JobTeams     = "teams"
	JobBoxScores = "box_scores"
	JobStats     = "stats"
)

// Sourcetypes.
const (
	SourcetypeTeam     = "nba:team"
	SourcetypeBoxScore = "nba:boxscore"
	SourcetypeStat     = "nba:stat"
	SourcetypeHealth   = "nba:health"
)

// Upstream is the part of the balldontlie client the jobs need.
type Upstream interface {
	ListTeams(ctx context.Context) (pagination.Page, error)
	ListBoxScores(ctx context.Context, q pagination.Query, cursor string) (pagination.Page, error)
	ListStats(ctx context.Context, q pagination.Query, cursor string) (pagination.Page, error)
}

// Sink is the part of the HEC client the jobs need.
type Sink interface {
	Send(ctx context.Context, events []record.Record, opts hec.SendOptions) (*hec.Ack, error)
	SendOne(ctx context.Context, event record.Record, opts hec.SendOptions) (*hec.Ack, error)
}

// Recorder parks batches the sink rejected.
type Recorder interface {
	Append(ctx context.Context, e replay.Entry) (string, error)
}

// Deps are the collaborators shared by every job of a run. They are built
// once at process start.
type Deps struct {
	Upstream Upstream
	Sink     Sink

	// Replay is optional; nil drops failed batches after reporting them.
	Replay Recorder

	Logger zerolog.Logger

	BatchSize int
	PerPage   int

	// PageDelay is the pause between pages. Delay, when set, wins over it.
	PageDelay time.Duration
	Delay     pagination.DelayFunc

	// Sleep implements the page delay; nil uses a context-aware sleep.
	Sleep pagination.Sleeper
}

func (d Deps) validate() error {
	if d.Upstream == nil {
		return errors.New("ingest: upstream client is required")
	}
	if d.Sink == nil {
		return errors.New("ingest: sink client is required")
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("ingest: %w (got %d)", batch.ErrInvalidSize, d.BatchSize)
	}
	return nil
}

func (d Deps) paginationConfig(endpoint string) pagination.Config {
	delay := d.Delay
	if delay == nil {
		delay = pagination.ConstantDelay(d.PageDelay)
	}
	logger := d.Logger
	return pagination.Config{
		Endpoint: endpoint,
		Delay:    delay,
		Sleep:    d.Sleep,
		Logger:   &logger,
	}
}

// JobError wraps a job failure with what is needed to replay it by hand.
type JobError struct {
	Job        string
	Sourcetype string
	BatchSize  int
	Err        error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s (sourcetype %s, batch size %d): %v", e.Job, e.Sourcetype, e.BatchSize, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Result summarizes one job run.
type Result struct {
	Job     string
	Records int
	Batches int
	Dropped int
	Elapsed time.Duration
}

// Job is one ingestion pipeline: a record source bound to a sourcetype.
type Job struct {
	Name       string
	Sourcetype string
	Query      pagination.Query

	source func(ctx context.Context, d Deps, q pagination.Query) iter.Seq2[record.Record, error]
}

// TeamsJob ships the team list. The endpoint is not paginated, so the job
// calls the upstream once and feeds the result through the batcher.
func TeamsJob() Job {
	return Job{
		Name:       JobTeams,
		Sourcetype: SourcetypeTeam,
		source: func(ctx context.Context, d Deps, _ pagination.Query) iter.Seq2[record.Record, error] {
			return func(yield func(record.Record, error) bool) {
				page, err := d.Upstream.ListTeams(ctx)
				if err != nil {
					yield(nil, &pagination.RetrievalError{Endpoint: JobTeams, Page: 1, Err: err})
					return
				}
				d.Logger.Info().
					Int("records", len(page.Records)).
					Msg("Retrieved teams")
				for _, r := range page.Records {
					if !yield(r, nil) {
						return
					}
				}
			}
		},
	}
}

// BoxScoresJob ships the player box scores of one date (YYYY-MM-DD).
func BoxScoresJob(date string) Job {
	return Job{
		Name:       JobBoxScores,
		Sourcetype: SourcetypeBoxScore,
		Query:      pagination.Query{Date: date},
		source: func(ctx context.Context, d Deps, q pagination.Query) iter.Seq2[record.Record, error] {
			return pagination.New(d.Upstream.ListBoxScores, q, d.paginationConfig(JobBoxScores)).Records(ctx)
		},
	}
}

// StatsJob ships the player stat lines of one season.
func StatsJob(season int, postseason bool) Job {
	return Job{
		Name:       JobStats,
		Sourcetype: SourcetypeStat,
		Query:      pagination.Query{Season: season, Postseason: postseason},
		source: func(ctx context.Context, d Deps, q pagination.Query) iter.Seq2[record.Record, error] {
			return pagination.New(d.Upstream.ListStats, q, d.paginationConfig(JobStats)).Records(ctx)
		},
	}
}

// Params are the per-job settings used by Select.
type Params struct {
	BoxScoreDate    string
	StatsSeason     int
	StatsPostseason bool
}

// Select builds jobs by name, keeping the given order.
func Select(names []string, p Params) ([]Job, error) {
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		switch name {
		case JobTeams:
			jobs = append(jobs, TeamsJob())
		case JobBoxScores:
			jobs = append(jobs, BoxScoresJob(p.BoxScoreDate))
		case JobStats:
			jobs = append(jobs, StatsJob(p.StatsSeason, p.StatsPostseason))
		default:
			return nil, fmt.Errorf("unknown job %q (want %s, %s or %s)", name, JobTeams, JobBoxScores, JobStats)
		}
	}
	return jobs, nil
}

// Run drives the job: source records, batch them and send each batch to
// the sink. The first failure ends the job and is returned as a *JobError.
func (j Job) Run(ctx context.Context, d Deps) (Result, error) {
	start := time.Now()
	res := Result{Job: j.Name}

	if err := d.validate(); err != nil {
		return res, err
	}

	logger := logging.ForJob(d.Logger, j.Name, j.Sourcetype)
	d.Logger = logger

	q := j.Query
	q.PerPage = d.PerPage

	opts := hec.SendOptions{Sourcetype: j.Sourcetype}
	b, err := batch.New(d.BatchSize, func(ctx context.Context, events []record.Record) error {
		logger.Debug().Int("size", len(events)).Msg("Sending batch")
		_, err := d.Sink.Send(ctx, events, opts)
		return err
	})
	if err != nil {
		return res, err
	}
	b.OnFlush = func(p batch.Progress) {
		logger.Info().
			Int("batch", p.Batch).
			Int("size", p.Size).
			Int("sent", p.Flushed).
			Msg("Batch sent")
	}

	logger.Info().Int("batch_size", d.BatchSize).Msg("Job started")

	stats, err := b.Drain(ctx, j.source(ctx, d, q))
	res.Records = stats.Flushed
	res.Batches = stats.Batches
	res.Dropped = stats.Dropped
	res.Elapsed = time.Since(start)
	jobRecordsTotal.WithLabelValues(j.Name).Add(float64(stats.Flushed))

	if err != nil {
		jobRunsTotal.WithLabelValues(j.Name, "failed").Inc()
		j.park(ctx, d, err)
		logger.Error().
			Err(err).
			Int("sent", stats.Flushed).
			Int("dropped", stats.Dropped).
			Msg("Job failed")
		return res, &JobError{Job: j.Name, Sourcetype: j.Sourcetype, BatchSize: d.BatchSize, Err: err}
	}

	jobRunsTotal.WithLabelValues(j.Name, "ok").Inc()
	logger.Info().
		Int("records", stats.Flushed).
		Int("batches", stats.Batches).
		Dur("elapsed", res.Elapsed).
		Msg("Job finished")
	return res, nil
}

// park stores the batch the sink rejected in the replay log, if one is set.
func (j Job) park(ctx context.Context, d Deps, err error) {
	var fe *batch.FlushError[record.Record]
	if d.Replay == nil || !errors.As(err, &fe) || len(fe.Records) == 0 {
		return
	}

	id, perr := d.Replay.Append(context.WithoutCancel(ctx), replay.Entry{
		Job:        j.Name,
		Sourcetype: j.Sourcetype,
		Records:    fe.Records,
		Error:      fe.Err.Error(),
	})
	if perr != nil {
		d.Logger.Warn().Err(perr).Int("batch", fe.Batch).Msg("Could not park failed batch")
		return
	}
	d.Logger.Info().Str("replay_id", id).Int("batch", fe.Batch).Msg("Failed batch parked for replay")
}
