package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/warped-quasar/StatSync/pkg/hec"
	"github.com/warped-quasar/StatSync/pkg/record"
)

// HealthMessage is the liveness event sent before any job runs.
const HealthMessage = "sdk pipeline up"

// ErrHealthCheck marks a failed liveness event; no job runs after it.
var ErrHealthCheck = errors.New("health event rejected")

// Summary reports a whole run.
type Summary struct {
	Results []Result
	Failed  []string
}

// Runner executes jobs sequentially after the health event. A failing job is
// logged and recorded; later jobs still run.
type Runner struct {
	deps Deps
}

// NewRunner validates deps and returns a runner.
func NewRunner(deps Deps) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	deps.Logger = deps.Logger.With().Str("component", "ingest").Logger()
	return &Runner{deps: deps}, nil
}

// SendHealth sends the liveness event.
func (r *Runner) SendHealth(ctx context.Context) error {
	_, err := r.deps.Sink.SendOne(ctx, record.Record{"msg": HealthMessage}, hec.SendOptions{Sourcetype: SourcetypeHealth})
	if err != nil {
		r.deps.Logger.Error().Err(err).Msg("Health event failed")
		return fmt.Errorf("%w: %w", ErrHealthCheck, err)
	}
	r.deps.Logger.Info().Msg("Health event sent")
	return nil
}

// Run sends the health event, then runs jobs in order. The returned error
// joins every *JobError; it is nil only when all jobs completed.
func (r *Runner) Run(ctx context.Context, jobs []Job) (Summary, error) {
	var sum Summary

	if err := r.SendHealth(ctx); err != nil {
		return sum, err
	}

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := job.Run(ctx, r.deps)
		sum.Results = append(sum.Results, res)
		if err != nil {
			sum.Failed = append(sum.Failed, job.Name)
			errs = append(errs, err)
			continue
		}
	}

	logEvent := r.deps.Logger.Info()
	if len(sum.Failed) > 0 {
		logEvent = r.deps.Logger.Error()
	}
	logEvent.
		Int("jobs", len(jobs)).
		Strs("failed", sum.Failed).
		Msg("Run finished")

	return sum, errors.Join(errs...)
}
