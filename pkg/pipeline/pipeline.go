// pkg/pipeline/pipeline.go

// Package pipeline runs a scheduled batch of table sync jobs. Jobs run
// strictly sequentially; scheduled runs are operationally guaranteed not
// to overlap, so the runner takes no locks and performs no in-process
// retries. A failed run is rerun as a whole by the external scheduler.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
	"github.com/health-gis/covid-sync/pkg/store"
	"github.com/health-gis/covid-sync/pkg/sync"
)

// FetchFunc produces the new-truth record set for one table.
type FetchFunc func(ctx context.Context) (map[string]record.Record, error)

// Job represents one table synchronization job
type Job struct {
	ID      string
	Table   string
	Fetch   FetchFunc
	Engine  *sync.Engine
	Options sync.Options
}

// NewJob creates a new sync job with a unique identifier
func NewJob(table string, engine *sync.Engine, fetch FetchFunc, opts sync.Options) Job {
	return Job{
		ID:      uuid.New().String(),
		Table:   table,
		Fetch:   fetch,
		Engine:  engine,
		Options: opts,
	}
}

// JobResult represents the outcome of a single job
type JobResult struct {
	JobID    string
	Table    string
	Success  bool
	Result   sync.Result
	Err      error
	Duration time.Duration
}

// RunSummary aggregates the outcomes of one pipeline run
type RunSummary struct {
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	TotalAdds      int
	TotalUpdates   int
	TotalDeletes   int
	TotalDropped   int
	Results        []JobResult
}

// NewRunSummary initializes a new run summary
func NewRunSummary() *RunSummary {
	return &RunSummary{
		StartTime: time.Now(),
		Results:   make([]JobResult, 0),
	}
}

// AddJobResult incorporates a job result into the summary
func (s *RunSummary) AddJobResult(r JobResult) {
	s.Results = append(s.Results, r)
	s.TotalJobs++
	if r.Success {
		s.SuccessfulJobs++
		s.TotalAdds += r.Result.Adds
		s.TotalUpdates += r.Result.Updates
		s.TotalDeletes += r.Result.Deletes
		s.TotalDropped += r.Result.Dropped
	} else {
		s.FailedJobs++
	}
}

// Complete marks the run as complete and calculates duration
func (s *RunSummary) Complete() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// Runner executes sync jobs sequentially
type Runner struct {
	logger *zap.Logger
	jobs   []Job
}

// NewRunner creates a new pipeline runner
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger.Named("pipeline"),
	}
}

// AddJob appends a job to the run
func (r *Runner) AddJob(job Job) {
	r.jobs = append(r.jobs, job)
}

// Run executes all jobs in order. Any job failure aborts the remaining
// jobs: schema and key-format errors are config bugs that must stop the
// batch, and transient I/O errors are left to the external scheduler's
// whole-run retry. Progress already committed stays committed; rerunning
// from the same new truth converges.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	summary := NewRunSummary()
	defer summary.Complete()

	r.logger.Info("Starting pipeline run", zap.Int("jobs", len(r.jobs)))

	for _, job := range r.jobs {
		jobStart := time.Now()

		r.logger.Info("Starting sync job",
			zap.String("jobID", job.ID),
			zap.String("table", job.Table))

		newData, err := job.Fetch(ctx)
		if err == nil {
			var res sync.Result
			res, err = job.Engine.UpdateRecords(ctx, newData, job.Options)
			if err == nil {
				summary.AddJobResult(JobResult{
					JobID:    job.ID,
					Table:    job.Table,
					Success:  true,
					Result:   res,
					Duration: time.Since(jobStart),
				})
				continue
			}
		}

		summary.AddJobResult(JobResult{
			JobID:    job.ID,
			Table:    job.Table,
			Err:      err,
			Duration: time.Since(jobStart),
		})

		r.logger.Error("Sync job failed, aborting run",
			zap.String("jobID", job.ID),
			zap.String("table", job.Table),
			zap.Bool("transient", store.IsTransient(err)),
			zap.Error(err))
		return summary, err
	}

	r.logger.Info("Pipeline run completed",
		zap.Int("successfulJobs", summary.SuccessfulJobs),
		zap.Int("failedJobs", summary.FailedJobs),
		zap.Int("adds", summary.TotalAdds),
		zap.Int("updates", summary.TotalUpdates),
		zap.Int("deletes", summary.TotalDeletes),
		zap.Int("dropped", summary.TotalDropped))

	return summary, nil
}
