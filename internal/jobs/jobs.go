// Package jobs runs background work on a River queue backed by Postgres.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"

	"inkwell/api/internal/resolution"
)

// AutoResolveArgs asks for a sweep of stale active comments. An empty
// DocumentID sweeps every document.
type AutoResolveArgs struct {
	Days       int    `json:"days"`
	DocumentID string `json:"document_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
}

// Kind returns the job kind for River
func (AutoResolveArgs) Kind() string {
	return "comment_auto_resolve"
}

// AutoResolver is the part of resolution.Service the sweep needs.
type AutoResolver interface {
	AutoResolveOlderThan(ctx context.Context, actor resolution.Actor, documentID string, days int) (resolution.Result, error)
}

// Notifier is told about every sweep that changed something.
type Notifier func(ctx context.Context, actor resolution.Actor, res resolution.Result)

// AutoResolveWorker handles auto-resolve jobs
type AutoResolveWorker struct {
	river.WorkerDefaults[AutoResolveArgs]
	resolver AutoResolver
	notify   Notifier
	log      zerolog.Logger
}

func NewAutoResolveWorker(resolver AutoResolver, notify Notifier, log zerolog.Logger) *AutoResolveWorker {
	return &AutoResolveWorker{
		resolver: resolver,
		notify:   notify,
		log:      log.With().Str("component", "jobs").Str("kind", AutoResolveArgs{}.Kind()).Logger(),
	}
}

// Timeout bounds a single sweep.
func (w *AutoResolveWorker) Timeout(*river.Job[AutoResolveArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *AutoResolveWorker) Work(ctx context.Context, job *river.Job[AutoResolveArgs]) error {
	res, err := w.sweep(ctx, job.Args)
	if err != nil {
		w.log.Error().Err(err).Int64("job_id", job.ID).Int("attempt", job.Attempt).Msg("auto-resolve sweep failed")
		return err
	}
	w.log.Info().Int64("job_id", job.ID).
		Int("days", job.Args.Days).
		Str("document_id", job.Args.DocumentID).
		Int("resolved", len(res.Changed)).
		Msg("auto-resolve sweep finished")
	return nil
}

func (w *AutoResolveWorker) sweep(ctx context.Context, args AutoResolveArgs) (resolution.Result, error) {
	actor := resolution.SystemActor
	if args.ActorID != "" {
		actor = resolution.Actor{ID: args.ActorID, Name: args.ActorID, Role: resolution.SystemActor.Role}
	}
	res, err := w.resolver.AutoResolveOlderThan(ctx, actor, args.DocumentID, args.Days)
	if err != nil {
		return resolution.Result{}, fmt.Errorf("auto resolve: %w", err)
	}
	if res.LedgerError != "" {
		w.log.Warn().Str("ledger_error", res.LedgerError).Msg("auto-resolve history incomplete")
	}
	if len(res.Changed) > 0 && w.notify != nil {
		w.notify(ctx, actor, res)
	}
	return res, nil
}

// Options configures the queue.
type Options struct {
	MaxWorkers int
	// AutoResolveEvery enables the periodic sweep when > 0.
	AutoResolveEvery time.Duration
	AutoResolveDays  int
}

// Queue manages the River client.
type Queue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	log    zerolog.Logger
}

// Migrate brings the River schema up to date.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return 0, fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return 0, fmt.Errorf("migrate river schema: %w", err)
	}
	return len(res.Versions), nil
}

// NewQueue creates the River client with the auto-resolve worker registered.
func NewQueue(pool *pgxpool.Pool, worker *AutoResolveWorker, opts Options, log zerolog.Logger) (*Queue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	cfg := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodicJobs(opts),
	}

	client, err := river.NewClient(riverpgxv5.New(pool), cfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Queue{client: client, pool: pool, log: log.With().Str("component", "jobs").Logger()}, nil
}

func periodicJobs(opts Options) []*river.PeriodicJob {
	if opts.AutoResolveEvery <= 0 || opts.AutoResolveDays <= 0 {
		return nil
	}
	days := opts.AutoResolveDays
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(opts.AutoResolveEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return AutoResolveArgs{Days: days}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// Start starts the job queue workers
func (q *Queue) Start(ctx context.Context) error {
	q.log.Info().Msg("job queue starting")
	return q.client.Start(ctx)
}

// Stop waits for running jobs to finish.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.client.Stop(ctx)
	q.pool.Close()
	return err
}

// EnqueueAutoResolve queues a one-off sweep.
func (q *Queue) EnqueueAutoResolve(ctx context.Context, args AutoResolveArgs) (int64, error) {
	res, err := q.client.Insert(ctx, args, nil)
	if err != nil {
		return 0, fmt.Errorf("queue auto-resolve job: %w", err)
	}
	return res.Job.ID, nil
}
