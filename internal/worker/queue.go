package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/logging"
)

// Barrier is the fan-in side of a plan batch.
type Barrier interface {
	MarkDone(ctx context.Context, batchID string, failed bool) (bool, error)
	ClaimCleanup(ctx context.Context, batchID string) (bool, error)
	FailedCount(ctx context.Context, batchID string) (int, error)
}

// FlagStore flips the in-progress flag on a GW ledger row.
type FlagStore interface {
	SetProcessRunning(ctx context.Context, id int64, expected, next bool) (bool, error)
}

// Uploader is the storage surface the workers ship artifacts through.
type Uploader interface {
	MkdirAll(ctx context.Context, remotePath string) error
	PutFile(ctx context.Context, remotePath, localPath string) error
	PutBytes(ctx context.Context, remotePath string, data []byte) error
	Delete(ctx context.Context, remotePath string) error
	WebLink(remotePath string) string
}

// AnalysisFetcher downloads Swift BAT analysis pages.
type AnalysisFetcher interface {
	Fetch(ctx context.Context, triggerID string) (*SwiftAnalysisPage, error)
}

// Deps bundles the collaborators every worker shares.
type Deps struct {
	Poster  chat.Poster
	Storage Uploader
	Engine  Engine
	Barrier Barrier
	Flags   FlagStore
	Swift   AnalysisFetcher
}

// swiftMaxAttempts bounds the 404 retry of the analysis follow-up.
const swiftMaxAttempts = 4

// JobQueue wraps the River client.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	log    zerolog.Logger
}

// NewJobQueue creates a queue that both inserts and works jobs.
func NewJobQueue(databaseURL string, maxWorkers int, deps Deps) (*JobQueue, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &PlanWorker{deps: deps, log: logging.Component("plan-worker")})
	river.AddWorker(workers, &CleanupWorker{deps: deps, log: logging.Component("cleanup-worker")})
	river.AddWorker(workers, &SwiftAnalysisWorker{deps: deps, log: logging.Component("swift-worker")})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{client: client, pool: pool, log: logging.Component("jobqueue")}, nil
}

// NewInsertOnly creates a queue that can enqueue jobs but never works them,
// for the stream and listener processes.
func NewInsertOnly(databaseURL string) (*JobQueue, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}
	return &JobQueue{client: client, pool: pool, log: logging.Component("jobqueue")}, nil
}

// Start starts working jobs.
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop drains and stops the workers.
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// Close releases the connection pool.
func (jq *JobQueue) Close() {
	jq.pool.Close()
}

// EnqueuePlan inserts one fan-out plan job.
func (jq *JobQueue) EnqueuePlan(ctx context.Context, args PlanJobArgs) error {
	if _, err := jq.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to enqueue plan job for %s: %w", args.EventID, err)
	}
	jq.log.Debug().Str("event_id", args.EventID).Str("batch_id", args.BatchID).
		Strs("telescopes", args.Telescopes).Msg("enqueued plan job")
	return nil
}

// EnqueueCleanup inserts the fan-in cleanup job. The plan workers enqueue it
// through their job transaction; this path serves the orchestrator when the
// barrier completes before the fan-out finished submitting.
func (jq *JobQueue) EnqueueCleanup(ctx context.Context, args CleanupJobArgs) error {
	if _, err := jq.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to enqueue cleanup job for %s: %w", args.EventID, err)
	}
	jq.log.Debug().Str("event_id", args.EventID).Str("batch_id", args.BatchID).
		Msg("enqueued cleanup job")
	return nil
}

// EnqueueSwiftAnalysis schedules the delayed analysis follow-up. River's
// backoff between the bounded attempts handles the not-yet-published page.
func (jq *JobQueue) EnqueueSwiftAnalysis(ctx context.Context, args SwiftAnalysisJobArgs, delay time.Duration) error {
	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{
		ScheduledAt: time.Now().Add(delay),
		MaxAttempts: swiftMaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue swift analysis for %s: %w", args.TriggerID, err)
	}
	jq.log.Debug().Str("trigger_id", args.TriggerID).Dur("delay", delay).
		Msg("enqueued swift analysis job")
	return nil
}
