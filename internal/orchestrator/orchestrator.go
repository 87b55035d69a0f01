// Package orchestrator launches one observation-plan batch per qualifying GW
// event: a fan-out of plan jobs, one per configured telescope group, joined
// by a ledger-backed barrier. Both the automatic stream path and the Slack
// webhook path enter through Launch and race on the same in-progress flag.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/logging"
	"github.com/gcnstream/internal/worker"
)

// ErrAlreadyRunning means another orchestration holds the in-progress flag
// for this event.
var ErrAlreadyRunning = errors.New("orchestration already running for this event")

// Group is one configured fan-out unit: a telescope list with its tile counts
// and observation strategy.
type Group struct {
	Telescopes []string
	Tiles      []int
	Strategy   string
}

// PlanQueue inserts fan-out plan jobs and the fan-in cleanup job.
type PlanQueue interface {
	EnqueuePlan(ctx context.Context, args worker.PlanJobArgs) error
	EnqueueCleanup(ctx context.Context, args worker.CleanupJobArgs) error
}

// Batches creates the barrier row and records jobs that never made it into
// the queue.
type Batches interface {
	Create(ctx context.Context, batchID, triggerID string, total int) error
	MarkDone(ctx context.Context, batchID string, failed bool) (bool, error)
	ClaimCleanup(ctx context.Context, batchID string) (bool, error)
}

// FlagStore flips the in-progress flag with compare-and-set semantics.
type FlagStore interface {
	SetProcessRunning(ctx context.Context, id int64, expected, next bool) (bool, error)
}

// Orchestrator builds and submits plan batches.
type Orchestrator struct {
	queue      PlanQueue
	batches    Batches
	flags      FlagStore
	groups     []Group
	nsideFlat  int
	outputRoot string
	channel    string
	log        zerolog.Logger
}

// New creates an orchestrator over the configured telescope groups.
func New(queue PlanQueue, batches Batches, flags FlagStore, groups []Group, nsideFlat int, outputRoot, channel string) *Orchestrator {
	return &Orchestrator{
		queue:      queue,
		batches:    batches,
		flags:      flags,
		groups:     groups,
		nsideFlat:  nsideFlat,
		outputRoot: outputRoot,
		channel:    channel,
		log:        logging.Component("orchestrator"),
	}
}

// LaunchParams identifies the event and the resources the batch works on.
type LaunchParams struct {
	EventID      string
	RowID        int64
	NoticePath   string
	RemoteFolder string
	ThreadTS     string
}

func groupSlug(g Group) string {
	slug := g.Strategy + "_" + strings.Join(g.Telescopes, "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, slug)
}

// Launch claims the in-progress flag and submits one plan job per group, all
// sharing a fresh batch id. The flag claim is a conditional update: a second
// Launch while one is outstanding gets ErrAlreadyRunning. A job that cannot
// be enqueued is recorded as failed on the barrier so the fan-in still fires.
func (o *Orchestrator) Launch(ctx context.Context, p LaunchParams) error {
	if len(o.groups) == 0 {
		return fmt.Errorf("no telescope groups configured")
	}

	claimed, err := o.flags.SetProcessRunning(ctx, p.RowID, false, true)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyRunning
	}

	batchID := uuid.NewString()
	if err := o.batches.Create(ctx, batchID, p.EventID, len(o.groups)); err != nil {
		o.release(ctx, p.RowID)
		return err
	}

	enqueued := 0
	for _, g := range o.groups {
		slug := groupSlug(g)
		args := worker.PlanJobArgs{
			BatchID:      batchID,
			EventID:      p.EventID,
			RowID:        p.RowID,
			NoticePath:   p.NoticePath,
			RemoteFolder: p.RemoteFolder,
			GroupSlug:    slug,
			Telescopes:   g.Telescopes,
			Tiles:        g.Tiles,
			Strategy:     g.Strategy,
			NsideFlat:    o.nsideFlat,
			OutputDir:    filepath.Join(o.outputRoot, batchID, slug),
			ThreadTS:     p.ThreadTS,
			Channel:      o.channel,
		}
		if err := o.queue.EnqueuePlan(ctx, args); err != nil {
			o.log.Error().Err(err).Str("event_id", p.EventID).Str("group", slug).
				Msg("failed to enqueue plan job, recording as failed on barrier")
			complete, merr := o.batches.MarkDone(ctx, batchID, true)
			if merr != nil {
				o.log.Error().Err(merr).Str("batch_id", batchID).Msg("failed to record lost job")
				continue
			}
			// An already-enqueued sibling may have finished before the lost
			// job was recorded, making this MarkDone the one that completes
			// the barrier. Nobody else will see completed==total, so the
			// fan-in must fire from here.
			if complete {
				o.finishBatch(ctx, batchID, p)
			}
			continue
		}
		enqueued++
	}

	if enqueued == 0 {
		o.release(ctx, p.RowID)
		return fmt.Errorf("failed to enqueue any plan job for %s", p.EventID)
	}

	o.log.Info().Str("event_id", p.EventID).Str("batch_id", batchID).
		Int("jobs", enqueued).Msg("launched plan batch")
	return nil
}

// finishBatch claims the cleanup slot and enqueues the single fan-in job,
// mirroring the plan worker's completion path.
func (o *Orchestrator) finishBatch(ctx context.Context, batchID string, p LaunchParams) {
	claimed, err := o.batches.ClaimCleanup(ctx, batchID)
	if err != nil {
		o.log.Error().Err(err).Str("batch_id", batchID).Msg("failed to claim batch cleanup")
		return
	}
	if !claimed {
		return
	}
	err = o.queue.EnqueueCleanup(ctx, worker.CleanupJobArgs{
		BatchID:      batchID,
		EventID:      p.EventID,
		RowID:        p.RowID,
		NoticePath:   p.NoticePath,
		LocalRoot:    filepath.Join(o.outputRoot, batchID),
		RemoteFolder: p.RemoteFolder,
		ThreadTS:     p.ThreadTS,
		Channel:      o.channel,
	})
	if err != nil {
		o.log.Error().Err(err).Str("batch_id", batchID).Msg("failed to enqueue batch cleanup")
	}
}

func (o *Orchestrator) release(ctx context.Context, rowID int64) {
	if _, err := o.flags.SetProcessRunning(ctx, rowID, true, false); err != nil {
		o.log.Warn().Err(err).Int64("row_id", rowID).Msg("failed to release in-progress flag")
	}
}
