package worker

import (
	"context"
	"path"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/chat"
)

// PlanWorker runs one observation-plan computation and marks the batch
// barrier. A failed computation still advances the barrier so the fan-in is
// never blocked by a sibling's failure.
type PlanWorker struct {
	river.WorkerDefaults[PlanJobArgs]
	deps Deps
	log  zerolog.Logger
}

// Work generates plans for one telescope group, uploads the artifacts and
// posts the result into the alert thread.
func (w *PlanWorker) Work(ctx context.Context, job *river.Job[PlanJobArgs]) error {
	args := job.Args
	log := w.log.With().Str("event_id", args.EventID).Str("batch_id", args.BatchID).
		Str("group", args.GroupSlug).Logger()

	if _, err := w.deps.Poster.Post(ctx, args.Channel,
		chat.PlanAnnounce(args.EventID, args.Telescopes, args.Strategy), args.ThreadTS); err != nil {
		log.Warn().Err(err).Msg("failed to announce plan task")
	}

	result, planErr := w.deps.Engine.GeneratePlan(ctx, PlanRequest{
		NoticePath: args.NoticePath,
		Telescopes: args.Telescopes,
		Tiles:      args.Tiles,
		Strategy:   args.Strategy,
		NsideFlat:  args.NsideFlat,
		OutputDir:  args.OutputDir,
	})
	if planErr != nil {
		log.Error().Err(planErr).Msg("plan generation failed")
	} else if err := w.uploadArtifacts(ctx, args, result); err != nil {
		log.Error().Err(err).Msg("artifact upload failed")
		planErr = err
	}

	remoteGroup := path.Join(args.RemoteFolder, args.GroupSlug)
	msg := chat.PlanResult(args.EventID, args.Telescopes, args.Strategy,
		w.deps.Storage.WebLink(remoteGroup), planErr)
	if _, err := w.deps.Poster.Post(ctx, args.Channel, msg, args.ThreadTS); err != nil {
		log.Warn().Err(err).Msg("failed to post plan result")
	}

	// Barrier accounting must survive a failed computation, so errors above
	// are recorded rather than returned.
	complete, err := w.deps.Barrier.MarkDone(ctx, args.BatchID, planErr != nil)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}

	claimed, err := w.deps.Barrier.ClaimCleanup(ctx, args.BatchID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	log.Info().Msg("batch complete, enqueueing cleanup")
	client := river.ClientFromContext[pgx.Tx](ctx)
	_, err = client.Insert(ctx, CleanupJobArgs{
		BatchID:      args.BatchID,
		EventID:      args.EventID,
		RowID:        args.RowID,
		NoticePath:   args.NoticePath,
		LocalRoot:    filepath.Dir(args.OutputDir),
		RemoteFolder: args.RemoteFolder,
		ThreadTS:     args.ThreadTS,
		Channel:      args.Channel,
	}, nil)
	return err
}

func (w *PlanWorker) uploadArtifacts(ctx context.Context, args PlanJobArgs, result *PlanResult) error {
	remoteGroup := path.Join(args.RemoteFolder, args.GroupSlug)
	if err := w.deps.Storage.MkdirAll(ctx, remoteGroup); err != nil {
		return err
	}
	for _, tiles := range result.TilesFiles {
		if err := w.deps.Storage.PutFile(ctx, path.Join(remoteGroup, filepath.Base(tiles)), tiles); err != nil {
			return err
		}
	}
	if result.CoverageMap != "" {
		if err := w.deps.Storage.PutFile(ctx,
			path.Join(remoteGroup, filepath.Base(result.CoverageMap)), result.CoverageMap); err != nil {
			return err
		}
	}
	return nil
}
