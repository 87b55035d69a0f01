package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/chat"
)

// CleanupWorker is the fan-in step: merge the per-group tile summaries into
// one consolidated artifact, delete the per-group working directories and the
// transient notice file, release the in-progress flag. It runs exactly once
// per batch, guarded by the barrier's cleanup claim.
type CleanupWorker struct {
	river.WorkerDefaults[CleanupJobArgs]
	deps Deps
	log  zerolog.Logger
}

// Work performs the merge and the cleanup.
func (w *CleanupWorker) Work(ctx context.Context, job *river.Job[CleanupJobArgs]) error {
	args := job.Args
	log := w.log.With().Str("event_id", args.EventID).Str("batch_id", args.BatchID).Logger()

	groups, err := os.ReadDir(args.LocalRoot)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to list batch output %s: %w", args.LocalRoot, err)
	}

	var merged bytes.Buffer
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		tiles, _ := filepath.Glob(filepath.Join(args.LocalRoot, g.Name(), "tiles_*.dat"))
		for _, f := range tiles {
			data, err := os.ReadFile(f)
			if err != nil {
				log.Warn().Err(err).Str("file", f).Msg("skipping unreadable tiles file")
				continue
			}
			fmt.Fprintf(&merged, "# group: %s\n", g.Name())
			merged.Write(data)
		}
	}

	if merged.Len() > 0 {
		if err := w.deps.Storage.PutBytes(ctx,
			path.Join(args.RemoteFolder, "tiles_all.dat"), merged.Bytes()); err != nil {
			return err
		}
	}

	// Per-group remote work dirs are superseded by the consolidated artifact.
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		if err := w.deps.Storage.Delete(ctx, path.Join(args.RemoteFolder, g.Name())); err != nil {
			log.Warn().Err(err).Str("group", g.Name()).Msg("failed to delete remote work dir")
		}
	}

	if err := os.RemoveAll(args.LocalRoot); err != nil {
		log.Warn().Err(err).Msg("failed to remove local batch output")
	}
	if err := os.Remove(args.NoticePath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to remove transient notice file")
	}

	if _, err := w.deps.Flags.SetProcessRunning(ctx, args.RowID, true, false); err != nil {
		log.Warn().Err(err).Msg("failed to release in-progress flag")
	}

	failed, err := w.deps.Barrier.FailedCount(ctx, args.BatchID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read batch failure count")
	}
	summary := fmt.Sprintf("Observation-plan batch for *%s* finished.", args.EventID)
	if failed > 0 {
		summary = fmt.Sprintf("Observation-plan batch for *%s* finished, %d group(s) failed.",
			args.EventID, failed)
	}
	if _, err := w.deps.Poster.Post(ctx, args.Channel, chat.Message{
		Fallback: summary,
		Blocks:   chat.SectionBlocks(summary),
	}, args.ThreadTS); err != nil {
		log.Warn().Err(err).Msg("failed to post batch summary")
	}

	log.Info().Int("failed", failed).Msg("batch cleanup finished")
	return nil
}
