package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/chat"
)

// SwiftAnalysisWorker posts the scraped BAT analysis numbers into the alert
// thread. The job is scheduled with a fixed delay after the trigger so the
// page has time to appear; a page that is still missing is retried a bounded
// number of times, anything else fails the job without crashing the worker.
type SwiftAnalysisWorker struct {
	river.WorkerDefaults[SwiftAnalysisJobArgs]
	deps Deps
	log  zerolog.Logger
}

func fmtMaybe(v *float64, unit string) string {
	if v == nil {
		return "NA"
	}
	return fmt.Sprintf("%.2f %s", *v, unit)
}

func fmtMaybeExp(v *float64, unit string) string {
	if v == nil {
		return "NA"
	}
	return fmt.Sprintf("%.2e %s", *v, unit)
}

// Work fetches the analysis page and posts its values.
func (w *SwiftAnalysisWorker) Work(ctx context.Context, job *river.Job[SwiftAnalysisJobArgs]) error {
	args := job.Args
	log := w.log.With().Str("trigger_id", args.TriggerID).Logger()

	page, err := w.deps.Swift.Fetch(ctx, args.TriggerID)
	if errors.Is(err, ErrNotPublished) {
		log.Info().Int("attempt", job.Attempt).Msg("analysis page not published, will retry")
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("analysis fetch failed")
		return river.JobCancel(err)
	}

	if !page.HasData() {
		log.Warn().Msg("analysis page carries no usable values, giving up")
		return nil
	}

	t90 := fmtMaybe(page.T90, "s")
	if page.T90 != nil && page.T90Error != nil {
		t90 = fmt.Sprintf("%.2f +/- %.2f s", *page.T90, *page.T90Error)
	}
	msg := chat.SwiftAnalysis(args.TriggerID, t90,
		fmtMaybeExp(page.Fluence, "erg/cm2"),
		fmtMaybe(page.HardnessRatio, ""))

	if _, err := w.deps.Poster.Post(ctx, args.Channel, msg, args.ThreadTS); err != nil {
		return err
	}
	log.Info().Msg("posted swift analysis")
	return nil
}
