// Package worker runs the background side of the pipeline on River: the
// fan-out observation-plan jobs, the single fan-in cleanup job per batch, and
// the delayed Swift analysis follow-up.
package worker

// PlanJobArgs is one fan-out observation-plan job. All jobs of a batch share
// BatchID; GroupSlug names this job's telescope group inside the batch.
type PlanJobArgs struct {
	BatchID      string   `json:"batch_id"`
	EventID      string   `json:"event_id"`
	RowID        int64    `json:"row_id"`
	NoticePath   string   `json:"notice_path"`
	RemoteFolder string   `json:"remote_folder"`
	GroupSlug    string   `json:"group_slug"`
	Telescopes   []string `json:"telescopes"`
	Tiles        []int    `json:"tiles"`
	Strategy     string   `json:"strategy"`
	NsideFlat    int      `json:"nside_flat"`
	OutputDir    string   `json:"output_dir"`
	ThreadTS     string   `json:"thread_ts"`
	Channel      string   `json:"channel"`
}

func (PlanJobArgs) Kind() string { return "plan_generate" }

// CleanupJobArgs is the fan-in job, enqueued exactly once per batch by the
// plan worker that completes the barrier.
type CleanupJobArgs struct {
	BatchID      string `json:"batch_id"`
	EventID      string `json:"event_id"`
	RowID        int64  `json:"row_id"`
	NoticePath   string `json:"notice_path"`
	LocalRoot    string `json:"local_root"`
	RemoteFolder string `json:"remote_folder"`
	ThreadTS     string `json:"thread_ts"`
	Channel      string `json:"channel"`
}

func (CleanupJobArgs) Kind() string { return "plan_cleanup" }

// SwiftAnalysisJobArgs is the delayed follow-up that scrapes the BAT analysis
// page of a Swift trigger and posts the numbers into the alert thread.
type SwiftAnalysisJobArgs struct {
	TriggerID string `json:"trigger_id"`
	ThreadTS  string `json:"thread_ts"`
	Channel   string `json:"channel"`
}

func (SwiftAnalysisJobArgs) Kind() string { return "swift_analysis" }
