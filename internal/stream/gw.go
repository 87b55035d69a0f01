// Package stream is the reception side of the pipeline: the Kafka ingestion
// loop and the two per-family state machines that turn raw notices into
// ledger rows, Slack threads and plan batches.
package stream

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/alert"
	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/logging"
	"github.com/gcnstream/internal/orchestrator"
)

// GWLedger is the slice of the ledger the GW flow needs.
type GWLedger interface {
	Append(ctx context.Context, triggerID string, payload []byte) (*ledger.GWRow, error)
	Latest(ctx context.Context, triggerID string) (*ledger.GWRow, error)
	SetThreadTS(ctx context.Context, id int64, ts string) (bool, error)
	SetMessageTS(ctx context.Context, id int64, ts string) error
	SetFolderURL(ctx context.Context, id int64, url string) error
}

// Folders provisions the remote folder tree.
type Folders interface {
	MkdirAll(ctx context.Context, remotePath string) error
	WebLink(remotePath string) string
}

// Launcher enters plan orchestration.
type Launcher interface {
	Launch(ctx context.Context, p orchestrator.LaunchParams) error
}

// SkymapAnalyzer computes the credible-region statistics of a skymap. The
// computation itself is external; a failure degrades to zero stats and a
// warning, never a dropped notice.
type SkymapAnalyzer interface {
	Analyze(ctx context.Context, skymap []byte) (alert.SkymapStats, error)
}

// gwSubfolders is the candidate folder tree provisioned per event.
var gwSubfolders = []string{"GWEMOPT", "IMAGES", "KNC_IMAGES", "LOGBOOK", "VOEVENTS"}

// GWProcessor drives one GW notice through scoring, the ledger, the Slack
// thread and, when ready, plan orchestration.
type GWProcessor struct {
	ledger     GWLedger
	chat       chat.Poster
	storage    Folders
	launcher   Launcher
	analyzer   SkymapAnalyzer
	thresholds alert.Thresholds
	channel    string
	noticeDir  string
	log        zerolog.Logger
}

// NewGWProcessor wires the GW reception flow.
func NewGWProcessor(l GWLedger, poster chat.Poster, storage Folders, launcher Launcher,
	analyzer SkymapAnalyzer, thresholds alert.Thresholds, channel, noticeDir string) *GWProcessor {
	return &GWProcessor{
		ledger:     l,
		chat:       poster,
		storage:    storage,
		launcher:   launcher,
		analyzer:   analyzer,
		thresholds: thresholds,
		channel:    channel,
		noticeDir:  noticeDir,
		log:        logging.Component("gw-stream"),
	}
}

// Process handles one raw GW notice. A returned error keeps the stream
// offset uncommitted so the notice is redelivered.
func (p *GWProcessor) Process(ctx context.Context, raw []byte) error {
	a, err := alert.NewGWAlert(raw)
	if err != nil {
		// Malformed payloads never become valid on redelivery.
		p.log.Error().Err(err).Msg("dropping undecodable GW notice")
		return nil
	}
	if !a.IsRealObservation() {
		p.log.Debug().Str("event_id", a.EventID()).Msg("skipping test or insignificant event")
		return nil
	}

	log := p.log.With().Str("event_id", a.EventID()).Str("type", string(a.EventType())).Logger()

	stats := alert.SkymapStats{}
	if sky, err := a.SkymapBytes(); err != nil {
		log.Warn().Err(err).Msg("notice carries no usable skymap")
	} else if s, err := p.analyzer.Analyze(ctx, sky); err != nil {
		log.Warn().Err(err).Msg("skymap analysis failed, scoring with zero stats")
	} else {
		stats = s
	}
	score, ready := a.Score(stats, p.thresholds)
	log.Info().Int("score", score).Bool("ready", ready).Msg("scored notice")

	row, err := p.ledger.Append(ctx, a.EventID(), raw)
	if err != nil {
		return err
	}

	threadTS, err := p.ensureThread(ctx, a, row)
	if err != nil {
		return err
	}

	noticePath, err := a.SaveNotice(p.noticeDir)
	if err != nil {
		return err
	}

	base, workFolder, err := p.provisionFolders(ctx, a)
	if err != nil {
		return err
	}
	if err := p.ledger.SetFolderURL(ctx, row.ID, p.storage.WebLink(workFolder)); err != nil {
		return err
	}

	ts, err := p.chat.Post(ctx, p.channel,
		chat.GWData(a, stats, score, ready, p.storage.WebLink(base)), threadTS)
	if err != nil {
		return err
	}
	if err := p.ledger.SetMessageTS(ctx, row.ID, ts); err != nil {
		return err
	}

	if !ready {
		return nil
	}
	err = p.launcher.Launch(ctx, orchestrator.LaunchParams{
		EventID:      a.EventID(),
		RowID:        row.ID,
		NoticePath:   noticePath,
		RemoteFolder: workFolder,
		ThreadTS:     threadTS,
	})
	if errors.Is(err, orchestrator.ErrAlreadyRunning) {
		log.Info().Msg("orchestration already in flight, not relaunching")
		return nil
	}
	return err
}

// LaunchFromRow enters plan orchestration for an already stored reception.
// This is the manual path behind the Slack button; it races the automatic one
// and the in-progress gate inside the launcher decides the winner.
func (p *GWProcessor) LaunchFromRow(ctx context.Context, row *ledger.GWRow) error {
	a, err := alert.NewGWAlert(row.Payload)
	if err != nil {
		return fmt.Errorf("stored notice of %s is undecodable: %w", row.TriggerID, err)
	}

	noticePath, err := a.SaveNotice(p.noticeDir)
	if err != nil {
		return err
	}
	_, workFolder, err := p.provisionFolders(ctx, a)
	if err != nil {
		return err
	}
	if err := p.ledger.SetFolderURL(ctx, row.ID, p.storage.WebLink(workFolder)); err != nil {
		return err
	}

	return p.launcher.Launch(ctx, orchestrator.LaunchParams{
		EventID:      a.EventID(),
		RowID:        row.ID,
		NoticePath:   noticePath,
		RemoteFolder: workFolder,
		ThreadTS:     row.ThreadTS,
	})
}

// ensureThread returns the thread handle for the row, creating the pending
// message when the trigger id has no thread yet. First writer wins: a lost
// claim re-reads the winner's handle.
func (p *GWProcessor) ensureThread(ctx context.Context, a *alert.GWAlert, row *ledger.GWRow) (string, error) {
	if row.ThreadTS != "" {
		return row.ThreadTS, nil
	}

	ts, err := p.chat.Post(ctx, p.channel, chat.GWPending(a), "")
	if err != nil {
		return "", err
	}
	claimed, err := p.ledger.SetThreadTS(ctx, row.ID, ts)
	if err != nil {
		return "", err
	}
	if claimed {
		return ts, nil
	}

	latest, err := p.ledger.Latest(ctx, a.EventID())
	if err != nil {
		return "", err
	}
	if latest == nil || latest.ThreadTS == "" {
		return "", fmt.Errorf("lost thread claim for %s but no thread recorded", a.EventID())
	}
	return latest.ThreadTS, nil
}

// provisionFolders builds the candidate tree and the per-alert work folder.
// Folder creation is idempotent at the storage layer, so redelivery is safe.
func (p *GWProcessor) provisionFolders(ctx context.Context, a *alert.GWAlert) (base, work string, err error) {
	base = path.Join("Candidates", "GW", a.EventID())
	if err := p.storage.MkdirAll(ctx, base); err != nil {
		return "", "", err
	}
	for _, sub := range gwSubfolders {
		if err := p.storage.MkdirAll(ctx, path.Join(base, sub)); err != nil {
			return "", "", err
		}
	}

	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	work = path.Join(base, "GWEMOPT", fmt.Sprintf("%s_%s", a.EventType(), hex))
	if err := p.storage.MkdirAll(ctx, work); err != nil {
		return "", "", err
	}
	return base, work, nil
}
