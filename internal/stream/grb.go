package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/alert"
	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/logging"
	"github.com/gcnstream/internal/worker"
)

// GRBLedger is the slice of the ledger the GRB flow needs.
type GRBLedger interface {
	Append(ctx context.Context, rec ledger.GRBReception) (*ledger.GRBRow, error)
	Latest(ctx context.Context, triggerID string) (*ledger.GRBRow, error)
	All(ctx context.Context, triggerID string) ([]*ledger.GRBRow, error)
	FirstByPacketType(ctx context.Context, triggerID string, packetType int) (*ledger.GRBRow, error)
	SetThreadTS(ctx context.Context, id int64, ts string) (bool, error)
}

// AnalysisScheduler enqueues the delayed Swift follow-up.
type AnalysisScheduler interface {
	EnqueueSwiftAnalysis(ctx context.Context, args worker.SwiftAnalysisJobArgs, delay time.Duration) error
}

// GRBProcessor drives one GRB notice through the allow-list, the ledger, the
// per-mission combination rules and backfill.
type GRBProcessor struct {
	ledger        GRBLedger
	chat          chat.Poster
	scheduler     AnalysisScheduler
	channel       string
	analysisDelay time.Duration
	log           zerolog.Logger
}

// NewGRBProcessor wires the GRB reception flow.
func NewGRBProcessor(l GRBLedger, poster chat.Poster, scheduler AnalysisScheduler,
	channel string, analysisDelay time.Duration) *GRBProcessor {
	return &GRBProcessor{
		ledger:        l,
		chat:          poster,
		scheduler:     scheduler,
		channel:       channel,
		analysisDelay: analysisDelay,
		log:           logging.Component("grb-stream"),
	}
}

// Process handles one raw GRB notice. Filtered-out packets are a silent
// no-op; a returned error keeps the offset uncommitted for redelivery.
func (p *GRBProcessor) Process(ctx context.Context, raw []byte) error {
	a, err := alert.NewGRBAlert(raw)
	if err != nil {
		p.log.Error().Err(err).Msg("dropping undecodable GRB notice")
		return nil
	}
	if !a.ShouldProcess() {
		return nil
	}

	row, err := p.ledger.Append(ctx, ledger.GRBReception{
		TriggerID:   a.TriggerID(),
		Mission:     string(a.Mission()),
		PacketType:  a.PacketType(),
		RA:          a.RA(),
		Dec:         a.Dec(),
		ErrorDeg:    a.ErrorDeg(),
		TriggerTime: a.TriggerTime(),
		Payload:     raw,
	})
	if err != nil {
		return err
	}

	switch a.Mission() {
	case alert.MissionSwift:
		return p.processSwift(ctx, a, row)
	case alert.MissionSvom:
		return p.processSvom(ctx, a, row)
	default:
		p.log.Warn().Str("trigger_id", a.TriggerID()).Msg("stored notice from unknown mission, no message emitted")
		return nil
	}
}

// processSwift applies the BAT+XRT combination rule: neither packet alone
// creates a thread; the first notice that completes the pair posts one
// combined message and backfills everything older.
func (p *GRBProcessor) processSwift(ctx context.Context, a *alert.GRBAlert, row *ledger.GRBRow) error {
	log := p.log.With().Str("trigger_id", a.TriggerID()).Int("packet", a.PacketType()).Logger()

	if row.ThreadTS != "" {
		_, err := p.chat.Post(ctx, p.channel, chat.SwiftUpdate(a), row.ThreadTS)
		return err
	}

	bat, err := p.ledger.FirstByPacketType(ctx, a.TriggerID(), alert.PacketSwiftBATPos)
	if err != nil {
		return err
	}
	xrt, err := p.ledger.FirstByPacketType(ctx, a.TriggerID(), alert.PacketSwiftXRTPos)
	if err != nil {
		return err
	}
	if bat == nil || xrt == nil {
		log.Debug().Msg("waiting for the matching Swift packet before posting")
		return nil
	}

	batAlert, err := alert.NewGRBAlert(bat.Payload)
	if err != nil {
		return fmt.Errorf("stored BAT notice of %s is undecodable: %w", a.TriggerID(), err)
	}
	xrtAlert, err := alert.NewGRBAlert(xrt.Payload)
	if err != nil {
		return fmt.Errorf("stored XRT notice of %s is undecodable: %w", a.TriggerID(), err)
	}

	threadTS, err := p.createThread(ctx, row, chat.SwiftCombined(batAlert, xrtAlert))
	if err != nil {
		return err
	}

	if err := p.backfill(ctx, a.TriggerID(), row.ID,
		map[int64]bool{bat.ID: true, xrt.ID: true}, threadTS); err != nil {
		return err
	}

	return p.scheduler.EnqueueSwiftAnalysis(ctx, worker.SwiftAnalysisJobArgs{
		TriggerID: a.TriggerID(),
		ThreadTS:  threadTS,
		Channel:   p.channel,
	}, p.analysisDelay)
}

// processSvom posts wake-up packets unconditionally; slew and fine-position
// packets are suppressed until a thread exists.
func (p *GRBProcessor) processSvom(ctx context.Context, a *alert.GRBAlert, row *ledger.GRBRow) error {
	if row.ThreadTS != "" {
		_, err := p.chat.Post(ctx, p.channel, chat.Svom(a), row.ThreadTS)
		return err
	}

	if a.PacketType() != alert.PacketSvomWakeup {
		p.log.Debug().Str("trigger_id", a.TriggerID()).Int("packet", a.PacketType()).
			Msg("suppressed until a wake-up creates the thread")
		return nil
	}

	threadTS, err := p.createThread(ctx, row, chat.Svom(a))
	if err != nil {
		return err
	}

	wakeup, err := p.ledger.FirstByPacketType(ctx, a.TriggerID(), alert.PacketSvomWakeup)
	if err != nil {
		return err
	}
	exclude := map[int64]bool{}
	if wakeup != nil {
		exclude[wakeup.ID] = true
	}
	return p.backfill(ctx, a.TriggerID(), row.ID, exclude, threadTS)
}

// createThread posts the initial message and claims the thread handle, first
// writer wins.
func (p *GRBProcessor) createThread(ctx context.Context, row *ledger.GRBRow, msg chat.Message) (string, error) {
	ts, err := p.chat.Post(ctx, p.channel, msg, "")
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

	latest, err := p.ledger.Latest(ctx, row.TriggerID)
	if err != nil {
		return "", err
	}
	if latest == nil || latest.ThreadTS == "" {
		return "", fmt.Errorf("lost thread claim for %s but no thread recorded", row.TriggerID)
	}
	return latest.ThreadTS, nil
}

// backfill replays every stored row older than the triggering one into the
// new thread, in arrival order, skipping the rows already folded into the
// initial message.
func (p *GRBProcessor) backfill(ctx context.Context, triggerID string, beforeID int64,
	exclude map[int64]bool, threadTS string) error {
	rows, err := p.ledger.All(ctx, triggerID)
	if err != nil {
		return err
	}

	for _, r := range rows {
		if r.ID >= beforeID || exclude[r.ID] {
			continue
		}
		a, err := alert.NewGRBAlert(r.Payload)
		if err != nil {
			p.log.Warn().Err(err).Int64("row_id", r.ID).Msg("skipping undecodable stored notice in backfill")
			continue
		}

		var msg chat.Message
		switch alert.Mission(r.Mission) {
		case alert.MissionSwift:
			msg = chat.SwiftUpdate(a)
		default:
			msg = chat.Svom(a)
		}
		if _, err := p.chat.Post(ctx, p.channel, msg, threadTS); err != nil {
			return err
		}
		p.log.Debug().Int64("row_id", r.ID).Str("trigger_id", triggerID).Msg("backfilled notice")
	}
	return nil
}
