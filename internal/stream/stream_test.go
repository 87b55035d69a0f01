package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcnstream/internal/alert"
	"github.com/gcnstream/internal/chat"
	"github.com/gcnstream/internal/ledger"
	"github.com/gcnstream/internal/orchestrator"
	"github.com/gcnstream/internal/worker"
)

// ---- fakes ----

type fakePoster struct {
	posts []postCall
	n     int
}

type postCall struct {
	channel  string
	msg      chat.Message
	threadTS string
}

func (f *fakePoster) Post(_ context.Context, channel string, msg chat.Message, threadTS string) (string, error) {
	f.n++
	f.posts = append(f.posts, postCall{channel, msg, threadTS})
	return fmt.Sprintf("ts-%d", f.n), nil
}

func (f *fakePoster) DirectWarning(context.Context, string, string) error { return nil }

type memGWLedger struct {
	rows   []*ledger.GWRow
	nextID int64
}

func (m *memGWLedger) Append(_ context.Context, triggerID string, payload []byte) (*ledger.GWRow, error) {
	m.nextID++
	row := &ledger.GWRow{ID: m.nextID, TriggerID: triggerID, ReceptionCount: 1, Payload: payload}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TriggerID == triggerID {
			row.ReceptionCount = m.rows[i].ReceptionCount + 1
			row.ThreadTS = m.rows[i].ThreadTS
			break
		}
	}
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memGWLedger) Latest(_ context.Context, triggerID string) (*ledger.GWRow, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TriggerID == triggerID {
			return m.rows[i], nil
		}
	}
	return nil, nil
}

func (m *memGWLedger) SetThreadTS(_ context.Context, id int64, ts string) (bool, error) {
	for _, r := range m.rows {
		if r.ID == id {
			if r.ThreadTS != "" {
				return false, nil
			}
			r.ThreadTS = ts
			return true, nil
		}
	}
	return false, nil
}

func (m *memGWLedger) SetMessageTS(_ context.Context, id int64, ts string) error {
	for _, r := range m.rows {
		if r.MessageTS == ts {
			return fmt.Errorf("message ts %s already owned by another row", ts)
		}
	}
	for _, r := range m.rows {
		if r.ID == id {
			r.MessageTS = ts
			return nil
		}
	}
	return fmt.Errorf("row %d not found", id)
}

func (m *memGWLedger) SetFolderURL(_ context.Context, id int64, url string) error {
	for _, r := range m.rows {
		if r.ID == id {
			r.FolderURL = url
			return nil
		}
	}
	return fmt.Errorf("row %d not found", id)
}

type fakeFolders struct {
	created []string
}

func (f *fakeFolders) MkdirAll(_ context.Context, p string) error {
	f.created = append(f.created, p)
	return nil
}

func (f *fakeFolders) WebLink(p string) string { return "https://cloud/" + p }

type fakeLauncher struct {
	launches []orchestrator.LaunchParams
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, p orchestrator.LaunchParams) error {
	if f.err != nil {
		return f.err
	}
	f.launches = append(f.launches, p)
	return nil
}

type fakeAnalyzer struct {
	stats alert.SkymapStats
}

func (f *fakeAnalyzer) Analyze(context.Context, []byte) (alert.SkymapStats, error) {
	return f.stats, nil
}

var testThresholds = alert.Thresholds{
	BBHProba:       0.5,
	DistanceCut:    300,
	BBHSizeCut:     100,
	BNSNSBHSizeCut: 500,
}

func newGWProcessor(t *testing.T) (*GWProcessor, *memGWLedger, *fakePoster, *fakeLauncher) {
	t.Helper()
	l := &memGWLedger{}
	poster := &fakePoster{}
	launcher := &fakeLauncher{}
	p := NewGWProcessor(l, poster, &fakeFolders{}, launcher, &fakeAnalyzer{},
		testThresholds, "#gw", t.TempDir())
	return p, l, poster, launcher
}

func gwNotice(id, alertType string, classification string) []byte {
	return []byte(fmt.Sprintf(`{
		"superevent_id": %q,
		"alert_type": %q,
		"urls": {"gracedb": "https://gracedb.ligo.org/superevents/%s"},
		"event": {"significant": true, "far": 1e-10, "classification": %s}
	}`, id, alertType, id, classification))
}

// ---- GW flow ----

func TestGW_TerrestrialScoresZeroButStillPosts(t *testing.T) {
	p, l, poster, launcher := newGWProcessor(t)

	notice := gwNotice("S241102br", "PRELIMINARY", `{"Terrestrial": 0.9, "BBH": 0.1}`)
	require.NoError(t, p.Process(context.Background(), notice))

	assert.Empty(t, launcher.launches, "terrestrial events never launch orchestration")
	require.Len(t, poster.posts, 2, "pending message plus data message")
	assert.Equal(t, "", poster.posts[0].threadTS, "pending message opens the thread")
	assert.Equal(t, "ts-1", poster.posts[1].threadTS, "data message goes into the thread")

	require.Len(t, l.rows, 1)
	assert.Equal(t, "ts-1", l.rows[0].ThreadTS)
	assert.Equal(t, "ts-2", l.rows[0].MessageTS)
}

func TestGW_ReadyBBHLaunchesOrchestration(t *testing.T) {
	p, l, poster, launcher := newGWProcessor(t)

	notice := gwNotice("S241102br", "PRELIMINARY", `{"BBH": 0.95, "Terrestrial": 0.05}`)
	require.NoError(t, p.Process(context.Background(), notice))

	require.Len(t, launcher.launches, 1)
	lp := launcher.launches[0]
	assert.Equal(t, "S241102br", lp.EventID)
	assert.Equal(t, l.rows[0].ID, lp.RowID)
	assert.Equal(t, "ts-1", lp.ThreadTS)
	assert.Contains(t, lp.RemoteFolder, "Candidates/GW/S241102br/GWEMOPT/PRELIMINARY_")
	assert.NotEmpty(t, lp.NoticePath)

	// Ready events do not offer the manual trigger.
	for _, post := range poster.posts {
		for _, b := range post.msg.Blocks {
			assert.NotEqual(t, "actions", string(b.BlockType()))
		}
	}
}

func TestGW_SecondReceptionReusesThread(t *testing.T) {
	p, l, poster, _ := newGWProcessor(t)

	notice := gwNotice("S241102br", "PRELIMINARY", `{"Terrestrial": 0.9}`)
	require.NoError(t, p.Process(context.Background(), notice))
	update := gwNotice("S241102br", "UPDATE", `{"Terrestrial": 0.9}`)
	require.NoError(t, p.Process(context.Background(), update))

	require.Len(t, l.rows, 2)
	assert.Equal(t, 1, l.rows[0].ReceptionCount)
	assert.Equal(t, 2, l.rows[1].ReceptionCount)
	assert.Equal(t, l.rows[0].ThreadTS, l.rows[1].ThreadTS, "thread is immutable per trigger id")
	assert.NotEqual(t, l.rows[0].MessageTS, l.rows[1].MessageTS, "each reception has its own message")

	// One pending message total; the second reception posts straight into the
	// thread.
	require.Len(t, poster.posts, 3)
	assert.Equal(t, "", poster.posts[0].threadTS)
	assert.Equal(t, "ts-1", poster.posts[2].threadTS)
}

func TestGW_TestEventIsSilentNoOp(t *testing.T) {
	p, l, poster, _ := newGWProcessor(t)

	notice := gwNotice("MS241102a", "PRELIMINARY", `{"BBH": 0.95}`)
	require.NoError(t, p.Process(context.Background(), notice))

	assert.Empty(t, l.rows, "mock events never reach the ledger")
	assert.Empty(t, poster.posts)
}

// ---- GRB fakes ----

type memGRBLedger struct {
	rows   []*ledger.GRBRow
	nextID int64
}

func (m *memGRBLedger) Append(_ context.Context, rec ledger.GRBReception) (*ledger.GRBRow, error) {
	m.nextID++
	row := &ledger.GRBRow{
		ID: m.nextID, TriggerID: rec.TriggerID, Mission: rec.Mission,
		PacketType: rec.PacketType, RA: rec.RA, Dec: rec.Dec, ErrorDeg: rec.ErrorDeg,
		TriggerTime: rec.TriggerTime, ReceptionCount: 1, Payload: rec.Payload,
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TriggerID == rec.TriggerID {
			row.ReceptionCount = m.rows[i].ReceptionCount + 1
			row.ThreadTS = m.rows[i].ThreadTS
			break
		}
	}
	m.rows = append(m.rows, row)
	return row, nil
}

func (m *memGRBLedger) Latest(_ context.Context, triggerID string) (*ledger.GRBRow, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TriggerID == triggerID {
			return m.rows[i], nil
		}
	}
	return nil, nil
}

func (m *memGRBLedger) All(_ context.Context, triggerID string) ([]*ledger.GRBRow, error) {
	var out []*ledger.GRBRow
	for _, r := range m.rows {
		if r.TriggerID == triggerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memGRBLedger) FirstByPacketType(_ context.Context, triggerID string, packetType int) (*ledger.GRBRow, error) {
	for _, r := range m.rows {
		if r.TriggerID == triggerID && r.PacketType == packetType {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memGRBLedger) SetThreadTS(_ context.Context, id int64, ts string) (bool, error) {
	for _, r := range m.rows {
		if r.ID == id {
			if r.ThreadTS != "" {
				return false, nil
			}
			r.ThreadTS = ts
			return true, nil
		}
	}
	return false, nil
}

type fakeScheduler struct {
	jobs   []worker.SwiftAnalysisJobArgs
	delays []time.Duration
}

func (f *fakeScheduler) EnqueueSwiftAnalysis(_ context.Context, args worker.SwiftAnalysisJobArgs, delay time.Duration) error {
	f.jobs = append(f.jobs, args)
	f.delays = append(f.delays, delay)
	return nil
}

func newGRBProcessor(t *testing.T) (*GRBProcessor, *memGRBLedger, *fakePoster, *fakeScheduler) {
	t.Helper()
	l := &memGRBLedger{}
	poster := &fakePoster{}
	sched := &fakeScheduler{}
	p := NewGRBProcessor(l, poster, sched, "#grb", 180*time.Second)
	return p, l, poster, sched
}

func swiftNotice(trigID string, packet int) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<VOEvent ivorn="ivo://nasa.gsfc.gcn/SWIFT#pkt_%s_%d">
  <What>
    <Param name="Packet_Type" value="%d"/>
    <Param name="TrigID" value="%s"/>
  </What>
  <WhereWhen><ObsDataLocation><ObservationLocation><AstroCoords>
    <Time><TimeInstant><ISOTime>2025-03-14T09:26:53</ISOTime></TimeInstant></Time>
    <Position2D><Value2><C1>188.4</C1><C2>-32.1</C2></Value2><Error2Radius>0.05</Error2Radius></Position2D>
  </AstroCoords></ObservationLocation></ObsDataLocation></WhereWhen>
</VOEvent>`, trigID, packet, packet, trigID))
}

func svomNotice(burstID string, packet int, slewStatus string) []byte {
	slew := ""
	if slewStatus != "" {
		slew = fmt.Sprintf(`<Group name="Satellite_Info"><Param name="Slew_Status" value=%q/></Group>`, slewStatus)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<VOEvent ivorn="ivo://org.svom/fsc#%s_%d">
  <What>
    <Param name="Packet_Type" value="%d"/>
    <Group name="Svom_Identifiers"><Param name="Burst_Id" value=%q/></Group>
    %s
  </What>
</VOEvent>`, burstID, packet, packet, burstID, slew))
}

// ---- GRB flow ----

func TestGRB_SwiftBATAloneIsSuppressed(t *testing.T) {
	p, l, poster, _ := newGRBProcessor(t)

	require.NoError(t, p.Process(context.Background(), swiftNotice("1293321", alert.PacketSwiftBATPos)))

	require.Len(t, l.rows, 1, "the row is stored even while suppressed")
	assert.Empty(t, poster.posts, "BAT alone must not post")
}

func TestGRB_SwiftXRTCompletesThePair(t *testing.T) {
	p, l, poster, sched := newGRBProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftBATPos)))
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftXRTPos)))

	require.Len(t, poster.posts, 1, "one combined message, nothing backfilled")
	assert.Equal(t, "", poster.posts[0].threadTS)
	assert.Contains(t, poster.posts[0].msg.Fallback, "1293321")

	// Thread set on the triggering row; later rows copy it forward.
	assert.Equal(t, "ts-1", l.rows[1].ThreadTS)

	require.Len(t, sched.jobs, 1, "the delayed analysis follow-up is scheduled once")
	assert.Equal(t, "1293321", sched.jobs[0].TriggerID)
	assert.Equal(t, "ts-1", sched.jobs[0].ThreadTS)
	assert.Equal(t, 180*time.Second, sched.delays[0])
}

func TestGRB_SwiftUpdateAfterThreadExists(t *testing.T) {
	p, _, poster, sched := newGRBProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftBATPos)))
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftXRTPos)))
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftUVOTPos)))

	require.Len(t, poster.posts, 2)
	assert.Equal(t, "ts-1", poster.posts[1].threadTS, "UVOT after the thread is an update")
	assert.Len(t, sched.jobs, 1, "updates do not reschedule the follow-up")
}

func TestGRB_SwiftBackfillExcludesFoldedRows(t *testing.T) {
	p, l, poster, _ := newGRBProcessor(t)
	ctx := context.Background()

	// UVOT before the thread exists: stored, suppressed.
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftBATPos)))
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftUVOTPos)))
	require.NoError(t, p.Process(ctx, swiftNotice("1293321", alert.PacketSwiftXRTPos)))

	// Combined message, then exactly the UVOT row backfilled: BAT and XRT are
	// already folded into the initial message.
	require.Len(t, poster.posts, 2)
	assert.Equal(t, "", poster.posts[0].threadTS)
	assert.Equal(t, "ts-1", poster.posts[1].threadTS)
	assert.Contains(t, poster.posts[1].msg.Fallback, "UVOT")

	require.Len(t, l.rows, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{
		l.rows[0].ReceptionCount, l.rows[1].ReceptionCount, l.rows[2].ReceptionCount,
	})
}

func TestGRB_SvomSlewSuppressedUntilWakeup(t *testing.T) {
	p, _, poster, _ := newGRBProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, svomNotice("sb25031401", alert.PacketSvomSlewRej, "rejected")))
	assert.Empty(t, poster.posts, "slew packets before the thread are suppressed")

	require.NoError(t, p.Process(ctx, svomNotice("sb25031401", alert.PacketSvomWakeup, "")))
	require.Len(t, poster.posts, 2, "wake-up message plus replayed slew packet")
	assert.Equal(t, "", poster.posts[0].threadTS)
	assert.Equal(t, "ts-1", poster.posts[1].threadTS, "the earlier slew row replays into the thread")
}

func TestGRB_SvomUpdatesAfterThread(t *testing.T) {
	p, _, poster, _ := newGRBProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, svomNotice("sb25031401", alert.PacketSvomWakeup, "")))
	require.NoError(t, p.Process(ctx, svomNotice("sb25031401", alert.PacketSvomMXTPos, "")))

	require.Len(t, poster.posts, 2)
	assert.Equal(t, "ts-1", poster.posts[1].threadTS)
}

func TestGRB_DisallowedPacketIsSilent(t *testing.T) {
	p, l, poster, _ := newGRBProcessor(t)

	require.NoError(t, p.Process(context.Background(), swiftNotice("1293321", 45)))
	assert.Empty(t, l.rows, "filtered packets never reach the ledger")
	assert.Empty(t, poster.posts)
}
