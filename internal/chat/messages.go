package chat

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/gcnstream/internal/alert"
)

// ActionRunObsPlan is the action id of the manual-trigger button on GW data
// messages; the webhook listener matches on it.
const ActionRunObsPlan = "run_obs_plan"

func header(text string) slack.Block {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func section(markdown string) slack.Block {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, markdown, false, false), nil, nil)
}

// SectionBlocks wraps one markdown string into a single-section block list.
func SectionBlocks(markdown string) []slack.Block {
	return []slack.Block{section(markdown)}
}

// GWPending is the short notification posted when a trigger id has no thread
// yet; its ts becomes the thread root.
func GWPending(a *alert.GWAlert) Message {
	text := fmt.Sprintf("New *%s* notice received, validation in progress.\nGraceDB: <%s|%s>",
		a.EventType(), a.GraceDBURL(), a.EventID())
	return Message{
		Fallback: fmt.Sprintf("GW alert: %s", a.EventID()),
		Blocks: []slack.Block{
			header(fmt.Sprintf("🚨 New GW alert: %s", a.EventID())),
			slack.NewDividerBlock(),
			section(text),
		},
	}
}

// GWData is the full data message posted inside the thread. The manual
// trigger button is attached only when the alert is not ready for automatic
// processing.
func GWData(a *alert.GWAlert, stats alert.SkymapStats, score int, ready bool, folderURL string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "• *Alert type:* %s\n", a.EventType())
	fmt.Fprintf(&b, "• *Class:* %s (P=%.2f)\n", a.EventClass(), a.ClassProba(a.EventClass()))
	fmt.Fprintf(&b, "• *FAR:* %.3g Hz\n", a.FAR())
	fmt.Fprintf(&b, "• *HasNS:* %.2f, *HasRemnant:* %.2f\n", a.HasNS(), a.HasRemnant())
	if inst := a.Instruments(); len(inst) > 0 {
		fmt.Fprintf(&b, "• *Instruments:* %s\n", strings.Join(inst, ", "))
	}
	fmt.Fprintf(&b, "• *90%% area:* %.1f deg², *mean distance:* %.1f Mpc\n",
		stats.Area90, stats.MeanDistance)
	fmt.Fprintf(&b, "• *Score:* %d/3\n", score)
	if t := a.EventTime(); !t.IsZero() {
		fmt.Fprintf(&b, "• *Event time:* %s\n", t.Format("2006-01-02 15:04:05 UTC"))
	}
	fmt.Fprintf(&b, "• <%s|GraceDB> | <%s|ownCloud folder>", a.GraceDBURL(), folderURL)

	blocks := []slack.Block{
		header(fmt.Sprintf("GW event %s", a.EventID())),
		slack.NewDividerBlock(),
		section(b.String()),
	}
	if !ready {
		button := slack.NewButtonBlockElement(ActionRunObsPlan, a.EventID(),
			slack.NewTextBlockObject(slack.PlainTextType, "Generate observation plans", false, false))
		button.Style = slack.StylePrimary
		blocks = append(blocks, slack.NewActionBlock("gw_actions", button))
	}

	return Message{
		Fallback: fmt.Sprintf("GW event %s (score %d)", a.EventID(), score),
		Blocks:   blocks,
	}
}

// SwiftCombined is the initial Swift message, folding the first BAT and XRT
// receptions of a trigger id into one post.
func SwiftCombined(bat, xrt *alert.GRBAlert) Message {
	first := bat
	if first == nil {
		first = xrt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "• *Trigger Time:* %s\n", first.TriggerTimeFormatted())
	if bat != nil {
		fmt.Fprintf(&b, "• *BAT Position:* RA %.4f, DEC %.4f (UNC: %.2f arcmin)\n",
			bat.RA(), bat.Dec(), bat.ErrorArcmin())
	}
	if xrt != nil {
		fmt.Fprintf(&b, "• *XRT Position:* RA %.4f, DEC %.4f (UNC: %.2f arcmin)\n",
			xrt.RA(), xrt.Dec(), xrt.ErrorArcmin())
	}
	fmt.Fprintf(&b, "• *Rate signif:* %s, *image signif:* %s\n", first.RateSignif(), first.ImageSignif())
	fmt.Fprintf(&b, ":grb: <%s|SkyPortal Link>", first.SkyPortalLink())

	return Message{
		Fallback: fmt.Sprintf("Swift GRB: %s", first.TriggerID()),
		Blocks: []slack.Block{
			header(fmt.Sprintf("🔔 New Swift GRB: %s", first.TriggerID())),
			slack.NewDividerBlock(),
			section(b.String()),
		},
	}
}

func swiftInstrumentLabel(packetType int) string {
	switch packetType {
	case alert.PacketSwiftBATPos:
		return "BAT"
	case alert.PacketSwiftXRTPos:
		return "XRT"
	case alert.PacketSwiftUVOTPos:
		return "UVOT"
	default:
		return fmt.Sprintf("packet %d", packetType)
	}
}

// SwiftUpdate is a thread update for a refined Swift position.
func SwiftUpdate(a *alert.GRBAlert) Message {
	label := swiftInstrumentLabel(a.PacketType())
	text := fmt.Sprintf("• *%s Position update:* RA %.4f, DEC %.4f (UNC: %.2f arcmin)\n:grb: <%s|SkyPortal Link>",
		label, a.RA(), a.Dec(), a.ErrorArcmin(), a.SkyPortalLink())
	return Message{
		Fallback: fmt.Sprintf("Swift GRB %s: %s update", a.TriggerID(), label),
		Blocks:   []slack.Block{section(text)},
	}
}

func svomTypeLabel(a *alert.GRBAlert) string {
	switch a.PacketType() {
	case alert.PacketSvomWakeup:
		return "Eclairs wakeup"
	case alert.PacketSvomSlewAcc, alert.PacketSvomSlewRej:
		status := a.SlewStatus()
		if status == "" {
			status = "unknown"
		}
		return fmt.Sprintf("Slewing: %s", status)
	case alert.PacketSvomMXTPos:
		return "MXT refined position"
	default:
		return fmt.Sprintf("%d", a.PacketType())
	}
}

// Svom renders one SVOM notice, used both for the initial wake-up message and
// for thread updates.
func Svom(a *alert.GRBAlert) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "• *Packet type:* %s\n", svomTypeLabel(a))
	fmt.Fprintf(&b, "• *Trigger Time:* %s\n", a.TriggerTimeFormatted())
	fmt.Fprintf(&b, "• *Position:* RA %.4f, DEC %.4f\n", a.RA(), a.Dec())
	fmt.Fprintf(&b, "• *Uncertainty:* %.2f arcmin\n", a.ErrorArcmin())
	fmt.Fprintf(&b, ":grb: <%s|SkyPortal Link>", a.SkyPortalLink())

	return Message{
		Fallback: fmt.Sprintf("SVOM GRB: %s", a.TriggerID()),
		Blocks: []slack.Block{
			header(fmt.Sprintf("🔔 New SVOM GRB: %s", a.TriggerID())),
			slack.NewDividerBlock(),
			section(b.String()),
		},
	}
}

// SwiftAnalysis is the delayed follow-up update carrying values scraped from
// the BAT analysis page.
func SwiftAnalysis(triggerID string, t90, fluence, hardnessRatio string) Message {
	text := fmt.Sprintf("*BAT analysis for %s*\n• *T90:* %s\n• *Fluence:* %s\n• *Hardness ratio:* %s",
		triggerID, t90, fluence, hardnessRatio)
	return Message{
		Fallback: fmt.Sprintf("Swift GRB %s: BAT analysis", triggerID),
		Blocks:   []slack.Block{section(text)},
	}
}

// PlanAnnounce opens a plan-generation task in the alert thread.
func PlanAnnounce(eventID string, telescopes []string, strategy string) Message {
	text := fmt.Sprintf("Generating observation plans for *%s*\n• *Telescopes:* %s\n• *Strategy:* %s",
		eventID, strings.Join(telescopes, ", "), strategy)
	return Message{
		Fallback: fmt.Sprintf("Observation plans for %s", eventID),
		Blocks:   []slack.Block{section(text)},
	}
}

// PlanResult reports one finished plan-generation task in the alert thread.
func PlanResult(eventID string, telescopes []string, strategy, folderURL string, err error) Message {
	var text string
	if err != nil {
		text = fmt.Sprintf("❌ Plan generation failed for *%s* (%s, %s): %v",
			eventID, strings.Join(telescopes, ", "), strategy, err)
	} else {
		text = fmt.Sprintf("✅ Observation plans ready for *%s* (%s, %s)\n<%s|ownCloud folder>",
			eventID, strings.Join(telescopes, ", "), strategy, folderURL)
	}
	return Message{
		Fallback: fmt.Sprintf("Observation plans for %s", eventID),
		Blocks:   []slack.Block{section(text)},
	}
}

// RunningWarning is the DM text sent to a user whose manual trigger raced an
// orchestration already in flight.
func RunningWarning(eventID string) string {
	return fmt.Sprintf(
		"Observation-plan generation for %s is already running. Your request was ignored to avoid a duplicate run.",
		eventID)
}
