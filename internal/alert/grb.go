package alert

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Mission identifies which space mission produced a GRB notice.
type Mission string

const (
	MissionSwift   Mission = "Swift"
	MissionSvom    Mission = "SVOM"
	MissionUnknown Mission = "Unknown"
)

// GRB packet types this pipeline cares about. Swift uses the 60-99 range,
// SVOM (ECLAIRs/MXT) the 200+ range.
const (
	PacketSwiftBATPos  = 61  // BAT_GRB_POS_ACK
	PacketSwiftXRTPos  = 67  // XRT_POSITION
	PacketSwiftUVOTPos = 81  // UVOT_POSITION
	PacketSvomWakeup   = 202 // ECLAIRs wake-up
	PacketSvomSlewAcc  = 204 // slewing accepted
	PacketSvomSlewRej  = 205 // slewing rejected
	PacketSvomMXTPos   = 209 // MXT refined position
)

type voParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
	Unit  string `xml:"unit,attr"`
}

type voGroup struct {
	Name   string    `xml:"name,attr"`
	Params []voParam `xml:"Param"`
}

type voEvent struct {
	XMLName xml.Name `xml:"VOEvent"`
	IVORN   string   `xml:"ivorn,attr"`
	Who     struct {
		AuthorIVORN string `xml:"AuthorIVORN"`
	} `xml:"Who"`
	What struct {
		Params []voParam `xml:"Param"`
		Groups []voGroup `xml:"Group"`
	} `xml:"What"`
	WhereWhen struct {
		ObsDataLocation struct {
			ObservationLocation struct {
				AstroCoords struct {
					Time struct {
						TimeInstant struct {
							ISOTime string `xml:"ISOTime"`
						} `xml:"TimeInstant"`
					} `xml:"Time"`
					Position2D struct {
						Value2 struct {
							C1 float64 `xml:"C1"`
							C2 float64 `xml:"C2"`
						} `xml:"Value2"`
						Error2Radius float64 `xml:"Error2Radius"`
					} `xml:"Position2D"`
				} `xml:"AstroCoords"`
			} `xml:"ObservationLocation"`
		} `xml:"ObsDataLocation"`
	} `xml:"WhereWhen"`
	How struct {
		Description []string `xml:"Description"`
	} `xml:"How"`
	Why struct {
		Inference struct {
			Name string `xml:"Name"`
		} `xml:"Inference"`
	} `xml:"Why"`
}

// GRBAlert is the view object over one VOEvent GRB notice.
type GRBAlert struct {
	raw []byte
	ev  voEvent
}

// NewGRBAlert parses a raw VOEvent XML notice.
func NewGRBAlert(raw []byte) (*GRBAlert, error) {
	var ev voEvent
	if err := xml.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode VOEvent notice: %w", err)
	}
	return &GRBAlert{raw: raw, ev: ev}, nil
}

// Raw returns the original notice bytes.
func (a *GRBAlert) Raw() []byte {
	return a.raw
}

func (a *GRBAlert) topParam(name string) (voParam, bool) {
	for _, p := range a.ev.What.Params {
		if p.Name == name {
			return p, true
		}
	}
	return voParam{}, false
}

func (a *GRBAlert) groupParam(group, name string) (voParam, bool) {
	for _, g := range a.ev.What.Groups {
		if g.Name != group {
			continue
		}
		for _, p := range g.Params {
			if p.Name == name {
				return p, true
			}
		}
	}
	return voParam{}, false
}

// TriggerID extracts the stable trigger identifier: TrigID for Swift,
// Svom_Identifiers/Burst_Id for SVOM, with the ivorn fragment as fallback.
func (a *GRBAlert) TriggerID() string {
	if p, ok := a.topParam("TrigID"); ok {
		return p.Value
	}
	if p, ok := a.groupParam("Svom_Identifiers", "Burst_Id"); ok {
		return p.Value
	}
	if i := strings.Index(a.ev.IVORN, "#"); i >= 0 {
		return a.ev.IVORN[i+1:]
	}
	log.Warn().Str("ivorn", a.ev.IVORN).Msg("GRB notice has no recognizable trigger id")
	return "UNKNOWN"
}

// PacketType returns the numeric packet type, or 0 when absent.
func (a *GRBAlert) PacketType() int {
	p, ok := a.topParam("Packet_Type")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil {
		log.Warn().Str("trigger_id", a.TriggerID()).Str("value", p.Value).
			Msg("unparseable packet type")
		return 0
	}
	return n
}

// Mission sniffs the mission from the ivorn, the instrument parameter and
// the author, in that order.
func (a *GRBAlert) Mission() Mission {
	ivorn := strings.ToLower(a.ev.IVORN)
	if strings.Contains(ivorn, "svom") {
		return MissionSvom
	}
	if strings.Contains(ivorn, "swift") || strings.Contains(ivorn, "bat") {
		return MissionSwift
	}

	if p, ok := a.topParam("Instrument"); ok {
		instrument := strings.ToLower(p.Value)
		if strings.Contains(instrument, "eclairs") {
			return MissionSvom
		}
		if strings.Contains(instrument, "bat") {
			return MissionSwift
		}
	}

	author := strings.ToLower(a.ev.Who.AuthorIVORN)
	if strings.Contains(author, "svom") {
		return MissionSvom
	}
	if strings.Contains(author, "swift") || strings.Contains(author, "nasa") {
		return MissionSwift
	}

	return MissionUnknown
}

// RA returns the right ascension in degrees, 0 when absent.
func (a *GRBAlert) RA() float64 {
	return a.ev.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Value2.C1
}

// Dec returns the declination in degrees, 0 when absent.
func (a *GRBAlert) Dec() float64 {
	return a.ev.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Value2.C2
}

// ErrorDeg returns the positional error radius in degrees.
func (a *GRBAlert) ErrorDeg() float64 {
	return a.ev.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Position2D.Error2Radius
}

// ErrorArcmin returns the positional error radius in arcminutes.
func (a *GRBAlert) ErrorArcmin() float64 {
	return a.ErrorDeg() * 60.0
}

// TriggerTime returns the event time in UTC, zero time when absent.
func (a *GRBAlert) TriggerTime() time.Time {
	iso := a.ev.WhereWhen.ObsDataLocation.ObservationLocation.AstroCoords.Time.TimeInstant.ISOTime
	if iso == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC()
		}
	}
	log.Warn().Str("trigger_id", a.TriggerID()).Str("isotime", iso).
		Msg("unparseable GRB trigger time")
	return time.Time{}
}

// TriggerTimeFormatted returns a human readable trigger time, empty when
// the notice carries none.
func (a *GRBAlert) TriggerTimeFormatted() string {
	t := a.TriggerTime()
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05 UTC")
}

// SlewStatus returns the SVOM slew status ("accepted", "rejected", ...) or
// empty when absent.
func (a *GRBAlert) SlewStatus() string {
	if p, ok := a.groupParam("Satellite_Info", "Slew_Status"); ok {
		return p.Value
	}
	return ""
}

func formatSignif(p voParam) string {
	v, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return "NA"
	}
	if p.Unit != "" {
		return fmt.Sprintf("%.1f %s", v, p.Unit)
	}
	return fmt.Sprintf("%.1f", v)
}

// RateSignif returns the rate trigger significance. For Swift this is the
// Rate_Signif parameter of the BAT packet; for SVOM the Detection_Info SNR
// when the trigger type is CRT.
func (a *GRBAlert) RateSignif() string {
	if p, ok := a.topParam("Rate_Signif"); ok {
		return formatSignif(p)
	}
	if tt, ok := a.groupParam("Detection_Info", "Trigger_Type"); ok && tt.Value == "CRT" {
		if p, ok := a.groupParam("Detection_Info", "SNR"); ok {
			return formatSignif(p)
		}
	}
	return "NA"
}

// ImageSignif returns the image trigger significance, the SVOM counterpart
// being the Detection_Info SNR when the trigger type is IMT.
func (a *GRBAlert) ImageSignif() string {
	if p, ok := a.topParam("Image_Signif"); ok {
		return formatSignif(p)
	}
	if tt, ok := a.groupParam("Detection_Info", "Trigger_Type"); ok && tt.Value == "IMT" {
		if p, ok := a.groupParam("Detection_Info", "SNR"); ok {
			return formatSignif(p)
		}
	}
	return "NA"
}

// TriggerDur returns the trigger duration: Detection_Info Timescale for
// SVOM, Integ_Time for Swift.
func (a *GRBAlert) TriggerDur() string {
	if p, ok := a.groupParam("Detection_Info", "Timescale"); ok {
		if p.Unit == "" {
			p.Unit = "s"
		}
		return formatSignif(p)
	}
	if p, ok := a.topParam("Integ_Time"); ok {
		if p.Unit == "" {
			p.Unit = "s"
		}
		return formatSignif(p)
	}
	return "NA"
}

// GRBName returns the burst name in YYMMDD form, from Why/Inference/Name
// for Swift or derived from the trigger date otherwise.
func (a *GRBAlert) GRBName() string {
	if name := a.ev.Why.Inference.Name; name != "" {
		return strings.TrimSpace(strings.TrimPrefix(name, "GRB "))
	}
	t := a.TriggerTime()
	if !t.IsZero() {
		return t.Format("060102")
	}
	return "UNKNOWN"
}

// SkyPortalLink returns the SkyPortal source page for this burst.
func (a *GRBAlert) SkyPortalLink() string {
	return fmt.Sprintf("https://skyportal-icare.ijclab.in2p3.fr/source/%s", a.TriggerID())
}

// ShouldProcess applies the per-mission packet allow-list. Everything else
// is discarded before any ledger row is written.
//
//	Swift: 61 (BAT position), 67 (XRT position), 81 (UVOT position)
//	SVOM:  202 (wake-up), 204/205 (slew accepted/rejected), 209 (MXT position)
func (a *GRBAlert) ShouldProcess() bool {
	packet := a.PacketType()
	switch a.Mission() {
	case MissionSwift:
		switch packet {
		case PacketSwiftBATPos, PacketSwiftXRTPos, PacketSwiftUVOTPos:
			return true
		}
		return false
	case MissionSvom:
		switch packet {
		case PacketSvomWakeup, PacketSvomSlewAcc, PacketSvomSlewRej, PacketSvomMXTPos:
			return true
		}
		return false
	default:
		// Unknown mission, accept by default so nothing real is dropped.
		log.Warn().Str("trigger_id", a.TriggerID()).Int("packet_type", packet).
			Msg("GRB notice from unknown mission, accepting")
		return true
	}
}
