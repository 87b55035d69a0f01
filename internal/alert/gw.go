// Package alert holds the notice view objects for the two alert families:
// gravitational-wave notices (JSON, from the IGWN stream) and gamma-ray-burst
// notices (VOEvent XML, from the Swift and SVOM missions).
//
// Parsing is forgiving: a missing or malformed field yields a zero value and
// a warning log, never an error that would abort notice processing.
package alert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType is the alert revision type carried by a GW notice.
type EventType string

const (
	EventEarlyWarning EventType = "EARLYWARNING"
	EventPreliminary  EventType = "PRELIMINARY"
	EventInitial      EventType = "INITIAL"
	EventUpdate       EventType = "UPDATE"
	EventRetraction   EventType = "RETRACTION"
)

// CBCClass is a compact-binary-coalescence classification bucket.
type CBCClass string

const (
	ClassBBH         CBCClass = "BBH"
	ClassBNS         CBCClass = "BNS"
	ClassNSBH        CBCClass = "NSBH"
	ClassTerrestrial CBCClass = "Terrestrial"
)

// Thresholds are the externally supplied cuts used by the score decision
// table. Distances are in Mpc, region sizes in square degrees.
type Thresholds struct {
	BBHProba       float64 `koanf:"bbh_proba"`
	DistanceCut    float64 `koanf:"distance_cut"`
	BBHSizeCut     float64 `koanf:"bbh_size_cut"`
	BNSNSBHSizeCut float64 `koanf:"bns_nsbh_size_cut"`
}

// SkymapStats carries the 90% credible region size and the mean luminosity
// distance within it. Computing these from the skymap is delegated to the
// external analysis engine; the score table only compares them to thresholds.
type SkymapStats struct {
	Area90       float64 // square degrees
	MeanDistance float64 // Mpc
}

type gwEvent struct {
	Time           string             `json:"time"`
	FAR            float64            `json:"far"`
	Significant    bool               `json:"significant"`
	Instruments    []string           `json:"instruments"`
	Group          string             `json:"group"`
	Properties     map[string]float64 `json:"properties"`
	Classification map[string]float64 `json:"classification"`
	Skymap         string             `json:"skymap"`
}

type gwNotice struct {
	SupereventID string            `json:"superevent_id"`
	AlertType    string            `json:"alert_type"`
	URLs         map[string]string `json:"urls"`
	Event        *gwEvent          `json:"event"`
}

// GWAlert is the view object over one gravitational-wave notice.
type GWAlert struct {
	raw    []byte
	notice gwNotice
}

// NewGWAlert parses a raw JSON notice. It fails only when the payload is not
// valid JSON at all; individual missing fields degrade to zero values.
func NewGWAlert(raw []byte) (*GWAlert, error) {
	var n gwNotice
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to decode GW notice: %w", err)
	}
	return &GWAlert{raw: raw, notice: n}, nil
}

// Raw returns the original notice bytes.
func (a *GWAlert) Raw() []byte {
	return a.raw
}

// EventID returns the superevent identifier (e.g. "S241102br").
func (a *GWAlert) EventID() string {
	return a.notice.SupereventID
}

// EventType returns the alert revision type, or empty when absent.
func (a *GWAlert) EventType() EventType {
	return EventType(a.notice.AlertType)
}

// IsSignificant reports the significance flag of the notice.
func (a *GWAlert) IsSignificant() bool {
	return a.notice.Event != nil && a.notice.Event.Significant
}

// IsRealObservation tests whether the notice is a real detection: superevent
// ids start with "S" while test events use "M", and the notice must carry
// the significance flag.
func (a *GWAlert) IsRealObservation() bool {
	id := a.EventID()
	return len(id) > 0 && id[0] == 'S' && a.IsSignificant()
}

// FAR returns the false-alarm rate, 0 when absent.
func (a *GWAlert) FAR() float64 {
	if a.notice.Event == nil {
		return 0
	}
	return a.notice.Event.FAR
}

// HasNS returns the probability that the lighter object is a neutron star.
func (a *GWAlert) HasNS() float64 {
	return a.property("HasNS")
}

// HasRemnant returns the probability of a post-merger remnant.
func (a *GWAlert) HasRemnant() float64 {
	return a.property("HasRemnant")
}

func (a *GWAlert) property(name string) float64 {
	if a.notice.Event == nil || a.notice.Event.Properties == nil {
		return 0
	}
	return a.notice.Event.Properties[name]
}

// ClassProba returns the classification probability for the given class,
// 0 when the notice carries no classification block.
func (a *GWAlert) ClassProba(class CBCClass) float64 {
	if a.notice.Event == nil || a.notice.Event.Classification == nil {
		return 0
	}
	return a.notice.Event.Classification[string(class)]
}

// EventClass returns the classification bucket with the highest probability.
func (a *GWAlert) EventClass() CBCClass {
	if a.notice.Event == nil || len(a.notice.Event.Classification) == 0 {
		return ""
	}
	var best CBCClass
	bestP := -1.0
	for _, c := range []CBCClass{ClassBBH, ClassBNS, ClassNSBH, ClassTerrestrial} {
		if p, ok := a.notice.Event.Classification[string(c)]; ok && p > bestP {
			best, bestP = c, p
		}
	}
	return best
}

// EventTime returns the event time in UTC, or the zero time with a warning
// when the field is absent or malformed.
func (a *GWAlert) EventTime() time.Time {
	if a.notice.Event == nil || a.notice.Event.Time == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02T15:04:05.999Z", a.notice.Event.Time)
	if err != nil {
		log.Warn().Str("event_id", a.EventID()).Str("time", a.notice.Event.Time).
			Msg("unparseable GW event time")
		return time.Time{}
	}
	return t
}

// Instruments returns the detector names that contributed to the event.
func (a *GWAlert) Instruments() []string {
	if a.notice.Event == nil {
		return nil
	}
	return a.notice.Event.Instruments
}

// GraceDBURL returns the GraceDB superevent page, empty when absent.
func (a *GWAlert) GraceDBURL() string {
	return a.notice.URLs["gracedb"]
}

// SkymapBytes decodes the base64 skymap embedded in the notice.
func (a *GWAlert) SkymapBytes() ([]byte, error) {
	if a.notice.Event == nil || a.notice.Event.Skymap == "" {
		return nil, fmt.Errorf("notice %s carries no skymap", a.EventID())
	}
	b, err := base64.StdEncoding.DecodeString(a.notice.Event.Skymap)
	if err != nil {
		return nil, fmt.Errorf("failed to decode skymap of %s: %w", a.EventID(), err)
	}
	return b, nil
}

// SaveNotice writes the raw notice to dir so background workers can reload
// it, and returns the file path.
func (a *GWAlert) SaveNotice(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create notice directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d.json", a.EventID(), a.EventType(), time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, a.raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to save notice: %w", err)
	}
	return path, nil
}

// Score applies the decision table and returns the score (0-3) together with
// the "ready for automatic processing" flag (score > 1).
//
//	retraction                      -> 0
//	Terrestrial dominant            -> 0
//	BBH above probability threshold -> 2 within distance+size cuts, else 1
//	NS-involving (BNS/NSBH)         -> 3 within distance+size cuts, else 2
func (a *GWAlert) Score(stats SkymapStats, th Thresholds) (int, bool) {
	if a.EventType() == EventRetraction {
		return 0, false
	}
	if a.EventClass() == ClassTerrestrial {
		return 0, false
	}

	var score int
	if a.ClassProba(ClassBBH) > th.BBHProba {
		if stats.MeanDistance < th.DistanceCut && stats.Area90 < th.BBHSizeCut {
			score = 2
		} else {
			score = 1
		}
	} else {
		if stats.MeanDistance < th.DistanceCut && stats.Area90 < th.BNSNSBHSizeCut {
			score = 3
		} else {
			score = 2
		}
	}
	return score, score > 1
}
