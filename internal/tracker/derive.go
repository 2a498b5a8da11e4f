package tracker

import (
	"sort"
	"time"
)

// StructureState is the lifecycle state of a structure as shown to viewers.
type StructureState string

const (
	StateUnknown            StructureState = "unknown"
	StateUnanchored         StructureState = "unanchored"
	StateAnchoring          StructureState = "anchoring"
	StateOnline             StructureState = "online"
	StateLowPower           StructureState = "low_power"
	StateAbandoned          StructureState = "abandoned"
	StateAnchorVulnerable   StructureState = "anchor_vulnerable"
	StateDeployedVulnerable StructureState = "deployed_vulnerable"
)

// rawStateTable is the fixed correspondence from the source API's state
// codes to the display enum. Codes absent from the table fall back to
// StateUnknown rather than failing the sync.
var rawStateTable = map[string]StructureState{
	"anchoring":            StateAnchoring,
	"anchor_vulnerable":    StateAnchorVulnerable,
	"deploy_vulnerable":    StateDeployedVulnerable,
	"unanchored":           StateUnanchored,
	"low_power":            StateLowPower,
	"abandoned":            StateAbandoned,
	"online":               StateOnline,
	"online_deprecated":    StateOnline,
	"onlining_vulnerable":  StateOnline,
	"fitting_invulnerable": StateOnline,
	"shield_vulnerable":    StateOnline,
	"armor_vulnerable":     StateOnline,
	"armor_reinforce":      StateOnline,
	"hull_vulnerable":      StateOnline,
	"hull_reinforce":       StateOnline,
}

// MapStructureState translates a raw source state code into the display enum.
func MapStructureState(raw string) StructureState {
	if s, ok := rawStateTable[raw]; ok {
		return s
	}
	return StateUnknown
}

// Stale reports whether data refreshed at lastUpdate has outlived the
// configured age threshold. It is computed on read, never stored.
func Stale(lastUpdate, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(lastUpdate) > threshold
}

// ExtractionPhase classifies an extraction against wall-clock time.
type ExtractionPhase string

const (
	PhaseUnscheduled ExtractionPhase = "unscheduled"
	PhaseScheduled   ExtractionPhase = "scheduled"
	PhaseCompleted   ExtractionPhase = "completed"
	PhaseExpired     ExtractionPhase = "expired"
)

// DefaultBeltLifetime is how long a delivered chunk's belt survives when
// the sync has not yet recorded an observed decay time.
const DefaultBeltLifetime = 48 * time.Hour

// ClassifyExtraction derives the lifecycle phase of an extraction at the
// given instant. Pure: same inputs always produce the same phase.
func ClassifyExtraction(x Extraction, now time.Time) ExtractionPhase {
	if x.ChunkArrivalTime == nil {
		return PhaseUnscheduled
	}
	if now.Before(*x.ChunkArrivalTime) {
		return PhaseScheduled
	}
	decay := x.BeltDecayTime
	if decay == nil {
		d := x.ChunkArrivalTime.Add(DefaultBeltLifetime)
		decay = &d
	}
	if now.Before(*decay) {
		return PhaseCompleted
	}
	return PhaseExpired
}

// RollBeltDecay fills in the belt decay time once a chunk has arrived.
// The belt survives DefaultBeltLifetime from fracture, which happens at
// the natural decay time at the latest, so the base is whichever of now
// and natural decay comes first. Already-rolled extractions pass
// through unchanged.
func RollBeltDecay(x Extraction, now time.Time) Extraction {
	if x.BeltDecayTime != nil || x.ChunkArrivalTime == nil || now.Before(*x.ChunkArrivalTime) {
		return x
	}
	base := now
	if x.NaturalDecayTime != nil && x.NaturalDecayTime.Before(base) {
		base = *x.NaturalDecayTime
	}
	decay := base.Add(DefaultBeltLifetime)
	x.BeltDecayTime = &decay
	return x
}

// phaseRank fixes the display grouping: completed first, then scheduled,
// then unscheduled. Expired sorts last so callers can truncate it away.
func phaseRank(p ExtractionPhase) int {
	switch p {
	case PhaseCompleted:
		return 0
	case PhaseScheduled:
		return 1
	case PhaseUnscheduled:
		return 2
	default:
		return 3
	}
}

// relevantTimestamp picks the timestamp each group is ordered by:
// arrival time for scheduled and completed cycles, last observation for
// unscheduled ones.
func relevantTimestamp(x Extraction, p ExtractionPhase) time.Time {
	switch p {
	case PhaseCompleted, PhaseScheduled:
		return *x.ChunkArrivalTime
	default:
		return x.LastUpdate
	}
}

// SortExtractions orders a mixed set of extractions for display:
// completed before scheduled before unscheduled, each group ascending by
// its relevant timestamp. The sort is stable so equal keys keep their
// input order.
func SortExtractions(xs []Extraction, now time.Time) {
	sort.SliceStable(xs, func(i, j int) bool {
		pi := ClassifyExtraction(xs[i], now)
		pj := ClassifyExtraction(xs[j], now)
		if phaseRank(pi) != phaseRank(pj) {
			return phaseRank(pi) < phaseRank(pj)
		}
		return relevantTimestamp(xs[i], pi).Before(relevantTimestamp(xs[j], pj))
	})
}

// ActiveExtractions returns the display ordering with expired cycles
// removed. Expired extractions remain in the store for history only.
func ActiveExtractions(xs []Extraction, now time.Time) []Extraction {
	active := make([]Extraction, 0, len(xs))
	for _, x := range xs {
		if ClassifyExtraction(x, now) == PhaseExpired {
			continue
		}
		active = append(active, x)
	}
	SortExtractions(active, now)
	return active
}

// ActiveTimerWindow keeps recently elapsed timers visible for a short
// period so a timer that just fired is not silently dropped from view.
const ActiveTimerWindow = 15 * time.Minute

// ActiveTimer reports whether a structure's state timer should appear in
// the active timer view at the given instant.
func ActiveTimer(s Structure, now time.Time) bool {
	if s.StateTimerEnd == nil {
		return false
	}
	return s.StateTimerEnd.After(now.Add(-ActiveTimerWindow))
}
