package tracker

import "time"

func eqTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SameObservation reports whether two structure records describe the
// same observed attributes. LastUpdate is excluded: it records when the
// attributes changed and must only advance when they do.
func (s Structure) SameObservation(o Structure) bool {
	return s.ID == o.ID &&
		s.Name == o.Name &&
		s.CorporationID == o.CorporationID &&
		s.SystemID == o.SystemID &&
		s.TypeID == o.TypeID &&
		s.State == o.State &&
		eqTimePtr(s.StateTimerStart, o.StateTimerStart) &&
		eqTimePtr(s.StateTimerEnd, o.StateTimerEnd) &&
		eqTimePtr(s.FuelExpires, o.FuelExpires) &&
		eqTimePtr(s.UnanchorsAt, o.UnanchorsAt) &&
		s.HasMoonDrill == o.HasMoonDrill &&
		s.Exists == o.Exists
}

// SameObservation reports whether two extraction records describe the
// same cycle and timestamps, ignoring LastUpdate and attribution.
func (x Extraction) SameObservation(o Extraction) bool {
	return x.StructureID == o.StructureID &&
		x.MoonID == o.MoonID &&
		x.CorporationID == o.CorporationID &&
		x.ExtractionStartTime.Equal(o.ExtractionStartTime) &&
		eqTimePtr(x.ChunkArrivalTime, o.ChunkArrivalTime) &&
		eqTimePtr(x.NaturalDecayTime, o.NaturalDecayTime) &&
		eqTimePtr(x.BeltDecayTime, o.BeltDecayTime)
}
