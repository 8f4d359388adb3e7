package power

import (
	"errors"
	"fmt"
	"time"
)

// Activity is a source's usage signal.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityActive
)

func (a Activity) String() string {
	if a == ActivityActive {
		return "active"
	}
	return "idle"
}

// MarshalText renders the activity for JSON payloads.
func (a Activity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses "active" or "idle".
func (a *Activity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "active":
		*a = ActivityActive
	case "idle":
		*a = ActivityIdle
	default:
		return fmt.Errorf("power: invalid activity %q", text)
	}
	return nil
}

// Observation is a single activity report from a source.
type Observation struct {
	SourceID   string    `json:"source_id"`
	Activity   Activity  `json:"activity"`
	ObservedAt time.Time `json:"observed_at"`
}

// Validate rejects observations without a source id.
func (o Observation) Validate() error {
	if o.SourceID == "" {
		return errors.New("power: observation without source id")
	}
	if o.Activity != ActivityIdle && o.Activity != ActivityActive {
		return errors.New("power: observation with invalid activity")
	}
	return nil
}

// SourceRecord is the aggregator's view of one configured source.
// Records start Active and Reported=false until the first observation.
type SourceRecord struct {
	SourceID      string    `json:"source_id"`
	Activity      Activity  `json:"activity"`
	LastChangedAt time.Time `json:"last_changed_at"`
	Reported      bool      `json:"reported"`
}

// NewSourceRecord seeds a record as Active.
func NewSourceRecord(sourceID string, now time.Time) SourceRecord {
	return SourceRecord{
		SourceID:      sourceID,
		Activity:      ActivityActive,
		LastChangedAt: now,
	}
}

// Apply folds an observation into the record and reports whether the
// activity changed.
func (r *SourceRecord) Apply(obs Observation, now time.Time) bool {
	first := !r.Reported
	r.Reported = true
	if !first && r.Activity == obs.Activity {
		return false
	}
	changed := r.Activity != obs.Activity
	r.Activity = obs.Activity
	if changed || first {
		r.LastChangedAt = now
	}
	return changed
}
