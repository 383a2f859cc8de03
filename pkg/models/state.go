package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// State is an immutable, timestamped status fact about a workflow run.
// (WorkflowRunID, Status, Timestamp) is unique.
type State struct {
	ID            int64     `json:"id" db:"id"`                           // Unique identifier (PostgreSQL auto-increment)
	WorkflowRunID int64     `json:"workflow_run_id" db:"workflow_run_id"` // Owning run
	Status        Status    `json:"status" db:"status"`                   // Normalized status
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`             // Time reported by the upstream producer
	Comment       *string   `json:"comment,omitempty" db:"comment"`
	PayloadID     *int64    `json:"payload_id,omitempty" db:"payload_id"`
	Payload       *Payload  `json:"payload,omitempty" db:"-"` // Populated at runtime
}

// LatestState returns the state with the greatest timestamp, independent of
// slice order. Equal timestamps are resolved by the greater ID.
func LatestState(states []State) (State, bool) {
	if len(states) == 0 {
		return State{}, false
	}
	latest := states[0]
	for _, s := range states[1:] {
		if s.Timestamp.After(latest.Timestamp) ||
			(s.Timestamp.Equal(latest.Timestamp) && s.ID > latest.ID) {
			latest = s
		}
	}
	return latest, true
}

// HasStatus reports whether any state in history carries status.
func HasStatus(history []State, status Status) bool {
	for _, s := range history {
		if s.Status == status {
			return true
		}
	}
	return false
}

// Payload is an opaque, versioned data blob owned by exactly one State.
type Payload struct {
	ID      int64    `json:"id" db:"id"`
	RefID   string   `json:"refId" db:"payload_ref_id"` // uuid, stable reference for downstream consumers
	Version string   `json:"version" db:"version"`
	Data    JSONData `json:"data" db:"data"`
}

// JSONData stores arbitrary structured data in a JSONB column.
type JSONData map[string]interface{}

func (d JSONData) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *JSONData) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = JSONData{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan json data: unsupported type %T", src)
	}
	out := JSONData{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan json data: %w", err)
	}
	*d = out
	return nil
}
