package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of one erosion computation.
// Absent is implicit: no persisted record exists for the key.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if no further engine-driven transitions are possible.
// Failed is not terminal: a manual retry moves it back to queued.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// InFlight returns true while the external engine owns the computation.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusProcessing
}

// AreaType distinguishes administrative areas from user-drawn polygons.
type AreaType string

const (
	AreaRegion   AreaType = "region"
	AreaDistrict AreaType = "district"
	AreaCustom   AreaType = "custom"
)

// Valid reports whether t is one of the known area types.
func (t AreaType) Valid() bool {
	return t == AreaRegion || t == AreaDistrict || t == AreaCustom
}

// AreaRef identifies one geographic area. Administrative areas carry a
// numeric ID; custom areas carry a content hash of their drawn geometry
// so that two identical drawings share an identity.
type AreaRef struct {
	Type AreaType `json:"area_type"`
	ID   int64    `json:"area_id,omitempty"`
	Hash string   `json:"geometry_hash,omitempty"`
}

// String renders the ref as "region:12" or "custom:<hash>".
func (a AreaRef) String() string {
	if a.Type == AreaCustom {
		return string(a.Type) + ":" + a.Hash
	}
	return fmt.Sprintf("%s:%d", a.Type, a.ID)
}

// RecordKey is the composite dedup identity: at most one
// ComputationRecord may exist per key.
type RecordKey struct {
	Area      AreaRef `json:"area"`
	StartYear int     `json:"start_year"`
	EndYear   int     `json:"end_year"`
	Period    string  `json:"period"`
}

// String renders a stable key usable as a cache key component and as
// the layer key of the client poll loop. No random salts: the string
// must be identical across process restarts.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%s", k.Area, k.StartYear, k.EndYear, k.Period)
}

// ComputationRecord is the persisted state of one computation request.
type ComputationRecord struct {
	ID             string          `json:"id"`
	Key            RecordKey       `json:"key"`
	Status         Status          `json:"status"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ComputedAt     *time.Time      `json:"computed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventKind is the progress signal pushed (or polled) from the external engine.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// EngineEvent is one progress notification for an external task.
type EngineEvent struct {
	TaskID string          `json:"task_id"`
	Key    RecordKey       `json:"key"`
	Kind   EventKind       `json:"event"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
