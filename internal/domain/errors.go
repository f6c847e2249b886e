package domain

import "fmt"

// AreaNotFoundError is returned when an area ref does not resolve to a geometry.
type AreaNotFoundError struct {
	Area AreaRef
}

func (e *AreaNotFoundError) Error() string {
	return fmt.Sprintf("area not found: %s", e.Area)
}

// RecordNotFoundError is returned when no ComputationRecord exists for a key
// or external task id.
type RecordNotFoundError struct {
	Key    RecordKey
	TaskID string
}

func (e *RecordNotFoundError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("computation record not found for task %s", e.TaskID)
	}
	return fmt.Sprintf("computation record not found: %s", e.Key)
}

// InvalidGeometryError is returned when a geometry degenerates past the
// point the pipeline can use it (empty coordinates, outside the
// reference boundary).
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid geometry: %s", e.Reason)
}

// SubmitLimitedError is returned when engine submissions for an area type
// exceed the configured rate.
type SubmitLimitedError struct {
	AreaType AreaType
	Limit    int
}

func (e *SubmitLimitedError) Error() string {
	return fmt.Sprintf("submit rate exceeded for area type %q: limit is %d", e.AreaType, e.Limit)
}

// InvalidTransitionError is returned when an engine event would move a
// record backwards through the lifecycle.
type InvalidTransitionError struct {
	From  Status
	Event EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot apply event %q to record in status %q", e.Event, e.From)
}
