// Package events publishes lifecycle transitions to Kafka and lets
// downstream consumers (the reconciler's notifier, dashboards) observe
// them without coupling to the API service.
package events

import (
	"time"

	"github.com/soilwatch/erosionflow/internal/domain"
)

// TopicLifecycle carries one message per computation-record transition,
// keyed by the record key so per-record ordering is preserved.
const TopicLifecycle = "erosion.lifecycle"

// TransitionEvent is the wire format on TopicLifecycle.
type TransitionEvent struct {
	RecordID string           `json:"record_id"`
	Key      domain.RecordKey `json:"key"`
	TaskID   string           `json:"task_id,omitempty"`
	From     domain.Status    `json:"from"`
	To       domain.Status    `json:"to"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}
