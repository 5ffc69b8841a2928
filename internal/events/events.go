// Package events is the in-process lifecycle event bus. Events are
// CloudEvents envelopes carrying JSON payloads; subscribers receive them
// asynchronously through their own buffered queue.
package events

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Source is the CloudEvents source attribute of every emitted event
const Source = "appsentry"

// Event types
const (
	TypeRunStarted      = "com.appsentry.run.started"
	TypeUnitStarted     = "com.appsentry.unit.started"
	TypeUnitCompleted   = "com.appsentry.unit.completed"
	TypeUnitFailed      = "com.appsentry.unit.failed"
	TypeRunProgress     = "com.appsentry.run.progress"
	TypeRunCompleted    = "com.appsentry.run.completed"
	TypeRunCancelled    = "com.appsentry.run.cancelled"
	TypePoolChanged     = "com.appsentry.pool.changed"
	TypeFleetSynced     = "com.appsentry.fleet.synced"
	TypeScheduleFired   = "com.appsentry.schedule.fired"
	TypeScheduleSkipped = "com.appsentry.schedule.skipped"
)

// RunPayload is the data of run-level events
type RunPayload struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	TriggerKind       string `json:"trigger_kind,omitempty"`
	TriggerSource     string `json:"trigger_source,omitempty"`
	ProgressTotal     int    `json:"progress_total"`
	ProgressCompleted int    `json:"progress_completed"`
	Passed            int    `json:"passed"`
	Failed            int    `json:"failed"`
}

// UnitPayload is the data of unit-level events
type UnitPayload struct {
	RunID         string `json:"run_id"`
	UnitID        string `json:"unit_id"`
	ApplicationID string `json:"application_id"`
	Kind          string `json:"kind"`
	Attempt       int    `json:"attempt"`
	Status        string `json:"status,omitempty"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	WillRetry     bool   `json:"will_retry,omitempty"`
	Late          bool   `json:"late,omitempty"`
}

// SchedulePayload is the data of schedule events
type SchedulePayload struct {
	Schedule string `json:"schedule"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// FleetPayload is the data of fleet sync events
type FleetPayload struct {
	Path        string   `json:"path"`
	Upserted    int      `json:"upserted"`
	Deactivated []string `json:"deactivated,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// New builds a CloudEvent with a time-ordered ID
func New(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newID())
	event.SetSource(Source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// Decode unmarshals the event's data into T
func Decode[T any](event cloudevents.Event) (T, error) {
	var v T
	err := event.DataAs(&v)
	return v, err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
