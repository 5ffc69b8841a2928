package domain

import "fmt"

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal returns true once no further mutation of the run is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// ResultStatus represents the outcome of one executed attempt
type ResultStatus string

const (
	ResultPassed  ResultStatus = "passed"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// TriggerKind records what started a run
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRetryOf   TriggerKind = "retry_of"
)

// TestKind is the closed set of checks an application can be verified with
type TestKind string

const (
	KindHealthCheck TestKind = "health_check"
	KindLoginFlow   TestKind = "login_flow"
)

// AllKinds lists every test kind in dispatch order
var AllKinds = []TestKind{KindHealthCheck, KindLoginFlow}

// ParseTestKind parses a string like "login_flow" into a TestKind
func ParseTestKind(s string) (TestKind, error) {
	switch TestKind(s) {
	case KindHealthCheck, KindLoginFlow:
		return TestKind(s), nil
	}
	return "", fmt.Errorf("invalid test kind: %q (expected health_check or login_flow)", s)
}
