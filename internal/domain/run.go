package domain

import "time"

// Trigger describes who or what started a run
type Trigger struct {
	Kind        TriggerKind
	Source      string
	TriggeredBy string
}

// Run is one invocation of the checks across a set of applications
type Run struct {
	ID                   string
	Trigger              Trigger
	TargetApplicationIDs []string
	Status               RunStatus
	ProgressTotal        int
	ProgressCompleted    int
	StartedAt            time.Time
	CompletedAt          *time.Time
}

// RunPatch carries the fields of a run to update; nil fields are left untouched
type RunPatch struct {
	Status            *RunStatus
	ProgressTotal     *int
	ProgressCompleted *int
	CompletedAt       *time.Time
}

// Unit is one (run, application, test kind) work item
type Unit struct {
	ID            string
	RunID         string
	ApplicationID string
	Kind          TestKind
	Priority      int
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	RetryCount    int
	MaxRetries    int
	Config        TestConfig
}

// Attempt returns the 1-based attempt number of the unit's next execution
func (u *Unit) Attempt() int {
	return u.RetryCount + 1
}

// Result is the outcome of executing one unit attempt
type Result struct {
	ID            string
	RunID         string
	UnitID        string
	ApplicationID string
	Kind          TestKind
	Status        ResultStatus
	Attempt       int
	StartedAt     time.Time
	FinishedAt    time.Time
	DurationMs    int64
	Error         string
	Payload       map[string]any
	ArtifactRefs  []string
}

// RunSnapshot is a point-in-time status view of a run
type RunSnapshot struct {
	Run         *Run
	Queued      int
	InFlight    int
	Passed      int
	Failed      int
	LateResults int
}
