// Package executor runs individual check units against applications. Each
// test kind has one Executor; the Registry maps kinds to executors for the
// scheduler.
package executor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lijomadassery/appsentry/internal/domain"
)

// ErrMisconfigured is returned when a unit's configuration cannot be executed
var ErrMisconfigured = errors.New("executor misconfigured")

// ExecContext carries everything an executor needs for one attempt
type ExecContext struct {
	RunID         string
	UnitID        string
	ApplicationID string
	Kind          domain.TestKind
	Config        domain.TestConfig
	Attempt       int
	StartedAt     time.Time
}

// Executor performs one unit attempt. Expected failures such as timeouts or
// failed assertions are reported as a Failed result with a nil error; an
// error return is reserved for conditions the executor could not evaluate.
type Executor interface {
	Execute(ctx context.Context, ec ExecContext) (*domain.Result, error)
}

// KindExecutor is an Executor bound to one test kind
type KindExecutor interface {
	Executor
	Kind() domain.TestKind
}

// Func adapts a function to a KindExecutor
type Func struct {
	TestKind domain.TestKind
	Fn       func(ctx context.Context, ec ExecContext) (*domain.Result, error)
}

// Kind implements KindExecutor
func (f Func) Kind() domain.TestKind { return f.TestKind }

// Execute implements Executor
func (f Func) Execute(ctx context.Context, ec ExecContext) (*domain.Result, error) {
	return f.Fn(ctx, ec)
}

// Registry maps test kinds to executors
type Registry struct {
	executors map[domain.TestKind]Executor
}

// NewRegistry creates a registry; later executors replace earlier ones of the same kind
func NewRegistry(executors ...KindExecutor) *Registry {
	r := &Registry{executors: make(map[domain.TestKind]Executor)}
	for _, e := range executors {
		r.executors[e.Kind()] = e
	}
	return r
}

// For returns the executor registered for kind
func (r *Registry) For(kind domain.TestKind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds returns the registered kinds in a stable order
func (r *Registry) Kinds() []domain.TestKind {
	kinds := make([]domain.TestKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewResult starts a result for the attempt described by ec
func NewResult(ec ExecContext) *domain.Result {
	started := ec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &domain.Result{
		ID:            uuid.NewString(),
		RunID:         ec.RunID,
		UnitID:        ec.UnitID,
		ApplicationID: ec.ApplicationID,
		Kind:          ec.Kind,
		Attempt:       ec.Attempt,
		StartedAt:     started,
		Payload:       make(map[string]any),
	}
}

// Finish stamps the result with its outcome and duration
func Finish(r *domain.Result, status domain.ResultStatus, errMsg string) *domain.Result {
	r.Status = status
	r.Error = errMsg
	r.FinishedAt = time.Now()
	r.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()
	return r
}
