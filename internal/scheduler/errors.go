package scheduler

import (
	"errors"

	"github.com/lijomadassery/appsentry/internal/domain"
)

var (
	// ErrRunNotFound is returned for unknown run IDs
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned when stopping a run that already finished
	ErrRunTerminal = errors.New("run already finished")
	// ErrNoApplications is returned when a run would target nothing
	ErrNoApplications = errors.New("no applications to test")
	// ErrNotStarted is returned when the scheduler is not running
	ErrNotStarted = errors.New("scheduler not started")
	// ErrNoExecutor is recorded on units whose kind has no executor
	ErrNoExecutor = errors.New("no executor for test kind")
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
