package scheduler

import (
	"container/heap"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
)

type queuedUnit struct {
	unit  *domain.Unit
	seq   uint64
	retry bool
	index int
}

// unitQueue orders units by retry lane, then priority descending, then
// insertion order
type unitQueue []*queuedUnit

func (q unitQueue) Len() int { return len(q) }

func (q unitQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.retry != b.retry {
		return a.retry
	}
	if a.unit.Priority != b.unit.Priority {
		return a.unit.Priority > b.unit.Priority
	}
	return a.seq < b.seq
}

func (q unitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *unitQueue) Push(x any) {
	item := x.(*queuedUnit)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *unitQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// removeRun drops every unit of runID and returns how many were removed
func (q *unitQueue) removeRun(runID string) int {
	kept := (*q)[:0]
	removed := 0
	for _, item := range *q {
		if item.unit.RunID == runID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(*q); i++ {
		(*q)[i] = nil
	}
	*q = kept
	for i, item := range *q {
		item.index = i
	}
	heap.Init(q)
	return removed
}

// delayedUnits holds retries that are not yet eligible for dispatch
type delayedUnits []*queuedUnit

// due moves units scheduled at or before now into q
func (d *delayedUnits) due(now time.Time, q *unitQueue) {
	kept := (*d)[:0]
	for _, item := range *d {
		if item.unit.ScheduledAt == nil || !item.unit.ScheduledAt.After(now) {
			heap.Push(q, item)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(*d); i++ {
		(*d)[i] = nil
	}
	*d = kept
}

func (d *delayedUnits) removeRun(runID string) int {
	kept := (*d)[:0]
	removed := 0
	for _, item := range *d {
		if item.unit.RunID == runID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(*d); i++ {
		(*d)[i] = nil
	}
	*d = kept
	return removed
}
