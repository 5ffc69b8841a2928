package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
)

// CreateRun inserts a new run
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	targets, err := json.Marshal(run.TargetApplicationIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, trigger_kind, trigger_source, triggered_by, target_application_ids, status, progress_total, progress_completed, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Trigger.Kind),
		run.Trigger.Source,
		run.Trigger.TriggeredBy,
		string(targets),
		string(run.Status),
		run.ProgressTotal,
		run.ProgressCompleted,
		run.StartedAt,
		nullTime(run.CompletedAt),
	)
	return err
}

// UpdateRun applies the non-nil fields of patch
func (s *Store) UpdateRun(ctx context.Context, id string, patch domain.RunPatch) error {
	var sets []string
	var args []interface{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ProgressTotal != nil {
		sets = append(sets, "progress_total = ?")
		args = append(args, *patch.ProgressTotal)
	}
	if patch.ProgressCompleted != nil {
		sets = append(sets, "progress_completed = ?")
		args = append(args, *patch.ProgressCompleted)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return requireRow(res, "run", id)
}

// FindRun retrieves a run by ID
func (s *Store) FindRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_kind, trigger_source, triggered_by, target_application_ids, status, progress_total, progress_completed, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// RunFilter narrows ListRuns
type RunFilter struct {
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs, most recent first
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error) {
	query := `SELECT id, trigger_kind, trigger_source, triggered_by, target_application_ids, status, progress_total, progress_completed, started_at, completed_at FROM runs WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var kind, status, targets string
	var source, by sql.NullString
	var completed sql.NullTime

	err := row.Scan(&run.ID, &kind, &source, &by, &targets, &status, &run.ProgressTotal, &run.ProgressCompleted, &run.StartedAt, &completed)
	if err != nil {
		return nil, err
	}

	run.Trigger = domain.Trigger{
		Kind:        domain.TriggerKind(kind),
		Source:      source.String,
		TriggeredBy: by.String,
	}
	run.Status = domain.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	if targets != "" && targets != "null" {
		if err := json.Unmarshal([]byte(targets), &run.TargetApplicationIDs); err != nil {
			return nil, fmt.Errorf("decoding targets of run %s: %w", run.ID, err)
		}
	}
	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
