package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lijomadassery/appsentry/internal/domain"
)

const resultColumns = `id, run_id, unit_id, application_id, kind, status, attempt, started_at, finished_at, duration_ms, error, payload, artifact_refs`

// CreateResult inserts a result. Results are never updated.
func (s *Store) CreateResult(ctx context.Context, result *domain.Result) error {
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	refs, err := json.Marshal(result.ArtifactRefs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.ID,
		result.RunID,
		result.UnitID,
		result.ApplicationID,
		string(result.Kind),
		string(result.Status),
		result.Attempt,
		result.StartedAt,
		result.FinishedAt,
		result.DurationMs,
		result.Error,
		string(payload),
		string(refs),
	)
	return err
}

// ListResultsForRun returns a run's results in the order they were recorded
func (s *Store) ListResultsForRun(ctx context.Context, runID string) ([]*domain.Result, error) {
	return s.queryResults(ctx, `SELECT `+resultColumns+` FROM results WHERE run_id = ? ORDER BY rowid`, runID)
}

// ListResultsForApplication returns an application's most recent results
func (s *Store) ListResultsForApplication(ctx context.Context, appID string, limit int) ([]*domain.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryResults(ctx, `SELECT `+resultColumns+` FROM results WHERE application_id = ? ORDER BY rowid DESC LIMIT ?`, appID, limit)
}

func (s *Store) queryResults(ctx context.Context, query string, args ...interface{}) ([]*domain.Result, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanResult(row scanner) (*domain.Result, error) {
	var r domain.Result
	var kind, status string
	var errMsg, payload, refs sql.NullString

	err := row.Scan(&r.ID, &r.RunID, &r.UnitID, &r.ApplicationID, &kind, &status, &r.Attempt, &r.StartedAt, &r.FinishedAt, &r.DurationMs, &errMsg, &payload, &refs)
	if err != nil {
		return nil, err
	}
	r.Kind = domain.TestKind(kind)
	r.Status = domain.ResultStatus(status)
	r.Error = errMsg.String

	if payload.Valid && payload.String != "" && payload.String != "null" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of result %s: %w", r.ID, err)
		}
	}
	if refs.Valid && refs.String != "" && refs.String != "null" {
		if err := json.Unmarshal([]byte(refs.String), &r.ArtifactRefs); err != nil {
			return nil, fmt.Errorf("decoding artifact refs of result %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
