// Package store provides SQLite persistence for applications, runs and
// results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lijomadassery/appsentry/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = domain.ErrNotFound

// Store provides SQLite-backed persistence
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs migrations.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertApplication inserts or updates an application, keeping its creation time
func (s *Store) UpsertApplication(ctx context.Context, app *domain.Application) error {
	health, err := marshalNullable(app.HealthCheck)
	if err != nil {
		return err
	}
	login, err := marshalNullable(app.LoginFlow)
	if err != nil {
		return err
	}

	now := time.Now()
	created := app.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := app.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (id, name, environment, team, active, priority, health_check, login_flow, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			environment = excluded.environment,
			team = excluded.team,
			active = excluded.active,
			priority = excluded.priority,
			health_check = excluded.health_check,
			login_flow = excluded.login_flow,
			updated_at = excluded.updated_at
	`,
		app.ID,
		app.Name,
		app.Environment,
		app.Team,
		app.Active,
		app.Priority,
		health,
		login,
		created,
		updated,
	)
	return err
}

// GetApplication retrieves an application by ID
func (s *Store) GetApplication(ctx context.Context, id string) (*domain.Application, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, environment, team, active, priority, health_check, login_flow, created_at, updated_at
		FROM applications WHERE id = ?
	`, id)

	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", id, ErrNotFound)
	}
	return app, err
}

// ApplicationFilter narrows ListApplications
type ApplicationFilter struct {
	ActiveOnly  bool
	Environment string
	Team        string
}

// ListApplications returns applications ordered by priority, then ID
func (s *Store) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*domain.Application, error) {
	query := `SELECT id, name, environment, team, active, priority, health_check, login_flow, created_at, updated_at FROM applications WHERE 1=1`
	var args []interface{}

	if filter.ActiveOnly {
		query += " AND active = TRUE"
	}
	if filter.Environment != "" {
		query += " AND environment = ?"
		args = append(args, filter.Environment)
	}
	if filter.Team != "" {
		query += " AND team = ?"
		args = append(args, filter.Team)
	}

	query += " ORDER BY priority DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ActiveApplicationIDs returns the IDs of all active applications
func (s *Store) ActiveApplicationIDs(ctx context.Context) ([]string, error) {
	apps, err := s.ListApplications(ctx, ApplicationFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(apps))
	for i, a := range apps {
		ids[i] = a.ID
	}
	return ids, nil
}

// SetApplicationActive activates or deactivates an application
func (s *Store) SetApplicationActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "application", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApplication(row scanner) (*domain.Application, error) {
	var app domain.Application
	var environment, team, health, login sql.NullString

	err := row.Scan(&app.ID, &app.Name, &environment, &team, &app.Active, &app.Priority, &health, &login, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		return nil, err
	}
	app.Environment = environment.String
	app.Team = team.String

	if health.Valid && health.String != "" {
		app.HealthCheck = &domain.HealthCheckConfig{}
		if err := json.Unmarshal([]byte(health.String), app.HealthCheck); err != nil {
			return nil, fmt.Errorf("decoding health check of %s: %w", app.ID, err)
		}
	}
	if login.Valid && login.String != "" {
		app.LoginFlow = &domain.LoginFlowConfig{}
		if err := json.Unmarshal([]byte(login.String), app.LoginFlow); err != nil {
			return nil, fmt.Errorf("decoding login flow of %s: %w", app.ID, err)
		}
	}
	return &app, nil
}

// marshalNullable encodes v as JSON, or SQL NULL for a nil pointer
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
