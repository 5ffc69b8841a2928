package fleet

import (
	"context"
	"fmt"

	"github.com/lijomadassery/appsentry/internal/domain"
	"github.com/lijomadassery/appsentry/internal/store"
)

// Store is the persistence surface Sync writes through
type Store interface {
	UpsertApplication(ctx context.Context, app *domain.Application) error
	ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]*domain.Application, error)
	SetApplicationActive(ctx context.Context, id string, active bool) error
}

// SyncReport summarizes what a sync changed
type SyncReport struct {
	Upserted    int      `json:"upserted"`
	Deactivated []string `json:"deactivated,omitempty"`
}

// Sync upserts every application from the fleet file and deactivates the
// registered applications that are no longer declared. Applications are
// never deleted so their run history stays queryable.
func Sync(ctx context.Context, s Store, apps []*domain.Application) (SyncReport, error) {
	var report SyncReport

	declared := make(map[string]bool, len(apps))
	for _, app := range apps {
		if err := s.UpsertApplication(ctx, app); err != nil {
			return report, fmt.Errorf("upserting %s: %w", app.ID, err)
		}
		declared[app.ID] = true
		report.Upserted++
	}

	existing, err := s.ListApplications(ctx, store.ApplicationFilter{ActiveOnly: true})
	if err != nil {
		return report, fmt.Errorf("listing applications: %w", err)
	}
	for _, app := range existing {
		if declared[app.ID] {
			continue
		}
		if err := s.SetApplicationActive(ctx, app.ID, false); err != nil {
			return report, fmt.Errorf("deactivating %s: %w", app.ID, err)
		}
		report.Deactivated = append(report.Deactivated, app.ID)
	}
	return report, nil
}

// LoadAndSync reads the fleet file and syncs it in one step
func LoadAndSync(ctx context.Context, s Store, path string) (SyncReport, error) {
	apps, err := Load(path)
	if err != nil {
		return SyncReport{}, err
	}
	return Sync(ctx, s, apps)
}
