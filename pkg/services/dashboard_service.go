package services

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/crawlscope/crawlscope/pkg/models"
	"github.com/crawlscope/crawlscope/pkg/repositories"
)

// DefaultTopPathsLimit is used when a caller asks for no specific number of paths.
const DefaultTopPathsLimit = 20

// DashboardService serves the rollups for display.
type DashboardService interface {
	// Snapshots returns agent snapshots of the last days days, today included.
	Snapshots(ctx context.Context, accountID uuid.UUID, days int) ([]models.AgentSnapshot, error)
	// TopPaths returns the most crawled paths of the last days days.
	TopPaths(ctx context.Context, accountID uuid.UUID, days, limit int) ([]models.PathTotal, error)
}

type dashboardService struct {
	snapshots repositories.SnapshotRepository
	clock     quartz.Clock
	maxDays   int
}

// NewDashboardService creates a dashboard service. Requests for more than
// maxDays days are capped; days <= 0 means maxDays.
func NewDashboardService(snapshots repositories.SnapshotRepository, clock quartz.Clock, maxDays int) DashboardService {
	return &dashboardService{snapshots: snapshots, clock: clock, maxDays: maxDays}
}

// sinceDate returns the first date (YYYY-MM-DD) of a days-long window ending today.
func (s *dashboardService) sinceDate(days int) string {
	if days <= 0 || days > s.maxDays {
		days = s.maxDays
	}
	return s.clock.Now().UTC().AddDate(0, 0, -(days - 1)).Format(time.DateOnly)
}

func (s *dashboardService) Snapshots(ctx context.Context, accountID uuid.UUID, days int) ([]models.AgentSnapshot, error) {
	return s.snapshots.ListSnapshots(ctx, accountID, s.sinceDate(days))
}

func (s *dashboardService) TopPaths(ctx context.Context, accountID uuid.UUID, days, limit int) ([]models.PathTotal, error) {
	if limit <= 0 {
		limit = DefaultTopPathsLimit
	}
	return s.snapshots.TopPaths(ctx, accountID, s.sinceDate(days), limit)
}

var _ DashboardService = (*dashboardService)(nil)
