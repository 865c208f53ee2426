package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/crawlscope/crawlscope/pkg/services/workqueue"
)

// SyncTask runs one account sync in the background queue.
// The task key is the account ID, so the queue refuses a second live sync of
// the same account.
type SyncTask struct {
	workqueue.BaseTask
	syncSvc      SyncService
	accountID    uuid.UUID
	lookbackDays int
}

// NewSyncTask creates a queued sync of accountID.
func NewSyncTask(syncSvc SyncService, accountID uuid.UUID, lookbackDays int) *SyncTask {
	return &SyncTask{
		BaseTask:     workqueue.NewBaseTask("Sync account "+accountID.String(), accountID.String()),
		syncSvc:      syncSvc,
		accountID:    accountID,
		lookbackDays: lookbackDays,
	}
}

// Execute implements workqueue.Task.
func (t *SyncTask) Execute(ctx context.Context) error {
	_, err := t.syncSvc.SyncAccount(ctx, t.accountID, t.lookbackDays)
	return err
}

var _ workqueue.Task = (*SyncTask)(nil)
