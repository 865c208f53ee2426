package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncResult reports what a sync run wrote.
type SyncResult struct {
	SnapshotsUpserted int `json:"snapshotsUpserted"`
	PathsUpserted     int `json:"pathsUpserted"`
	RowsFetched       int `json:"rowsFetched"`
	Pages             int `json:"pages"`
	TruncatedBuckets  int `json:"truncatedBuckets"`
}

// SyncStatus is the pollable state of an account's last sync.
type SyncStatus struct {
	AccountID    uuid.UUID     `json:"accountId"`
	Status       AccountStatus `json:"status"`
	LastSyncedAt *time.Time    `json:"lastSyncedAt"`
	SyncError    *string       `json:"syncError"`
}

// AccountSyncOutcome is one account's entry in a batch sync report.
type AccountSyncOutcome struct {
	AccountID         uuid.UUID `json:"accountId"`
	Domain            string    `json:"domain"`
	Status            string    `json:"status"` // "ok" or "error"
	SnapshotsUpserted int       `json:"snapshotsUpserted,omitempty"`
	PathsUpserted     int       `json:"pathsUpserted,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// BatchSyncReport summarizes a scheduled sync over all connected accounts.
type BatchSyncReport struct {
	Synced  int                  `json:"synced"`
	Errors  int                  `json:"errors"`
	Total   int                  `json:"total"`
	Details []AccountSyncOutcome `json:"details"`
}
