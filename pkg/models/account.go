// Package models contains domain types for crawlscope.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the account lifecycle state.
type AccountStatus string

const (
	AccountStatusPending      AccountStatus = "pending"
	AccountStatusConnected    AccountStatus = "connected"
	AccountStatusError        AccountStatus = "error"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

// IsValid reports whether s is a known status.
func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusPending, AccountStatusConnected, AccountStatusError, AccountStatusDisconnected:
		return true
	}
	return false
}

// CanSync reports whether an account in this state may be synced.
func (s AccountStatus) CanSync() bool {
	return s == AccountStatusConnected || s == AccountStatusError
}

// Account is a tenant's monitored domain.
type Account struct {
	ID        uuid.UUID     `json:"id"`
	Domain    string        `json:"domain"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
