package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderCloudflare is the only supported analytics provider.
const ProviderCloudflare = "cloudflare"

// Connection links an account to its Cloudflare zone.
// APITokenEnc holds the vault-encrypted token; it is never serialized.
type Connection struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	ZoneID       string     `json:"zone_id"`
	APITokenEnc  string     `json:"-"`
	Provider     string     `json:"provider"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	SyncError    *string    `json:"sync_error"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
