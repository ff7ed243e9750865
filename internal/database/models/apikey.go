package models

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

// ApiKey is a password-style credential the core issues on the caller's
// behalf. The plaintext secret is returned exactly once, at creation, and is
// never stored — only Prefix (for display/lookup) and HashedKey (for
// verification) are persisted.
type ApiKey struct {
	OwnedModel
	Name        string         `gorm:"not null" json:"name"`
	Prefix      string         `gorm:"index;not null" json:"prefix"`
	HashedKey   string         `gorm:"not null" json:"-"`
	Permissions pq.StringArray `gorm:"type:text[]" json:"permissions"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	IsActive    bool           `gorm:"default:true" json:"isActive"`
	LastUsed    *time.Time     `json:"lastUsed,omitempty"`
}

var ErrInvalidApiKeyName = errors.New("api key name is required")

func (k *ApiKey) Validate() error {
	if k.Name == "" {
		return ErrInvalidApiKeyName
	}
	return nil
}

func (k *ApiKey) IsExpired() bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now())
}

func (k *ApiKey) IsUsable() bool {
	return k.IsActive && !k.IsExpired()
}
