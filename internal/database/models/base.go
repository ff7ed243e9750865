package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel contains the fields common to every persisted row. Jobs,
// flows-as-broker-dags and schedules are NOT rows — they live exclusively in
// the broker (see internal/queue) — this embeds only the four row-shaped
// records the core persists: User, ApiKey, Flow, Webhook.
type BaseModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID primary key when one hasn't been set.
func (base *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	return nil
}

// OwnedModel adds the single-level ownership the core's authorisation
// predicate relies on: E.userId == principal.userId. There is no nested
// tenant concept — ownership is flat, one userId per row.
type OwnedModel struct {
	BaseModel
	UserID string `gorm:"index;not null" json:"userId"`
}

// IsOwnedBy reports whether the given principal userId owns this record.
func (o *OwnedModel) IsOwnedBy(userID string) bool {
	return o.UserID == userID
}

// User is a minimal row-shaped record of the account the rest of the schema
// hangs ownership off of. Authentication, password hashing, and token
// issuance are explicitly external collaborators (see apperrors and the
// Principal type in internal/auth) — this record exists only so that flows,
// webhooks, and API keys have a stable identity to reference and so the
// webhook dispatcher's legacy single-URL fallback (§4.7/§9) has somewhere to
// live.
type User struct {
	BaseModel
	Email         string `gorm:"uniqueIndex;not null" json:"email"`
	Name          string `gorm:"not null" json:"name"`
	IsActive      bool   `gorm:"default:true" json:"isActive"`
	LegacyWebhookURL string `json:"legacyWebhookUrl,omitempty"`
}
