package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/pytake/orchestrator/internal/apikey"
	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
)

func (o *Orchestrator) CreateApiKey(principal auth.Principal, name string, permissions []string, expiresAt *time.Time) (*apikey.Created, error) {
	return o.apikeys.Create(principal, name, permissions, expiresAt)
}

// ListApiKeys returns every key owned by the principal; HashedKey carries
// json:"-" so it never serialises to a transport response, and plaintext
// is never persisted at all (§3).
func (o *Orchestrator) ListApiKeys(principal auth.Principal) ([]models.ApiKey, error) {
	return o.apikeys.List(principal)
}

func parseApiKeyID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}, apperrors.InvalidInput("invalid api key id %q", id)
	}
	return parsed, nil
}

func (o *Orchestrator) UpdateApiKey(principal auth.Principal, id string, name *string, permissions []string, isActive *bool, expiresAt *time.Time) (*models.ApiKey, error) {
	parsed, err := parseApiKeyID(id)
	if err != nil {
		return nil, err
	}
	return o.apikeys.Update(principal, parsed, name, permissions, isActive, expiresAt)
}

func (o *Orchestrator) RevokeApiKey(principal auth.Principal, id string) error {
	parsed, err := parseApiKeyID(id)
	if err != nil {
		return err
	}
	return o.apikeys.Revoke(principal, parsed)
}
