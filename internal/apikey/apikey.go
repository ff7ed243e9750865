// Package apikey implements the ApiKey operations the orchestrator façade
// exposes: creation, listing, update and revocation. The plaintext secret is
// generated here, returned once, and never stored — only its prefix and a
// bcrypt hash survive creation (internal/auth.HashPassword/CheckPassword,
// the same primitive the teacher codebase uses for account passwords, here
// repurposed for API key secrets per SPEC_FULL.md §11).
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/apperrors"
	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
)

const prefixLen = 8

// Service is the persistence-backed ApiKey operations collaborator.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Created carries the plaintext secret alongside the persisted row; the
// plaintext is discarded by every caller after the response is written.
type Created struct {
	Key    string
	Record *models.ApiKey
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create mints a new API key owned by principal.UserID.
func (s *Service) Create(principal auth.Principal, name string, permissions []string, expiresAt *time.Time) (*Created, error) {
	if name == "" {
		return nil, apperrors.InvalidInput("name is required")
	}

	plaintext, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("apikey: generate secret: %w", err)
	}

	hashed, err := auth.HashPassword(plaintext)
	if err != nil {
		return nil, fmt.Errorf("apikey: hash secret: %w", err)
	}

	prefix := plaintext
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}

	record := &models.ApiKey{
		OwnedModel:  models.OwnedModel{BaseModel: models.BaseModel{ID: uuid.New()}, UserID: principal.UserID},
		Name:        name,
		Prefix:      prefix,
		HashedKey:   hashed,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		IsActive:    true,
	}

	if err := record.Validate(); err != nil {
		return nil, apperrors.InvalidInput("%v", err)
	}

	if err := s.db.Create(record).Error; err != nil {
		return nil, fmt.Errorf("apikey: create: %w", err)
	}

	return &Created{Key: prefix + "." + plaintext, Record: record}, nil
}

// List returns every API key owned by the principal. Only prefixes are
// populated on the returned rows — HashedKey is never serialised (see the
// model's json:"-" tag), and the plaintext was never stored.
func (s *Service) List(principal auth.Principal) ([]models.ApiKey, error) {
	var keys []models.ApiKey
	if err := s.db.Where("user_id = ?", principal.UserID).Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("apikey: list: %w", err)
	}
	return keys, nil
}

func (s *Service) get(principal auth.Principal, id uuid.UUID) (*models.ApiKey, error) {
	var key models.ApiKey
	if err := s.db.First(&key, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("api key %s not found", id)
		}
		return nil, fmt.Errorf("apikey: get: %w", err)
	}
	if !key.IsOwnedBy(principal.UserID) {
		return nil, apperrors.Unauthorised("api key %s is not owned by this principal", id)
	}
	return &key, nil
}

// Update changes the mutable fields of an API key (name, permissions,
// active flag, expiry) without rotating the secret.
func (s *Service) Update(principal auth.Principal, id uuid.UUID, name *string, permissions []string, isActive *bool, expiresAt *time.Time) (*models.ApiKey, error) {
	key, err := s.get(principal, id)
	if err != nil {
		return nil, err
	}

	if name != nil {
		key.Name = *name
	}
	if permissions != nil {
		key.Permissions = permissions
	}
	if isActive != nil {
		key.IsActive = *isActive
	}
	if expiresAt != nil {
		key.ExpiresAt = expiresAt
	}

	if err := s.db.Save(key).Error; err != nil {
		return nil, fmt.Errorf("apikey: update: %w", err)
	}
	return key, nil
}

// Revoke idempotently deactivates an API key.
func (s *Service) Revoke(principal auth.Principal, id uuid.UUID) error {
	key, err := s.get(principal, id)
	if err != nil {
		return err
	}
	key.IsActive = false
	return s.db.Save(key).Error
}

// Verify resolves the owning Principal for a presented "prefix.secret" API
// key, used by whatever authentication collaborator sits in front of the
// core when a request carries an API key instead of a bearer token.
func (s *Service) Verify(presented string) (auth.Principal, error) {
	prefix := presented
	if len(prefix) > prefixLen {
		prefix = prefix[:prefixLen]
	}

	var candidates []models.ApiKey
	if err := s.db.Where("prefix = ? AND is_active = ?", prefix, true).Find(&candidates).Error; err != nil {
		return auth.Principal{}, fmt.Errorf("apikey: verify lookup: %w", err)
	}

	secret := presented
	if len(presented) > prefixLen+1 {
		secret = presented[prefixLen+1:]
	}

	for i := range candidates {
		k := &candidates[i]
		if !k.IsUsable() {
			continue
		}
		if auth.CheckPassword(k.HashedKey, secret) == nil {
			now := time.Now()
			k.LastUsed = &now
			_ = s.db.Save(k).Error
			return auth.Principal{UserID: k.UserID, Permissions: k.Permissions, Via: auth.ViaApiKey}, nil
		}
	}

	return auth.Principal{}, apperrors.Unauthorised("api key is invalid or inactive")
}
