package apikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pytake/orchestrator/internal/auth"
	"github.com/pytake/orchestrator/internal/database/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ApiKey{}))
	return db
}

func TestService_Create_RejectsEmptyName(t *testing.T) {
	s := NewService(setupTestDB(t))
	_, err := s.Create(auth.Principal{UserID: "u1"}, "", nil, nil)
	assert.Error(t, err)
}

func TestService_Create_ReturnsPlaintextOnce(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "u1"}, "ci-key", []string{"jobs:write"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, created.Key)
	assert.NotEmpty(t, created.Record.HashedKey)
	assert.Contains(t, created.Key, created.Record.Prefix)
}

func TestService_Verify_AcceptsValidKeyAndTracksLastUsed(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "u1"}, "ci-key", nil, nil)
	require.NoError(t, err)
	require.Nil(t, created.Record.LastUsed)

	principal, err := s.Verify(created.Key)
	require.NoError(t, err)
	assert.Equal(t, "u1", principal.UserID)
	assert.Equal(t, auth.ViaApiKey, principal.Via)

	var stored models.ApiKey
	require.NoError(t, s.db.First(&stored, "id = ?", created.Record.ID).Error)
	assert.NotNil(t, stored.LastUsed)
}

func TestService_Verify_RejectsRevokedKey(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "u1"}, "ci-key", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(auth.Principal{UserID: "u1"}, created.Record.ID))

	_, err = s.Verify(created.Key)
	assert.Error(t, err)
}

func TestService_Verify_RejectsWrongSecret(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "u1"}, "ci-key", nil, nil)
	require.NoError(t, err)

	_, err = s.Verify(created.Record.Prefix + ".wrong-secret")
	assert.Error(t, err)
}

func TestService_Update_RejectsNonOwner(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "owner"}, "ci-key", nil, nil)
	require.NoError(t, err)

	newName := "renamed"
	_, err = s.Update(auth.Principal{UserID: "intruder"}, created.Record.ID, &newName, nil, nil, nil)
	assert.Error(t, err)
}

func TestService_Revoke_IsIdempotent(t *testing.T) {
	s := NewService(setupTestDB(t))
	created, err := s.Create(auth.Principal{UserID: "u1"}, "ci-key", nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(auth.Principal{UserID: "u1"}, created.Record.ID))
	require.NoError(t, s.Revoke(auth.Principal{UserID: "u1"}, created.Record.ID))
}
