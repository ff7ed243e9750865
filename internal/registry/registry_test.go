package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

func noopHandler(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
	return nil, nil
}

func TestRegistry_LoadOnce_FiltersDisabled(t *testing.T) {
	loader := func() (map[string]queue.HandlerFunc, error) {
		return map[string]queue.HandlerFunc{
			"send-email":  noopHandler,
			"legacy-sync": noopHandler,
		}, nil
	}

	r := New(loader, []string{"legacy-sync"}, 0, logger.New("error"))
	require.NoError(t, r.LoadOnce())

	_, ok := r.Lookup("send-email")
	assert.True(t, ok)

	_, ok = r.Lookup("legacy-sync")
	assert.False(t, ok)
}

func TestRegistry_LoadOnce_PropagatesLoaderError(t *testing.T) {
	loader := func() (map[string]queue.HandlerFunc, error) {
		return nil, errors.New("handler directory missing")
	}

	r := New(loader, nil, 0, logger.New("error"))
	assert.Error(t, r.LoadOnce())
}

func TestRegistry_Lookup_UnknownHandlerIsAbsent(t *testing.T) {
	r := New(func() (map[string]queue.HandlerFunc, error) { return map[string]queue.HandlerFunc{}, nil }, nil, 0, logger.New("error"))
	require.NoError(t, r.LoadOnce())

	_, ok := r.Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestRegistry_Watch_NoDirectoriesIsNoop(t *testing.T) {
	r := New(func() (map[string]queue.HandlerFunc, error) { return map[string]queue.HandlerFunc{}, nil }, nil, 0, logger.New("error"))
	assert.NoError(t, r.Watch(nil))
}
