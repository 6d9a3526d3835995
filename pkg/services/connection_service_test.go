package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/store"
)

func TestConnectionService(t *testing.T) {
	mem := store.NewMemory()
	svc := NewConnectionService(mem, nil)
	ctx := context.Background()

	conn, err := svc.CreateConnection(ctx, "user-1", "Gmail", "nango-conn-1")
	require.NoError(t, err)
	assert.Equal(t, "gmail", conn.Provider)
	assert.True(t, conn.Enabled)

	// Webhook attribution resolves through the external id.
	userID, err := mem.LookupUserID(ctx, "nango-conn-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	list, err := svc.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.DeleteConnection(ctx, "user-1", "gmail"))
	assert.ErrorIs(t, svc.DeleteConnection(ctx, "user-1", "gmail"), ErrNotFound)
}

func TestCreateConnection_Validation(t *testing.T) {
	svc := NewConnectionService(store.NewMemory(), nil)
	ctx := context.Background()

	_, err := svc.CreateConnection(ctx, "user-1", "", "conn-1")
	assert.True(t, IsValidationError(err))

	_, err = svc.CreateConnection(ctx, "user-1", "fax-machine", "conn-1")
	assert.True(t, IsValidationError(err))

	_, err = svc.CreateConnection(ctx, "user-1", "gmail", "  ")
	assert.True(t, IsValidationError(err))
}
