package repository

import (
	"context"
	"testing"

	"github.com/Abenedis/aplitapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAnnotationRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryAnnotationRepository()

	_, err := r.Get(ctx, "AA:BB")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := r.SetName(ctx, "AA:BB", " Home ", "Kitchen")
	require.NoError(t, err)
	assert.Equal(t, "Home", a.HomeName)
	assert.Equal(t, models.DeviceStatusActive, a.Status)
	assert.Equal(t, "Home - Kitchen", a.DisplayName())
	assert.False(t, a.UpdatedAt.IsZero())

	_, err = r.SetName(ctx, "AA:BB", "Home", " ")
	assert.ErrorIs(t, err, ErrInvalidName)

	a, err = r.SetStatus(ctx, "AA:BB", ActionHide)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusHidden, a.Status)
	assert.Equal(t, "Kitchen", a.RoomName)

	_, err = r.SetStatus(ctx, "AA:BB", ActionHide)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = r.SetStatus(ctx, "CC:DD", ActionDelete)
	require.NoError(t, err)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, models.DeviceStatusDeleted, all["CC:DD"].Status)

	// 返回的是副本
	delete(all, "AA:BB")
	_, err = r.Get(ctx, "AA:BB")
	assert.NoError(t, err)
}
