package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRepo(t *testing.T) (*RedisAnnotationRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAnnotationRepository(store.NewRedisKV(client)), mr
}

func TestRedisAnnotationRepository_NameAndStatus(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRepo(t)

	_, err := r.Get(ctx, "AA:BB")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := r.SetName(ctx, "AA:BB", "Home", "Office")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, a.Status)
	assert.True(t, mr.Exists("aplit:device:AA:BB:annotation"))

	a, err = r.SetStatus(ctx, "AA:BB", ActionDelete)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDeleted, a.Status)
	assert.Equal(t, "Office", a.RoomName)
	assert.False(t, a.UpdatedAt.IsZero())

	_, err = r.SetStatus(ctx, "AA:BB", ActionShow)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusDeleted, got.Status)
	assert.Equal(t, "Home", got.HomeName)
}

func TestRedisAnnotationRepository_List(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisRepo(t)

	_, err := r.SetName(ctx, "AA:BB", "Home", "Office")
	require.NoError(t, err)
	_, err = r.SetStatus(ctx, "unknown_sensors_x_1", ActionHide)
	require.NoError(t, err)
	require.NoError(t, mr.Set("unrelated", "x"))

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Office", all["AA:BB"].RoomName)
	assert.Equal(t, models.DeviceStatusHidden, all["unknown_sensors_x_1"].Status)
}

func TestRedisAnnotationRepository_CorruptValue(t *testing.T) {
	r, mr := newRedisRepo(t)
	require.NoError(t, mr.Set("aplit:device:X:annotation", "{not json"))

	_, err := r.Get(context.Background(), "X")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisAnnotationRepository_ConcurrentUpdatesKeepBothFields(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisRepo(t)

	const devices = 10
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		id := models.DeviceID(fmt.Sprintf("DEV:%02d", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.SetName(ctx, id, "Home", "Room")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := r.SetStatus(ctx, id, ActionHide)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, devices)
	for id, a := range all {
		assert.Equal(t, "Room", a.RoomName, "device %s", id)
		assert.Equal(t, models.DeviceStatusHidden, a.Status, "device %s", id)
	}
}

func TestRedisAnnotationRepository_UpdateCorruptValue(t *testing.T) {
	r, mr := newRedisRepo(t)
	require.NoError(t, mr.Set("aplit:device:X:annotation", "{not json"))

	_, err := r.SetStatus(context.Background(), "X", ActionHide)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	val, err := mr.Get("aplit:device:X:annotation")
	require.NoError(t, err)
	assert.Equal(t, "{not json", val)
}
