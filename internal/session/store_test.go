package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettaflow/mediaspider/internal/model"
)

func TestMemoryStore_LoadMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Load(context.Background(), model.PlatformWeibo, "acct")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{
		Platform:  model.PlatformWeibo,
		Account:   "acct",
		AuthState: []byte(`[{"name":"SUB","value":"x"}]`),
		SavedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, model.PlatformWeibo, "acct")
	require.NoError(t, err)
	assert.Equal(t, rec.AuthState, got.AuthState)

	// Load returns a copy; mutating it must not touch the stored record.
	got.AuthState = nil
	again, err := store.Load(ctx, model.PlatformWeibo, "acct")
	require.NoError(t, err)
	assert.NotNil(t, again.AuthState)
}

func TestMemoryStore_StaleSaveRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh := &Record{Platform: model.PlatformTieba, Account: "a", SavedAt: time.Unix(200, 0)}
	stale := &Record{Platform: model.PlatformTieba, Account: "a", SavedAt: time.Unix(100, 0)}

	require.NoError(t, store.Save(ctx, fresh))
	assert.ErrorIs(t, store.Save(ctx, stale), model.ErrStaleSave)

	got, err := store.Load(ctx, model.PlatformTieba, "a")
	require.NoError(t, err)
	assert.Equal(t, fresh.SavedAt, got.SavedAt)
}

func TestMemoryStore_Invalidate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Platform: model.PlatformXiaohongshu, Account: "a", SavedAt: time.Now()}
	require.NoError(t, store.Save(ctx, rec))
	require.NoError(t, store.Invalidate(ctx, model.PlatformXiaohongshu, "a"))

	_, err := store.Load(ctx, model.PlatformXiaohongshu, "a")
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Invalidating a missing key is not an error.
	assert.NoError(t, store.Invalidate(ctx, model.PlatformXiaohongshu, "a"))
}
