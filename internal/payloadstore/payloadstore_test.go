package payloadstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	url, err := store.Put(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Contains(t, url, "memory://")

	keys, err := store.List(context.Background(), "year=0000", "year=9999")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	data, err := store.Get(context.Background(), keys[0])
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestMemoryStoreGetMissingKeyErrors(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "year=2024/month=01/day=01/hour=00/missing.json")
	assert.Error(t, err)
}

func TestKeyForIsTimeSortable(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

	k1 := keyFor("", "a", t1)
	k2 := keyFor("", "b", t2)
	assert.Less(t, k1, k2)
}

func TestListFiltersByPrefixRange(t *testing.T) {
	store := NewMemoryStore()

	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	within := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	store.mu.Lock()
	store.data = map[string][]byte{
		keyFor("", "old-event", old):       []byte("old"),
		keyFor("", "within-event", within): []byte("within"),
	}
	store.mu.Unlock()

	keys, err := store.List(context.Background(), "year=2024/month=01", "year=2024/month=12")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "within-event")
}
