package fs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "ref-1", []byte("payload")))

	got, err := store.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestStore_PutOverwritesExisting(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "ref-1", []byte("first")))
	require.NoError(t, store.Put(ctx, "ref-1", []byte("second")))

	got, err := store.Get(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_GetMissingRefErrors(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "missing")
	require.Error(t, err)
}
