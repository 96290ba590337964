package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBadger(t *testing.T) Store {
	t.Helper()
	st, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestBadgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestBadger(t)

	_, ok, err := st.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Put(ctx, "a", []byte("one")))
	value, ok, err := st.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one"), value)

	require.NoError(t, st.Delete(ctx, "a"))
	_, ok, err = st.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBadgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "durable", []byte("payload")))
	require.NoError(t, st.Close(ctx))

	st, err = NewBadger(dir)
	require.NoError(t, err)
	defer st.Close(ctx)

	value, ok, err := st.Get(ctx, "durable")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), value)
}

func TestBadgerKeysAndClear(t *testing.T) {
	ctx := context.Background()
	st := newTestBadger(t)
	require.NoError(t, st.Put(ctx, "a", []byte("1")))
	require.NoError(t, st.Put(ctx, "b", []byte("2")))

	keys, err := st.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, keys)

	require.NoError(t, st.Clear(ctx))
	keys, err = st.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}
