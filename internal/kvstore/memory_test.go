package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreHashOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.HSet(ctx, "run_r", "Foo", "Bar"))
	require.NoError(t, s.HMSet(ctx, "run_r", map[string]string{"Baz": "Bar", "Qux": "Bar"}))

	val, err := s.HGet(ctx, "run_r", "Foo")
	require.NoError(t, err)
	require.Equal(t, "Bar", val)

	missing, err := s.HGet(ctx, "run_r", "Nope")
	require.NoError(t, err)
	require.Empty(t, missing)

	keys, err := s.HKeys(ctx, "run_r")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Foo", "Baz", "Qux"}, keys)

	ok, err := s.HExists(ctx, "run_r", "Baz")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.HDel(ctx, "run_r", "Baz"))
	ok, err = s.HExists(ctx, "run_r", "Baz")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Del(ctx, "run_r"))
	keys, err = s.HKeys(ctx, "run_r")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDatabaseNames(t *testing.T) {
	t.Parallel()

	dbs := Databases{Prefix: "ab12_"}
	require.Equal(t, "ab12_r", dbs.Redirects())
	require.Equal(t, "ab12_d", dbs.Details())
	require.Equal(t, "ab12_m", dbs.Media())
	require.Equal(t, "ab12_c", dbs.CachedMedia())
	require.Len(t, dbs.All(), 4)
}
