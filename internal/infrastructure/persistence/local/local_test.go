package local

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kv is the contract both stores satisfy.
type kv interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	SetMany(pairs map[string]string) error
	DeletePrefix(prefix string) error
	Keys(prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

func stores(t *testing.T) map[string]kv {
	t.Helper()
	b, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return map[string]kv{"badger": b, "memory": NewMemory()}
}

func TestStore_GetSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get("companion:alice:xp")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set("companion:alice:xp", "25"))
			v, ok, err := s.Get("companion:alice:xp")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "25", v)

			require.NoError(t, s.Set("companion:alice:xp", "30"))
			v, _, _ = s.Get("companion:alice:xp")
			assert.Equal(t, "30", v)

			assert.Error(t, s.Set("", "x"))
		})
	}
}

func TestStore_DeletePrefixKeepsOtherNamespaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetMany(map[string]string{
				"companion:alice:xp":     "10",
				"companion:alice:streak": "2",
				"companion:alicia:xp":    "99",
				"companion:bob:xp":       "5",
			}))

			require.NoError(t, s.DeletePrefix("companion:alice:"))

			keys, err := s.Keys("companion:")
			require.NoError(t, err)
			assert.Equal(t, []string{"companion:alicia:xp", "companion:bob:xp"}, keys)

			assert.Error(t, s.DeletePrefix(""))
		})
	}
}

func TestBadger_ClosedStore(t *testing.T) {
	b, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, _, err = b.Get("k")
	assert.True(t, errors.Is(err, ErrStoreClosed))
	assert.True(t, errors.Is(b.Set("k", "v"), ErrStoreClosed))
	assert.True(t, errors.Is(b.Ping(context.Background()), ErrStoreClosed))
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	b, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Set("companion:anonymous:version", "2"))
	require.NoError(t, b.Close())

	b, err = Open(cfg)
	require.NoError(t, err)
	defer b.Close()

	v, ok, err := b.Get("companion:anonymous:version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.True(t, errors.Is(err, ErrPathRequired))
}

func TestMemory_FailWrites(t *testing.T) {
	m := NewMemory()
	boom := errors.New("quota exceeded")
	m.FailWrites(boom)

	assert.ErrorIs(t, m.Set("k", "v"), boom)
	m.FailWrites(nil)
	assert.NoError(t, m.Set("k", "v"))
}
