package kvstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return store
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	store := newTestStore(t)

	values, err := store.Load("acknowledged")
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.False(t, store.Exists("acknowledged"))
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("snapshot", []string{"RuleB", "RuleA"}))
	assert.True(t, store.Exists("snapshot"))

	values, err := store.Load("snapshot")
	require.NoError(t, err)
	assert.Equal(t, []string{"RuleB", "RuleA"}, values)
}

func TestStore_SaveRejectsInvalidUTF8(t *testing.T) {
	store := newTestStore(t)

	err := store.Save("acknowledged", []string{"ok", "bad\xff"})
	assert.True(t, errors.Is(err, ErrInvalidUTF8))
	assert.False(t, store.Exists("acknowledged"))
}

func TestStore_SaveWritesJSONArray(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("snapshot", []string{"x"}))

	data, err := os.ReadFile(store.Path("snapshot"))
	require.NoError(t, err)
	assert.JSONEq(t, `["x"]`, string(data))
}

func TestStore_SaveNilWritesEmptyArray(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("snapshot", nil))

	data, err := os.ReadFile(store.Path("snapshot"))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("snapshot", []string{"a"}))
	require.NoError(t, store.Save("snapshot", []string{"b"}))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

func TestStore_LoadCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("snapshot"), []byte("{not json"), 0600))

	_, err := store.Load("snapshot")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestStore_LoadWrongShapeIsCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("snapshot"), []byte(`{"a":1}`), 0600))

	_, err := store.Load("snapshot")
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestStore_LoadJSONNullIsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("snapshot"), []byte(`null`), 0600))

	values, err := store.Load("snapshot")
	require.NoError(t, err)
	assert.NotNil(t, values)
	assert.Empty(t, values)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save("snapshot", []string{"a"}))

	require.NoError(t, store.Delete("snapshot"))
	assert.False(t, store.Exists("snapshot"))

	// deleting again is a no-op
	require.NoError(t, store.Delete("snapshot"))
}

func TestStore_RejectsInvalidNames(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", ".", "..", "../escape", "a/b", "a b"} {
		assert.Error(t, store.Save(name, []string{"x"}), "name %q", name)
		_, err := store.Load(name)
		assert.Error(t, err, "name %q", name)
		assert.False(t, store.Exists(name), "name %q", name)
	}
}

func TestStore_SaveFailsWhenDirectoryRemoved(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.RemoveAll(store.Dir()))

	assert.Error(t, store.Save("snapshot", []string{"a"}))
}
