package settings

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlockd/internal/hotkey"
	"inputlockd/internal/lock"
	"inputlockd/internal/logging"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := Open(path, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestGetDefaultsWhenEmpty(t *testing.T) {
	store, _ := openTestStore(t)

	s, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, lock.DefaultSettings(), s)
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	want := lock.Settings{
		AutoRelease: lock.Timed(5 * time.Minute),
		ReleaseHotkey: hotkey.Hotkey{
			KeyCode:   1, // esc
			Modifiers: hotkey.ModControl | hotkey.ModShift,
		},
		NotifyOnRelease: true,
	}
	require.NoError(t, store.Put(want))

	got, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPutRejectsInvalidHotkey(t *testing.T) {
	store, _ := openTestStore(t)

	s := lock.DefaultSettings()
	s.ReleaseHotkey.Modifiers = 0
	assert.ErrorIs(t, store.Put(s), hotkey.ErrNoModifiers)
}

func TestSettingsSharedAcrossHandles(t *testing.T) {
	store, path := openTestStore(t)

	want := lock.DefaultSettings()
	want.AutoRelease = lock.Timed(30 * time.Second)
	require.NoError(t, store.Put(want))

	// A second handle, as the CLI would open, sees the same row.
	other, err := Open(path, logging.Default())
	require.NoError(t, err)
	defer other.Close()

	got, err := other.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetRejectsTamperedDocument(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Put(lock.DefaultSettings()))
	require.NoError(t, store.Close())

	// Corrupt the row out-of-band: seconds above the schema bound.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE settings SET value = ? WHERE key = ?`,
		`{"auto_release":{"enabled":true,"seconds":999999},"release_hotkey":{"key_code":38,"modifiers":6}}`,
		settingsKey)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	fresh, err := Open(path, logging.Default())
	require.NoError(t, err)
	defer fresh.Close()

	_, err = fresh.Get()
	assert.ErrorContains(t, err, "invalid settings document")
}

func TestGetRejectsMalformedJSON(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Put(lock.DefaultSettings()))
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE settings SET value = ? WHERE key = ?`, `{not json`, settingsKey)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	fresh, err := Open(path, logging.Default())
	require.NoError(t, err)
	defer fresh.Close()

	_, err = fresh.Get()
	assert.ErrorContains(t, err, "malformed settings document")
}

func TestCacheInvalidationOnExternalWrite(t *testing.T) {
	store, path := openTestStore(t)

	// Populate the cache through this handle.
	require.NoError(t, store.Put(lock.DefaultSettings()))
	first, err := store.Get()
	require.NoError(t, err)
	require.False(t, first.AutoRelease.Enabled)

	// Another process (second handle) updates the database.
	other, err := Open(path, logging.Default())
	require.NoError(t, err)
	updated := lock.DefaultSettings()
	updated.AutoRelease = lock.Timed(time.Minute)
	require.NoError(t, other.Put(updated))
	require.NoError(t, other.Close())

	// The watcher drops the cache; the next read sees the new value.
	require.Eventually(t, func() bool {
		got, err := store.Get()
		return err == nil && got.AutoRelease.Enabled
	}, 3*time.Second, 50*time.Millisecond)
}
