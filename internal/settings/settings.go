// Package settings persists lock settings across daemon restarts.
//
// Storage is a single-table sqlite database so the CLI and the daemon
// can share it without the daemon brokering writes: sqlite gives the
// cross-process write safety a flat file would not. Values are JSON
// documents validated against an embedded schema before they are
// trusted, since the store is writable by unprivileged tools. A file
// watcher invalidates the daemon's read cache when another process
// updates the database.
package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mattn/go-sqlite3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"inputlockd/internal/lock"
	"inputlockd/internal/logging"
)

const (
	// settingsKey is the row holding the lock settings document.
	settingsKey = "lock.settings"

	createTableSQL = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`
)

// settingsSchema constrains documents read back from the store. Bounds
// match what the state machine accepts: auto-release between one second
// and 24 hours, key codes in the uint16 range.
const settingsSchema = `{
	"type": "object",
	"properties": {
		"auto_release": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"seconds": {"type": "integer", "minimum": 1, "maximum": 86400}
			},
			"required": ["enabled"]
		},
		"release_hotkey": {
			"type": "object",
			"properties": {
				"key_code": {"type": "integer", "minimum": 0, "maximum": 65535},
				"modifiers": {"type": "integer", "minimum": 0}
			},
			"required": ["modifiers"]
		},
		"notify_on_release": {"type": "boolean"}
	},
	"required": ["release_hotkey"]
}`

var compiledSchema = jsonschema.MustCompileString("lock_settings.json", settingsSchema)

// Store is the settings database handle. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	log  *logging.Logger

	mu     sync.Mutex
	cached *lock.Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open creates or opens the settings database and starts the
// invalidation watcher.
func Open(path string, log *logging.Logger) (*Store, error) {
	log = log.WithComponent("settings")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create settings directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize settings schema: %w", err)
	}

	s := &Store{
		db:   db,
		path: path,
		log:  log,
		done: make(chan struct{}),
	}

	// Watch the directory rather than the file: sqlite journals replace
	// files during checkpoints, which drops per-file watches.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("settings watcher unavailable, cache invalidation disabled", "error", err)
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn("settings watch failed, cache invalidation disabled", "error", err)
		watcher.Close()
	} else {
		s.watcher = watcher
		go s.watch()
	}

	return s, nil
}

// Close stops the watcher and closes the database.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.done
	}
	return s.db.Close()
}

// Get returns the stored lock settings, falling back to defaults when
// no row exists. A document that fails validation is rejected, not
// silently replaced: the caller decides how to recover.
func (s *Store) Get() (lock.Settings, error) {
	s.mu.Lock()
	if s.cached != nil {
		cached := *s.cached
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, settingsKey,
	).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return lock.DefaultSettings(), nil
	case err != nil:
		return lock.Settings{}, fmt.Errorf("read settings: %w", err)
	}

	parsed, err := parseAndValidate([]byte(value))
	if err != nil {
		return lock.Settings{}, err
	}

	s.mu.Lock()
	s.cached = &parsed
	s.mu.Unlock()
	return parsed, nil
}

// Put validates and stores the lock settings.
func (s *Store) Put(settings lock.Settings) error {
	if err := settings.ReleaseHotkey.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(&settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := parseAndValidate(value); err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsKey, string(value), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	s.mu.Lock()
	s.cached = &settings
	s.mu.Unlock()
	return nil
}

// parseAndValidate checks a stored document against the schema before
// decoding it.
func parseAndValidate(data []byte) (lock.Settings, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return lock.Settings{}, fmt.Errorf("malformed settings document: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return lock.Settings{}, fmt.Errorf("invalid settings document: %w", err)
	}

	var settings lock.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return lock.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := settings.ReleaseHotkey.Validate(); err != nil {
		return lock.Settings{}, err
	}
	return settings, nil
}

// watch invalidates the cache when the database file changes on disk.
func (s *Store) watch() {
	defer close(s.done)
	base := filepath.Base(s.path)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
				s.mu.Lock()
				s.cached = nil
				s.mu.Unlock()
				s.log.Debug("settings changed on disk, cache invalidated")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings watcher error", "error", err)
		}
	}
}
