// Package settings stores the service's persistent state: the feature
// enabled flag and the enabled-in-restricted-connectivity-mode flag.
//
// Values live in a single versioned bbolt bucket and every change is
// written through synchronously, so a crash never loses an acknowledged
// toggle. Reads after open are served from the in-memory copy.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

const (
	fileName   = "settings.db"
	bucketName = "settings"

	// schemaVersion is bumped for any non-backward-compatible change.
	schemaVersion = 1

	versionKey = "version"

	// KeyEnabled stores the feature toggle state.
	KeyEnabled = "thread_enabled"

	// KeyEnabledInRestrictedMode stores whether the feature stays enabled
	// when the device is in restricted-connectivity mode.
	KeyEnabledInRestrictedMode = "thread_enabled_in_restricted_mode"
)

// Store is the persistent settings store.
type Store struct {
	db *bolt.DB

	mu     sync.Mutex
	values map[string]bool
}

// Defaults supplies values for keys missing from the store file.
type Defaults struct {
	Enabled bool
}

// Open opens (creating if needed) the settings store under dir.
func Open(dir string, defaults Defaults) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, fileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	s := &Store{db: db, values: map[string]bool{
		KeyEnabled:                 defaults.Enabled,
		KeyEnabledInRestrictedMode: false,
	}}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		if raw := b.Get([]byte(versionKey)); raw != nil {
			var v int
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("corrupt settings version: %w", err)
			}
			// Versions are read forward; migration hooks go here when the
			// schema changes.
			if v > schemaVersion {
				log.L.WithField("version", v).Warn("settings store written by a newer version")
			}
		}
		for key := range s.values {
			raw := b.Get([]byte(key))
			if raw == nil {
				log.L.WithField("key", key).Info("settings key missing, using default")
				continue
			}
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("corrupt settings key %s: %w", key, err)
			}
			s.values[key] = v
		}
		return nil
	})
}

// Get returns the stored value for key, or false for an unknown key.
func (s *Store) Get(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Put stores value under key, writing through to disk before returning.
func (s *Store) Put(key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("settings bucket missing")
		}
		ver, err := json.Marshal(schemaVersion)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(versionKey), ver); err != nil {
			return err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	s.values[key] = value
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
