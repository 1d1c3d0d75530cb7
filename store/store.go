// Package store provides the agent's local persistence layer: a small
// key/value interface with a durable goleveldb backend and an in-memory
// backend, plus versioned JSON envelope helpers.
//
// Every persisted record travels inside an envelope carrying a schema
// version. Readers that find a corrupt payload or an unknown version treat
// the record as absent and purge it, so a bad entry can never wedge the
// agent; callers rebuild defaults instead.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a flat key/value store for slice state.
type Store interface {
	// Load returns the value for key, or ErrNotFound.
	Load(key string) ([]byte, error)
	// Save sets the value for key, overwriting any previous value.
	Save(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Close releases backend resources.
	Close() error
}

// envelope wraps every persisted JSON record with its schema version.
type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Migration converts a payload written at an older schema version into the
// current version's shape.
type Migration func(old json.RawMessage) (json.RawMessage, error)

// SaveJSON marshals v into a versioned envelope and stores it under key.
func SaveJSON(s Store, key string, version int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Version: version, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", key, err)
	}
	return s.Save(key, raw)
}

// LoadJSON loads the envelope under key and unmarshals its payload into v
// when the stored version matches. A stored version present in migrations is
// converted first. It returns false when the key is absent, and also when
// the payload is corrupt or carries an unmigratable version — in those cases
// the entry is purged so the caller starts fresh.
func LoadJSON(s Store, key string, version int, v any, migrations map[int]Migration) (bool, error) {
	raw, err := s.Load(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = s.Delete(key)
		return false, nil
	}

	data := env.Data
	if env.Version != version {
		migrate, ok := migrations[env.Version]
		if !ok {
			_ = s.Delete(key)
			return false, nil
		}
		data, err = migrate(env.Data)
		if err != nil {
			_ = s.Delete(key)
			return false, nil
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		_ = s.Delete(key)
		return false, nil
	}
	return true, nil
}
