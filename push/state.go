// Package push implements one-way replication: rows stream from an
// external source, project into canonical change payloads, deduplicate
// against a local state store and post to a remote service in chunks.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const cursorBucket = "_page"

// Entry is the persisted push state of one row.
type Entry struct {
	Revision string    `json:"revision"`
	Checksum string    `json:"checksum"`
	Pushed   time.Time `json:"pushed"`
	Error    bool      `json:"error"`
	// Data keeps the last attempted payload so failed rows can be retried
	// without re-reading the source.
	Data json.RawMessage `json:"data,omitempty"`
}

// State is the embedded push-state store: one bucket per model keyed by
// row id, plus a shared cursor bucket for paginated sources.
type State struct {
	db *bolt.DB
}

// OpenState opens (or creates) the state database.
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("push: opening state %s: %w", path, err)
	}
	return &State{db: db}, nil
}

func (s *State) Close() error {
	return s.db.Close()
}

// Get reads one row's state, nil when the row was never pushed.
func (s *State) Get(model, id string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("push: reading state %s/%s: %w", model, id, err)
	}
	return entry, nil
}

// Put upserts one row's state.
func (s *State) Put(model, id string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(model))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), raw)
	})
	if err != nil {
		return fmt.Errorf("push: writing state %s/%s: %w", model, id, err)
	}
	return nil
}

// MarkError flags a row as failed, keeping its previous revision and
// storing the attempted payload for retry.
func (s *State) MarkError(model, id string, data []byte) error {
	entry, err := s.Get(model, id)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &Entry{}
	}
	entry.Error = true
	entry.Data = data
	return s.Put(model, id, *entry)
}

// Delete removes one row's state after the remote confirmed a delete.
func (s *State) Delete(model, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("push: deleting state %s/%s: %w", model, id, err)
	}
	return nil
}

// IDs lists every row id known for a model. Used for delete detection.
func (s *State) IDs(model string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Errors lists the rows flagged as failed, with their stored payloads.
// These are retried before fresh source rows.
func (s *State) Errors(model string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Error {
				out[string(k)] = e.Data
			}
			return nil
		})
	})
	return out, err
}

// Cursor reads the stored page cursor of a model, empty when none.
func (s *State) Cursor(model string) (string, error) {
	var cursor string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cursorBucket))
		if b == nil {
			return nil
		}
		cursor = string(b.Get([]byte(model)))
		return nil
	})
	return cursor, err
}

// SetCursor stores the last seen page cursor of a model.
func (s *State) SetCursor(model, cursor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(cursorBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(model), []byte(cursor))
	})
}

// ErrorCounter aborts a run once too many rows fail.
type ErrorCounter struct {
	Max   int
	count int
}

// Add records one failure, returning an error when the threshold is hit.
func (c *ErrorCounter) Add() error {
	c.count++
	if c.Max > 0 && c.count >= c.Max {
		return fmt.Errorf("push: aborting after %d errors", c.count)
	}
	return nil
}

func (c *ErrorCounter) Count() int { return c.count }
