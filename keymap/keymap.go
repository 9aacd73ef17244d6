// Package keymap maps natural source keys to stable surrogate UUIDs and
// back. The mapping is persisted in an embedded bbolt database so ids stay
// stable across runs, and the ids themselves are name-based UUIDs so two
// stores fed the same keys agree.
package keymap

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"datapub.evalgo.org/common"
)

const reverseSuffix = "/_reverse"

// Namespace picks the keymap namespace for identifying a model's rows by a
// property combination. The primary key uses the bare model name so every
// writer agrees, any other combination gets its own namespace.
func Namespace(model string, props, pkeys []string) string {
	if len(props) == 0 || sameList(props, pkeys) {
		return model
	}
	out := model + "."
	for i, p := range props {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// KeyMap is a persistent natural-key to UUID index. Safe for concurrent
// use, writes per namespace are serialised by the underlying store.
type KeyMap struct {
	db *bolt.DB
}

// Open opens (or creates) a keymap database at path.
func Open(path string) (*KeyMap, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("keymap: opening %s: %w", path, err)
	}
	return &KeyMap{db: db}, nil
}

func (k *KeyMap) Close() error {
	return k.db.Close()
}

// Encode returns the surrogate UUID for a natural key within a namespace,
// creating the mapping on first use. Composite keys are ordered tuples,
// single-element tuples canonicalise to their element. A non-empty parent
// id chains into the derivation so composite-derived identifiers stay
// stable.
func (k *KeyMap) Encode(ns string, key interface{}, parent string) (string, error) {
	canon, err := canonical(key)
	if err != nil {
		return "", err
	}
	id := derive(ns, canon, parent)

	hash := sha1.Sum(canon)
	err = k.db.Update(func(tx *bolt.Tx) error {
		fwd, err := tx.CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return err
		}
		if existing := fwd.Get(hash[:]); existing != nil {
			id = string(existing)
			return nil
		}
		rev, err := tx.CreateBucketIfNotExists([]byte(ns + reverseSuffix))
		if err != nil {
			return err
		}
		if err := fwd.Put(hash[:], []byte(id)); err != nil {
			return err
		}
		return rev.Put([]byte(id), canon)
	})
	if err != nil {
		return "", fmt.Errorf("keymap: encode %s: %w", ns, err)
	}
	return id, nil
}

// Decode returns the natural key previously encoded to the given UUID.
func (k *KeyMap) Decode(ns, id string) (interface{}, error) {
	var canon []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		rev := tx.Bucket([]byte(ns + reverseSuffix))
		if rev == nil {
			return nil
		}
		if v := rev.Get([]byte(id)); v != nil {
			canon = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keymap: decode %s: %w", ns, err)
	}
	if canon == nil {
		return nil, common.ItemDoesNotExist(ns, id)
	}
	var key interface{}
	if err := msgpack.Unmarshal(canon, &key); err != nil {
		return nil, fmt.Errorf("keymap: decode %s: %w", ns, err)
	}
	return key, nil
}

// Contains reports whether the UUID is known in the namespace.
func (k *KeyMap) Contains(ns, id string) (bool, error) {
	found := false
	err := k.db.View(func(tx *bolt.Tx) error {
		rev := tx.Bucket([]byte(ns + reverseSuffix))
		if rev != nil && rev.Get([]byte(id)) != nil {
			found = true
		}
		return nil
	})
	return found, err
}

// canonical serialises a natural key into its stable byte form. Slices of
// one element collapse to the element so (x) and x map identically.
func canonical(key interface{}) ([]byte, error) {
	if list, ok := key.([]interface{}); ok && len(list) == 1 {
		key = list[0]
	}
	b, err := msgpack.Marshal(normalize(key))
	if err != nil {
		return nil, fmt.Errorf("keymap: serialising key: %w", err)
	}
	return b, nil
}

// normalize widens integer variants so the serialised form does not depend
// on the Go type the caller happened to hold.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, item := range n {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// derive computes the name-based UUID for a canonical key. The namespace
// string seeds a per-model UUID namespace, a parent id replaces it when
// chaining.
func derive(ns string, canon []byte, parent string) string {
	var space uuid.UUID
	if parent != "" {
		if p, err := uuid.Parse(parent); err == nil {
			space = p
		} else {
			space = uuid.NewSHA1(uuid.NameSpaceURL, []byte(parent))
		}
	} else {
		space = uuid.NewSHA1(uuid.NameSpaceURL, []byte(ns))
	}
	return uuid.NewSHA1(space, canon).String()
}
