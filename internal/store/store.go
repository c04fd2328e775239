// Package store implements a local bbolt-backed snapshot of the live
// topology index (SPEC_FULL.md §4 domain-stack: "so a crash can be
// diagnosed post-mortem"), grounded on the teacher's store/bolt.go. It is
// not the wire format for save/load (internal/persist owns that); this is
// a write-behind diagnostic trail the orchestrator updates at quiescent
// points (after build, after each live add/remove).
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"apwifi/internal/xerrors"
)

var nodesBucket = []byte("nodes")
var linksBucket = []byte("links")
var eventsBucket = []byte("events")

// Store wraps a bbolt database file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second, NoFreelistSync: true})
	if err != nil {
		return nil, xerrors.ResourceError(fmt.Sprintf("opening snapshot store %s", path), err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{nodesBucket, linksBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.ResourceError("creating snapshot store buckets", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutNode snapshots one node's current state, keyed by name.
func (s *Store) PutNode(name string, v interface{}) error {
	return s.put(nodesBucket, name, v)
}

// PutLink snapshots one link, keyed by its stable id string.
func (s *Store) PutLink(id string, v interface{}) error {
	return s.put(linksBucket, id, v)
}

// RecordEvent appends a diagnostic line (association state transitions,
// mobility roam events, ...) under a monotonic key: the caller's sequence
// number, zero-padded to 20 digits. No timestamp is added.
func (s *Store) RecordEvent(seq uint64, v interface{}) error {
	return s.put(eventsBucket, fmt.Sprintf("%020d", seq), v)
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.ConfigError(fmt.Sprintf("marshaling %s/%s", bucket, key), err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return xerrors.ResourceError(fmt.Sprintf("writing %s/%s", bucket, key), err)
	}

	return nil
}

// DeleteNode removes a node's snapshot, e.g. after a live remove.
func (s *Store) DeleteNode(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(name))
	})
}

// Nodes returns every node snapshot currently stored, decoded as raw JSON
// so callers pick the target type (used by the CLI status command).
func (s *Store) Nodes() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.ResourceError("reading node snapshots", err)
	}

	return out, nil
}
