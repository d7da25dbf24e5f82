// Package storage keeps the node's neighbor table on local disk so a
// restarted node comes back with the topology it was last given.
//
// The schema is the NeighborEdge relation: one badger key per peer address
// under edgePrefix, the value is the weight as an IEEE-754 big-endian float.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"gossip_sim/internal/dataType"
	"math"
	"os"

	"github.com/dgraph-io/badger/v3"
)

var edgePrefix = []byte("neighbor/")

var ErrCorrupt = errors.New("corrupt neighbor record")

type NeighborStore struct {
	db *badger.DB
}

// OpenNeighborStore opens (or creates) the store in dir.
func OpenNeighborStore(dir string) (*NeighborStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	return open(opts)
}

// OpenInMemoryNeighborStore keeps nothing on disk.
func OpenInMemoryNeighborStore() (*NeighborStore, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*NeighborStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &NeighborStore{db: db}, nil
}

func (s *NeighborStore) Close() error {
	return s.db.Close()
}

// Load returns every persisted edge. An empty store yields an empty list.
func (s *NeighborStore) Load() ([]dataType.NeighborEdge, error) {
	var edges []dataType.NeighborEdge
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = edgePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			addr := string(item.Key()[len(edgePrefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			weight, err := decodeWeight(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupt, addr, err)
			}
			edges = append(edges, dataType.NeighborEdge{PeerAddr: addr, Weight: weight})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// Save replaces the whole stored relation with edges in one transaction:
// either every old key is gone and every new key is written, or nothing changed.
func (s *NeighborStore) Save(edges []dataType.NeighborEdge) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = edgePrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, e := range edges {
			if err := txn.Set(edgeKey(e.PeerAddr), encodeWeight(e.Weight)); err != nil {
				return err
			}
		}
		return nil
	})
}

func edgeKey(addr string) []byte {
	return append(append([]byte(nil), edgePrefix...), addr...)
}

func encodeWeight(w float64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(w))
	return buf[:]
}

func decodeWeight(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("weight is %d bytes, want 8", len(b))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}
