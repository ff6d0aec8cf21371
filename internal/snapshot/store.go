// Package snapshot persists heap images in a bbolt database so a heap can be
// inspected after the process exits or restored into a new collector.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/kilupskalvis/jsmem/internal/gc"
)

var ErrNotFound = errors.New("snapshot not found")

var (
	bucketSnapshots = []byte("snapshots")
	bucketObjects   = []byte("snapshot_objects")
	bucketRoots     = []byte("snapshot_roots")
)

// Snapshot is the metadata stored for one saved heap.
type Snapshot struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	CreatedAt   time.Time `json:"created_at"`
	Strategy    string    `json:"strategy"`
	ObjectCount int       `json:"object_count"`
	RootCount   int       `json:"root_count"`
	HeapSize    int       `json:"heap_size"`
	NextID      uint64    `json:"next_id"`
}

// Source is anything that can produce a heap image, typically *gc.Collector.
type Source interface {
	Export() gc.Image
	Config() gc.Config
}

// Store is a bbolt-backed snapshot store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a snapshot database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketObjects, bucketRoots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func objectKey(snapID string, objID uint64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", snapID, objID))
}

func rootKey(snapID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s:%08d", snapID, seq))
}

func prefix(snapID string) []byte {
	return []byte(snapID + ":")
}

// Save exports src and stores it under a new snapshot ID.
func (s *Store) Save(ctx context.Context, label string, src Source) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := src.Export()

	snap := &Snapshot{
		ID:          uuid.New().String(),
		Label:       label,
		CreatedAt:   time.Now().UTC(),
		Strategy:    src.Config().Strategy.String(),
		ObjectCount: len(img.Objects),
		RootCount:   len(img.Roots),
		HeapSize:    img.HeapSize(),
		NextID:      img.NextID,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := tx.Bucket(bucketSnapshots).Put([]byte(snap.ID), meta); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}

		objects := tx.Bucket(bucketObjects)
		for _, obj := range img.Objects {
			data, err := json.Marshal(obj)
			if err != nil {
				return fmt.Errorf("marshal object %d: %w", obj.ID, err)
			}
			if err := objects.Put(objectKey(snap.ID, obj.ID), data); err != nil {
				return fmt.Errorf("store object %d: %w", obj.ID, err)
			}
		}

		roots := tx.Bucket(bucketRoots)
		for i, root := range img.Roots {
			data, err := json.Marshal(root)
			if err != nil {
				return fmt.Errorf("marshal root %s: %w", root.ID, err)
			}
			if err := roots.Put(rootKey(snap.ID, i), data); err != nil {
				return fmt.Errorf("store root %s: %w", root.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns snapshot metadata. Returns ErrNotFound if missing.
func (s *Store) Get(_ context.Context, id string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		snap = &Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns all snapshots, newest first.
func (s *Store) List(_ context.Context) ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			snap := &Snapshot{}
			if err := json.Unmarshal(v, snap); err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Load reads the stored heap image of a snapshot.
func (s *Store) Load(ctx context.Context, id string) (*gc.Image, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	img := &gc.Image{NextID: snap.NextID}
	err = s.db.View(func(tx *bolt.Tx) error {
		p := prefix(id)

		c := tx.Bucket(bucketObjects).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var obj gc.MemoryObject
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("unmarshal object %s: %w", k, err)
			}
			img.Objects = append(img.Objects, obj)
		}

		c = tx.Bucket(bucketRoots).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var root gc.RootReference
			if err := json.Unmarshal(v, &root); err != nil {
				return fmt.Errorf("unmarshal root %s: %w", k, err)
			}
			img.Roots = append(img.Roots, root)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Restore loads a snapshot into a new collector.
func (s *Store) Restore(ctx context.Context, id string, cfg gc.Config, opts ...gc.Option) (*gc.Collector, error) {
	img, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return gc.Restore(cfg, *img, opts...)
}

// Delete removes a snapshot and its objects and roots.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketSnapshots)
		if meta.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := meta.Delete([]byte(id)); err != nil {
			return err
		}

		p := prefix(id)
		for _, name := range [][]byte{bucketObjects, bucketRoots} {
			b := tx.Bucket(name)
			var keys [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
				keys = append(keys, bytes.Clone(k))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
			}
		}
		return nil
	})
}
