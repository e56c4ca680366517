package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "admiral.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range Kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", kind, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(kind, key string) (*Document, error) {
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = getDocument(tx, kind, key)
		return err
	})
	return doc, err
}

func (s *BoltStore) List(kind string) ([]*Document, error) {
	var docs []*Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", kind, k, err)
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) Put(doc *Document) (*Document, error) {
	var stored *Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getDocument(tx, doc.Kind, doc.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var version uint64
		if current != nil {
			version = current.Version
		}
		stored, err = putDocument(tx, doc, version+1)
		return err
	})
	return stored, err
}

func (s *BoltStore) CompareAndPut(doc *Document, expected uint64) (*Document, error) {
	var stored *Document
	err := s.db.Update(func(tx *bolt.Tx) error {
		current, err := getDocument(tx, doc.Kind, doc.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		var version uint64
		if current != nil {
			version = current.Version
		}
		if version != expected {
			return fmt.Errorf("%w: %s/%s at version %d, expected %d", ErrConflict, doc.Kind, doc.Key, version, expected)
		}
		stored, err = putDocument(tx, doc, version+1)
		return err
	})
	return stored, err
}

func (s *BoltStore) Delete(kind, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Sweep(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			var expired [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var doc Document
				if err := json.Unmarshal(v, &doc); err != nil {
					return err
				}
				if doc.Expired(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			// Deleting inside ForEach invalidates the cursor
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(expired)
			return nil
		})
	})
	return removed, err
}

// All returns every document in every bucket
func (s *BoltStore) All() ([]*Document, error) {
	var docs []*Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				var doc Document
				if err := json.Unmarshal(v, &doc); err != nil {
					return err
				}
				docs = append(docs, &doc)
				return nil
			})
		})
	})
	return docs, err
}

// Replace drops all buckets and loads docs in their place, keeping
// their versions
func (s *BoltStore) Replace(docs []*Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		for _, kind := range Kinds {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}
		for _, doc := range docs {
			if _, err := putDocument(tx, doc, doc.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

func getDocument(tx *bolt.Tx, kind, key string) (*Document, error) {
	b := tx.Bucket([]byte(kind))
	if b == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, key)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", kind, key, err)
	}
	return &doc, nil
}

func putDocument(tx *bolt.Tx, doc *Document, version uint64) (*Document, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(doc.Kind))
	if err != nil {
		return nil, err
	}
	stored := *doc
	stored.Version = version
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}
	if err := b.Put([]byte(doc.Key), data); err != nil {
		return nil, err
	}
	return &stored, nil
}
