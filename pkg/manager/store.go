package manager

import (
	"time"

	"github.com/enascvm/admiral/pkg/storage"
)

// ReplicatedStore implements storage.Store by reading from the local
// BoltStore and routing every write through the raft log
type ReplicatedStore struct {
	manager *Manager
	local   *storage.BoltStore
}

var _ storage.Store = (*ReplicatedStore)(nil)

func (s *ReplicatedStore) Get(kind, key string) (*storage.Document, error) {
	return s.local.Get(kind, key)
}

func (s *ReplicatedStore) List(kind string) ([]*storage.Document, error) {
	return s.local.List(kind)
}

func (s *ReplicatedStore) Put(doc *storage.Document) (*storage.Document, error) {
	res, err := s.manager.propose(OpPut, putCommand{Document: stamp(doc)})
	if err != nil {
		return nil, err
	}
	return res.Document, nil
}

func (s *ReplicatedStore) CompareAndPut(doc *storage.Document, expected uint64) (*storage.Document, error) {
	res, err := s.manager.propose(OpCompareAndPut, putCommand{Document: stamp(doc), Expected: expected})
	if err != nil {
		return nil, err
	}
	return res.Document, nil
}

func (s *ReplicatedStore) Delete(kind, key string) error {
	_, err := s.manager.propose(OpDelete, deleteCommand{Kind: kind, Key: key})
	return err
}

// Sweep replicates the sweep with the caller's clock so every replica
// removes the same documents
func (s *ReplicatedStore) Sweep(now time.Time) (int, error) {
	res, err := s.manager.propose(OpSweep, sweepCommand{Now: now})
	if err != nil {
		return 0, err
	}
	return res.Swept, nil
}

// Close is a no-op; the manager owns the underlying store
func (s *ReplicatedStore) Close() error {
	return nil
}

// stamp fixes the update time before proposing so replicas agree on it
func stamp(doc *storage.Document) *storage.Document {
	if !doc.UpdatedAt.IsZero() {
		return doc
	}
	stamped := *doc
	stamped.UpdatedAt = time.Now().UTC()
	return &stamped
}
