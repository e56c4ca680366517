package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a versioned write loses a race
	ErrConflict = errors.New("document version conflict")
)

// Document kinds. Each kind is stored in its own bucket.
const (
	KindTask                 = "tasks"
	KindContainer            = "containers"
	KindContainerDescription = "container_descriptions"
	KindPlacement            = "placements"
	KindPortProfile          = "port_profiles"
	KindVolume               = "volumes"
	KindVolumeDescription    = "volume_descriptions"
	KindHost                 = "hosts"
)

// Kinds lists every kind created when a store is opened
var Kinds = []string{
	KindTask,
	KindContainer,
	KindContainerDescription,
	KindPlacement,
	KindPortProfile,
	KindVolume,
	KindVolumeDescription,
	KindHost,
}

// Document is the versioned envelope stored for every record
type Document struct {
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Version uint64          `json:"version"`
	Body    json.RawMessage `json:"body"`

	UpdatedAt time.Time `json:"updatedAt"`
	// ExpiresAt makes the document eligible for Sweep; zero means never
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the document is eligible for garbage collection
func (d *Document) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Store defines the durable keyed document store.
// Writes to a single key are serialized; every successful write
// increments the document's version.
type Store interface {
	Get(kind, key string) (*Document, error)
	List(kind string) ([]*Document, error)

	// Put writes the document unconditionally
	Put(doc *Document) (*Document, error)

	// CompareAndPut writes the document only if the stored version equals
	// expected. An expected version of 0 means the key must not exist.
	CompareAndPut(doc *Document, expected uint64) (*Document, error)

	// Delete removes a document, returning ErrNotFound if it is absent
	Delete(kind, key string) error

	// Sweep deletes every document whose expiration is not after now
	Sweep(now time.Time) (int, error)

	Close() error
}
