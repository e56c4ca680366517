package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSkipUpdate may be returned by an Update mutation to leave the
// document untouched
var ErrSkipUpdate = errors.New("skip update")

// maxUpdateAttempts bounds the read-modify-write loop in Update
const maxUpdateAttempts = 8

// Expirer is implemented by records that carry their own expiration
type Expirer interface {
	Expiration() time.Time
}

// Load decodes a single document into a T and returns its version
func Load[T any](s Store, kind, key string) (*T, uint64, error) {
	doc, err := s.Get(kind, key)
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s/%s: %w", kind, key, err)
	}
	return &v, doc.Version, nil
}

// LoadAll decodes every document of a kind
func LoadAll[T any](s Store, kind string) ([]*T, error) {
	docs, err := s.List(kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Body, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", kind, doc.Key, err)
		}
		out = append(out, &v)
	}
	return out, nil
}

// Save writes v unconditionally
func Save[T any](s Store, kind, key string, v *T) error {
	doc, err := encode(kind, key, v)
	if err != nil {
		return err
	}
	_, err = s.Put(doc)
	return err
}

// Create writes v only if no document exists under key
func Create[T any](s Store, kind, key string, v *T) error {
	return SaveVersion(s, kind, key, v, 0)
}

// SaveVersion writes v only if the stored version equals expected
func SaveVersion[T any](s Store, kind, key string, v *T, expected uint64) error {
	doc, err := encode(kind, key, v)
	if err != nil {
		return err
	}
	_, err = s.CompareAndPut(doc, expected)
	return err
}

// Update applies mutate to the current value and writes it back with a
// version check, retrying on conflict. ErrNotFound is returned unchanged
// so callers can treat a vanished document as benign.
func Update[T any](s Store, kind, key string, mutate func(v *T) error) (*T, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		v, version, err := Load[T](s, kind, key)
		if err != nil {
			return nil, err
		}
		if err := mutate(v); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return v, nil
			}
			return nil, err
		}
		err = SaveVersion(s, kind, key, v, version)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update %s/%s gave up after %d attempts: %w", kind, key, maxUpdateAttempts, lastErr)
}

func encode(kind, key string, v any) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s/%s: %w", kind, key, err)
	}
	doc := &Document{
		Kind:      kind,
		Key:       key,
		Body:      body,
		UpdatedAt: time.Now().UTC(),
	}
	if e, ok := v.(Expirer); ok {
		doc.ExpiresAt = e.Expiration()
	}
	return doc, nil
}
