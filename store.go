package cardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang/snappy"
)

// Persisted blob keys. Exactly two kinds of blobs ever exist per user scope.
const (
	collectionKey = "offline_collection"
	signingKeyKey = "signing_key"
)

// CollectionStore persists collections and signing keys through a
// KeyValueStore. Collections are snappy-compressed JSON and are integrity
// checked on load; a tampered blob is treated as absent rather than trusted.
type CollectionStore struct {
	kv     KeyValueStore
	logger *slog.Logger
}

// NewCollectionStore creates a store on top of the given key-value backend.
// Wrap the backend in a ScopedStore first when one device hosts several
// accounts.
func NewCollectionStore(kv KeyValueStore) *CollectionStore {
	return &CollectionStore{kv: kv, logger: slog.Default()}
}

// SaveCollection writes the collection, refreshing its integrity hash first.
func (s *CollectionStore) SaveCollection(ctx context.Context, c *OfflineCollection) error {
	c.Rehash()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}
	return s.kv.Set(ctx, collectionKey, snappy.Encode(nil, data))
}

// LoadCollection reads and verifies the persisted collection. A missing
// collection returns (nil, nil) so first launch is not an error; a
// corrupted or tampered one returns ErrIntegrityCheckFailed and the caller
// starts fresh.
func (s *CollectionStore) LoadCollection(ctx context.Context) (*OfflineCollection, error) {
	blob, err := s.kv.Get(ctx, collectionKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := snappy.Decode(nil, blob)
	if err != nil {
		s.logger.Warn("stored collection is not valid snappy data, discarding")
		return nil, fmt.Errorf("%w: undecodable collection blob", ErrIntegrityCheckFailed)
	}
	var c OfflineCollection
	if err := json.Unmarshal(data, &c); err != nil {
		s.logger.Warn("stored collection is not valid JSON, discarding")
		return nil, fmt.Errorf("%w: undecodable collection blob", ErrIntegrityCheckFailed)
	}
	if err := VerifyCollectionIntegrity(&c); err != nil {
		s.logger.Warn("stored collection failed integrity check, discarding",
			"device_id", c.DeviceID)
		return nil, err
	}
	return &c, nil
}

// SaveSigningKey persists the signing key record.
func (s *CollectionStore) SaveSigningKey(ctx context.Context, k *SigningKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode signing key: %w", err)
	}
	return s.kv.Set(ctx, signingKeyKey, data)
}

// LoadSigningKey reads the persisted signing key, (nil, nil) if absent.
func (s *CollectionStore) LoadSigningKey(ctx context.Context) (*SigningKey, error) {
	blob, err := s.kv.Get(ctx, signingKeyKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var k SigningKey
	if err := json.Unmarshal(blob, &k); err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return &k, nil
}

// Reset removes the persisted collection and signing key.
func (s *CollectionStore) Reset(ctx context.Context) error {
	if err := s.kv.Remove(ctx, collectionKey); err != nil {
		return err
	}
	return s.kv.Remove(ctx, signingKeyKey)
}
