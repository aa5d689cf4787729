package cardsync

import "context"

// KeyValueStore is the durable string-keyed blob map everything persists
// through. Implementations exist for memory, local files, SQLite, and S3;
// the sync core never assumes which one it is running on.
type KeyValueStore interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys returns all stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources.
	Close() error
}

var (
	_ KeyValueStore = (*MemoryStore)(nil)
	_ KeyValueStore = (*FileStore)(nil)
	_ KeyValueStore = (*SQLiteStore)(nil)
	_ KeyValueStore = (*S3Store)(nil)
	_ KeyValueStore = (*ScopedStore)(nil)
)

// ScopedStore namespaces keys per user on a shared device. User-scoped keys
// become "user_<id>_<key>" and unscoped keys "global_<key>", so two accounts
// on one device never read each other's collections.
type ScopedStore struct {
	inner  KeyValueStore
	userID string
}

// NewScopedStore wraps a store with a user namespace. An empty userID scopes
// everything globally.
func NewScopedStore(inner KeyValueStore, userID string) *ScopedStore {
	return &ScopedStore{inner: inner, userID: userID}
}

func (s *ScopedStore) scope(key string) string {
	if s.userID == "" {
		return "global_" + key
	}
	return "user_" + s.userID + "_" + key
}

func (s *ScopedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.scope(key))
}

func (s *ScopedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.scope(key), value)
}

func (s *ScopedStore) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.scope(key))
}

func (s *ScopedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	scoped := s.scope(prefix)
	keys, err := s.inner.Keys(ctx, scoped)
	if err != nil {
		return nil, err
	}
	cut := len(s.scope(""))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[cut:])
	}
	return out, nil
}

func (s *ScopedStore) Close() error {
	return s.inner.Close()
}
