package cardsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite key-value store.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string `json:"path" yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int `json:"cache_size" yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `json:"synchronous" yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `json:"busy_timeout" yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "cardsync.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore implements KeyValueStore using SQLite. The default local
// persistence backend: durable across app restarts and inspectable with
// standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	// Prepared statements for common operations
	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	keysStmt   *sql.Stmt
}

// NewSQLiteStore creates a new SQLite-based key-value store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "cardsync.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			size INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.upsertStmt, err = s.db.Prepare(`
		INSERT INTO kv (key, value, created_at, updated_at, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = excluded.updated_at, size = excluded.size
	`)
	if err != nil {
		return err
	}
	s.selectStmt, err = s.db.Prepare(`SELECT value FROM kv WHERE key = ?`)
	if err != nil {
		return err
	}
	s.deleteStmt, err = s.db.Prepare(`DELETE FROM kv WHERE key = ?`)
	if err != nil {
		return err
	}
	s.keysStmt, err = s.db.Prepare(`SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	var value []byte
	err := s.selectStmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}

	now := time.Now().UnixMilli()
	if _, err := s.upsertStmt.ExecContext(ctx, key, value, now, now, len(value)); err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}

	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite remove: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	rows, err := s.keysStmt.QueryContext(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.upsertStmt, s.selectStmt, s.deleteStmt, s.keysStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
