package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/internal/auth"
	_ "modernc.org/sqlite"
)

// Entry keys. Each one is stored and cleared independently.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "auth_user"
)

// StoredSession represents the persisted session of the console.
// Any field may be empty; all empty means anonymous.
type StoredSession struct {
	AccessToken  string
	RefreshToken string
	User         *auth.User
	LastUpdated  time.Time
}

// IsEmpty returns true if nothing is stored.
func (s *StoredSession) IsEmpty() bool {
	return s == nil || (s.AccessToken == "" && s.RefreshToken == "" && s.User == nil)
}

// TokenStore defines the interface for session persistence.
type TokenStore interface {
	// Load returns nil, nil when there is no stored session.
	Load() (*StoredSession, error)
	Save(session *StoredSession) error
	Clear() error
	Close() error
}

// SQLiteStore implements TokenStore using SQLite with encrypted values.
type SQLiteStore struct {
	db     *sql.DB
	cipher *entryCipher
	mu     sync.RWMutex
}

var _ TokenStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-based token store.
// The dbPath is the path to the SQLite database file.
// The encryptionKey must be KeySize bytes; DeriveKey produces one.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	entries, err := newEntryCipher(encryptionKey)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		cipher: entries,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	// Tokens are credentials; keep the file private. Only works once it exists.
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("dbPath", dbPath).Msg("could not restrict database permissions")
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create session_entries table: %w", err)
	}
	return nil
}

// Load reads the stored session.
func (s *SQLiteStore) Load() (*StoredSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT key, value, updated_at FROM session_entries")
	if err != nil {
		return nil, fmt.Errorf("failed to query session entries: %w", err)
	}
	defer rows.Close()

	session := &StoredSession{}
	for rows.Next() {
		var key, encrypted string
		var updatedAt time.Time
		if err := rows.Scan(&key, &encrypted, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		value, err := s.cipher.open(key, encrypted)
		if err != nil {
			return nil, err
		}

		switch key {
		case KeyAccessToken:
			session.AccessToken = string(value)
		case KeyRefreshToken:
			session.RefreshToken = string(value)
		case KeyUser:
			var user auth.User
			if err := json.Unmarshal(value, &user); err != nil {
				log.Warn().Err(err).Msg("ignoring unreadable stored user")
				continue
			}
			session.User = &user
		default:
			continue
		}
		if updatedAt.After(session.LastUpdated) {
			session.LastUpdated = updatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if session.IsEmpty() {
		return nil, nil
	}
	return session, nil
}

// Save replaces the stored session in one transaction. Empty fields are removed.
func (s *SQLiteStore) Save(session *StoredSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := map[string][]byte{}
	if session.AccessToken != "" {
		values[KeyAccessToken] = []byte(session.AccessToken)
	}
	if session.RefreshToken != "" {
		values[KeyRefreshToken] = []byte(session.RefreshToken)
	}
	if session.User != nil {
		userJSON, err := json.Marshal(session.User)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		values[KeyUser] = userJSON
	}

	session.LastUpdated = time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUser} {
		value, ok := values[key]
		if !ok {
			if _, err := tx.Exec("DELETE FROM session_entries WHERE key = ?", key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
			continue
		}

		encrypted, err := s.cipher.seal(key, value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		_, err = tx.Exec(`
			INSERT INTO session_entries (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`, key, encrypted, session.LastUpdated)
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

// Clear removes every stored entry.
func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM session_entries"); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
