package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func importKey(hash string) string {
	return "import:" + hash
}

// IsImported reports whether a fixture file with the given content hash
// was already loaded.
func (s *Store) IsImported(ctx context.Context, hash string) (bool, error) {
	v, err := s.GetMetadata(ctx, importKey(hash))
	return v != "", err
}

// MarkImported records a loaded fixture file by content hash.
func (s *Store) MarkImported(ctx context.Context, hash, name string) error {
	return s.SetMetadata(ctx, importKey(hash), name+"@"+time.Now().UTC().Format(time.RFC3339))
}
