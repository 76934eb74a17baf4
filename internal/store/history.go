package store

import (
	"context"
	"fmt"
	"time"
)

// AppendHistory records entry under key and trims the oldest entries so at
// most limit remain. limit <= 0 keeps everything.
func (s *Store) AppendHistory(ctx context.Context, key, entry string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO history (key, entry, created_at) VALUES (?, ?, ?)",
		key, entry, toMillis(time.Now()),
	); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if limit > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history WHERE key = ? AND id NOT IN (
				SELECT id FROM history WHERE key = ? ORDER BY id DESC LIMIT ?
			)`,
			key, key, limit,
		); err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	return tx.Commit()
}

// History returns the entries for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT entry FROM history WHERE key = ? ORDER BY id", key)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearHistory deletes all entries for key.
func (s *Store) ClearHistory(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM history WHERE key = ?", key)
	return err
}
