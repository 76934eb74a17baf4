package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutIndex caches the raw body of the package index fetched from url.
func (s *Store) PutIndex(ctx context.Context, url string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO package_index (url, body, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET body = excluded.body, fetched_at = excluded.fetched_at`,
		url, body, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to cache index %s: %w", url, err)
	}
	return nil
}

// GetIndex returns the cached body for url and when it was fetched.
func (s *Store) GetIndex(ctx context.Context, url string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body []byte
	var fetched int64
	err := s.db.QueryRowContext(ctx,
		"SELECT body, fetched_at FROM package_index WHERE url = ?", url).Scan(&body, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("index %q: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return body, fromMillis(fetched), nil
}
