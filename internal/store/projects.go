package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProjectRecord links a project directory to an instance.
type ProjectRecord struct {
	Path     string
	Instance string
	LinkedAt time.Time
}

// LinkProject links path to instance, replacing any previous link.
func (s *Store) LinkProject(ctx context.Context, path, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (path, instance, linked_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET instance = excluded.instance, linked_at = excluded.linked_at`,
		path, instance, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to link %s: %w", path, err)
	}
	return nil
}

// UnlinkProject removes the link for path.
func (s *Store) UnlinkProject(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("failed to unlink %s: %w", path, err)
	}
	return expectOne(res, "project", path)
}

// ProjectInstance returns the instance linked to path.
func (s *Store) ProjectInstance(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var inst string
	err := s.db.QueryRowContext(ctx, "SELECT instance FROM projects WHERE path = ?", path).Scan(&inst)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("project %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return inst, nil
}

// ProjectsFor returns the projects linked to instance.
func (s *Store) ProjectsFor(ctx context.Context, instance string) ([]ProjectRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, instance, linked_at FROM projects WHERE instance = ? ORDER BY path", instance)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRecord
	for rows.Next() {
		var p ProjectRecord
		var linked int64
		if err := rows.Scan(&p.Path, &p.Instance, &linked); err != nil {
			return nil, err
		}
		p.LinkedAt = fromMillis(linked)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UnlinkInstance drops every project link pointing at instance and returns
// how many were removed.
func (s *Store) UnlinkInstance(ctx context.Context, instance string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE instance = ?", instance)
	if err != nil {
		return 0, fmt.Errorf("failed to unlink projects of %s: %w", instance, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
