package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Instance statuses recorded in the registry. The supervisor is the source
// of truth for whether a process is alive; the registry only remembers the
// last transition edgecli performed.
const (
	StatusStopped   = "stopped"
	StatusRunning   = "running"
	StatusUpgrading = "upgrading"
)

// InstanceRecord is one row of the instance registry.
type InstanceRecord struct {
	ID        string
	Name      string
	Version   string
	Slot      string
	Channel   string
	Port      int
	DataDir   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const instanceColumns = "id, name, version, slot, channel, port, data_dir, status, created_at, updated_at"

// CreateInstance inserts a new instance. It returns ErrExists when the name
// is already registered.
func (s *Store) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM instances WHERE name = ?", rec.Name).Scan(&n); err != nil {
		return fmt.Errorf("failed to check instance %s: %w", rec.Name, err)
	}
	if n > 0 {
		return fmt.Errorf("instance %q: %w", rec.Name, ErrExists)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusStopped
	}
	if rec.Channel == "" {
		rec.Channel = "stable"
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO instances ("+instanceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Name, rec.Version, rec.Slot, rec.Channel, rec.Port, rec.DataDir, rec.Status,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance %s: %w", rec.Name, err)
	}
	return nil
}

// GetInstance returns the instance called name.
func (s *Store) GetInstance(ctx context.Context, name string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM instances WHERE name = ?", name)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", name, err)
	}
	return rec, nil
}

// ListInstances returns every registered instance ordered by name.
func (s *Store) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+instanceColumns+" FROM instances ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateInstance overwrites the mutable columns of an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET version = ?, slot = ?, channel = ?, port = ?, data_dir = ?, status = ?, updated_at = ?
		 WHERE name = ?`,
		rec.Version, rec.Slot, rec.Channel, rec.Port, rec.DataDir, rec.Status, toMillis(rec.UpdatedAt), rec.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance %s: %w", rec.Name, err)
	}
	return expectOne(res, "instance", rec.Name)
}

// SetInstanceStatus records a status transition.
func (s *Store) SetInstanceStatus(ctx context.Context, name, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = ?, updated_at = ? WHERE name = ?",
		status, toMillis(time.Now()), name,
	)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", name, err)
	}
	return expectOne(res, "instance", name)
}

// DeleteInstance removes an instance from the registry.
func (s *Store) DeleteInstance(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", name, err)
	}
	return expectOne(res, "instance", name)
}

// UsedPorts returns the set of ports assigned to registered instances.
func (s *Store) UsedPorts(ctx context.Context) (map[int]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT port FROM instances")
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		used[p] = true
	}
	return used, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(r rowScanner) (*InstanceRecord, error) {
	var rec InstanceRecord
	var created, updated int64
	if err := r.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Slot, &rec.Channel, &rec.Port,
		&rec.DataDir, &rec.Status, &created, &updated); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	return &rec, nil
}

func expectOne(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
	}
	return nil
}
