package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/galleryup/galleryup/internal/model"
)

// CreateTab adds a named tab. Duplicate names fail with ErrTabExists.
func (s *Store) CreateTab(ctx context.Context, name string) (*model.Tab, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tab name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM tabs`).Scan(&pos); err != nil {
		return nil, fmt.Errorf("failed to compute tab position: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tabs (name, position, is_default) VALUES (?, ?, 0)`, name, pos)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("tab %q: %w", name, ErrTabExists)
		}
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.Tab{ID: id, Name: name, Position: pos}, nil
}

// Tabs returns all tabs ordered by position, default tab first.
func (s *Store) Tabs(ctx context.Context) ([]*model.Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, position, is_default FROM tabs ORDER BY is_default DESC, position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tabs: %w", err)
	}
	defer rows.Close()

	var out []*model.Tab
	for rows.Next() {
		var t model.Tab
		var def int
		if err := rows.Scan(&t.ID, &t.Name, &t.Position, &def); err != nil {
			return nil, fmt.Errorf("failed to scan tab: %w", err)
		}
		t.IsDefault = def == 1
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DefaultTab returns the system default tab.
func (s *Store) DefaultTab(ctx context.Context) (*model.Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t model.Tab
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, position FROM tabs WHERE is_default = 1`).
		Scan(&t.ID, &t.Name, &t.Position)
	if err != nil {
		return nil, fmt.Errorf("failed to load default tab: %w", err)
	}
	t.IsDefault = true
	return &t, nil
}

// RenameTab renames a tab. The system default tab cannot be renamed.
func (s *Store) RenameTab(ctx context.Context, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var def int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_default FROM tabs WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read tab: %w", err)
	}
	if def == 1 {
		return ErrDefaultTab
	}

	_, err = s.db.ExecContext(ctx, `UPDATE tabs SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("tab %q: %w", name, ErrTabExists)
		}
		return fmt.Errorf("failed to rename tab: %w", err)
	}
	return nil
}

// DeleteTab removes a tab, reassigning its galleries to the target tab in
// the same transaction, and returns the number of galleries reassigned.
// The system default tab cannot be deleted.
func (s *Store) DeleteTab(ctx context.Context, id, targetTabID int64) (int, error) {
	if id == targetTabID {
		return 0, fmt.Errorf("cannot reassign galleries to the tab being deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var def int
	err = tx.QueryRowContext(ctx,
		`SELECT is_default FROM tabs WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read tab: %w", err)
	}
	if def == 1 {
		return 0, ErrDefaultTab
	}

	var targetExists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tabs WHERE id = ?`, targetTabID).Scan(&targetExists); err != nil {
		return 0, fmt.Errorf("failed to check target tab: %w", err)
	}
	if targetExists == 0 {
		return 0, fmt.Errorf("target tab %d: %w", targetTabID, ErrNotFound)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE galleries SET tab_id = ?, updated_at = ? WHERE tab_id = ?`,
		targetTabID, now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign galleries: %w", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tabs WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete tab: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit tab deletion: %w", err)
	}
	return int(moved), nil
}
