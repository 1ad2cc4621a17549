// Package store provides the durable queue store for galleries, images,
// tabs and file-host upload records. SQLite is the source of truth; the
// database runs in WAL mode so a reader listing the queue never blocks the
// worker writing status transitions. Every multi-row mutation runs in a
// single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/galleryup/galleryup/internal/model"
	_ "github.com/mutecomm/go-sqlcipher/v4"
)

var (
	// ErrNotFound is returned when a gallery, tab or upload row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrTabExists is returned when creating a tab whose name is taken.
	ErrTabExists = errors.New("store: tab name already exists")
	// ErrDefaultTab is returned when deleting or renaming the system tab.
	ErrDefaultTab = errors.New("store: default tab cannot be modified")
	// ErrBadTransition is returned for an illegal status transition.
	ErrBadTransition = errors.New("store: illegal status transition")
)

// Store is the durable queue store. Safe for concurrent use; short-lived
// transactions only.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open opens (creating if needed) the queue database. If passphrase is
// non-empty the database is encrypted via SQLCipher.
func Open(dbPath string, passphrase string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	if passphrase != "" {
		dsn += "&_pragma_key=" + passphrase
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the schema if it doesn't exist and seeds the default tab.
func (s *Store) initialize(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS tabs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    position    INTEGER NOT NULL DEFAULT 0,
    is_default  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS galleries (
    path            TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'validating',
    image_count     INTEGER NOT NULL DEFAULT 0,
    total_bytes     INTEGER NOT NULL DEFAULT 0,
    host_id         TEXT NOT NULL DEFAULT '',
    template_name   TEXT NOT NULL DEFAULT '',
    tab_id          INTEGER NOT NULL REFERENCES tabs(id),
    custom1         TEXT NOT NULL DEFAULT '',
    custom2         TEXT NOT NULL DEFAULT '',
    custom3         TEXT NOT NULL DEFAULT '',
    custom4         TEXT NOT NULL DEFAULT '',
    external1       TEXT NOT NULL DEFAULT '',
    external2       TEXT NOT NULL DEFAULT '',
    external3       TEXT NOT NULL DEFAULT '',
    external4       TEXT NOT NULL DEFAULT '',
    insertion_order INTEGER NOT NULL DEFAULT 0,
    gallery_id      TEXT NOT NULL DEFAULT '',
    gallery_url     TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    added_at        TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_galleries_tab ON galleries(tab_id);
CREATE INDEX IF NOT EXISTS idx_galleries_status ON galleries(status);
CREATE INDEX IF NOT EXISTS idx_galleries_order ON galleries(insertion_order);

CREATE TABLE IF NOT EXISTS images (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    gallery_path    TEXT NOT NULL REFERENCES galleries(path) ON DELETE CASCADE,
    filename        TEXT NOT NULL,
    size_bytes      INTEGER NOT NULL DEFAULT 0,
    width           INTEGER NOT NULL DEFAULT 0,
    height          INTEGER NOT NULL DEFAULT 0,
    uploaded        INTEGER NOT NULL DEFAULT 0,
    remote_id       TEXT NOT NULL DEFAULT '',
    UNIQUE(gallery_path, filename)
);
CREATE INDEX IF NOT EXISTS idx_images_gallery ON images(gallery_path);

CREATE TABLE IF NOT EXISTS host_uploads (
    id              TEXT PRIMARY KEY,
    gallery_path    TEXT NOT NULL REFERENCES galleries(path) ON DELETE CASCADE,
    host_id         TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    bytes_done      INTEGER NOT NULL DEFAULT 0,
    bytes_total     INTEGER NOT NULL DEFAULT 0,
    download_url    TEXT NOT NULL DEFAULT '',
    remote_file_id  TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_host_uploads_gallery ON host_uploads(gallery_path);

CREATE TABLE IF NOT EXISTS unnamed_galleries (
    gallery_id  TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Seed the system default tab exactly once.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tabs (name, position, is_default)
		SELECT ?, 0, 1
		WHERE NOT EXISTS (SELECT 1 FROM tabs WHERE is_default = 1)
	`, model.DefaultTabName)
	if err != nil {
		return fmt.Errorf("failed to seed default tab: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

const galleryColumns = `path, name, status, image_count, total_bytes, host_id,
	template_name, tab_id, custom1, custom2, custom3, custom4,
	external1, external2, external3, external4, insertion_order,
	gallery_id, gallery_url, last_error, added_at, updated_at`

func scanGallery(row interface{ Scan(...any) error }) (*model.Gallery, error) {
	var g model.Gallery
	var addedAt, updatedAt string
	err := row.Scan(
		&g.Path, &g.Name, &g.Status, &g.ImageCount, &g.TotalBytes, &g.HostID,
		&g.TemplateName, &g.TabID,
		&g.Custom[0], &g.Custom[1], &g.Custom[2], &g.Custom[3],
		&g.External[0], &g.External[1], &g.External[2], &g.External[3],
		&g.InsertionOrder, &g.GalleryID, &g.GalleryURL, &g.LastError,
		&addedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.AddedAt = parseTime(addedAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// BulkUpsert inserts or updates galleries by path. Existing rows keep their
// insertion order; new rows are assigned the next order values. The whole
// batch is one transaction: a crash mid-operation leaves prior state intact.
func (s *Store) BulkUpsert(ctx context.Context, items []*model.Gallery) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var nextOrder int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(insertion_order), 0) + 1 FROM galleries`).Scan(&nextOrder); err != nil {
		return fmt.Errorf("failed to compute next insertion order: %w", err)
	}

	for _, g := range items {
		if g.TabID == 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM tabs WHERE is_default = 1`).Scan(&g.TabID); err != nil {
				return fmt.Errorf("failed to resolve default tab: %w", err)
			}
		}
		var existingOrder sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT insertion_order FROM galleries WHERE path = ?`, g.Path).Scan(&existingOrder)
		switch {
		case err == sql.ErrNoRows:
			g.InsertionOrder = nextOrder
			nextOrder++
		case err != nil:
			return fmt.Errorf("failed to query existing gallery: %w", err)
		default:
			g.InsertionOrder = int(existingOrder.Int64)
		}

		ts := now()
		if g.AddedAt.IsZero() {
			g.AddedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO galleries (`+galleryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				name = excluded.name,
				status = excluded.status,
				image_count = excluded.image_count,
				total_bytes = excluded.total_bytes,
				host_id = excluded.host_id,
				template_name = excluded.template_name,
				tab_id = excluded.tab_id,
				custom1 = excluded.custom1, custom2 = excluded.custom2,
				custom3 = excluded.custom3, custom4 = excluded.custom4,
				external1 = excluded.external1, external2 = excluded.external2,
				external3 = excluded.external3, external4 = excluded.external4,
				gallery_id = excluded.gallery_id,
				gallery_url = excluded.gallery_url,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at
		`,
			g.Path, g.Name, g.Status, g.ImageCount, g.TotalBytes, g.HostID,
			g.TemplateName, g.TabID,
			g.Custom[0], g.Custom[1], g.Custom[2], g.Custom[3],
			g.External[0], g.External[1], g.External[2], g.External[3],
			g.InsertionOrder, g.GalleryID, g.GalleryURL, g.LastError,
			g.AddedAt.Format(time.RFC3339Nano), ts,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert gallery %s: %w", g.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Get returns one gallery by path.
func (s *Store) Get(ctx context.Context, path string) (*model.Gallery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+galleryColumns+` FROM galleries WHERE path = ?`, path)
	g, err := scanGallery(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gallery: %w", err)
	}
	return g, nil
}

// LoadAll returns a snapshot of all galleries ordered by insertion order.
func (s *Store) LoadAll(ctx context.Context) ([]*model.Gallery, error) {
	return s.load(ctx, `SELECT `+galleryColumns+` FROM galleries ORDER BY insertion_order`)
}

// LoadByTab returns galleries assigned to one tab, in insertion order.
func (s *Store) LoadByTab(ctx context.Context, tabID int64) ([]*model.Gallery, error) {
	return s.load(ctx,
		`SELECT `+galleryColumns+` FROM galleries WHERE tab_id = ? ORDER BY insertion_order`, tabID)
}

// LoadByStatus returns galleries in a given state, in insertion order.
func (s *Store) LoadByStatus(ctx context.Context, status model.GalleryStatus) ([]*model.Gallery, error) {
	return s.load(ctx,
		`SELECT `+galleryColumns+` FROM galleries WHERE status = ? ORDER BY insertion_order`, status)
}

func (s *Store) load(ctx context.Context, query string, args ...any) ([]*model.Gallery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load galleries: %w", err)
	}
	defer rows.Close()

	var out []*model.Gallery
	for rows.Next() {
		g, err := scanGallery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gallery: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteByPaths removes galleries (and their images and host uploads,
// via cascade) and returns the number of galleries removed.
func (s *Store) DeleteByPaths(ctx context.Context, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	// Cascades are not available without foreign_keys pragma on every
	// connection, so delete children explicitly.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM images WHERE gallery_path IN (`+placeholders+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete images: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM host_uploads WHERE gallery_path IN (`+placeholders+`)`, args...); err != nil {
		return 0, fmt.Errorf("failed to delete host uploads: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM galleries WHERE path IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete galleries: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(n), nil
}

// UpdateInsertionOrders atomically rewrites the display order to match the
// given path sequence. All-or-nothing: an interrupted reorder leaves the
// prior order completely unchanged.
func (s *Store) UpdateInsertionOrders(ctx context.Context, orderedPaths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, path := range orderedPaths {
		res, err := tx.ExecContext(ctx,
			`UPDATE galleries SET insertion_order = ?, updated_at = ? WHERE path = ?`,
			i+1, now(), path)
		if err != nil {
			return fmt.Errorf("failed to reorder gallery %s: %w", path, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reorder gallery %s: %w", path, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reorder: %w", err)
	}
	return nil
}

// UpdateStatus transitions a gallery's status, validating the edge against
// the state machine. The optional reason is retained for inspection.
func (s *Store) UpdateStatus(ctx context.Context, path string, to model.GalleryStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var from model.GalleryStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM galleries WHERE path = ?`, path).Scan(&from)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s for %s: %w", from, to, path, ErrBadTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE galleries SET status = ?, last_error = ?, updated_at = ? WHERE path = ?`,
		to, reason, now(), path)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return tx.Commit()
}

// RecoverInterrupted parks every gallery left in uploading by a crash or
// hard stop as paused, so it can be requeued. uploading has no other exit
// edge once the worker that claimed it is gone. Returns the number of
// rows recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE galleries SET status = ?, updated_at = ? WHERE status = ?`,
		model.StatusPaused, now(), model.StatusUploading)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted galleries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClaimForUpload atomically transitions a queued gallery to uploading.
// Returns ErrBadTransition if another worker already claimed the path,
// which is what enforces at-most-one-worker-per-path.
func (s *Store) ClaimForUpload(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE galleries SET status = ?, updated_at = ? WHERE path = ? AND status = ?`,
		model.StatusUploading, now(), path, model.StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to claim gallery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("claim %s: %w", path, ErrBadTransition)
	}
	return nil
}

// SetGalleryRemote records the remote gallery id and URL after creation.
func (s *Store) SetGalleryRemote(ctx context.Context, path, galleryID, galleryURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE galleries SET gallery_id = ?, gallery_url = ?, updated_at = ? WHERE path = ?`,
		galleryID, galleryURL, now(), path)
	if err != nil {
		return fmt.Errorf("failed to set remote gallery: %w", err)
	}
	return nil
}

// SetExternalFields stores post-processor output on the gallery row.
func (s *Store) SetExternalFields(ctx context.Context, path string, fields [4]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE galleries
		SET external1 = ?, external2 = ?, external3 = ?, external4 = ?, updated_at = ?
		WHERE path = ?`,
		fields[0], fields[1], fields[2], fields[3], now(), path)
	if err != nil {
		return fmt.Errorf("failed to set external fields: %w", err)
	}
	return nil
}

// Setting returns a settings value, or empty string when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting: %w", err)
	}
	return v, nil
}

// SetSetting stores a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting: %w", err)
	}
	return nil
}
