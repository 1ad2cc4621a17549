package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/galleryup/galleryup/internal/model"
	"github.com/google/uuid"
)

const hostUploadColumns = `id, gallery_path, host_id, status, bytes_done,
	bytes_total, download_url, remote_file_id, error, retry_count,
	created_at, updated_at`

func scanHostUpload(row interface{ Scan(...any) error }) (*model.HostUpload, error) {
	var u model.HostUpload
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.GalleryPath, &u.HostID, &u.Status, &u.BytesDone,
		&u.BytesTotal, &u.DownloadURL, &u.RemoteFileID, &u.Error, &u.RetryCount,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// AddHostUpload creates a pending host-upload record for a gallery and
// returns it with its generated id.
func (s *Store) AddHostUpload(ctx context.Context, galleryPath, hostID string, bytesTotal int64) (*model.HostUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := &model.HostUpload{
		ID:          uuid.NewString(),
		GalleryPath: galleryPath,
		HostID:      hostID,
		Status:      model.HostUploadPending,
		BytesTotal:  bytesTotal,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_uploads (`+hostUploadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.GalleryPath, u.HostID, u.Status, u.BytesDone, u.BytesTotal,
		u.DownloadURL, u.RemoteFileID, u.Error, u.RetryCount,
		u.CreatedAt.Format(time.RFC3339Nano), u.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to add host upload: %w", err)
	}
	return u, nil
}

// HostUploads returns all host-upload records for a gallery.
func (s *Store) HostUploads(ctx context.Context, galleryPath string) ([]*model.HostUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostUploadColumns+` FROM host_uploads WHERE gallery_path = ? ORDER BY created_at`,
		galleryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host uploads: %w", err)
	}
	defer rows.Close()

	var out []*model.HostUpload
	for rows.Next() {
		u, err := scanHostUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AllHostUploads returns every host-upload record grouped by gallery path,
// in one query. Used by queue listings to avoid per-row lookups.
func (s *Store) AllHostUploads(ctx context.Context) (map[string][]*model.HostUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostUploadColumns+` FROM host_uploads ORDER BY gallery_path, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load host uploads: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]*model.HostUpload)
	for rows.Next() {
		u, err := scanHostUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host upload: %w", err)
		}
		out[u.GalleryPath] = append(out[u.GalleryPath], u)
	}
	return out, rows.Err()
}

// HostUploadFields holds the mutable fields of a host-upload record.
// Nil pointers leave the stored value unchanged.
type HostUploadFields struct {
	Status       *model.HostUploadStatus
	BytesDone    *int64
	BytesTotal   *int64
	DownloadURL  *string
	RemoteFileID *string
	Error        *string
	RetryCount   *int
}

// UpdateHostUpload applies field updates to one record. Status changes are
// validated against the host-upload state machine (monotonic forward, with
// the failed -> pending manual-retry exception).
func (s *Store) UpdateHostUpload(ctx context.Context, id string, fields HostUploadFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+hostUploadColumns+` FROM host_uploads WHERE id = ?`, id)
	u, err := scanHostUpload(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read host upload: %w", err)
	}

	if fields.Status != nil && *fields.Status != u.Status {
		if !u.Status.CanAdvance(*fields.Status) {
			return fmt.Errorf("%s -> %s for upload %s: %w", u.Status, *fields.Status, id, ErrBadTransition)
		}
		u.Status = *fields.Status
	}
	if fields.BytesDone != nil {
		u.BytesDone = *fields.BytesDone
	}
	if fields.BytesTotal != nil {
		u.BytesTotal = *fields.BytesTotal
	}
	if fields.DownloadURL != nil {
		u.DownloadURL = *fields.DownloadURL
	}
	if fields.RemoteFileID != nil {
		u.RemoteFileID = *fields.RemoteFileID
	}
	if fields.Error != nil {
		u.Error = *fields.Error
	}
	if fields.RetryCount != nil {
		u.RetryCount = *fields.RetryCount
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE host_uploads
		SET status = ?, bytes_done = ?, bytes_total = ?, download_url = ?,
		    remote_file_id = ?, error = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		u.Status, u.BytesDone, u.BytesTotal, u.DownloadURL,
		u.RemoteFileID, u.Error, u.RetryCount, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update host upload: %w", err)
	}
	return tx.Commit()
}

// DeleteHostUpload removes one host-upload record.
func (s *Store) DeleteHostUpload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM host_uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveUnnamedGallery records a remote gallery id awaiting its intended
// name; consumed by the rename post-processor.
func (s *Store) SaveUnnamedGallery(ctx context.Context, galleryID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unnamed_galleries (gallery_id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(gallery_id) DO UPDATE SET name = excluded.name`,
		galleryID, name, now())
	if err != nil {
		return fmt.Errorf("failed to save unnamed gallery: %w", err)
	}
	return nil
}

// UnnamedGalleries lists pending rename targets, oldest first.
func (s *Store) UnnamedGalleries(ctx context.Context) ([]*model.UnnamedGallery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT gallery_id, name, created_at FROM unnamed_galleries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load unnamed galleries: %w", err)
	}
	defer rows.Close()

	var out []*model.UnnamedGallery
	for rows.Next() {
		var ug model.UnnamedGallery
		var createdAt string
		if err := rows.Scan(&ug.GalleryID, &ug.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan unnamed gallery: %w", err)
		}
		ug.CreatedAt = parseTime(createdAt)
		out = append(out, &ug)
	}
	return out, rows.Err()
}

// DeleteUnnamedGallery removes a rename target once the rename succeeded.
func (s *Store) DeleteUnnamedGallery(ctx context.Context, galleryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM unnamed_galleries WHERE gallery_id = ?`, galleryID); err != nil {
		return fmt.Errorf("failed to delete unnamed gallery: %w", err)
	}
	return nil
}
