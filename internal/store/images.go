package store

import (
	"context"
	"fmt"

	"github.com/galleryup/galleryup/internal/model"
)

// ReplaceImages rewrites the image set for a gallery in one transaction.
// Used by the scanner; a rescan is the only operation allowed to rewrite
// images of a completed gallery.
func (s *Store) ReplaceImages(ctx context.Context, galleryPath string, images []*model.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM images WHERE gallery_path = ?`, galleryPath); err != nil {
		return fmt.Errorf("failed to clear images: %w", err)
	}
	for _, img := range images {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO images (gallery_path, filename, size_bytes, width, height, uploaded, remote_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			galleryPath, img.Filename, img.SizeBytes, img.Width, img.Height,
			boolToInt(img.Uploaded), img.RemoteID)
		if err != nil {
			return fmt.Errorf("failed to insert image %s: %w", img.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit images: %w", err)
	}
	return nil
}

// Images returns all images of a gallery, by filename order of insertion.
func (s *Store) Images(ctx context.Context, galleryPath string) ([]*model.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gallery_path, filename, size_bytes, width, height, uploaded, remote_id
		FROM images WHERE gallery_path = ? ORDER BY id`, galleryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	defer rows.Close()

	var out []*model.Image
	for rows.Next() {
		var img model.Image
		var uploaded int
		if err := rows.Scan(&img.ID, &img.GalleryPath, &img.Filename, &img.SizeBytes,
			&img.Width, &img.Height, &uploaded, &img.RemoteID); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.Uploaded = uploaded == 1
		out = append(out, &img)
	}
	return out, rows.Err()
}

// MarkUploaded records a successful image upload with its remote id.
func (s *Store) MarkUploaded(ctx context.Context, galleryPath, filename, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET uploaded = 1, remote_id = ?
		WHERE gallery_path = ? AND filename = ?`,
		remoteID, galleryPath, filename)
	if err != nil {
		return fmt.Errorf("failed to mark image uploaded: %w", err)
	}
	return nil
}

// UploadedSet returns the resume set: filenames already uploaded for the
// gallery. Resume correctness depends only on this set membership.
func (s *Store) UploadedSet(ctx context.Context, galleryPath string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT filename FROM images WHERE gallery_path = ? AND uploaded = 1`, galleryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load uploaded set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("failed to scan filename: %w", err)
		}
		set[f] = struct{}{}
	}
	return set, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
