package worker

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/galleryup/galleryup/internal/scan"
)

// BuildArchive packs a gallery folder's images into a zip in the system
// temp directory and returns its path with a cleanup func. Failure leaves
// the source folder untouched.
func BuildArchive(folder string) (string, func(), error) {
	names, err := scan.ListImages(folder)
	if err != nil {
		return "", nil, err
	}
	if len(names) == 0 {
		return "", nil, fmt.Errorf("no image files found in %s", folder)
	}

	out, err := os.CreateTemp("", filepath.Base(folder)+"-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create archive: %w", err)
	}
	cleanup := func() { os.Remove(out.Name()) }

	zw := zip.NewWriter(out)
	for _, name := range names {
		if err := addToArchive(zw, folder, name); err != nil {
			zw.Close()
			out.Close()
			cleanup()
			return "", nil, err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return out.Name(), cleanup, nil
}

func addToArchive(zw *zip.Writer, folder, name string) error {
	src, err := os.Open(filepath.Join(folder, name))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", name, err)
	}
	return nil
}
