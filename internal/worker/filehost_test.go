package worker

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleryup/galleryup/internal/host"
	"github.com/galleryup/galleryup/internal/model"
)

// stubSender is a scriptable file-host client.
type stubSender struct {
	id        string
	failFirst int
	calls     int
	cancelled bool
}

func (s *stubSender) HostID() string { return s.id }

func (s *stubSender) UploadFile(ctx context.Context, path string, onProgress host.ProgressFunc, shouldStop host.StopFunc) (*host.UploadResult, error) {
	s.calls++
	if s.cancelled || (shouldStop != nil && shouldStop()) {
		return nil, fmt.Errorf("aborted: %w", host.ErrStopped)
	}
	if s.calls <= s.failFirst {
		return nil, fmt.Errorf("remote rejected archive")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(info.Size(), info.Size(), 0)
	}
	return &host.UploadResult{
		URL:    "https://files.example/dl/abc",
		FileID: "abc",
	}, nil
}

func TestBuildArchive(t *testing.T) {
	folder := makeGalleryFolder(t, 4)
	require.NoError(t, os.WriteFile(filepath.Join(folder, "notes.txt"), []byte("skip me"), 0644))

	path, cleanup, err := BuildArchive(folder)
	require.NoError(t, err)
	defer cleanup()

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"img001.jpg", "img002.jpg", "img003.jpg", "img004.jpg"}, names)

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildArchive_EmptyFolder(t *testing.T) {
	_, _, err := BuildArchive(t.TempDir())
	assert.Error(t, err)
}

func TestFileHostRunner_Completes(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 3)
	seedQueuedGallery(t, st, folder)

	sender := &stubSender{id: "rapidgator"}
	r := NewFileHostRunner(st, []FileSender{sender}, testLogger())
	r.RunForGallery(context.Background(), folder)

	recs, err := st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.HostUploadCompleted, rec.Status)
	assert.Equal(t, "https://files.example/dl/abc", rec.DownloadURL)
	assert.Equal(t, "abc", rec.RemoteFileID)
	assert.Equal(t, rec.BytesTotal, rec.BytesDone)
	assert.Positive(t, rec.BytesTotal)
}

func TestFileHostRunner_FailureThenRetry(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 3)
	seedQueuedGallery(t, st, folder)

	sender := &stubSender{id: "rapidgator", failFirst: 1}
	r := NewFileHostRunner(st, []FileSender{sender}, testLogger())
	r.RunForGallery(context.Background(), folder)

	recs, err := st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.HostUploadFailed, recs[0].Status)
	assert.NotEmpty(t, recs[0].Error)

	require.NoError(t, r.Retry(context.Background(), recs[0].ID))

	recs, err = st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.HostUploadCompleted, recs[0].Status)
	assert.Equal(t, 1, recs[0].RetryCount)
}

func TestFileHostRunner_RetryRequiresFailed(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 2)
	seedQueuedGallery(t, st, folder)

	sender := &stubSender{id: "rapidgator"}
	r := NewFileHostRunner(st, []FileSender{sender}, testLogger())
	r.RunForGallery(context.Background(), folder)

	recs, err := st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Error(t, r.Retry(context.Background(), recs[0].ID), "completed uploads cannot be retried")
}

func TestFileHostRunner_Cancel(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 2)
	seedQueuedGallery(t, st, folder)

	sender := &stubSender{id: "rapidgator", cancelled: true}
	r := NewFileHostRunner(st, []FileSender{sender}, testLogger())
	r.RunForGallery(context.Background(), folder)

	recs, err := st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.HostUploadCancelled, recs[0].Status)
}

func TestFileHostRunner_OneHostFailingDoesNotBlockOthers(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 2)
	seedQueuedGallery(t, st, folder)

	bad := &stubSender{id: "rapidgator", failFirst: 10}
	good := &stubSender{id: "filefactory"}
	r := NewFileHostRunner(st, []FileSender{bad, good}, testLogger())
	r.RunForGallery(context.Background(), folder)

	recs, err := st.HostUploads(context.Background(), folder)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byHost := make(map[string]model.HostUploadStatus)
	for _, rec := range recs {
		byHost[rec.HostID] = rec.Status
	}
	assert.Equal(t, model.HostUploadFailed, byHost["rapidgator"])
	assert.Equal(t, model.HostUploadCompleted, byHost["filefactory"])
}
