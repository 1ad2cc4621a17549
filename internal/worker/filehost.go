package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/galleryup/galleryup/internal/host"
	"github.com/galleryup/galleryup/internal/model"
	"github.com/galleryup/galleryup/internal/store"
)

// FileSender is the slice of a file-host client the runner needs.
type FileSender interface {
	HostID() string
	UploadFile(ctx context.Context, path string, onProgress host.ProgressFunc, shouldStop host.StopFunc) (*host.UploadResult, error)
}

// FileHostRunner pushes completed galleries to the enabled file hosts as
// archives, driving each upload record through its status machine.
type FileHostRunner struct {
	store   *store.Store
	senders []FileSender
	log     *slog.Logger

	mu      sync.Mutex
	stopped map[string]bool // host-upload ids with a stop request
}

// NewFileHostRunner builds a runner over the enabled file-host clients.
func NewFileHostRunner(st *store.Store, senders []FileSender, log *slog.Logger) *FileHostRunner {
	if log == nil {
		log = slog.Default()
	}
	return &FileHostRunner{
		store:   st,
		senders: senders,
		log:     log,
		stopped: make(map[string]bool),
	}
}

// Cancel requests a stop for one in-flight host upload. The record lands
// in cancelled once the transfer notices.
func (r *FileHostRunner) Cancel(id string) {
	r.mu.Lock()
	r.stopped[id] = true
	r.mu.Unlock()
}

func (r *FileHostRunner) stopRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[id]
}

func (r *FileHostRunner) clearStop(id string) {
	r.mu.Lock()
	delete(r.stopped, id)
	r.mu.Unlock()
}

// RunForGallery archives a completed gallery once and uploads the archive
// to every enabled file host sequentially. Each host gets its own record;
// one host failing never blocks the others.
func (r *FileHostRunner) RunForGallery(ctx context.Context, galleryPath string) {
	if len(r.senders) == 0 {
		return
	}
	archivePath, cleanup, err := BuildArchive(galleryPath)
	if err != nil {
		r.log.Error("archive build failed", "gallery", galleryPath, "error", err)
		return
	}
	defer cleanup()

	info, err := os.Stat(archivePath)
	if err != nil {
		r.log.Error("archive stat failed", "gallery", galleryPath, "error", err)
		return
	}

	for _, sender := range r.senders {
		rec, err := r.store.AddHostUpload(ctx, galleryPath, sender.HostID(), info.Size())
		if err != nil {
			r.log.Error("failed to record host upload", "gallery", galleryPath, "host", sender.HostID(), "error", err)
			continue
		}
		r.run(ctx, rec, sender, archivePath)
	}
}

// Retry re-runs a failed host upload. The record moves failed -> pending
// before the transfer starts again.
func (r *FileHostRunner) Retry(ctx context.Context, id string) error {
	recs, err := r.store.AllHostUploads(ctx)
	if err != nil {
		return err
	}
	var rec *model.HostUpload
	for _, list := range recs {
		for _, hu := range list {
			if hu.ID == id {
				rec = hu
			}
		}
	}
	if rec == nil {
		return store.ErrNotFound
	}
	if rec.Status != model.HostUploadFailed {
		return fmt.Errorf("host upload %s is %s, only failed uploads can be retried", id, rec.Status)
	}

	pending := model.HostUploadPending
	retries := rec.RetryCount + 1
	if err := r.store.UpdateHostUpload(ctx, id, store.HostUploadFields{Status: &pending, RetryCount: &retries}); err != nil {
		return err
	}
	rec.Status = pending

	var sender FileSender
	for _, s := range r.senders {
		if s.HostID() == rec.HostID {
			sender = s
		}
	}
	if sender == nil {
		return fmt.Errorf("no client for host %s", rec.HostID)
	}

	archivePath, cleanup, err := BuildArchive(rec.GalleryPath)
	if err != nil {
		return err
	}
	defer cleanup()
	r.clearStop(id)
	r.run(ctx, rec, sender, archivePath)
	return nil
}

// run drives one record through uploading and into a terminal state.
func (r *FileHostRunner) run(ctx context.Context, rec *model.HostUpload, sender FileSender, archivePath string) {
	// Record writes survive pool shutdown; only the transfer itself is
	// tied to ctx.
	persist := context.WithoutCancel(ctx)

	uploading := model.HostUploadUploading
	if err := r.store.UpdateHostUpload(persist, rec.ID, store.HostUploadFields{Status: &uploading}); err != nil {
		r.log.Error("host upload transition failed", "id", rec.ID, "error", err)
		return
	}

	lastPersist := time.Now()
	onProgress := func(uploaded, total int64, rate float64) {
		if time.Since(lastPersist) < time.Second {
			return
		}
		lastPersist = time.Now()
		done := uploaded
		if err := r.store.UpdateHostUpload(persist, rec.ID, store.HostUploadFields{BytesDone: &done}); err != nil {
			r.log.Error("host upload progress persist failed", "id", rec.ID, "error", err)
		}
	}

	res, err := sender.UploadFile(ctx, archivePath, onProgress, func() bool {
		return r.stopRequested(rec.ID) || ctx.Err() != nil
	})
	switch {
	case err == nil:
		completed := model.HostUploadCompleted
		done := rec.BytesTotal
		fields := store.HostUploadFields{
			Status:       &completed,
			BytesDone:    &done,
			DownloadURL:  &res.URL,
			RemoteFileID: &res.FileID,
		}
		if err := r.store.UpdateHostUpload(persist, rec.ID, fields); err != nil {
			r.log.Error("host upload completion persist failed", "id", rec.ID, "error", err)
		}
		r.log.Info("host upload completed", "id", rec.ID, "host", rec.HostID, "url", res.URL)

	case host.IsStopped(err):
		cancelled := model.HostUploadCancelled
		if err := r.store.UpdateHostUpload(persist, rec.ID, store.HostUploadFields{Status: &cancelled}); err != nil {
			r.log.Error("host upload cancel persist failed", "id", rec.ID, "error", err)
		}
		r.log.Info("host upload cancelled", "id", rec.ID, "host", rec.HostID)

	default:
		failed := model.HostUploadFailed
		reason := err.Error()
		if err := r.store.UpdateHostUpload(persist, rec.ID, store.HostUploadFields{Status: &failed, Error: &reason}); err != nil {
			r.log.Error("host upload failure persist failed", "id", rec.ID, "error", err)
		}
		r.log.Error("host upload failed", "id", rec.ID, "host", rec.HostID, "reason", reason)
	}
}
