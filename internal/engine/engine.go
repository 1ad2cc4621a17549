package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/galleryup/galleryup/internal/model"
	"github.com/galleryup/galleryup/internal/scan"
)

// UploadOpts carries the per-image parameters the engine hands to its
// uploader.
type UploadOpts struct {
	GalleryID     string
	GalleryName   string
	CreateGallery bool
	ThumbnailSize int
	ThumbnailFmt  int
	OnProgress    func(uploaded, total int64, rate float64)
	ShouldStop    func() bool
}

// UploadedImage is the uploader's report for one successfully transferred
// image.
type UploadedImage struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	ThumbURL  string `json:"thumb_url,omitempty"`
	RemoteID  string `json:"remote_id,omitempty"`
	GalleryID string `json:"gallery_id,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
}

// Uploader is the engine's only view of an image host. The engine never
// branches on a concrete host type.
type Uploader interface {
	// UploadImage streams one image. With opts.CreateGallery set, the
	// host creates the gallery container and the result carries its id.
	UploadImage(ctx context.Context, path string, opts UploadOpts) (*UploadedImage, error)
	// GalleryURL resolves a gallery id to its public URL.
	GalleryURL(galleryID string) string
	// SanitizeGalleryName applies the host's naming rules.
	SanitizeGalleryName(name string) string
}

// Params configures one engine run.
type Params struct {
	FolderPath        string
	GalleryName       string
	ThumbnailSize     int
	ThumbnailFmt      int
	MaxRetries        int
	RetryDelay        time.Duration
	ParallelBatchSize int
	TemplateName      string
	MaxFileSizeMB     int

	// AlreadyUploaded is the resume set: filenames never re-sent.
	AlreadyUploaded map[string]struct{}
	// ExistingGalleryID switches the run to the append path; no new
	// gallery container is created.
	ExistingGalleryID string
	// Dimensions are precalculated at scan time; the engine passes them
	// through into the result.
	Dimensions *model.DimensionStats

	OnProgress      func(completed, total, percent int, currentFile string)
	ShouldSoftStop  func() bool
	OnImageUploaded func(filename string, img *UploadedImage, sizeBytes int64)
}

// FailedImage records one image that exhausted its retries.
type FailedImage struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Result is the structured outcome of one run. It is always fully
// populated; even a completely failed run reports counts and details
// instead of an error.
type Result struct {
	GalleryID       string               `json:"gallery_id"`
	GalleryURL      string               `json:"gallery_url"`
	GalleryName     string               `json:"gallery_name"`
	SuccessfulCount int                  `json:"successful_count"`
	FailedCount     int                  `json:"failed_count"`
	FailedDetails   []FailedImage        `json:"failed_details,omitempty"`
	Images          []*UploadedImage     `json:"images"`
	Stopped         bool                 `json:"stopped"`
	Elapsed         time.Duration        `json:"elapsed"`
	UploadedBytes   int64                `json:"uploaded_bytes"`
	AvgSpeed        float64              `json:"avg_speed"`
	Dimensions      model.DimensionStats `json:"dimensions"`
	Attempts        map[string]int       `json:"attempts"`
}

// Engine uploads one gallery's images through an Uploader. The two
// counters are owned by the caller: the global one lives for the process,
// the gallery one is reset at the start of every run.
type Engine struct {
	uploader       Uploader
	globalCounter  *AtomicCounter
	galleryCounter *AtomicCounter
}

// New creates an engine bound to an uploader and its byte counters.
func New(uploader Uploader, global, gallery *AtomicCounter) *Engine {
	return &Engine{
		uploader:       uploader,
		globalCounter:  global,
		galleryCounter: gallery,
	}
}

const defaultRetryDelay = 2 * time.Second

// ErrStopped is the sentinel an Uploader wraps when a transfer was aborted
// by the soft-stop rather than failing. The engine leaves such images out
// of the failure report; the resume path picks them up later.
var ErrStopped = errors.New("upload stopped")

// Run uploads the folder's images. Whole-gallery preconditions (missing
// folder, no eligible images) fail fast with an error; per-image failures
// are retried up to MaxRetries and then recorded in the result without
// aborting the rest of the gallery.
func (e *Engine) Run(ctx context.Context, p Params) (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(p.FolderPath); err != nil {
		return nil, fmt.Errorf("folder not found: %s: %w", p.FolderPath, err)
	}
	allImages, err := scan.ListImages(p.FolderPath)
	if err != nil {
		return nil, err
	}
	allImages = e.dropOversized(p, allImages)
	if len(allImages) == 0 {
		return nil, fmt.Errorf("no image files found in %s", p.FolderPath)
	}

	if p.ParallelBatchSize < 1 {
		p.ParallelBatchSize = 1
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = defaultRetryDelay
	}
	if p.GalleryName == "" {
		p.GalleryName = filepath.Base(p.FolderPath)
	}
	p.GalleryName = e.uploader.SanitizeGalleryName(p.GalleryName)

	// Resume: previously-succeeded images are never re-sent.
	var pending []string
	for _, name := range allImages {
		if _, done := p.AlreadyUploaded[name]; !done {
			pending = append(pending, name)
		}
	}

	e.galleryCounter.Reset()

	res := &Result{
		GalleryID:   p.ExistingGalleryID,
		GalleryName: p.GalleryName,
		Attempts:    make(map[string]int),
	}
	if p.Dimensions != nil {
		res.Dimensions = *p.Dimensions
	}

	totalImages := len(allImages)
	initialCompleted := totalImages - len(pending)

	softStop := func() bool {
		return p.ShouldSoftStop != nil && p.ShouldSoftStop()
	}

	r := &runState{
		engine:   e,
		params:   &p,
		result:   res,
		total:    totalImages,
		complete: initialCompleted,
		order:    make(map[string]int, totalImages),
	}
	for i, name := range allImages {
		r.order[name] = i
	}

	// Create the gallery container by uploading the first pending image,
	// unless this run appends to an existing gallery.
	if res.GalleryID == "" && len(pending) > 0 {
		first := pending[0]
		pending = pending[1:]
		img, attempts, err := r.uploadWithRetry(ctx, first, true, softStop)
		res.Attempts[first] = attempts
		if _, ok := err.(stopRequested); ok {
			res.Stopped = true
			res.Elapsed = time.Since(start)
			return res, nil
		}
		if err != nil {
			// No container means nothing else can be uploaded; report a
			// fully failed, well-formed result.
			res.FailedCount = len(pending) + 1
			res.FailedDetails = append(res.FailedDetails, FailedImage{
				Filename: first, Reason: reasonOf(err), Attempts: attempts,
			})
			for _, name := range pending {
				res.FailedDetails = append(res.FailedDetails, FailedImage{
					Filename: name, Reason: "gallery creation failed",
				})
			}
			res.Elapsed = time.Since(start)
			res.Stopped = softStop() || ctx.Err() != nil
			return res, nil
		}
		res.GalleryID = img.GalleryID
		r.recordSuccess(first, img)
	}
	res.GalleryURL = e.uploader.GalleryURL(res.GalleryID)

	// Fan the remaining images out across the bounded pool. Workers stop
	// picking up new images once a soft stop is requested; in-flight
	// uploads finish.
	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.ParallelBatchSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range work {
				if softStop() || ctx.Err() != nil {
					continue
				}
				img, attempts, err := r.uploadWithRetry(ctx, name, false, softStop)
				r.mu.Lock()
				res.Attempts[name] = attempts
				r.mu.Unlock()
				if err != nil {
					if _, ok := err.(stopRequested); ok {
						continue
					}
					r.recordFailure(name, reasonOf(err), attempts)
					continue
				}
				r.recordSuccess(name, img)
			}
		}()
	}
	for _, name := range pending {
		work <- name
	}
	close(work)
	wg.Wait()

	// Context cancellation skips images the same way a soft stop does; the
	// result must say so or an aborted run would read as a clean one.
	res.Stopped = softStop() || ctx.Err() != nil
	res.Elapsed = time.Since(start)
	res.UploadedBytes = e.galleryCounter.Get()
	if secs := res.Elapsed.Seconds(); secs > 0 {
		res.AvgSpeed = float64(res.UploadedBytes) / secs
	}

	// Completion order is arbitrary under the pool; the report keeps the
	// original file order.
	sort.SliceStable(res.Images, func(i, j int) bool {
		return r.order[res.Images[i].Filename] < r.order[res.Images[j].Filename]
	})
	sort.SliceStable(res.FailedDetails, func(i, j int) bool {
		return r.order[res.FailedDetails[i].Filename] < r.order[res.FailedDetails[j].Filename]
	})
	return res, nil
}

// dropOversized filters files above the host's size limit.
func (e *Engine) dropOversized(p Params, names []string) []string {
	if p.MaxFileSizeMB <= 0 {
		return names
	}
	limit := int64(p.MaxFileSizeMB) * 1024 * 1024
	var kept []string
	for _, name := range names {
		info, err := os.Stat(filepath.Join(p.FolderPath, name))
		if err == nil && info.Size() > limit {
			continue
		}
		kept = append(kept, name)
	}
	return kept
}

// stopRequested marks an image skipped because the run is soft-stopping,
// as opposed to an image that failed.
type stopRequested struct{}

func (stopRequested) Error() string { return "soft stop requested" }

// runState is the shared mutable state of one run.
type runState struct {
	engine   *Engine
	params   *Params
	result   *Result
	total    int
	complete int
	order    map[string]int
	mu       sync.Mutex
}

// uploadWithRetry attempts one image up to MaxRetries+1 times with a fixed
// delay between attempts, consulting the soft-stop before each retry. The
// attempt count is reported exactly.
func (r *runState) uploadWithRetry(ctx context.Context, name string, createGallery bool, softStop func() bool) (*UploadedImage, int, error) {
	path := filepath.Join(r.params.FolderPath, name)
	opts := UploadOpts{
		GalleryID:     r.result.GalleryID,
		GalleryName:   r.params.GalleryName,
		CreateGallery: createGallery,
		ThumbnailSize: r.params.ThumbnailSize,
		ThumbnailFmt:  r.params.ThumbnailFmt,
		ShouldStop:    softStop,
	}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= r.params.MaxRetries; attempt++ {
		if attempt > 0 {
			if softStop() {
				return nil, attempts, stopRequested{}
			}
			select {
			case <-ctx.Done():
				return nil, attempts, stopRequested{}
			case <-time.After(r.params.RetryDelay):
			}
		}
		attempts++
		// Each attempt reports progress from zero, so the counters record
		// every byte put on the wire, retries included.
		opts.OnProgress = r.byteProgress()
		if !createGallery {
			// The container id may have been assigned after this work
			// item was queued.
			r.mu.Lock()
			opts.GalleryID = r.result.GalleryID
			r.mu.Unlock()
		}
		img, err := r.engine.uploader.UploadImage(ctx, path, opts)
		if err == nil {
			return img, attempts, nil
		}
		if errors.Is(err, ErrStopped) {
			return nil, attempts, stopRequested{}
		}
		lastErr = err
	}
	return nil, attempts, lastErr
}

// byteProgress feeds per-chunk deltas into both the gallery-scoped and the
// global byte counter.
func (r *runState) byteProgress() func(uploaded, total int64, rate float64) {
	var prev int64
	var mu sync.Mutex
	return func(uploaded, total int64, rate float64) {
		mu.Lock()
		delta := uploaded - prev
		prev = uploaded
		mu.Unlock()
		if delta > 0 {
			r.engine.galleryCounter.Add(delta)
			r.engine.globalCounter.Add(delta)
		}
	}
}

func (r *runState) recordSuccess(name string, img *UploadedImage) {
	r.mu.Lock()
	r.result.SuccessfulCount++
	r.result.Images = append(r.result.Images, img)
	r.complete++
	completed, total := r.complete, r.total
	r.mu.Unlock()

	if r.params.OnImageUploaded != nil {
		r.params.OnImageUploaded(name, img, img.SizeBytes)
	}
	r.reportProgress(completed, total, name)
}

func (r *runState) recordFailure(name, reason string, attempts int) {
	r.mu.Lock()
	r.result.FailedCount++
	r.result.FailedDetails = append(r.result.FailedDetails, FailedImage{
		Filename: name, Reason: reason, Attempts: attempts,
	})
	r.complete++
	completed, total := r.complete, r.total
	r.mu.Unlock()

	r.reportProgress(completed, total, name)
}

func (r *runState) reportProgress(completed, total int, current string) {
	if r.params.OnProgress == nil {
		return
	}
	percent := 0
	if total > 0 {
		percent = completed * 100 / total
	}
	r.params.OnProgress(completed, total, percent, current)
}

// reasonOf produces the short human-readable failure string retained in
// the result.
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
