// Package worker drives the upload queue: it claims queued galleries one
// at a time, runs the engine against them, persists the outcome and emits
// typed events for whoever is watching.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/galleryup/galleryup/internal/engine"
	"github.com/galleryup/galleryup/internal/model"
	"github.com/galleryup/galleryup/internal/store"
)

// UploaderSource resolves the image uploader bound to a host id.
type UploaderSource interface {
	Uploader(hostID string) (engine.Uploader, error)
}

// Options tunes one pool.
type Options struct {
	ParallelBatchSize int
	MaxRetries        int
	RetryDelay        time.Duration
	ThumbnailSize     int
	ThumbnailFmt      int
	PollInterval      time.Duration
	EventBuffer       int
	// RecordUnnamed queues newly created remote galleries for the rename
	// post-processor instead of assuming the host named them at creation.
	RecordUnnamed bool
}

func (o *Options) withDefaults() {
	if o.ParallelBatchSize < 1 {
		o.ParallelBatchSize = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
}

// Pool processes the gallery queue sequentially. Parallelism lives inside
// the engine's per-image batch, not across galleries.
type Pool struct {
	store     *store.Store
	uploaders UploaderSource
	opts      Options
	log       *slog.Logger

	events  chan Event
	global  *engine.AtomicCounter
	current *engine.AtomicCounter
	tracker *engine.BandwidthTracker

	completion *Completion
	fileHosts  *FileHostRunner

	mu      sync.Mutex
	claims  map[string]struct{}
	paused  map[string]bool
	stopAll bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a pool over a store and a source of uploaders.
func New(st *store.Store, uploaders UploaderSource, opts Options, log *slog.Logger) *Pool {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		store:     st,
		uploaders: uploaders,
		opts:      opts,
		log:       log,
		events:    make(chan Event, opts.EventBuffer),
		global:    engine.NewCounter(),
		current:   engine.NewCounter(),
		claims:    make(map[string]struct{}),
		paused:    make(map[string]bool),
	}
	p.tracker = engine.NewBandwidthTracker(p.global, func(rate float64) {
		p.emit(Event{Type: EventBandwidthSample, BytesPerSec: rate})
	})
	return p
}

// SetCompletion attaches the external-field post-processor. Call before
// Start.
func (p *Pool) SetCompletion(c *Completion) {
	p.completion = c
}

// SetFileHosts attaches the file-host runner that picks up completed
// galleries. Call before Start.
func (p *Pool) SetFileHosts(r *FileHostRunner) {
	p.fileHosts = r
}

// Events is the pool's outbound channel. It is closed by Stop.
func (p *Pool) Events() <-chan Event {
	return p.events
}

// GlobalCounter exposes the process-lifetime byte counter, for file-host
// clients that share the same bandwidth budget.
func (p *Pool) GlobalCounter() *engine.AtomicCounter {
	return p.global
}

// Start launches the queue loop. It returns immediately; Stop shuts the
// loop down and drains in-flight work.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	// Rows stranded in uploading by a crash or hard stop have no legal
	// exit edge; park them as paused so they can be requeued.
	if n, err := p.store.RecoverInterrupted(ctx); err != nil {
		p.log.Error("failed to recover interrupted galleries", "error", err)
	} else if n > 0 {
		p.log.Info("recovered interrupted galleries", "count", n)
	}

	p.tracker.Start()
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop hard-stops the pool: no new galleries are claimed, the in-flight
// gallery finishes its current images and is persisted as paused.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopAll = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.tracker.Stop()
	close(p.events)
}

// Pause soft-stops one gallery: images already uploading finish, nothing
// new starts, and the gallery is persisted as paused for later resume.
func (p *Pool) Pause(path string) {
	p.mu.Lock()
	p.paused[path] = true
	p.mu.Unlock()
}

// PauseAll soft-stops the in-flight gallery and keeps the loop from
// claiming more until ResumeAll.
func (p *Pool) PauseAll() {
	p.mu.Lock()
	p.stopAll = true
	p.mu.Unlock()
}

// ResumeAll re-enables claiming after PauseAll.
func (p *Pool) ResumeAll() {
	p.mu.Lock()
	p.stopAll = false
	p.mu.Unlock()
}

func (p *Pool) shouldStop(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopAll || p.paused[path]
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	hadWork := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		stopped := p.stopAll
		p.mu.Unlock()
		if stopped {
			continue
		}

		g, err := p.next(ctx)
		if err != nil {
			p.log.Error("queue poll failed", "error", err)
			continue
		}
		if g == nil {
			if hadWork {
				hadWork = false
				p.emit(Event{Type: EventQueueDrained})
			}
			continue
		}
		hadWork = true
		p.process(ctx, g)
	}
}

// next picks the queued gallery with the lowest insertion order that is
// not already claimed.
func (p *Pool) next(ctx context.Context) (*model.Gallery, error) {
	queued, err := p.store.LoadByStatus(ctx, model.StatusQueued)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].InsertionOrder < queued[j].InsertionOrder
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range queued {
		if _, taken := p.claims[g.Path]; taken {
			continue
		}
		p.claims[g.Path] = struct{}{}
		return g, nil
	}
	return nil, nil
}

func (p *Pool) release(path string) {
	p.mu.Lock()
	delete(p.claims, path)
	delete(p.paused, path)
	p.mu.Unlock()
}

// process runs one claimed gallery through the engine and persists every
// outcome, including the ones where the engine never got to start.
func (p *Pool) process(ctx context.Context, g *model.Gallery) {
	defer p.release(g.Path)

	// Outcome writes must land even after Stop cancels the loop context,
	// or a hard stop strands the gallery in uploading.
	persist := context.WithoutCancel(ctx)

	// The store transition is the claim of record; losing it means some
	// other pool instance got there first.
	if err := p.store.ClaimForUpload(ctx, g.Path); err != nil {
		if !errors.Is(err, store.ErrBadTransition) {
			p.log.Error("claim failed", "gallery", g.Path, "error", err)
		}
		return
	}
	p.emit(Event{Type: EventGalleryStarted, GalleryPath: g.Path, Status: model.StatusUploading})
	p.log.Info("gallery started", "gallery", g.Path, "host", g.HostID)

	up, err := p.uploaders.Uploader(g.HostID)
	if err != nil {
		p.fail(ctx, g.Path, fmt.Sprintf("no uploader for host %s: %v", g.HostID, err))
		return
	}

	already, err := p.store.UploadedSet(ctx, g.Path)
	if err != nil {
		p.fail(ctx, g.Path, fmt.Sprintf("failed to load resume set: %v", err))
		return
	}

	// Dimensions were sampled at scan time; the engine only passes them
	// through into the result.
	var dims *model.DimensionStats
	if imgs, err := p.store.Images(ctx, g.Path); err == nil {
		dims = storedDimensions(imgs)
	}

	eng := engine.New(up, p.global, p.current)
	res, err := eng.Run(ctx, engine.Params{
		FolderPath:        g.Path,
		GalleryName:       g.Name,
		ThumbnailSize:     p.opts.ThumbnailSize,
		ThumbnailFmt:      p.opts.ThumbnailFmt,
		MaxRetries:        p.opts.MaxRetries,
		RetryDelay:        p.opts.RetryDelay,
		ParallelBatchSize: p.opts.ParallelBatchSize,
		TemplateName:      g.TemplateName,
		AlreadyUploaded:   already,
		ExistingGalleryID: g.GalleryID,
		Dimensions:        dims,
		ShouldSoftStop: func() bool {
			return p.shouldStop(g.Path)
		},
		OnProgress: func(completed, total, percent int, currentFile string) {
			p.emit(Event{
				Type:        EventProgressUpdated,
				GalleryPath: g.Path,
				Filename:    currentFile,
				Completed:   completed,
				Total:       total,
				Percent:     percent,
			})
		},
		OnImageUploaded: func(filename string, img *engine.UploadedImage, size int64) {
			if err := p.store.MarkUploaded(persist, g.Path, filename, img.RemoteID); err != nil {
				p.log.Error("failed to persist uploaded image", "gallery", g.Path, "file", filename, "error", err)
			}
			p.emit(Event{Type: EventImageUploaded, GalleryPath: g.Path, Filename: filename})
		},
	})
	if err != nil {
		// Whole-gallery precondition failure: missing folder, no images.
		p.fail(ctx, g.Path, err.Error())
		return
	}

	if res.GalleryID != "" && res.GalleryID != g.GalleryID {
		if err := p.store.SetGalleryRemote(persist, g.Path, res.GalleryID, res.GalleryURL); err != nil {
			p.log.Error("failed to persist gallery id", "gallery", g.Path, "error", err)
		}
		if p.opts.RecordUnnamed {
			if err := p.store.SaveUnnamedGallery(persist, res.GalleryID, res.GalleryName); err != nil {
				p.log.Error("failed to record rename candidate", "gallery", g.Path, "error", err)
			}
		}
	}

	p.finish(ctx, g, res)
}

// finish maps an engine result onto the gallery state machine.
func (p *Pool) finish(ctx context.Context, g *model.Gallery, res *engine.Result) {
	switch {
	case res.Stopped:
		p.transition(ctx, g.Path, model.StatusPaused, "")
		p.emit(Event{Type: EventGalleryPaused, GalleryPath: g.Path, Status: model.StatusPaused})
		p.log.Info("gallery paused", "gallery", g.Path, "uploaded", res.SuccessfulCount)

	case res.FailedCount > 0 && res.SuccessfulCount == 0:
		reason := fmt.Sprintf("all %d images failed", res.FailedCount)
		if len(res.FailedDetails) > 0 {
			reason = fmt.Sprintf("%s; first: %s", reason, res.FailedDetails[0].Reason)
		}
		p.fail(ctx, g.Path, reason)

	case res.FailedCount > 0:
		reason := fmt.Sprintf("%d of %d images failed", res.FailedCount, res.SuccessfulCount+res.FailedCount)
		p.transition(ctx, g.Path, model.StatusIncomplete, reason)
		p.emit(Event{Type: EventGalleryFailed, GalleryPath: g.Path, Status: model.StatusIncomplete, Reason: reason})
		p.log.Warn("gallery incomplete", "gallery", g.Path, "failed", res.FailedCount)

	default:
		p.transition(ctx, g.Path, model.StatusCompleted, "")
		p.emit(Event{Type: EventGalleryCompleted, GalleryPath: g.Path, Status: model.StatusCompleted})
		p.log.Info("gallery completed", "gallery", g.Path,
			"images", res.SuccessfulCount, "bytes", res.UploadedBytes, "elapsed", res.Elapsed)
		if p.completion != nil {
			p.completion.Apply(context.WithoutCancel(ctx), g, res)
		}
		if p.fileHosts != nil {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.fileHosts.RunForGallery(ctx, g.Path)
			}()
		}
	}
}

func (p *Pool) fail(ctx context.Context, path, reason string) {
	p.transition(ctx, path, model.StatusFailed, reason)
	p.emit(Event{Type: EventGalleryFailed, GalleryPath: path, Status: model.StatusFailed, Reason: reason})
	p.log.Error("gallery failed", "gallery", path, "reason", reason)
}

func (p *Pool) transition(ctx context.Context, path string, to model.GalleryStatus, reason string) {
	// Detached from the loop context; terminal transitions are written
	// even while the pool shuts down.
	if err := p.store.UpdateStatus(context.WithoutCancel(ctx), path, to, reason); err != nil {
		p.log.Error("status transition failed", "gallery", path, "to", to, "error", err)
	}
}

// storedDimensions rebuilds the scan-time dimension stats from persisted
// image rows. Rows that were never sampled are skipped; nil when none were.
func storedDimensions(imgs []*model.Image) *model.DimensionStats {
	var d model.DimensionStats
	var n, sumW, sumH int
	for _, img := range imgs {
		if img.Width <= 0 || img.Height <= 0 {
			continue
		}
		if n == 0 || img.Width < d.MinWidth {
			d.MinWidth = img.Width
		}
		if n == 0 || img.Height < d.MinHeight {
			d.MinHeight = img.Height
		}
		if img.Width > d.MaxWidth {
			d.MaxWidth = img.Width
		}
		if img.Height > d.MaxHeight {
			d.MaxHeight = img.Height
		}
		sumW += img.Width
		sumH += img.Height
		n++
	}
	if n == 0 {
		return nil
	}
	d.AvgWidth = sumW / n
	d.AvgHeight = sumH / n
	return &d
}
