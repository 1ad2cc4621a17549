package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/galleryup/galleryup/internal/engine"
	"github.com/galleryup/galleryup/internal/host"
	"github.com/galleryup/galleryup/internal/model"
	"github.com/galleryup/galleryup/internal/store"
)

// Completion fills a completed gallery's external fields from its upload
// result. Best effort: a failure here never changes the gallery's status.
type Completion struct {
	store *store.Store
	log   *slog.Logger
}

// NewCompletion builds the completion post-processor.
func NewCompletion(st *store.Store, log *slog.Logger) *Completion {
	if log == nil {
		log = slog.Default()
	}
	return &Completion{store: st, log: log}
}

// Apply renders the gallery's external fields and persists them.
func (c *Completion) Apply(ctx context.Context, g *model.Gallery, res *engine.Result) {
	fields := [4]string{
		res.GalleryURL,
		renderBBCode(g.TemplateName, res),
		summaryLine(res),
		imageURLList(res),
	}
	if err := c.store.SetExternalFields(ctx, g.Path, fields); err != nil {
		c.log.Error("failed to persist external fields", "gallery", g.Path, "error", err)
		return
	}
	c.log.Debug("external fields populated", "gallery", g.Path, "template", g.TemplateName)
}

// renderBBCode produces the forum-ready block for a gallery. The plain
// template lists bare URLs; everything else gets linked thumbnails.
func renderBBCode(template string, res *engine.Result) string {
	var b strings.Builder
	if res.GalleryURL != "" {
		fmt.Fprintf(&b, "[url=%s]%s[/url]\n", res.GalleryURL, res.GalleryName)
	}
	for _, img := range res.Images {
		if template == "plain" || img.ThumbURL == "" {
			b.WriteString(img.URL)
			b.WriteByte('\n')
			continue
		}
		fmt.Fprintf(&b, "[url=%s][img]%s[/img][/url]\n", img.URL, img.ThumbURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func summaryLine(res *engine.Result) string {
	mb := float64(res.UploadedBytes) / (1024 * 1024)
	s := fmt.Sprintf("%d images, %.1f MB", res.SuccessfulCount, mb)
	if d := res.Dimensions; d.MaxWidth > 0 {
		s += fmt.Sprintf(", %dx%d to %dx%d", d.MinWidth, d.MinHeight, d.MaxWidth, d.MaxHeight)
	}
	return s
}

func imageURLList(res *engine.Result) string {
	urls := make([]string, 0, len(res.Images))
	for _, img := range res.Images {
		urls = append(urls, img.URL)
	}
	return strings.Join(urls, "\n")
}

// Renamer is the slice of an image-host client the rename pass needs.
type Renamer interface {
	SupportsRename() bool
	RenameGallery(ctx context.Context, galleryID, name string) error
}

// RenameWorker retries the naming of remote galleries that were created
// anonymously. Each mapping is dropped once the host accepts the name, or
// immediately when the host cannot rename at all.
type RenameWorker struct {
	store   *store.Store
	renamer Renamer
	log     *slog.Logger
}

// NewRenameWorker builds the rename post-processor.
func NewRenameWorker(st *store.Store, renamer Renamer, log *slog.Logger) *RenameWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RenameWorker{store: st, renamer: renamer, log: log}
}

// RunOnce processes every pending mapping and returns how many were
// renamed. Mappings that fail transiently stay for the next pass.
func (w *RenameWorker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.store.UnnamedGalleries(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if !w.renamer.SupportsRename() {
		for _, ug := range pending {
			if err := w.store.DeleteUnnamedGallery(ctx, ug.GalleryID); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	renamed := 0
	for _, ug := range pending {
		err := w.renamer.RenameGallery(ctx, ug.GalleryID, ug.Name)
		if errors.Is(err, host.ErrNotSupported) {
			err = nil
		}
		if err != nil {
			w.log.Warn("gallery rename failed, will retry", "gallery_id", ug.GalleryID, "error", err)
			continue
		}
		if err := w.store.DeleteUnnamedGallery(ctx, ug.GalleryID); err != nil {
			return renamed, err
		}
		renamed++
		w.log.Info("gallery renamed", "gallery_id", ug.GalleryID, "name", ug.Name)
	}
	return renamed, nil
}

// Start polls pending mappings until the context ends.
func (w *RenameWorker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.log.Error("rename pass failed", "error", err)
				}
			}
		}
	}()
}
