// Package cli: application wiring and command implementations.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/galleryup/galleryup/internal/config"
	"github.com/galleryup/galleryup/internal/engine"
	"github.com/galleryup/galleryup/internal/host"
	"github.com/galleryup/galleryup/internal/model"
	"github.com/galleryup/galleryup/internal/scan"
	"github.com/galleryup/galleryup/internal/store"
	"github.com/galleryup/galleryup/internal/worker"
)

// App holds the galleryup components.
type App struct {
	Config     *config.Config
	Store      *store.Store
	TokenCache *host.TokenCache
	Registry   *host.Registry
	Log        *slog.Logger
}

// Global app instance
var app *App

// InitApp opens the store and builds the host registry.
func InitApp() (*App, error) {
	if configDir != "" {
		os.Setenv("GALLERYUP_CONFIG_DIR", configDir)
	}

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	cache, err := host.NewTokenCache(cfg.TokenCacheDir)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, cache, nil)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:     cfg,
		Store:      st,
		TokenCache: cache,
		Registry:   registry,
		Log:        log,
	}, nil
}

// buildRegistry instantiates a client per enabled host config. Hosts with
// gallery semantics become image clients; the rest are file hosts.
func buildRegistry(cfg *config.Config, cache *host.TokenCache, counter host.ByteCounter) (*host.Registry, error) {
	configs, err := host.LoadConfigs(cfg.HostConfigPath)
	if err != nil {
		return nil, err
	}
	registry := host.NewRegistry()
	for _, hc := range configs {
		if !hc.Enabled {
			continue
		}
		creds := cfg.Credentials(hc.ID)
		if hc.GalleryURLTemplate != "" || hc.GalleryIDPath != "" {
			ic, err := host.NewImageClient(hc, creds, cache, counter, nil)
			if err != nil {
				return nil, err
			}
			if err := registry.RegisterImage(ic); err != nil {
				return nil, err
			}
			continue
		}
		c, err := host.NewClient(hc, creds, cache, counter, nil)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// GetApp returns the app, initializing if needed.
func GetApp() (*App, error) {
	if app != nil {
		return app, nil
	}
	a, err := InitApp()
	if err != nil {
		return nil, err
	}
	app = a
	return app, nil
}

// hostUploader adapts an image-host client to the engine's uploader.
type hostUploader struct {
	ic *host.ImageClient
}

func (u *hostUploader) UploadImage(ctx context.Context, path string, opts engine.UploadOpts) (*engine.UploadedImage, error) {
	res, err := u.ic.UploadImage(ctx, path, host.ImageUploadOpts{
		GalleryID:     opts.GalleryID,
		GalleryName:   opts.GalleryName,
		CreateGallery: opts.CreateGallery,
		ThumbnailSize: opts.ThumbnailSize,
		ThumbnailFmt:  opts.ThumbnailFmt,
		OnProgress:    host.ProgressFunc(opts.OnProgress),
		ShouldStop:    host.StopFunc(opts.ShouldStop),
	})
	if err != nil {
		if host.IsStopped(err) {
			return nil, engine.ErrStopped
		}
		return nil, err
	}
	return &engine.UploadedImage{
		Filename:  res.Filename,
		URL:       res.URL,
		ThumbURL:  res.ThumbURL,
		RemoteID:  res.RemoteID,
		GalleryID: res.GalleryID,
		SizeBytes: res.SizeBytes,
	}, nil
}

func (u *hostUploader) GalleryURL(galleryID string) string {
	return u.ic.GalleryURL(galleryID)
}

func (u *hostUploader) SanitizeGalleryName(name string) string {
	return u.ic.SanitizeGalleryName(name)
}

// registrySource resolves uploaders for the worker pool.
type registrySource struct {
	registry *host.Registry
}

func (s *registrySource) Uploader(hostID string) (engine.Uploader, error) {
	ic, ok := s.registry.Image(hostID)
	if !ok {
		return nil, fmt.Errorf("image host '%s' not configured", hostID)
	}
	return &hostUploader{ic: ic}, nil
}

// resolveTab maps a tab name to its id, empty meaning the default tab.
func resolveTab(ctx context.Context, st *store.Store, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}
	tabs, err := st.Tabs(ctx)
	if err != nil {
		return 0, err
	}
	for _, tab := range tabs {
		if strings.EqualFold(tab.Name, name) {
			return tab.ID, nil
		}
	}
	return 0, fmt.Errorf("tab '%s' not found", name)
}

// RunAdd scans folders and records them as ready galleries.
func RunAdd(folders []string, tabName, nameOverride, hostID string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if nameOverride != "" && len(folders) > 1 {
		return fmt.Errorf("--name applies to a single folder")
	}
	tabID, err := resolveTab(ctx, a.Store, tabName)
	if err != nil {
		return err
	}
	if hostID == "" {
		primary, ok := a.Registry.Image("")
		if !ok {
			return fmt.Errorf("no image host configured")
		}
		hostID = primary.HostID()
	} else if _, ok := a.Registry.Image(hostID); !ok {
		return fmt.Errorf("image host '%s' not configured", hostID)
	}

	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		res, err := scan.Scan(abs, true)
		if err != nil {
			return err
		}
		name := nameOverride
		if name == "" {
			name = filepath.Base(abs)
		}
		g := &model.Gallery{
			Path:       abs,
			Name:       name,
			Status:     model.StatusReady,
			ImageCount: len(res.Images),
			TotalBytes: res.TotalBytes,
			HostID:     hostID,
			TabID:      tabID,
		}
		if err := a.Store.BulkUpsert(ctx, []*model.Gallery{g}); err != nil {
			return err
		}
		if err := a.Store.ReplaceImages(ctx, abs, res.Images); err != nil {
			return err
		}
		fmt.Printf("added %s (%d images, %s)\n", abs, len(res.Images), humanSize(res.TotalBytes))
	}
	return nil
}

// RunQueue marks galleries queued so the next start picks them up.
func RunQueue(folders []string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		if err := a.Store.UpdateStatus(ctx, abs, model.StatusQueued, ""); err != nil {
			return fmt.Errorf("failed to queue %s: %w", abs, err)
		}
		fmt.Printf("queued %s\n", abs)
	}
	return nil
}

// RunRetry requeues failed or incomplete galleries.
func RunRetry(folders []string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		g, err := a.Store.Get(ctx, abs)
		if err != nil {
			return err
		}
		if g.Status != model.StatusFailed && g.Status != model.StatusIncomplete && g.Status != model.StatusPaused {
			return fmt.Errorf("%s is %s; only failed, incomplete or paused galleries can be retried", abs, g.Status)
		}
		if err := a.Store.UpdateStatus(ctx, abs, model.StatusQueued, ""); err != nil {
			return err
		}
		fmt.Printf("requeued %s\n", abs)
	}
	return nil
}

// RunLs lists galleries, optionally filtered by tab or status.
func RunLs(tabName, status string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var galleries []*model.Gallery
	if tabName != "" {
		tabID, err := resolveTab(ctx, a.Store, tabName)
		if err != nil {
			return err
		}
		galleries, err = a.Store.LoadByTab(ctx, tabID)
		if err != nil {
			return err
		}
	} else {
		galleries, err = a.Store.LoadAll(ctx)
		if err != nil {
			return err
		}
	}
	if status != "" {
		filtered := galleries[:0]
		for _, g := range galleries {
			if string(g.Status) == status {
				filtered = append(filtered, g)
			}
		}
		galleries = filtered
	}
	sort.SliceStable(galleries, func(i, j int) bool {
		return galleries[i].InsertionOrder < galleries[j].InsertionOrder
	})

	if len(galleries) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	fmt.Printf("%-4s %-11s %6s %9s  %s\n", "#", "STATUS", "IMAGES", "SIZE", "GALLERY")
	for _, g := range galleries {
		fmt.Printf("%-4d %-11s %6d %9s  %s\n",
			g.InsertionOrder, g.Status, g.ImageCount, humanSize(g.TotalBytes), g.Path)
		if g.GalleryURL != "" {
			fmt.Printf("     %s\n", g.GalleryURL)
		}
		if g.LastError != "" {
			fmt.Printf("     error: %s\n", g.LastError)
		}
	}
	return nil
}

// RunRm removes galleries and their records from the queue.
func RunRm(folders []string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(folders))
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
	}
	removed, err := a.Store.DeleteByPaths(context.Background(), paths)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d galleries\n", removed)
	return nil
}

// RunReorder rewrites queue positions to match the argument order.
func RunReorder(folders []string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(folders))
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
	}
	if err := a.Store.UpdateInsertionOrders(context.Background(), paths); err != nil {
		return err
	}
	fmt.Printf("reordered %d galleries\n", len(paths))
	return nil
}

// RunStatus summarizes the queue and the file-host uploads.
func RunStatus() error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	galleries, err := a.Store.LoadAll(ctx)
	if err != nil {
		return err
	}
	counts := make(map[model.GalleryStatus]int)
	var totalBytes int64
	for _, g := range galleries {
		counts[g.Status]++
		totalBytes += g.TotalBytes
	}
	fmt.Printf("galleries: %d (%s)\n", len(galleries), humanSize(totalBytes))
	for _, s := range []model.GalleryStatus{
		model.StatusReady, model.StatusQueued, model.StatusUploading,
		model.StatusPaused, model.StatusIncomplete, model.StatusCompleted, model.StatusFailed,
	} {
		if counts[s] > 0 {
			fmt.Printf("  %-11s %d\n", s, counts[s])
		}
	}

	uploads, err := a.Store.AllHostUploads(ctx)
	if err != nil {
		return err
	}
	if len(uploads) > 0 {
		fmt.Println("file-host uploads:")
		for path, recs := range uploads {
			for _, rec := range recs {
				line := fmt.Sprintf("  %-11s %-12s %s", rec.Status, rec.HostID, path)
				if rec.DownloadURL != "" {
					line += " -> " + rec.DownloadURL
				}
				fmt.Println(line)
			}
		}
	}
	return nil
}

// RunStart processes the queue until it drains or the user interrupts.
func RunStart() error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	pool := worker.New(a.Store, &registrySource{registry: a.Registry}, worker.Options{
		ParallelBatchSize: a.Config.ParallelBatchSize,
		MaxRetries:        a.Config.MaxRetries,
		RetryDelay:        a.Config.RetryDelay,
		PollInterval:      time.Second,
		RecordUnnamed:     true,
	}, a.Log)
	pool.SetCompletion(worker.NewCompletion(a.Store, a.Log))

	// Rebuild the file-host clients against the pool's byte counter so
	// archive transfers share the bandwidth tracking.
	registry, err := buildRegistry(a.Config, a.TokenCache, pool.GlobalCounter())
	if err != nil {
		return err
	}
	var senders []worker.FileSender
	for _, c := range registry.All() {
		senders = append(senders, c)
	}
	pool.SetFileHosts(worker.NewFileHostRunner(a.Store, senders, a.Log))

	if primary, ok := a.Registry.Image(""); ok && primary.SupportsRename() {
		worker.NewRenameWorker(a.Store, primary, a.Log).Start(ctx, 30*time.Second)
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	stopped := make(chan struct{})
	go func() {
		<-sigCh
		interrupted.Store(true)
		fmt.Println("\nstopping: waiting for in-flight images to finish")
		pool.PauseAll()
		close(stopped)
	}()

	stopWait := time.NewTimer(time.Hour)
	stopWait.Stop()
	defer stopWait.Stop()

	waiting := stopped
loop:
	for {
		select {
		case ev, ok := <-pool.Events():
			if !ok {
				break loop
			}
			printEvent(ev)
			switch ev.Type {
			case worker.EventQueueDrained:
				break loop
			case worker.EventGalleryPaused, worker.EventGalleryCompleted, worker.EventGalleryFailed:
				if interrupted.Load() {
					break loop
				}
			}
		case <-waiting:
			// Interrupt landed; give the in-flight gallery a bounded
			// window to reach a terminal state.
			waiting = nil
			stopWait.Reset(30 * time.Second)
		case <-stopWait.C:
			break loop
		}
	}
	pool.Stop()
	return nil
}

func printEvent(ev worker.Event) {
	if quiet {
		return
	}
	switch ev.Type {
	case worker.EventGalleryStarted:
		fmt.Printf("uploading %s\n", ev.GalleryPath)
	case worker.EventProgressUpdated:
		fmt.Printf("  %d/%d (%d%%) %s\n", ev.Completed, ev.Total, ev.Percent, ev.Filename)
	case worker.EventGalleryCompleted:
		fmt.Printf("completed %s\n", ev.GalleryPath)
	case worker.EventGalleryPaused:
		fmt.Printf("paused %s\n", ev.GalleryPath)
	case worker.EventGalleryFailed:
		fmt.Printf("failed %s: %s\n", ev.GalleryPath, ev.Reason)
	case worker.EventQueueDrained:
		fmt.Println("queue drained")
	}
}

// RunTabAdd creates a tab.
func RunTabAdd(name string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	tab, err := a.Store.CreateTab(context.Background(), name)
	if err != nil {
		return err
	}
	fmt.Printf("created tab '%s'\n", tab.Name)
	return nil
}

// RunTabLs lists tabs with their gallery counts.
func RunTabLs() error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	tabs, err := a.Store.Tabs(ctx)
	if err != nil {
		return err
	}
	for _, tab := range tabs {
		galleries, err := a.Store.LoadByTab(ctx, tab.ID)
		if err != nil {
			return err
		}
		marker := ""
		if tab.IsDefault {
			marker = " (default)"
		}
		fmt.Printf("%s%s: %d galleries\n", tab.Name, marker, len(galleries))
	}
	return nil
}

// RunTabRename renames a tab.
func RunTabRename(oldName, newName string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveTab(ctx, a.Store, oldName)
	if err != nil {
		return err
	}
	if err := a.Store.RenameTab(ctx, id, newName); err != nil {
		return err
	}
	fmt.Printf("renamed tab '%s' to '%s'\n", oldName, newName)
	return nil
}

// RunTabRm deletes a tab and moves its galleries to the default tab.
func RunTabRm(name string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	ctx := context.Background()
	id, err := resolveTab(ctx, a.Store, name)
	if err != nil {
		return err
	}
	def, err := a.Store.DefaultTab(ctx)
	if err != nil {
		return err
	}
	moved, err := a.Store.DeleteTab(ctx, id, def.ID)
	if err != nil {
		return err
	}
	fmt.Printf("deleted tab '%s', moved %d galleries to '%s'\n", name, moved, def.Name)
	return nil
}

// findClient returns any configured client for a host id.
func findClient(a *App, id string) (*host.Client, error) {
	if c, ok := a.Registry.Get(id); ok {
		return c, nil
	}
	if ic, ok := a.Registry.Image(id); ok {
		return ic.Client, nil
	}
	return nil, fmt.Errorf("host '%s' not configured", id)
}

// RunHostLs lists the configured hosts.
func RunHostLs() error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	configs, err := host.LoadConfigs(a.Config.HostConfigPath)
	if err != nil {
		return err
	}
	fmt.Printf("%-12s %-12s %-12s %-8s %s\n", "ID", "NAME", "AUTH", "ENABLED", "CREDENTIALS")
	for _, hc := range configs {
		creds := "missing"
		if a.Config.Credentials(hc.ID) != "" {
			creds = "set"
		}
		fmt.Printf("%-12s %-12s %-12s %-8t %s\n", hc.ID, hc.Name, hc.AuthScheme, hc.Enabled, creds)
	}
	return nil
}

// RunHostTest verifies credentials without mutating remote state.
func RunHostTest(id string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	c, err := findClient(a, id)
	if err != nil {
		return err
	}
	if err := c.TestCredentials(context.Background()); err != nil {
		return fmt.Errorf("credential test failed: %w", err)
	}
	fmt.Printf("%s: credentials ok\n", id)
	return nil
}

// RunHostTestUpload exercises the full write path with a probe file.
func RunHostTestUpload(id string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	c, err := findClient(a, id)
	if err != nil {
		return err
	}
	res, err := c.TestUpload(context.Background(), true)
	if err != nil {
		return fmt.Errorf("test upload failed: %w", err)
	}
	fmt.Printf("%s: upload ok (%s)\n", id, res.URL)
	if res.OrphanFileID != "" {
		fmt.Printf("warning: probe file %s could not be deleted\n", res.OrphanFileID)
	}
	return nil
}

// RunHostInfo prints account storage and plan state.
func RunHostInfo(id string) error {
	a, err := GetApp()
	if err != nil {
		return err
	}
	c, err := findClient(a, id)
	if err != nil {
		return err
	}
	info, err := c.GetUserInfo(context.Background())
	if err != nil {
		return err
	}
	plan := "free"
	if info.Premium {
		plan = "premium"
	}
	fmt.Printf("%s: %s account\n", id, plan)
	if info.StorageTotal > 0 {
		fmt.Printf("storage: %s used of %s (%s left)\n",
			humanSize(info.StorageUsed), humanSize(info.StorageTotal), humanSize(info.StorageLeft))
	}
	return nil
}

// humanSize formats a byte count for display.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
