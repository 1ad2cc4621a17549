package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploader simulates an image host with scriptable per-image failures.
type fakeUploader struct {
	mu            sync.Mutex
	attempts      map[string]int
	failFirst     map[string]int // fail the first N attempts of a file
	failAll       bool
	authExpireAt  string // one simulated stale-session failure at this file
	authTripped   bool
	uploads       map[string]int // successful uploads per file
	started       atomic.Int64
	inFlight      atomic.Int64
	maxConcurrent atomic.Int64
	delay         time.Duration
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		attempts:  make(map[string]int),
		failFirst: make(map[string]int),
		uploads:   make(map[string]int),
	}
}

func (f *fakeUploader) UploadImage(ctx context.Context, path string, opts UploadOpts) (*UploadedImage, error) {
	name := filepath.Base(path)
	f.started.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxConcurrent.Load()
		if cur <= max || f.maxConcurrent.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.attempts[name]++
	attempt := f.attempts[name]
	authFail := name == f.authExpireAt && !f.authTripped
	if authFail {
		f.authTripped = true
	}
	f.mu.Unlock()

	if f.failAll {
		return nil, fmt.Errorf("host rejected %s", name)
	}
	if authFail {
		return nil, fmt.Errorf("session expired")
	}
	if n := f.failFirst[name]; attempt <= n {
		return nil, fmt.Errorf("transient failure on %s", name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if opts.OnProgress != nil {
		opts.OnProgress(info.Size(), info.Size(), 0)
	}

	galleryID := opts.GalleryID
	if opts.CreateGallery {
		galleryID = "gal-1"
	}
	f.mu.Lock()
	f.uploads[name]++
	f.mu.Unlock()
	return &UploadedImage{
		Filename:  name,
		URL:       "https://img.example/" + name,
		RemoteID:  "rid-" + name,
		GalleryID: galleryID,
		SizeBytes: info.Size(),
	}, nil
}

func (f *fakeUploader) GalleryURL(id string) string {
	if id == "" {
		return ""
	}
	return "https://img.example/g/" + id
}

func (f *fakeUploader) SanitizeGalleryName(name string) string { return name }

func makeGalleryFolder(t *testing.T, count int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 1; i <= count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img%03d.jpg", i))
		data := make([]byte, 100+i)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}
	return dir
}

func newTestEngine(u Uploader) (*Engine, *AtomicCounter, *AtomicCounter) {
	global := NewCounter()
	gallery := NewCounter()
	return New(u, global, gallery), global, gallery
}

func TestRun_AllSucceed(t *testing.T) {
	dir := makeGalleryFolder(t, 50)
	fake := newFakeUploader()
	eng, _, _ := newTestEngine(fake)

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, res.SuccessfulCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.NotEmpty(t, res.GalleryURL)
	assert.Equal(t, "gal-1", res.GalleryID)
	assert.False(t, res.Stopped)
	assert.Len(t, res.Images, 50)

	// The pool never exceeds the configured batch size.
	assert.LessOrEqual(t, fake.maxConcurrent.Load(), int64(4))

	// Report keeps original file order regardless of completion order.
	for i, img := range res.Images {
		assert.Equal(t, fmt.Sprintf("img%03d.jpg", i+1), img.Filename)
	}
}

func TestRun_FlakyImageEventuallySucceeds(t *testing.T) {
	dir := makeGalleryFolder(t, 50)
	fake := newFakeUploader()
	fake.failFirst["img010.jpg"] = 2 // fails twice, succeeds on the 3rd attempt
	eng, _, _ := newTestEngine(fake)

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, res.SuccessfulCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.Equal(t, 3, res.Attempts["img010.jpg"])
}

func TestRun_RetryBoundExact(t *testing.T) {
	dir := makeGalleryFolder(t, 8)
	fake := newFakeUploader()
	fake.failAll = true
	eng, _, _ := newTestEngine(fake)

	const maxRetries = 3
	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        maxRetries,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 2,
		ExistingGalleryID: "gal-existing", // skip the creation path
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessfulCount)
	assert.Equal(t, 8, res.FailedCount)
	assert.Len(t, res.FailedDetails, 8)

	// Exactly maxRetries+1 attempts per image: no more, no fewer.
	for name, attempts := range fake.attempts {
		assert.Equalf(t, maxRetries+1, attempts, "attempt count for %s", name)
	}
	for _, detail := range res.FailedDetails {
		assert.NotEmpty(t, detail.Reason)
		assert.Equal(t, maxRetries+1, detail.Attempts)
	}
}

func TestRun_ResumeIdempotence(t *testing.T) {
	dir := makeGalleryFolder(t, 30)
	fake := newFakeUploader()
	eng, _, _ := newTestEngine(fake)

	// Prior run succeeded on a subset S.
	already := make(map[string]struct{})
	for i := 1; i <= 12; i++ {
		already[fmt.Sprintf("img%03d.jpg", i)] = struct{}{}
	}

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
		AlreadyUploaded:   already,
		ExistingGalleryID: "gal-1",
	})
	require.NoError(t, err)

	// Exactly N - |S| images uploaded, none twice.
	assert.Equal(t, 18, res.SuccessfulCount)
	for name, count := range fake.uploads {
		assert.Equalf(t, 1, count, "upload count for %s", name)
		_, wasDone := already[name]
		assert.Falsef(t, wasDone, "%s was in the resume set but re-sent", name)
	}
	// Union of resume set and new successes covers the full gallery.
	assert.Equal(t, 30, len(already)+res.SuccessfulCount)
}

func TestRun_AuthExpiryMidRun(t *testing.T) {
	dir := makeGalleryFolder(t, 50)
	fake := newFakeUploader()
	fake.authExpireAt = "img030.jpg" // one stale-session failure, then fine
	eng, _, _ := newTestEngine(fake)

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 50, res.SuccessfulCount)
	assert.Equal(t, 0, res.FailedCount, "no failed entries attributable to auth")
}

func TestRun_SoftStopAndResume(t *testing.T) {
	dir := makeGalleryFolder(t, 50)
	fake := newFakeUploader()
	fake.delay = 5 * time.Millisecond
	eng, _, _ := newTestEngine(fake)

	stopAfter := int64(20)
	uploadedFirst := make(map[string]struct{})
	var mu sync.Mutex

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
		ShouldSoftStop: func() bool {
			return fake.started.Load() >= stopAfter
		},
		OnImageUploaded: func(name string, img *UploadedImage, size int64) {
			mu.Lock()
			uploadedFirst[name] = struct{}{}
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 0, res.FailedCount)

	// Everything that had started was allowed to finish; nothing new began.
	assert.GreaterOrEqual(t, res.SuccessfulCount, int(stopAfter))
	assert.LessOrEqual(t, res.SuccessfulCount, int(stopAfter)+4)
	assert.Equal(t, len(uploadedFirst), res.SuccessfulCount)

	// Resume with the resulting set completes the rest exactly once each.
	res2, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 4,
		AlreadyUploaded:   uploadedFirst,
		ExistingGalleryID: res.GalleryID,
	})
	require.NoError(t, err)
	assert.Equal(t, 50-len(uploadedFirst), res2.SuccessfulCount)
	for name, count := range fake.uploads {
		assert.Equalf(t, 1, count, "upload count for %s across both runs", name)
	}
}

func TestRun_WholeGalleryPreconditions(t *testing.T) {
	fake := newFakeUploader()
	eng, _, _ := newTestEngine(fake)

	_, err := eng.Run(context.Background(), Params{FolderPath: "/does/not/exist"})
	assert.Error(t, err, "missing folder is fatal and not retried")

	empty := t.TempDir()
	_, err = eng.Run(context.Background(), Params{FolderPath: empty})
	assert.Error(t, err, "gallery with zero eligible images is fatal")
	assert.Zero(t, fake.started.Load(), "no upload may start on a failed precondition")
}

func TestRun_GalleryCreationFailureIsWellFormed(t *testing.T) {
	dir := makeGalleryFolder(t, 5)
	fake := newFakeUploader()
	fake.failAll = true
	eng, _, _ := newTestEngine(fake)

	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 2,
	})
	require.NoError(t, err, "a fully failed run still returns a well-formed result")
	assert.Equal(t, 0, res.SuccessfulCount)
	assert.Equal(t, 5, res.FailedCount)
	assert.Len(t, res.FailedDetails, 5)
	assert.Empty(t, res.GalleryURL)
}

func TestRun_ContextCancelMarksStopped(t *testing.T) {
	dir := makeGalleryFolder(t, 20)
	fake := newFakeUploader()
	fake.delay = 20 * time.Millisecond
	eng, _, _ := newTestEngine(fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	res, err := eng.Run(ctx, Params{
		FolderPath:        dir,
		MaxRetries:        0,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 2,
		OnImageUploaded: func(string, *UploadedImage, int64) {
			once.Do(cancel)
		},
	})
	require.NoError(t, err)

	// An aborted run must not read as a clean completion, and images the
	// cancellation skipped are not failures.
	assert.True(t, res.Stopped)
	assert.Less(t, res.SuccessfulCount, 20)
	assert.Zero(t, res.FailedCount)
}

// halfThenFullUploader reports half the bytes before failing the first
// attempt, then streams the whole file on the retry.
type halfThenFullUploader struct {
	mu       sync.Mutex
	attempts int
}

func (f *halfThenFullUploader) UploadImage(ctx context.Context, path string, opts UploadOpts) (*UploadedImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	size := info.Size()

	f.mu.Lock()
	f.attempts++
	first := f.attempts == 1
	f.mu.Unlock()

	if first {
		opts.OnProgress(size/2, size, 0)
		return nil, fmt.Errorf("connection reset")
	}
	opts.OnProgress(size/4, size, 0)
	opts.OnProgress(size, size, 0)
	return &UploadedImage{
		Filename:  filepath.Base(path),
		URL:       "https://img.example/x",
		GalleryID: "gal-1",
		SizeBytes: size,
	}, nil
}

func (f *halfThenFullUploader) GalleryURL(id string) string { return "https://img.example/g/" + id }

func (f *halfThenFullUploader) SanitizeGalleryName(name string) string { return name }

func TestCounter_RetryRestartsByteProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img001.jpg")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0644))

	eng, global, gallery := newTestEngine(&halfThenFullUploader{})
	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessfulCount)

	// The failed attempt put 500 bytes on the wire and the retry 1000;
	// the retry restarting from zero is not read as a regression.
	assert.Equal(t, int64(1500), global.Get())
	assert.Equal(t, int64(1500), gallery.Get())
}

func TestCounter_ConcurrentSum(t *testing.T) {
	dir := makeGalleryFolder(t, 40)
	fake := newFakeUploader()
	eng, global, _ := newTestEngine(fake)

	var reported atomic.Int64
	res, err := eng.Run(context.Background(), Params{
		FolderPath:        dir,
		MaxRetries:        1,
		RetryDelay:        time.Millisecond,
		ParallelBatchSize: 8,
		OnImageUploaded: func(name string, img *UploadedImage, size int64) {
			reported.Add(size)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 40, res.SuccessfulCount)

	// The global counter equals the exact sum of per-upload byte totals,
	// regardless of interleaving.
	assert.Equal(t, reported.Load(), global.Get())
	assert.Equal(t, reported.Load(), res.UploadedBytes)
}

func TestCounter_Primitive(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Add(3)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16*1000*3), c.Get())
	c.Reset()
	assert.Zero(t, c.Get())
}

func TestBandwidthTracker_SmoothingAndStop(t *testing.T) {
	c := NewCounter()
	var mu sync.Mutex
	var samples []float64
	bt := NewBandwidthTracker(c, func(rate float64) {
		mu.Lock()
		samples = append(samples, rate)
		mu.Unlock()
	})
	bt.Start()

	// Feed a steady stream of bytes across several ticks.
	for i := 0; i < 6; i++ {
		c.Add(512 * 1024)
		time.Sleep(200 * time.Millisecond)
	}
	assert.Greater(t, bt.Rate(), 0.0)
	assert.GreaterOrEqual(t, bt.Peak(), bt.Rate())

	bt.Stop()
	mu.Lock()
	n := len(samples)
	mu.Unlock()

	// No further ticks after Stop returns.
	time.Sleep(3 * bandwidthInterval)
	mu.Lock()
	assert.Equal(t, n, len(samples))
	mu.Unlock()
}

func TestBandwidthTracker_AsymmetricDecay(t *testing.T) {
	bt := NewBandwidthTracker(NewCounter(), nil)

	// Rise: jumps toward a burst quickly.
	first := bt.addSample(1000)
	assert.InDelta(t, alphaUp*1000, first, 1)

	// Fall: a stall decays gradually instead of snapping to zero.
	bt.addSample(1000)
	peak := bt.Rate()
	afterStall := bt.addSample(0)
	assert.Greater(t, afterStall, 0.0)
	assert.Less(t, afterStall, peak)
}
