package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleryup/galleryup/internal/engine"
	"github.com/galleryup/galleryup/internal/model"
)

type stubRenamer struct {
	supports bool
	failFor  map[string]bool
	renamed  map[string]string
}

func newStubRenamer(supports bool) *stubRenamer {
	return &stubRenamer{
		supports: supports,
		failFor:  make(map[string]bool),
		renamed:  make(map[string]string),
	}
}

func (s *stubRenamer) SupportsRename() bool { return s.supports }

func (s *stubRenamer) RenameGallery(ctx context.Context, galleryID, name string) error {
	if s.failFor[galleryID] {
		return fmt.Errorf("host rejected rename of %s", galleryID)
	}
	s.renamed[galleryID] = name
	return nil
}

func TestRenameWorker_RunOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveUnnamedGallery(ctx, "g-1", "Spring Set"))
	require.NoError(t, st.SaveUnnamedGallery(ctx, "g-2", "Summer Set"))

	renamer := newStubRenamer(true)
	renamer.failFor["g-2"] = true
	w := NewRenameWorker(st, renamer, testLogger())

	renamed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renamed)
	assert.Equal(t, "Spring Set", renamer.renamed["g-1"])

	// The failed mapping survives for the next pass.
	pending, err := st.UnnamedGalleries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "g-2", pending[0].GalleryID)

	// Once the host accepts, the mapping is removed.
	delete(renamer.failFor, "g-2")
	renamed, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renamed)

	pending, err = st.UnnamedGalleries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRenameWorker_HostWithoutRename(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveUnnamedGallery(ctx, "g-1", "Spring Set"))

	w := NewRenameWorker(st, newStubRenamer(false), testLogger())
	renamed, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, renamed)

	// Mappings for a host that cannot rename are dropped, not retried
	// forever.
	pending, err := st.UnnamedGalleries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func sampleResult() *engine.Result {
	return &engine.Result{
		GalleryID:       "g-9",
		GalleryURL:      "https://img.example/g/g-9",
		GalleryName:     "Autumn Set",
		SuccessfulCount: 2,
		UploadedBytes:   3 * 1024 * 1024,
		Dimensions:      model.DimensionStats{MinWidth: 800, MinHeight: 600, MaxWidth: 1920, MaxHeight: 1080},
		Images: []*engine.UploadedImage{
			{Filename: "a.jpg", URL: "https://img.example/a", ThumbURL: "https://img.example/t/a"},
			{Filename: "b.jpg", URL: "https://img.example/b", ThumbURL: "https://img.example/t/b"},
		},
	}
}

func TestRenderBBCode(t *testing.T) {
	res := sampleResult()

	linked := renderBBCode("", res)
	assert.Contains(t, linked, "[url=https://img.example/g/g-9]Autumn Set[/url]")
	assert.Contains(t, linked, "[url=https://img.example/a][img]https://img.example/t/a[/img][/url]")

	plain := renderBBCode("plain", res)
	assert.Contains(t, plain, "https://img.example/a\n")
	assert.NotContains(t, plain, "[img]")
}

func TestSummaryLine(t *testing.T) {
	s := summaryLine(sampleResult())
	assert.Equal(t, "2 images, 3.0 MB, 800x600 to 1920x1080", s)
}

func TestCompletion_Apply(t *testing.T) {
	st := newTestStore(t)
	folder := makeGalleryFolder(t, 2)
	seedQueuedGallery(t, st, folder)

	g, err := st.Get(context.Background(), folder)
	require.NoError(t, err)

	c := NewCompletion(st, testLogger())
	c.Apply(context.Background(), g, sampleResult())

	g, err = st.Get(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/g/g-9", g.External[0])
	assert.Contains(t, g.External[1], "[img]")
	assert.Contains(t, g.External[2], "2 images")
	assert.Equal(t, "https://img.example/a\nhttps://img.example/b", g.External[3])
}
