package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImageConfig(serverURL string) *Config {
	return &Config{
		ID:                 "imagehost",
		Name:               "Image Host",
		AuthScheme:         AuthAPIKey,
		RequiresAuth:       true,
		UploadURL:          serverURL + "/upload",
		RenameURL:          serverURL + "/rename?gallery={gallery_id}",
		FileField:          "image",
		URLPath:            "data.image_url",
		FileIDPath:         "data.image_id",
		GalleryIDPath:      "data.gallery_id",
		ThumbURLPath:       "data.thumb_url",
		GalleryURLTemplate: serverURL + "/g/{gallery_id}",
		Enabled:            true,
	}
}

func TestUploadImage_CreatesGallery(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"image_url":  "https://img.example/1",
				"image_id":   "im1",
				"thumb_url":  "https://img.example/t/1",
				"gallery_id": "gal-7",
			},
		})
	}))
	defer srv.Close()

	ic, err := NewImageClient(newImageConfig(srv.URL), "key", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "img001.jpg", "jpegbytes")
	res, err := ic.UploadImage(context.Background(), path, ImageUploadOpts{
		GalleryName:   "Spring Set",
		CreateGallery: true,
		ThumbnailSize: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, "gal-7", res.GalleryID)
	assert.Equal(t, "https://img.example/1", res.URL)
	assert.Equal(t, "https://img.example/t/1", res.ThumbURL)
	assert.Equal(t, "im1", res.RemoteID)

	assert.Equal(t, "1", form["create_gallery"])
	assert.Equal(t, "Spring Set", form["gallery_name"])
	assert.Equal(t, "300", form["thumbnail_size"])
	assert.NotContains(t, form, "gallery_id")
}

func TestUploadImage_AppendsToGallery(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"image_url": "https://img.example/2", "image_id": "im2"},
		})
	}))
	defer srv.Close()

	ic, err := NewImageClient(newImageConfig(srv.URL), "key", nil, nil, nil)
	require.NoError(t, err)

	path := writeTempFile(t, "img002.jpg", "jpegbytes")
	res, err := ic.UploadImage(context.Background(), path, ImageUploadOpts{GalleryID: "gal-7"})
	require.NoError(t, err)

	assert.Equal(t, "gal-7", form["gallery_id"])
	assert.NotContains(t, form, "create_gallery")
	// The host omitted the gallery id in the reply; the known id sticks.
	assert.Equal(t, "gal-7", res.GalleryID)
}

func TestGalleryURL(t *testing.T) {
	ic, err := NewImageClient(newImageConfig("http://h"), "key", nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://h/g/gal-7", ic.GalleryURL("gal-7"))
	assert.Empty(t, ic.GalleryURL(""))
}

func TestRenameGallery(t *testing.T) {
	var gotGallery, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotGallery = r.URL.Query().Get("gallery")
		require.NoError(t, r.ParseForm())
		gotName = r.PostFormValue("name")
	}))
	defer srv.Close()

	ic, err := NewImageClient(newImageConfig(srv.URL), "key", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, ic.SupportsRename())

	require.NoError(t, ic.RenameGallery(context.Background(), "gal-7", "Autumn Set"))
	assert.Equal(t, "gal-7", gotGallery)
	assert.Equal(t, "Autumn Set", gotName)
}

func TestRenameGallery_NotSupported(t *testing.T) {
	cfg := newImageConfig("http://h")
	cfg.RenameURL = ""
	ic, err := NewImageClient(cfg, "key", nil, nil, nil)
	require.NoError(t, err)

	assert.False(t, ic.SupportsRename())
	assert.ErrorIs(t, ic.RenameGallery(context.Background(), "g", "n"), ErrNotSupported)
}

func TestSanitizeGalleryName(t *testing.T) {
	ic, err := NewImageClient(newImageConfig("http://h"), "key", nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Spring Set", ic.SanitizeGalleryName("  Spring Set\x00\x07 "))
	long := strings.Repeat("a", 300)
	assert.Len(t, ic.SanitizeGalleryName(long), 120)
}
