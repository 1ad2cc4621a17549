package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ImageResult is the outcome of one image upload to the image host.
type ImageResult struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	ThumbURL  string `json:"thumb_url,omitempty"`
	RemoteID  string `json:"remote_id,omitempty"`
	GalleryID string `json:"gallery_id,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	Raw       string `json:"-"`
}

// ImageUploadOpts carries the per-upload parameters of the image host.
type ImageUploadOpts struct {
	GalleryID     string
	GalleryName   string
	CreateGallery bool
	ThumbnailSize int
	ThumbnailFmt  int
	OnProgress    ProgressFunc
	ShouldStop    StopFunc
}

// ImageClient talks to the assigned image host. It wraps the generic host
// client with gallery-container semantics: images belong to a remote
// gallery, created on first upload or appended to by id.
type ImageClient struct {
	*Client
}

// NewImageClient builds an image-host client.
func NewImageClient(cfg *Config, creds string, cache *TokenCache, counter ByteCounter, state *SessionState) (*ImageClient, error) {
	c, err := NewClient(cfg, creds, cache, counter, state)
	if err != nil {
		return nil, err
	}
	return &ImageClient{Client: c}, nil
}

// UploadImage streams one image. When opts.CreateGallery is set the host
// creates a new gallery container and the result carries its id.
func (ic *ImageClient) UploadImage(ctx context.Context, path string, opts ImageUploadOpts) (*ImageResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(KindValidation, ic.cfg.ID, "local file not found", err)
	}

	fields := map[string]string{
		"thumbnail_size":   strconv.Itoa(opts.ThumbnailSize),
		"thumbnail_format": strconv.Itoa(opts.ThumbnailFmt),
	}
	if opts.CreateGallery {
		fields["create_gallery"] = "1"
		if opts.GalleryName != "" {
			fields["gallery_name"] = opts.GalleryName
		}
	} else if opts.GalleryID != "" {
		fields["gallery_id"] = opts.GalleryID
	}

	var result *UploadResult
	err = ic.withAuthRetry(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = ic.uploadOnce(ctx, path, info.Size(), fields, opts.OnProgress, opts.ShouldStop)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	galleryID, _ := jsonPath([]byte(result.Raw), ic.cfg.GalleryIDPath).(string)
	thumbURL, _ := jsonPath([]byte(result.Raw), ic.cfg.ThumbURLPath).(string)
	if galleryID == "" {
		galleryID = opts.GalleryID
	}
	return &ImageResult{
		Filename:  info.Name(),
		URL:       result.URL,
		ThumbURL:  thumbURL,
		RemoteID:  result.FileID,
		GalleryID: galleryID,
		SizeBytes: info.Size(),
		Raw:       result.Raw,
	}, nil
}

// GalleryURL returns the public URL a gallery id resolves to. Hosts in the
// supported set create the container on first image upload, so there is no
// separate create call; the engine passes CreateGallery on the first image
// instead.
func (ic *ImageClient) GalleryURL(galleryID string) string {
	if ic.cfg.GalleryURLTemplate == "" || galleryID == "" {
		return ""
	}
	return strings.ReplaceAll(ic.cfg.GalleryURLTemplate, "{gallery_id}", url.PathEscape(galleryID))
}

// SupportsRename reports whether the host can rename gallery containers.
func (ic *ImageClient) SupportsRename() bool {
	return ic.cfg.RenameURL != ""
}

// RenameGallery sets the display name of a remote gallery container, with
// the usual single transparent re-auth on a stale session.
func (ic *ImageClient) RenameGallery(ctx context.Context, galleryID, name string) error {
	if ic.cfg.RenameURL == "" {
		return fmt.Errorf("%s rename: %w", ic.cfg.ID, ErrNotSupported)
	}
	return ic.withAuthRetry(ctx, func(ctx context.Context) error {
		endpoint := strings.ReplaceAll(ic.cfg.RenameURL, "{gallery_id}", url.QueryEscape(galleryID))
		endpoint = ic.expand(endpoint, "")

		form := url.Values{}
		form.Set("name", name)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return newError(KindNetwork, ic.cfg.ID, "failed to build rename request", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		ic.applyAuth(req)

		resp, err := ic.http.Do(req)
		if err != nil {
			return newError(KindNetwork, ic.cfg.ID, "rename request failed", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindAuth, HostID: ic.cfg.ID, Reason: "host rejected session", Raw: string(body)}
		case resp.StatusCode != http.StatusOK:
			return &Error{Kind: KindNetwork, HostID: ic.cfg.ID,
				Reason: fmt.Sprintf("rename returned HTTP %d", resp.StatusCode), Raw: string(body)}
		}
		return nil
	})
}

// SanitizeGalleryName applies the host's naming rules: control characters
// stripped, length capped.
func (ic *ImageClient) SanitizeGalleryName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	const maxLen = 120
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}
