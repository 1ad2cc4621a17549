// Package model defines the core domain models for the gallery uploader:
// galleries, their images, per-file-host upload records and queue tabs.
package model

import (
	"time"
)

// GalleryStatus represents the lifecycle state of a gallery in the queue.
type GalleryStatus string

const (
	StatusValidating GalleryStatus = "validating"
	StatusScanning   GalleryStatus = "scanning"
	StatusReady      GalleryStatus = "ready"
	StatusQueued     GalleryStatus = "queued"
	StatusUploading  GalleryStatus = "uploading"
	StatusPaused     GalleryStatus = "paused"
	StatusIncomplete GalleryStatus = "incomplete"
	StatusCompleted  GalleryStatus = "completed"
	StatusFailed     GalleryStatus = "failed"
)

// validTransitions enumerates the allowed forward edges of the gallery
// state machine. paused, incomplete and failed are re-enterable via queued.
var validTransitions = map[GalleryStatus][]GalleryStatus{
	StatusValidating: {StatusScanning, StatusFailed},
	StatusScanning:   {StatusReady, StatusFailed},
	StatusReady:      {StatusQueued},
	StatusQueued:     {StatusUploading, StatusReady},
	StatusUploading:  {StatusPaused, StatusIncomplete, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusQueued},
	StatusIncomplete: {StatusQueued},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether moving from one gallery status to another
// is a legal state machine edge.
func CanTransition(from, to GalleryStatus) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends image-host processing.
// completed is terminal for the image host but file-host upload records
// keep advancing on their own status machine afterwards.
func (s GalleryStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// Gallery is one unit of upload work: a local folder of images bound for a
// remote gallery on the assigned image host. The folder path is the key.
// The store owns every Gallery; workers only hold a transient copy while
// processing.
type Gallery struct {
	Path           string        `json:"path"`
	Name           string        `json:"name"`
	Status         GalleryStatus `json:"status"`
	ImageCount     int           `json:"image_count"`
	TotalBytes     int64         `json:"total_bytes"`
	HostID         string        `json:"host_id"`
	TemplateName   string        `json:"template_name"`
	TabID          int64         `json:"tab_id"`
	Custom         [4]string     `json:"custom"`
	External       [4]string     `json:"external"`
	InsertionOrder int           `json:"insertion_order"`
	GalleryID      string        `json:"gallery_id,omitempty"`
	GalleryURL     string        `json:"gallery_url,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	AddedAt        time.Time     `json:"added_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Image is one file within a gallery. Marked uploaded by the engine and
// never mutated after gallery completion except by a full rescan.
type Image struct {
	ID          int64  `json:"id"`
	GalleryPath string `json:"gallery_path"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Uploaded    bool   `json:"uploaded"`
	RemoteID    string `json:"remote_id,omitempty"`
}

// HostUploadStatus represents the state of one file-host archive upload.
type HostUploadStatus string

const (
	HostUploadPending   HostUploadStatus = "pending"
	HostUploadUploading HostUploadStatus = "uploading"
	HostUploadCompleted HostUploadStatus = "completed"
	HostUploadFailed    HostUploadStatus = "failed"
	HostUploadCancelled HostUploadStatus = "cancelled"
)

// hostUploadRank orders host-upload states for the monotonic-forward rule.
var hostUploadRank = map[HostUploadStatus]int{
	HostUploadPending:   0,
	HostUploadUploading: 1,
	HostUploadCompleted: 2,
	HostUploadFailed:    2,
	HostUploadCancelled: 2,
}

// CanAdvance reports whether a host-upload status transition is allowed.
// Transitions move monotonically forward except failed -> pending, which
// is the explicit manual-retry edge.
func (s HostUploadStatus) CanAdvance(to HostUploadStatus) bool {
	if s == HostUploadFailed && to == HostUploadPending {
		return true
	}
	return hostUploadRank[to] > hostUploadRank[s]
}

// HostUpload tracks one file-host upload tied to a gallery. A gallery has
// zero or more of these, one per enabled file host, each advancing through
// its own status machine independently of the gallery's.
type HostUpload struct {
	ID           string           `json:"id"`
	GalleryPath  string           `json:"gallery_path"`
	HostID       string           `json:"host_id"`
	Status       HostUploadStatus `json:"status"`
	BytesDone    int64            `json:"bytes_done"`
	BytesTotal   int64            `json:"bytes_total"`
	DownloadURL  string           `json:"download_url,omitempty"`
	RemoteFileID string           `json:"remote_file_id,omitempty"`
	Error        string           `json:"error,omitempty"`
	RetryCount   int              `json:"retry_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Tab is a named partition of the gallery set. Exactly one tab is the
// system default; it can be neither deleted nor renamed.
type Tab struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	IsDefault bool   `json:"is_default"`
}

// DefaultTabName is the name of the non-deletable system tab.
const DefaultTabName = "Main"

// UnnamedGallery maps a remote gallery id to its intended name, for hosts
// that create anonymous containers. Consumed by the rename post-processor.
type UnnamedGallery struct {
	GalleryID string    `json:"gallery_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DimensionStats aggregates pixel dimensions sampled during a scan.
type DimensionStats struct {
	MinWidth  int `json:"min_width"`
	MinHeight int `json:"min_height"`
	AvgWidth  int `json:"avg_width"`
	AvgHeight int `json:"avg_height"`
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
}
