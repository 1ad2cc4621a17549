package worker

import (
	"time"

	"github.com/galleryup/galleryup/internal/model"
)

// EventType identifies what happened on the queue.
type EventType int

const (
	EventGalleryStarted EventType = iota
	EventProgressUpdated
	EventImageUploaded
	EventBandwidthSample
	EventGalleryCompleted
	EventGalleryFailed
	EventGalleryPaused
	EventQueueDrained
)

func (t EventType) String() string {
	switch t {
	case EventGalleryStarted:
		return "gallery_started"
	case EventProgressUpdated:
		return "progress_updated"
	case EventImageUploaded:
		return "image_uploaded"
	case EventBandwidthSample:
		return "bandwidth_sample"
	case EventGalleryCompleted:
		return "gallery_completed"
	case EventGalleryFailed:
		return "gallery_failed"
	case EventGalleryPaused:
		return "gallery_paused"
	case EventQueueDrained:
		return "queue_drained"
	default:
		return "unknown"
	}
}

// Event is one observation from the pool. Every field beyond Type is
// populated only where it applies.
type Event struct {
	Type        EventType           `json:"type"`
	GalleryPath string              `json:"gallery_path,omitempty"`
	Filename    string              `json:"filename,omitempty"`
	Completed   int                 `json:"completed,omitempty"`
	Total       int                 `json:"total,omitempty"`
	Percent     int                 `json:"percent,omitempty"`
	BytesPerSec float64             `json:"bytes_per_sec,omitempty"`
	Status      model.GalleryStatus `json:"status,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	At          time.Time           `json:"at"`
}

const defaultEventBuffer = 256

// emit delivers an event without ever blocking the queue. When the
// consumer lags behind the buffer, the oldest event is discarded first.
func (p *Pool) emit(ev Event) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
		return
	default:
	}
	select {
	case <-p.events:
	default:
	}
	select {
	case p.events <- ev:
	default:
	}
}
