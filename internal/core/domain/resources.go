package domain

import "time"

type BlobURLEntry struct {
	URL          string    `json:"url"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
}

// ListenerRecord is an opaque listener handle registered against an element
type ListenerRecord struct {
	Event      string                 `json:"event"`
	Handler    string                 `json:"handler"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Registered time.Time              `json:"registered"`
}

type SubtitleCacheEntry struct {
	Data         []byte    `json:"-"`
	Created      time.Time `json:"created"`
	Size         int64     `json:"size"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ResourceKind names the registries a cleanup can release from
type ResourceKind string

const (
	ResourceBlobURL       ResourceKind = "blob_url"
	ResourceListener      ResourceKind = "event_listener"
	ResourceVideoElement  ResourceKind = "video_element"
	ResourceHLSInstance   ResourceKind = "hls_instance"
	ResourceSubtitleCache ResourceKind = "subtitle_cache"
)

// MemoryPressure orders from low to critical
type MemoryPressure string

const (
	PressureLow      MemoryPressure = "low"
	PressureMedium   MemoryPressure = "medium"
	PressureHigh     MemoryPressure = "high"
	PressureCritical MemoryPressure = "critical"
)

func (p MemoryPressure) Rank() int {
	switch p {
	case PressureMedium:
		return 1
	case PressureHigh:
		return 2
	case PressureCritical:
		return 3
	default:
		return 0
	}
}

// MemoryStats is a raw heap reading in bytes; HeapLimit is 0 when unknown
type MemoryStats struct {
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
	HeapLimit uint64 `json:"heap_limit"`
}

type MemoryMetrics struct {
	MemoryStats
	TotalBlobURLs       int            `json:"total_blob_urls"`
	TotalBlobSize       int64          `json:"total_blob_size"`
	TotalEventListeners int            `json:"total_event_listeners"`
	VideoElements       int            `json:"video_elements"`
	HLSInstances        int            `json:"hls_instances"`
	SubtitleCaches      int            `json:"subtitle_caches"`
	MemoryPressure      MemoryPressure `json:"memory_pressure"`
	LastCleanup         time.Time      `json:"last_cleanup"`
	CleanupCount        int            `json:"cleanup_count"`
}

// CleanupReport counts what a single cleanup pass released
type CleanupReport struct {
	Reason         string `json:"reason"`
	BlobURLs       int    `json:"blob_urls"`
	Listeners      int    `json:"listeners"`
	VideoElements  int    `json:"video_elements"`
	HLSInstances   int    `json:"hls_instances"`
	SubtitleCaches int    `json:"subtitle_caches"`
	ForcedGC       bool   `json:"forced_gc"`
}

// Total returns the number of released resources
func (r CleanupReport) Total() int {
	return r.BlobURLs + r.Listeners + r.VideoElements + r.HLSInstances + r.SubtitleCaches
}
