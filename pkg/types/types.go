package types

import (
	"strings"
	"time"
)

// ResourceType classifies a cached payload
type ResourceType string

const (
	ResourceImage      ResourceType = "image"
	ResourceScript     ResourceType = "script"
	ResourceStylesheet ResourceType = "stylesheet"
	ResourceJSON       ResourceType = "json"
	ResourceText       ResourceType = "text"
	ResourceBinary     ResourceType = "binary"
	ResourceUnknown    ResourceType = "unknown"
)

// ParseResourceType maps a loose type name onto a ResourceType
func ParseResourceType(s string) ResourceType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "img":
		return ResourceImage
	case "script", "js", "javascript":
		return ResourceScript
	case "stylesheet", "style", "css":
		return ResourceStylesheet
	case "json":
		return ResourceJSON
	case "text", "txt":
		return ResourceText
	case "binary", "bin":
		return ResourceBinary
	default:
		return ResourceUnknown
	}
}

// CacheEntry represents one cached resource
type CacheEntry struct {
	Key            string       `json:"key"`
	Payload        []byte       `json:"payload"`
	Type           ResourceType `json:"type"`
	Size           int64        `json:"size"`
	CreatedAt      time.Time    `json:"created_at"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
	AccessCount    int64        `json:"access_count"`
	ExpiresAt      time.Time    `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has outlived its expiry at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Clone returns a copy whose payload does not alias the original
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return &c
}

// CacheStats represents tiered cache statistics
type CacheStats struct {
	MemoryHits       uint64  `json:"memory_hits"`
	PersistentHits   uint64  `json:"persistent_hits"`
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Evicted          uint64  `json:"evicted"`
	Expired          uint64  `json:"expired"`
	PersistentErrors uint64  `json:"persistent_errors"`
	MemoryEntries    int     `json:"memory_entries"`
	MemorySize       int64   `json:"memory_size"`
	MemoryCapacity   int64   `json:"memory_capacity"`
	HitRate          float64 `json:"hit_rate"`
	Utilization      float64 `json:"utilization"`
}

// DefaultPriority is applied to requests that leave Priority unset
const DefaultPriority = 1

// LoadRequest represents a resource the caller wants loaded
type LoadRequest struct {
	ID       string       `json:"id"`
	URL      string       `json:"url"`
	Priority int          `json:"priority"`
	Type     ResourceType `json:"type,omitempty"`
	SizeHint int64        `json:"size_hint,omitempty"`
}

// Locator returns the fetch target, falling back to the ID
func (r LoadRequest) Locator() string {
	if r.URL != "" {
		return r.URL
	}
	return r.ID
}

// RuntimeContext describes the environment a concurrency strategy is asked about
type RuntimeContext struct {
	NetworkType    string            `json:"network_type,omitempty"`
	DownlinkMbps   float64           `json:"downlink_mbps,omitempty"`
	RTT            time.Duration     `json:"rtt,omitempty"`
	CPUCores       int               `json:"cpu_cores,omitempty"`
	DeviceMemoryGB float64           `json:"device_memory_gb,omitempty"`
	SaveData       bool              `json:"save_data,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// PerformanceSample is one recorded outcome of applying a strategy to a batch
type PerformanceSample struct {
	StrategyID      string          `json:"strategy_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ConcurrencyUsed int             `json:"concurrency_used"`
	TotalTimeMs     float64         `json:"total_time_ms"`
	ResourceCount   int             `json:"resource_count"`
	SuccessCount    int             `json:"success_count"`
	FailureCount    int             `json:"failure_count"`
	TimePerResource float64         `json:"time_per_resource"`
	SuccessRate     float64         `json:"success_rate"`
	Context         *RuntimeContext `json:"context,omitempty"`
}
