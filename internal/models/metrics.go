package models

import "time"

// SystemMetrics is a lightweight snapshot of service health counters.
type SystemMetrics struct {
	CacheHitRatio            float64           `json:"cacheHitRatio"`
	CacheHits                uint64            `json:"cacheHits"`
	CacheMisses              uint64            `json:"cacheMisses"`
	RequestsTotal            uint64            `json:"requestsTotal"`
	AverageRequestDurationMs float64           `json:"averageRequestDurationMs"`
	Transitions              map[string]uint64 `json:"transitions"`
	Rejections               uint64            `json:"rejections"`
	AverageLockWaitMs        float64           `json:"averageLockWaitMs"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generatedAt"`
}
