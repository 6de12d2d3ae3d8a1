package types

import "time"

// Sample is one sampler tick. Only the previous count is carried between
// ticks; every other field is recomputed.
type Sample struct {
	Count         uint64    `json:"count"`
	PreviousCount uint64    `json:"previous_count"`
	Delta         uint64    `json:"delta"`
	DeltaRateLow  uint64    `json:"kbps"`
	DeltaRateHigh uint64    `json:"mbps"`
	Skipped       bool      `json:"skipped,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
