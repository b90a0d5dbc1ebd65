package admission

import (
	"sync"
	"time"
)

// SlidingWindow counts admissions over a rolling window using sub-buckets.
// It is observational: the token buckets gate admission, the window only
// reports how many requests passed recently.
type SlidingWindow struct {
	windowSeconds int
	bucketCount   int

	mu         sync.RWMutex
	buckets    map[int64]int
	totalCount int
}

// NewSlidingWindow creates a window covering windowSeconds of history.
func NewSlidingWindow(windowSeconds int) *SlidingWindow {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &SlidingWindow{
		windowSeconds: windowSeconds,
		bucketCount:   10,
		buckets:       make(map[int64]int),
	}
}

// Record counts one admission at now and returns the rolling total.
func (w *SlidingWindow) Record(now time.Time) int {
	ts := float64(now.UnixNano()) / 1e9

	w.mu.Lock()
	defer w.mu.Unlock()

	bucketSize := float64(w.windowSeconds) / float64(w.bucketCount)
	currentBucket := int64(ts / bucketSize)

	minBucket := currentBucket - int64(w.bucketCount)
	for b := range w.buckets {
		if b < minBucket {
			w.totalCount -= w.buckets[b]
			delete(w.buckets, b)
		}
	}

	w.buckets[currentBucket]++
	w.totalCount++

	return w.countLocked(ts)
}

// Count returns the number of admissions inside the rolling window.
func (w *SlidingWindow) Count(now time.Time) int {
	ts := float64(now.UnixNano()) / 1e9

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(ts)
}

func (w *SlidingWindow) countLocked(ts float64) int {
	bucketSize := float64(w.windowSeconds) / float64(w.bucketCount)
	currentBucket := int64(ts / bucketSize)
	minBucket := currentBucket - int64(w.bucketCount)

	count := 0
	for bucket, bucketCount := range w.buckets {
		if bucket >= minBucket {
			count += bucketCount
		}
	}
	return count
}

// IsEmpty reports whether the window holds no activity at all.
func (w *SlidingWindow) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}
