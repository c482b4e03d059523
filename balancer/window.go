package balancer

import (
	"sync"
	"time"
)

// rollingWindow counts dispatch outcomes over a trailing window using
// one-second buckets. Stale buckets are lazily recycled on write and
// ignored on read, so the window needs no background sweeping.
type rollingWindow struct {
	mu      sync.Mutex
	buckets []bucket
}

type bucket struct {
	second int64
	ok     int64
	failed int64
}

func newRollingWindow(width time.Duration) *rollingWindow {
	n := int(width / time.Second)
	if n < 1 {
		n = 1
	}
	return &rollingWindow{buckets: make([]bucket, n)}
}

// Record counts one outcome at now.
func (w *rollingWindow) Record(ok bool) {
	w.RecordAt(time.Now(), ok)
}

func (w *rollingWindow) RecordAt(now time.Time, ok bool) {
	sec := now.Unix()

	w.mu.Lock()
	defer w.mu.Unlock()

	b := &w.buckets[sec%int64(len(w.buckets))]
	if b.second != sec {
		b.second, b.ok, b.failed = sec, 0, 0
	}
	if ok {
		b.ok++
	} else {
		b.failed++
	}
}

// ErrorRate returns the failure fraction across live buckets, 0 when the
// window is empty.
func (w *rollingWindow) ErrorRate() float64 {
	return w.ErrorRateAt(time.Now())
}

func (w *rollingWindow) ErrorRateAt(now time.Time) float64 {
	sec := now.Unix()
	width := int64(len(w.buckets))

	w.mu.Lock()
	defer w.mu.Unlock()

	var ok, failed int64
	for i := range w.buckets {
		b := &w.buckets[i]
		if sec-b.second < width {
			ok += b.ok
			failed += b.failed
		}
	}
	if ok+failed == 0 {
		return 0
	}
	return float64(failed) / float64(ok+failed)
}
