package app

import (
	"sync/atomic"
	"time"
)

const progressUpdateInterval = 250 * time.Millisecond

// throttle lets one caller through per interval.
type throttle struct {
	last     atomic.Int64
	interval time.Duration
	now      func() time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval, now: time.Now}
}

func (t *throttle) allow() bool {
	now := t.now().UnixNano()
	prev := t.last.Load()
	if prev != 0 && now-prev < int64(t.interval) {
		return false
	}
	return t.last.CompareAndSwap(prev, now)
}
