// Package progress turns transfer progress callbacks into rates and ETAs for
// display.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of one transfer.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks byte progress and computes a smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeterWithNow returns a meter reading time from now, or time.Now when
// now is nil.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Set moves the completed byte count to done. Progress callbacks report
// absolute counts. A value below the current count is ignored.
func (m *Meter) Set(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done < m.done {
		return
	}
	now := m.now()
	m.done = done
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}

// Tracker keeps one Meter per transfer id.
type Tracker struct {
	mu     sync.Mutex
	meters map[string]*Meter
	now    func() time.Time
}

// NewTracker returns an empty tracker. now may be nil.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{meters: make(map[string]*Meter), now: now}
}

// Update records done of total bytes for id, starting a meter on first sight.
func (t *Tracker) Update(id string, done, total int64) Stats {
	t.mu.Lock()
	m, ok := t.meters[id]
	if !ok {
		m = NewMeterWithNow(t.now)
		m.Start(total)
		t.meters[id] = m
	}
	t.mu.Unlock()
	m.Set(done)
	return m.Snapshot()
}

// Remove forgets id and returns its final stats.
func (t *Tracker) Remove(id string) (Stats, bool) {
	t.mu.Lock()
	m, ok := t.meters[id]
	delete(t.meters, id)
	t.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return m.Snapshot(), true
}
