// Package pulse keeps the rolling, time-bucketed activity series behind the
// live pulse chart.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/tessera/internal/hookevent"
)

// Pulse is emitted once per accepted event so a renderer can flash.
type Pulse struct {
	Record      hookevent.Record
	BucketStart time.Time
}

// Aggregator buckets events into BucketCount slots over a rolling window.
// Storage is sparse: only buckets that received events exist, and Snapshot
// fills the gaps. All methods are safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	window  Window
	buckets []*Bucket // sorted by Start

	apps map[string]struct{}

	frozen   bool
	frozenAt time.Time

	onPulse func(Pulse)
	onApps  func([]string)
}

// New creates an aggregator. Unsupported windows fall back to one minute.
func New(window Window) *Aggregator {
	if !window.Valid() {
		window = Window1m
	}
	return &Aggregator{
		window: window,
		apps:   make(map[string]struct{}),
	}
}

// SetOnPulse registers the per-event notification. It is called outside the
// aggregator lock.
func (a *Aggregator) SetOnPulse(fn func(Pulse)) {
	a.mu.Lock()
	a.onPulse = fn
	a.mu.Unlock()
}

// SetOnAppsChanged registers the listener that receives the sorted set of
// source apps whenever it grows.
func (a *Aggregator) SetOnAppsChanged(fn func([]string)) {
	a.mu.Lock()
	a.onApps = fn
	a.mu.Unlock()
}

func (a *Aggregator) Window() Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// AddEvent routes r into the bucket containing its timestamp (or now, when r
// has none), creating the bucket on first use.
func (a *Aggregator) AddEvent(r hookevent.Record, now time.Time) {
	a.mu.Lock()
	interval := a.window.BucketInterval().Milliseconds()
	start := alignMillis(r.Time(now).UnixMilli(), interval)

	b := a.findLocked(start)
	if b == nil {
		b = newBucket(time.UnixMilli(start))
		a.insertLocked(b)
	}
	b.add(r)

	var apps []string
	if _, known := a.apps[r.SourceApp]; !known {
		a.apps[r.SourceApp] = struct{}{}
		apps = a.appsLocked()
	}
	onPulse, onApps := a.onPulse, a.onApps
	bucketStart := b.Start
	a.mu.Unlock()

	if onPulse != nil {
		onPulse(Pulse{Record: r, BucketStart: bucketStart})
	}
	if apps != nil && onApps != nil {
		onApps(apps)
	}
}

// findLocked returns the bucket starting exactly at start. Buckets kept from
// a narrower window stay where they are; Snapshot folds them into the wider
// slots.
func (a *Aggregator) findLocked(start int64) *Bucket {
	i := sort.Search(len(a.buckets), func(i int) bool {
		return a.buckets[i].Start.UnixMilli() >= start
	})
	if i < len(a.buckets) && a.buckets[i].Start.UnixMilli() == start {
		return a.buckets[i]
	}
	return nil
}

func (a *Aggregator) insertLocked(b *Bucket) {
	ms := b.Start.UnixMilli()
	i := sort.Search(len(a.buckets), func(i int) bool {
		return a.buckets[i].Start.UnixMilli() > ms
	})
	a.buckets = append(a.buckets, nil)
	copy(a.buckets[i+1:], a.buckets[i:])
	a.buckets[i] = b
}

// SetWindow switches the window and drops buckets that fall outside it.
// Counts inside the still-visible range are kept.
func (a *Aggregator) SetWindow(w Window, now time.Time) error {
	if !w.Valid() {
		return fmt.Errorf("pulse: unsupported window %s", time.Duration(w))
	}
	a.mu.Lock()
	a.window = w
	a.evictLocked(now)
	a.mu.Unlock()
	return nil
}

// EvictExpired removes buckets older than now - window - GracePeriod and
// reports how many were dropped. Repeating a call with the same now is a
// no-op.
func (a *Aggregator) EvictExpired(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictLocked(now)
}

func (a *Aggregator) evictLocked(now time.Time) int {
	cutoff := now.Add(-a.window.Duration() - GracePeriod)
	kept := a.buckets[:0]
	removed := 0
	for _, b := range a.buckets {
		if b.Start.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(a.buckets); i++ {
		a.buckets[i] = nil
	}
	a.buckets = kept
	return removed
}

// Freeze pins the reference time used by Snapshot, so the series stops
// scrolling while someone inspects it.
func (a *Aggregator) Freeze(now time.Time) {
	a.mu.Lock()
	a.frozen = true
	a.frozenAt = now
	a.mu.Unlock()
}

// Unfreeze resumes tracking the caller's clock.
func (a *Aggregator) Unfreeze() {
	a.mu.Lock()
	a.frozen = false
	a.frozenAt = time.Time{}
	a.mu.Unlock()
}

// Frozen reports the pinned reference time, if any.
func (a *Aggregator) Frozen() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozenAt, a.frozen
}

// Snapshot returns exactly BucketCount buckets ending at the reference time
// (the frozen time if set, otherwise now). Slot i sits at
// ref - (BucketCount-1-i)*interval; a live bucket fills the slot when its
// start lies in [slot - interval/2, slot + interval/2). Empty slots get a
// zero bucket stamped with the slot time. The returned buckets are copies.
func (a *Aggregator) Snapshot(now time.Time) []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref := now
	if a.frozen {
		ref = a.frozenAt
	}
	return a.seriesLocked(ref)
}

func (a *Aggregator) seriesLocked(ref time.Time) []Bucket {
	interval := a.window.BucketInterval().Milliseconds()
	refMs := ref.UnixMilli()
	out := make([]Bucket, BucketCount)

	for i := 0; i < BucketCount; i++ {
		slot := refMs - int64(BucketCount-1-i)*interval
		var filled *Bucket
		for _, b := range a.buckets {
			d := slot - b.Start.UnixMilli()
			if 2*d < -interval || 2*d >= interval {
				continue
			}
			if filled == nil {
				c := b.clone()
				filled = &c
				continue
			}
			filled.merge(b)
		}
		if filled != nil {
			out[i] = *filled
			continue
		}
		out[i] = Bucket{Start: time.UnixMilli(slot)}
	}
	return out
}

// Apps returns the sorted set of source apps seen so far.
func (a *Aggregator) Apps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appsLocked()
}

func (a *Aggregator) appsLocked() []string {
	apps := make([]string, 0, len(a.apps))
	for app := range a.apps {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	return apps
}

// Len returns the number of live buckets.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

// Run evicts expired buckets every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, clock func() time.Time) {
	if interval <= 0 {
		interval = EvictInterval
	}
	if clock == nil {
		clock = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.EvictExpired(clock()); n > 0 {
				slog.Debug("pulse buckets evicted", "count", n)
			}
		}
	}
}

func alignMillis(ms, interval int64) int64 {
	q := ms / interval
	if ms%interval != 0 && ms < 0 {
		q--
	}
	return q * interval
}
