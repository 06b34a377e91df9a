package pulse

import (
	"sort"
	"time"

	"github.com/user/tessera/internal/hookevent"
)

// Bucket aggregates every event whose time falls in one slot.
type Bucket struct {
	Start      time.Time          `json:"start"`
	Count      int                `json:"count"`
	EventTypes map[string]int     `json:"event_types,omitempty"`
	Sessions   map[string]int     `json:"sessions,omitempty"`
	Records    []hookevent.Record `json:"records,omitempty"`

	// typeOrder is the order event types were first seen in this bucket.
	typeOrder []string
}

func newBucket(start time.Time) *Bucket {
	return &Bucket{
		Start:      start,
		EventTypes: make(map[string]int),
		Sessions:   make(map[string]int),
	}
}

func (b *Bucket) add(r hookevent.Record) {
	b.Count++
	if _, seen := b.EventTypes[r.HookEventType]; !seen {
		b.typeOrder = append(b.typeOrder, r.HookEventType)
	}
	b.EventTypes[r.HookEventType]++
	b.Sessions[r.SessionID]++
	b.Records = append(b.Records, r)
}

func (b *Bucket) merge(other *Bucket) {
	b.Count += other.Count
	for _, typ := range other.typeOrder {
		if _, seen := b.EventTypes[typ]; !seen {
			b.typeOrder = append(b.typeOrder, typ)
		}
		b.EventTypes[typ] += other.EventTypes[typ]
	}
	for s, n := range other.Sessions {
		b.Sessions[s] += n
	}
	b.Records = append(b.Records, other.Records...)
}

func (b *Bucket) clone() Bucket {
	c := Bucket{
		Start:      b.Start,
		Count:      b.Count,
		EventTypes: make(map[string]int, len(b.EventTypes)),
		Sessions:   make(map[string]int, len(b.Sessions)),
		Records:    append([]hookevent.Record(nil), b.Records...),
		typeOrder:  append([]string(nil), b.typeOrder...),
	}
	for k, v := range b.EventTypes {
		c.EventTypes[k] = v
	}
	for k, v := range b.Sessions {
		c.Sessions[k] = v
	}
	return c
}

// DominantType is the event type with the highest count. Ties go to the
// type that reached the bucket first. Empty buckets return "".
func (b Bucket) DominantType() string {
	best, bestCount := "", 0
	for _, typ := range b.typeOrder {
		if n := b.EventTypes[typ]; n > bestCount {
			best, bestCount = typ, n
		}
	}
	return best
}

// TopTypes returns up to n event types ordered by count, ties in first-seen
// order.
func (b Bucket) TopTypes(n int) []string {
	types := append([]string(nil), b.typeOrder...)
	sort.SliceStable(types, func(i, j int) bool {
		return b.EventTypes[types[i]] > b.EventTypes[types[j]]
	})
	if n >= 0 && len(types) > n {
		types = types[:n]
	}
	return types
}
