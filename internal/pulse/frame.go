package pulse

import (
	"strconv"
	"strings"
	"time"

	"github.com/user/tessera/internal/hookevent"
	"github.com/user/tessera/internal/palette"
)

// Slot is one bar of a rendered chart frame.
type Slot struct {
	Time         int64          `json:"t"`
	Count        int            `json:"count"`
	Dominant     string         `json:"dominant,omitempty"`
	Emoji        string         `json:"emoji,omitempty"`
	Color        string         `json:"color,omitempty"`
	Label        string         `json:"label,omitempty"`
	EventTypes   map[string]int `json:"event_types,omitempty"`
	Sessions     map[string]int `json:"sessions,omitempty"`
	FirstEventID string         `json:"first_event_id,omitempty"`
}

// Frame is what a chart renderer needs to draw one tick.
type Frame struct {
	Window Window `json:"window"`
	Now    int64  `json:"now"`
	Frozen bool   `json:"frozen"`
	Total  int    `json:"total"`
	Max    int    `json:"max"`
	Slots  []Slot `json:"slots"`
}

// Frame renders the current snapshot.
func (a *Aggregator) Frame(now time.Time) Frame {
	a.mu.Lock()
	window := a.window
	ref, frozen := now, a.frozen
	if frozen {
		ref = a.frozenAt
	}
	buckets := a.seriesLocked(ref)
	a.mu.Unlock()

	return BuildFrame(window, ref, frozen, buckets)
}

// BuildFrame converts a bucket series into chart rows.
func BuildFrame(window Window, ref time.Time, frozen bool, buckets []Bucket) Frame {
	f := Frame{
		Window: window,
		Now:    ref.UnixMilli(),
		Frozen: frozen,
		Slots:  make([]Slot, len(buckets)),
	}
	for i, b := range buckets {
		slot := Slot{Time: b.Start.UnixMilli(), Count: b.Count}
		if b.Count > 0 {
			dominant := b.DominantType()
			slot.Dominant = dominant
			slot.Emoji = hookevent.Emoji(dominant)
			slot.Color = palette.ForEventType(dominant).Hex()
			slot.Label = TypeLabel(b)
			slot.EventTypes = b.EventTypes
			slot.Sessions = b.Sessions
			if len(b.Records) > 0 {
				slot.FirstEventID = b.Records[0].ID
			}
		}
		f.Total += b.Count
		if b.Count > f.Max {
			f.Max = b.Count
		}
		f.Slots[i] = slot
	}
	return f
}

// TypeLabel renders the top three event types of b as emoji, with a ×n
// suffix when a type occurred more than once.
func TypeLabel(b Bucket) string {
	var sb strings.Builder
	for _, typ := range b.TopTypes(3) {
		sb.WriteString(hookevent.Emoji(typ))
		if n := b.EventTypes[typ]; n > 1 {
			sb.WriteString("×")
			sb.WriteString(strconv.Itoa(n))
		}
	}
	return sb.String()
}
