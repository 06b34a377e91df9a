package pulse

import (
	"fmt"
	"strings"
	"time"
)

const (
	// BucketCount is the number of slots every window is divided into.
	BucketCount = 60
	// GracePeriod keeps buckets a little past the window edge so the oldest
	// slot does not flicker while it scrolls out.
	GracePeriod = 5 * time.Second
	// EvictInterval is how often Run sweeps expired buckets.
	EvictInterval = time.Second
)

// Window is the span of time the chart shows.
type Window time.Duration

const (
	Window1m = Window(time.Minute)
	Window3m = Window(3 * time.Minute)
	Window5m = Window(5 * time.Minute)
)

// Windows lists the supported windows in display order.
var Windows = []Window{Window1m, Window3m, Window5m}

// ParseWindow accepts "1m", "3m", "5m" (and their Go duration spellings).
func ParseWindow(s string) (Window, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	w := Window(d)
	if !w.Valid() {
		return 0, fmt.Errorf("invalid window %q: must be one of 1m, 3m, 5m", s)
	}
	return w, nil
}

func (w Window) Valid() bool {
	for _, known := range Windows {
		if w == known {
			return true
		}
	}
	return false
}

func (w Window) Duration() time.Duration { return time.Duration(w) }

// BucketInterval is the width of one slot.
func (w Window) BucketInterval() time.Duration {
	return time.Duration(w) / BucketCount
}

func (w Window) String() string {
	return fmt.Sprintf("%dm", int(time.Duration(w)/time.Minute))
}

func (w Window) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Window) UnmarshalText(text []byte) error {
	parsed, err := ParseWindow(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
