// Package feed keeps the newest-first list of received hook events that
// backs the activity table.
package feed

import (
	"sort"
	"sync"

	"github.com/user/tessera/internal/hookevent"
)

// DefaultLimit caps the feed when no limit is configured.
const DefaultLimit = 1000

// Filter selects records by exact match. Empty fields match everything.
type Filter struct {
	SourceApp string `json:"source_app,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	EventType string `json:"hook_event_type,omitempty"`
}

func (f Filter) Match(r hookevent.Record) bool {
	if f.SourceApp != "" && r.SourceApp != f.SourceApp {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.EventType != "" && r.HookEventType != f.EventType {
		return false
	}
	return true
}

// Options lists the distinct values present in the feed, sorted.
type Options struct {
	SourceApps []string `json:"source_apps"`
	SessionIDs []string `json:"session_ids"`
	EventTypes []string `json:"event_types"`
}

// Feed is safe for concurrent use.
type Feed struct {
	mu      sync.RWMutex
	records []hookevent.Record // newest first
	limit   int
}

func New(limit int) *Feed {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Feed{limit: limit}
}

// Add puts r at the front, dropping the oldest record past the limit.
func (f *Feed) Add(r hookevent.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, hookevent.Record{})
	copy(f.records[1:], f.records)
	f.records[0] = r
	if len(f.records) > f.limit {
		f.records[len(f.records)-1] = hookevent.Record{}
		f.records = f.records[:f.limit]
	}
}

// List returns matching records, newest first.
func (f *Feed) List(filter Filter) []hookevent.Record {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]hookevent.Record, 0, len(f.records))
	for _, r := range f.records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record with the given id.
func (f *Feed) Get(id string) (hookevent.Record, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.records {
		if r.ID == id {
			return r, true
		}
	}
	return hookevent.Record{}, false
}

// Index returns the row of id within the filtered list, or -1.
func (f *Feed) Index(filter Filter, id string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	row := 0
	for _, r := range f.records {
		if !filter.Match(r) {
			continue
		}
		if r.ID == id {
			return row
		}
		row++
	}
	return -1
}

func (f *Feed) Options() Options {
	f.mu.RLock()
	defer f.mu.RUnlock()
	apps := make(map[string]struct{})
	sessions := make(map[string]struct{})
	types := make(map[string]struct{})
	for _, r := range f.records {
		apps[r.SourceApp] = struct{}{}
		sessions[r.SessionID] = struct{}{}
		types[r.HookEventType] = struct{}{}
	}
	return Options{
		SourceApps: sortedKeys(apps),
		SessionIDs: sortedKeys(sessions),
		EventTypes: sortedKeys(types),
	}
}

// Count returns the number of records held.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records)
}

func (f *Feed) Clear() {
	f.mu.Lock()
	f.records = nil
	f.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
