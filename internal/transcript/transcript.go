// Package transcript turns the chat array attached to a hook event into
// readable conversation entries.
package transcript

import (
	"strings"

	"github.com/user/tessera/internal/hookevent"
)

const noContent = "(No content)"

// Entry is one message of a chat transcript.
type Entry struct {
	Index   int             `json:"index"`
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Raw     hookevent.Value `json:"raw"`
}

// Build converts chat items into entries. Non-object items are kept with an
// "unknown" type so indices stay aligned with the source array.
func Build(chat []hookevent.Value) []Entry {
	entries := make([]Entry, 0, len(chat))
	for i, item := range chat {
		typ, role := classify(item)
		entries = append(entries, Entry{
			Index:   i,
			Type:    typ,
			Role:    role,
			Content: extractContent(item),
			Raw:     item,
		})
	}
	return entries
}

func classify(item hookevent.Value) (string, string) {
	if typ, ok := item.Get("type").Str(); ok {
		switch typ {
		case "user":
			return typ, "User"
		case "assistant":
			return typ, "Assistant"
		case "system":
			return typ, "System"
		default:
			return typ, "Unknown"
		}
	}
	if role, ok := item.Get("role").Str(); ok {
		return role, capitalize(role)
	}
	return "unknown", "Unknown"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func extractContent(item hookevent.Value) string {
	if content, ok := item.Get("content").Str(); ok {
		return clean(content)
	}

	message := item.Get("message")
	if content, ok := message.Get("content").Str(); ok {
		return clean(content)
	}
	if parts := message.Get("content").Items(); parts != nil {
		lines := make([]string, 0, len(parts))
		for _, part := range parts {
			if text, ok := part.Get("text").Str(); ok {
				lines = append(lines, text)
				continue
			}
			if typ, _ := part.Get("type").Str(); typ == "tool_use" {
				if name, ok := part.Get("name").Str(); ok {
					lines = append(lines, "🔧 Tool: "+name)
				}
			}
		}
		return strings.Join(lines, "\n")
	}

	return noContent
}

func clean(content string) string {
	content = StripANSI(content)
	content = commandBlock.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// Search keeps entries whose type, role or content (including nested message
// parts and tool names) contains query, case-insensitively. An empty query
// keeps everything.
func Search(entries []Entry, query string) []Entry {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if matchesSearch(e.Raw, query) {
			out = append(out, e)
		}
	}
	return out
}

func matchesSearch(item hookevent.Value, query string) bool {
	contains := func(v hookevent.Value) bool {
		s, ok := v.Str()
		return ok && strings.Contains(strings.ToLower(s), query)
	}
	if !item.IsObject() {
		return false
	}
	if contains(item.Get("type")) || contains(item.Get("role")) || contains(item.Get("content")) {
		return true
	}
	message := item.Get("message")
	if contains(message.Get("role")) || contains(message.Get("content")) {
		return true
	}
	for _, part := range message.Get("content").Items() {
		if contains(part.Get("text")) || contains(part.Get("name")) {
			return true
		}
	}
	return false
}

// Filter keeps entries tagged by any of tags: message type, role, content
// part type, tool name, or a tool name mentioned in system content. No tags
// keeps everything.
func Filter(entries []Entry, tags []string) []Entry {
	if len(tags) == 0 {
		return entries
	}
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if matchesFilter(e.Raw, set, tags) {
			out = append(out, e)
		}
	}
	return out
}

func matchesFilter(item hookevent.Value, set map[string]struct{}, tags []string) bool {
	if !item.IsObject() {
		return false
	}
	has := func(v hookevent.Value) bool {
		s, ok := v.Str()
		if !ok {
			return false
		}
		_, found := set[s]
		return found
	}
	if has(item.Get("type")) || has(item.Get("role")) {
		return true
	}
	for _, part := range item.Path("message", "content").Items() {
		if has(part.Get("type")) || has(part.Get("name")) {
			return true
		}
	}
	if typ, _ := item.Get("type").Str(); typ == "system" {
		if content, ok := item.Get("content").Str(); ok {
			for _, tag := range tags {
				if strings.Contains(content, tag) {
					return true
				}
			}
		}
	}
	return false
}
