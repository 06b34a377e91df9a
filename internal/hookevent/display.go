package hookevent

import (
	"time"
	"unicode/utf8"
)

const promptPreviewLimit = 100

// Emoji returns the badge shown next to an event type.
func Emoji(eventType string) string {
	switch eventType {
	case PreToolUse:
		return "🔧"
	case PostToolUse:
		return "✅"
	case Notification:
		return "🔔"
	case Stop:
		return "🛑"
	case SubagentStop:
		return "👥"
	case PreCompact:
		return "📦"
	case UserPromptSubmit:
		return "💬"
	case SessionStart:
		return "🚀"
	case SessionEnd:
		return "🏁"
	default:
		return "📋"
	}
}

// DisplayText is the one-line summary used in feed rows.
func (r Record) DisplayText() string {
	if r.HookEventType == UserPromptSubmit {
		if prompt, ok := r.Payload.Get("prompt").Str(); ok {
			return `Prompt: "` + truncateRunes(prompt, promptPreviewLimit) + `"`
		}
	}
	if tool := r.ToolName(); tool != "" {
		return "Tool: " + tool
	}
	if r.Summary != "" {
		return r.Summary
	}
	return r.HookEventType
}

// DisplayTimestamp formats the declared timestamp as HH:MM:SS in loc, or
// returns "" when the record has none.
func (r Record) DisplayTimestamp(loc *time.Location) string {
	if r.Timestamp == nil {
		return ""
	}
	if loc == nil {
		loc = time.Local
	}
	return time.UnixMilli(*r.Timestamp).In(loc).Format("15:04:05")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
