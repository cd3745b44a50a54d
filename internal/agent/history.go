// internal/agent/history.go
package agent

import "github.com/bwasti/llpkmn/internal/action"

// Entry is one completed step: the screenshot the model looked at, what it
// said, and the button that was pressed as a result.
type Entry struct {
	Step       int
	Action     action.Button
	Response   string
	Screenshot string
}

// Label is how the entry is presented to the model in later prompts.
func (e Entry) Label() string {
	if e.Response != "" {
		return e.Response
	}
	return string(e.Action)
}

// History is the bounded window of recent steps. Appending past the limit
// drops the oldest entries first.
type History struct {
	limit   int
	entries []Entry
}

// NewHistory creates a window of at most limit entries. A limit of zero keeps
// nothing, so every prompt carries only the current screenshot.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit, entries: make([]Entry, 0, limit)}
}

// Append adds a completed step and truncates from the front.
func (h *History) Append(e Entry) {
	if h.limit == 0 {
		return
	}
	if len(h.entries) == h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.limit-1]
	}
	h.entries = append(h.entries, e)
}

// Entries returns a copy of the window, oldest first.
func (h *History) Entries() []Entry {
	return append([]Entry(nil), h.entries...)
}

// Len is the number of entries currently held, never more than Limit.
func (h *History) Len() int { return len(h.entries) }

// Limit is the configured window size.
func (h *History) Limit() int { return h.limit }

// ImagesNeeded is the number of screenshots the next prompt must carry.
func (h *History) ImagesNeeded() int { return len(h.entries) + 1 }
