// Package history implements browser-style traversal of visited reading
// positions. Each (user, device) scene carries its own trail; moving
// backward or forward first saves the caller's live position into the
// entry being left, so returning to it lands where the reader actually
// was, not where the entry was first recorded.
package history

// Position is one visited location: a chapter plus the verse the reader
// was anchored at. A zero verse means the chapter top.
type Position struct {
	Book    int `json:"book"`
	Chapter int `json:"chapter"`
	Verse   int `json:"verse,omitempty"`
}

// History is the traversal state for a single scene. It is not safe for
// concurrent use; the Manager serializes access.
type History struct {
	entries []Position
	index   int
}

// New returns an empty history.
func New() *History {
	return &History{index: -1}
}

// Record appends a newly visited position. Entries ahead of the current
// index are dropped first, so branching from the middle of the trail
// discards the abandoned forward entries.
func (h *History) Record(to Position) {
	if h.index < len(h.entries)-1 {
		h.entries = h.entries[:h.index+1]
	}
	h.entries = append(h.entries, to)
	h.index = len(h.entries) - 1
}

// UpdateCurrent refreshes the current entry in place, keeping the trail
// aligned with where the reader has scrolled to. On an empty history it
// initializes the first entry instead of dropping the position.
func (h *History) UpdateCurrent(to Position) {
	if h.index < 0 {
		h.entries = append(h.entries, to)
		h.index = 0
		return
	}
	h.entries[h.index] = to
}

// Back saves the caller's live position into the current entry and moves
// one step toward the oldest entry. It reports false at the boundary.
func (h *History) Back(current Position) (Position, bool) {
	if h.index <= 0 {
		return Position{}, false
	}
	h.entries[h.index] = current
	h.index--
	return h.entries[h.index], true
}

// Forward saves the caller's live position into the current entry and
// moves one step toward the newest entry. It reports false at the
// boundary.
func (h *History) Forward(current Position) (Position, bool) {
	if h.index < 0 || h.index >= len(h.entries)-1 {
		return Position{}, false
	}
	h.entries[h.index] = current
	h.index++
	return h.entries[h.index], true
}

// GoTo jumps to an arbitrary entry with the same save-first behavior. It
// reports false when the index is out of range.
func (h *History) GoTo(index int, current Position) (Position, bool) {
	if index < 0 || index >= len(h.entries) {
		return Position{}, false
	}
	if h.index >= 0 {
		h.entries[h.index] = current
	}
	h.index = index
	return h.entries[h.index], true
}

// CanGoBack reports whether Back would succeed.
func (h *History) CanGoBack() bool {
	return h.index > 0
}

// CanGoForward reports whether Forward would succeed.
func (h *History) CanGoForward() bool {
	return h.index >= 0 && h.index < len(h.entries)-1
}

// Index returns the current entry index, -1 when empty.
func (h *History) Index() int {
	return h.index
}

// Entries returns a copy of the trail, oldest first.
func (h *History) Entries() []Position {
	entries := make([]Position, len(h.entries))
	copy(entries, h.entries)
	return entries
}
