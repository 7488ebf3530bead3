package editor

import (
	"sort"
	"strings"
	"sync"
)

// Buffer is an in-memory Editor. It is safe for concurrent use, but
// event callbacks fire on the mutating goroutine after the internal
// lock is released, so hosts should keep mutations on one goroutine as
// the Editor contract asks.
type Buffer struct {
	mu          sync.Mutex
	value       string
	cursors     []int
	selections  [][2]int
	decorations []Decoration

	nextSub    int
	changeSubs map[int]func(ChangeSet)
	cursorSubs map[int]func(cursors []int, selections [][2]int)
}

var _ Editor = (*Buffer)(nil)

// NewBuffer returns a Buffer holding s, with line endings normalized
// to LF.
func NewBuffer(s string) *Buffer {
	return &Buffer{
		value:      normalizeEOL(s),
		changeSubs: make(map[int]func(ChangeSet)),
		cursorSubs: make(map[int]func([]int, [][2]int)),
	}
}

func normalizeEOL(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Value returns the current content.
func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// SetValue replaces the content without firing change events.
func (b *Buffer) SetValue(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = normalizeEOL(s)
	b.cursors = nil
	b.selections = nil
}

// byteOffset converts a UTF-16 unit offset to a byte offset into s,
// clamping past-the-end offsets.
func byteOffset(s string, utf16Offset int) int {
	units := 0
	for i, r := range s {
		if units >= utf16Offset {
			return i
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	return len(s)
}

// Edit applies a change set and notifies change subscribers.
func (b *Buffer) Edit(source Source, changes []Change) {
	if len(changes) == 0 {
		return
	}
	// Line endings normalize on the way in, and the event must carry
	// what was actually applied.
	normalized := make([]Change, len(changes))
	copy(normalized, changes)
	for i := range normalized {
		normalized[i].Text = normalizeEOL(normalized[i].Text)
	}

	b.mu.Lock()
	// Ranges address the pre-change document; applying highest offset
	// first keeps the remaining ranges valid.
	ordered := make([]Change, len(normalized))
	copy(ordered, normalized)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Offset > ordered[j].Offset
	})
	for _, ch := range ordered {
		start := byteOffset(b.value, ch.Offset)
		end := byteOffset(b.value, ch.Offset+ch.Length)
		b.value = b.value[:start] + ch.Text + b.value[end:]
	}
	subs := make([]func(ChangeSet), 0, len(b.changeSubs))
	for _, fn := range b.changeSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	set := ChangeSet{Source: source, Changes: normalized}
	for _, fn := range subs {
		fn(set)
	}
}

// Replace performs a single local edit: length UTF-16 units at offset
// are replaced with text.
func (b *Buffer) Replace(offset, length int, text string) {
	b.Edit(SourceLocal, []Change{{Offset: offset, Length: length, Text: text}})
}

// SetCursorState records the local cursors and selections and notifies
// cursor subscribers.
func (b *Buffer) SetCursorState(cursors []int, selections [][2]int) {
	b.mu.Lock()
	b.cursors = append([]int(nil), cursors...)
	b.selections = append([][2]int(nil), selections...)
	subs := make([]func([]int, [][2]int), 0, len(b.cursorSubs))
	for _, fn := range b.cursorSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(cursors, selections)
	}
}

// OnChange subscribes to change sets.
func (b *Buffer) OnChange(fn func(ChangeSet)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.changeSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.changeSubs, id)
	}
}

// OnCursor subscribes to local cursor movement.
func (b *Buffer) OnCursor(fn func(cursors []int, selections [][2]int)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.cursorSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.cursorSubs, id)
	}
}

// SetDecorations replaces the remote-presence decorations.
func (b *Buffer) SetDecorations(decorations []Decoration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decorations = append([]Decoration(nil), decorations...)
}

// Decorations returns the current remote-presence decorations.
func (b *Buffer) Decorations() []Decoration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Decoration(nil), b.decorations...)
}
