// Package editor defines the capability set a collaborative session
// needs from a host text editor, together with an in-memory Buffer
// implementation used by tests and headless clients.
//
// Offsets at this boundary are UTF-16 code units, matching the text
// model of the usual host editors. Conversion to the codepoint offsets
// used on the wire happens in the session, not here.
package editor

// Source tags where a change set originated.
type Source int

// Change sources.
const (
	// SourceLocal marks edits made by the user of this editor.
	SourceLocal Source = iota
	// SourceRemote marks edits pushed into the editor by the
	// collaborative session on behalf of other participants.
	SourceRemote
)

// Change is one ranged edit. Offset and Length address the document as
// it was before the whole change set was applied, in UTF-16 units.
type Change struct {
	Offset int
	Length int
	Text   string
}

// ChangeSet is a batch of ranged edits applied together. Ranges all
// address the pre-change document, so implementations apply them in
// descending offset order.
type ChangeSet struct {
	Source  Source
	Changes []Change
}

// DecorationKind distinguishes caret markers from selection ranges.
type DecorationKind int

// Decoration kinds.
const (
	DecorationCaret DecorationKind = iota
	DecorationSelection
)

// Decoration is a rendered marker for a remote participant's cursor or
// selection, with offsets in UTF-16 units.
type Decoration struct {
	Kind  DecorationKind
	Start int
	End   int
	Hue   uint16
	Label string
}

// Editor is the host text editor as seen by a collaborative session.
//
// Implementations must deliver change and cursor events one at a time,
// serialized with local mutations; the session assumes the usual
// single-UI-thread discipline and takes no further locks around event
// delivery.
type Editor interface {
	// Value returns the current document content.
	Value() string
	// SetValue replaces the content without firing change events,
	// normalizing line endings to LF. Used for initialization only.
	SetValue(s string)
	// Edit applies a change set and fires change events tagged with
	// the given source.
	Edit(source Source, changes []Change)
	// OnChange subscribes to change sets; the returned function
	// removes the subscription.
	OnChange(fn func(ChangeSet)) (cancel func())
	// OnCursor subscribes to local cursor and selection movement.
	OnCursor(fn func(cursors []int, selections [][2]int)) (cancel func())
	// SetDecorations replaces the full set of remote-presence
	// decorations.
	SetDecorations(decorations []Decoration)
}
