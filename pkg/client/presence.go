package client

import (
	"sort"

	"github.com/luhsra/rustpad/pkg/editor"
	"github.com/luhsra/rustpad/pkg/ot"
	"github.com/luhsra/rustpad/pkg/protocol"
	"github.com/luhsra/rustpad/pkg/text"
)

// upsertPeerLocked records another participant's info and refreshes the
// visible presence state. Announcements about ourselves are not peers.
func (c *Client) upsertPeerLocked(id uint64, info protocol.UserInfo) []func() {
	if c.me >= 0 && id == uint64(c.me) {
		return nil
	}
	p := c.peers[id]
	if p == nil {
		p = &peerState{}
		c.peers[id] = p
	}
	p.info = &info
	emits := c.ensureStyleLocked(info.Hue)
	c.refreshDecorationsLocked()
	return append(emits, c.usersChangedLocked()...)
}

func (c *Client) removePeerLocked(id uint64) []func() {
	if _, ok := c.peers[id]; !ok {
		return nil
	}
	delete(c.peers, id)
	c.refreshDecorationsLocked()
	return c.usersChangedLocked()
}

// setPeerCursorLocked overwrites a peer's cursor state verbatim.
func (c *Client) setPeerCursorLocked(id uint64, data protocol.CursorData) []func() {
	if c.me >= 0 && id == uint64(c.me) {
		return nil
	}
	p := c.peers[id]
	if p == nil {
		p = &peerState{}
		c.peers[id] = p
	}
	cursor := data
	p.cursor = &cursor
	c.refreshDecorationsLocked()
	return nil
}

// transformPeerCursorsLocked maps every remote cursor endpoint through
// an operation that was just applied, local or remote, so decorations
// stay attached to the text they were on.
func (c *Client) transformPeerCursorsLocked(op *ot.Operation) {
	for _, p := range c.peers {
		if p.cursor == nil {
			continue
		}
		for i, cur := range p.cursor.Cursors {
			p.cursor.Cursors[i] = op.TransformIndex(cur)
		}
		for i, sel := range p.cursor.Selections {
			p.cursor.Selections[i] = [2]int{
				op.TransformIndex(sel[0]),
				op.TransformIndex(sel[1]),
			}
		}
	}
	c.refreshDecorationsLocked()
}

// ensureStyleLocked asks the host to install styling for a hue the
// first time it is seen.
func (c *Client) ensureStyleLocked(hue uint16) []func() {
	if c.opts.StyleSink == nil || c.seenHues[hue] {
		return nil
	}
	c.seenHues[hue] = true
	sink := c.opts.StyleSink
	return []func(){func() { sink(hue) }}
}

// refreshDecorationsLocked rebuilds the full decoration set from the
// peer map, converting codepoint offsets to the editor's UTF-16 units.
func (c *Client) refreshDecorationsLocked() {
	value := c.editor.Value()
	ids := make([]uint64, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var decos []editor.Decoration
	for _, id := range ids {
		p := c.peers[id]
		if p.cursor == nil {
			continue
		}
		var hue uint16
		var label string
		if p.info != nil {
			hue = p.info.Hue
			label = p.info.Name
		}
		for _, cur := range p.cursor.Cursors {
			off := text.CodepointToUTF16(value, cur)
			decos = append(decos, editor.Decoration{
				Kind:  editor.DecorationCaret,
				Start: off,
				End:   off,
				Hue:   hue,
				Label: label,
			})
		}
		for _, sel := range p.cursor.Selections {
			decos = append(decos, editor.Decoration{
				Kind:  editor.DecorationSelection,
				Start: text.CodepointToUTF16(value, sel[0]),
				End:   text.CodepointToUTF16(value, sel[1]),
				Hue:   hue,
				Label: label,
			})
		}
	}
	c.editor.SetDecorations(decos)
}

// usersChangedLocked snapshots the remote-peer map for the host.
func (c *Client) usersChangedLocked() []func() {
	cb := c.opts.Callbacks.OnChangeUsers
	if cb == nil {
		return nil
	}
	users := make(map[uint64]protocol.UserInfo, len(c.peers))
	for id, p := range c.peers {
		if p.info != nil {
			users[id] = *p.info
		}
	}
	return []func(){func() { cb(users) }}
}
