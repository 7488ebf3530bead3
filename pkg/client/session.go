package client

import (
	"log/slog"
	"sort"

	"github.com/luhsra/rustpad/pkg/editor"
	"github.com/luhsra/rustpad/pkg/ot"
	"github.com/luhsra/rustpad/pkg/protocol"
	"github.com/luhsra/rustpad/pkg/text"
)

// handleEditorChange captures a local change set as one operation and
// feeds it into the reconciliation state. Change sets pushed by this
// session on behalf of remote peers are skipped.
func (c *Client) handleEditorChange(cs editor.ChangeSet) {
	if cs.Source != editor.SourceLocal {
		return
	}
	c.mu.Lock()
	var emits []func()
	defer func() {
		c.mu.Unlock()
		for _, fn := range emits {
			fn()
		}
	}()
	if c.ignoreChanges || c.closed {
		return
	}

	prev := c.lastValue
	curLen := text.CodepointLen(prev)
	acc := ot.New()
	acc.Retain(curLen)

	// Ranges address the pre-change snapshot; processing them from the
	// highest offset down keeps each remaining range valid.
	ordered := make([]editor.Change, len(cs.Changes))
	copy(ordered, cs.Changes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Offset > ordered[j].Offset
	})

	for _, ch := range ordered {
		start := text.UTF16ToCodepoint(prev, ch.Offset)
		end := text.UTF16ToCodepoint(prev, ch.Offset+ch.Length)
		deleted := end - start

		step := ot.New()
		step.Retain(start)
		step.Delete(deleted)
		step.Insert(ch.Text)
		step.Retain(curLen - start - deleted)

		composed, err := acc.Compose(step)
		if err != nil {
			emits = c.desyncLocked(err)
			return
		}
		acc = composed
		curLen += text.CodepointLen(ch.Text) - deleted
	}

	c.lastValue = c.editor.Value()
	if !acc.IsNoop() {
		emits = c.applyClientLocked(acc)
	}
}

// applyClientLocked routes a freshly captured local operation: the
// first one goes out immediately, anything typed while it is in flight
// accumulates in the buffer.
func (c *Client) applyClientLocked(op *ot.Operation) []func() {
	switch {
	case c.outstanding == nil:
		c.outstanding = op
		c.sendEditLocked(op)
	case c.buffer == nil:
		c.buffer = op
	default:
		composed, err := c.buffer.Compose(op)
		if err != nil {
			return c.desyncLocked(err)
		}
		c.buffer = composed
	}
	c.transformPeerCursorsLocked(op)
	return nil
}

func (c *Client) sendEditLocked(op *ot.Operation) {
	c.sendLocked(protocol.ClientMsg{Edit: &protocol.EditMsg{
		Revision:  c.revision,
		Operation: op,
	}})
}

// handleServerMsg dispatches one decoded server frame.
func (c *Client) handleServerMsg(msg *protocol.ServerMsg) {
	c.mu.Lock()
	var emits []func()
	defer func() {
		c.mu.Unlock()
		for _, fn := range emits {
			fn()
		}
	}()
	if c.closed {
		return
	}

	switch {
	case msg.Identity != nil:
		c.me = int64(msg.Identity.ID)
		if cb := c.opts.Callbacks.OnConnected; cb != nil {
			info := msg.Identity.Info
			emits = append(emits, func() { cb(info) })
		}

	case msg.History != nil:
		emits = c.handleHistoryLocked(msg.History)

	case msg.Meta != nil:
		meta := *msg.Meta
		if cb := c.opts.Callbacks.OnChangeMeta; cb != nil {
			emits = append(emits, func() { cb(meta.Language, meta.Visibility) })
		}

	case msg.Language != nil:
		lang := *msg.Language
		if cb := c.opts.Callbacks.OnChangeMeta; cb != nil {
			emits = append(emits, func() { cb(lang, "") })
		}

	case msg.UserInfo != nil:
		emits = c.upsertPeerLocked(msg.UserInfo.ID, msg.UserInfo.User)

	case msg.UserDisconnect != nil:
		emits = c.removePeerLocked(msg.UserDisconnect.ID)

	case msg.UserCursor != nil:
		emits = c.setPeerCursorLocked(msg.UserCursor.ID, msg.UserCursor.Data)
	}
}

// handleHistoryLocked absorbs a batch of server-serialized operations.
// Entries below the local revision were already seen; entries from this
// client acknowledge the outstanding operation, everything else is a
// concurrent remote edit.
func (c *Client) handleHistoryLocked(h *protocol.HistoryMsg) []func() {
	if h.Start > c.revision {
		// The server is ahead of us in a way we cannot bridge; drop
		// the socket and let reconnection refetch the history.
		slog.Warn("history starts past local revision, closing socket",
			"start", h.Start, "revision", c.revision)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		return nil
	}
	var emits []func()
	for i := c.revision - h.Start; i < len(h.Operations); i++ {
		entry := h.Operations[i]
		c.revision++
		if c.me >= 0 && entry.ID == uint64(c.me) {
			c.serverAckLocked()
		} else {
			if entry.Operation == nil {
				return c.desyncLocked(protocol.ErrMalformedMessage)
			}
			if more := c.applyServerLocked(entry.Operation); more != nil {
				return append(emits, more...)
			}
		}
	}
	return emits
}

// applyServerLocked folds one remote operation into the local state:
// the unacknowledged local work is rebased over it, and the operation
// is rebased over that work before being pushed into the editor.
func (c *Client) applyServerLocked(op *ot.Operation) []func() {
	if c.outstanding != nil {
		outP, opP, err := c.outstanding.Transform(op)
		if err != nil {
			return c.desyncLocked(err)
		}
		c.outstanding, op = outP, opP
		if c.buffer != nil {
			bufP, opP2, err := c.buffer.Transform(op)
			if err != nil {
				return c.desyncLocked(err)
			}
			c.buffer, op = bufP, opP2
		}
	}

	changes := opToChanges(c.lastValue, op)
	if len(changes) > 0 {
		c.ignoreChanges = true
		c.editor.Edit(editor.SourceRemote, changes)
		c.ignoreChanges = false
	}
	c.lastValue = c.editor.Value()
	c.transformPeerCursorsLocked(op)
	return nil
}

// serverAckLocked handles the server echoing our own operation: the
// buffered edits, if any, become the next outstanding operation.
func (c *Client) serverAckLocked() {
	if c.outstanding == nil {
		slog.Warn("server acknowledged with no outstanding operation")
		return
	}
	c.outstanding, c.buffer = c.buffer, nil
	if c.outstanding != nil {
		c.sendEditLocked(c.outstanding)
	}
}

// opToChanges renders an operation as ranged edits against value, with
// offsets in UTF-16 units. An insert directly followed by a delete is
// emitted as one replacement so that equal-offset edits cannot
// reorder.
func opToChanges(value string, op *ot.Operation) []editor.Change {
	var changes []editor.Change
	actions := op.Actions()
	pos := 0
	for i := 0; i < len(actions); i++ {
		switch v := actions[i].(type) {
		case ot.Retain:
			pos += v.N
		case ot.Insert:
			deleted := 0
			if i+1 < len(actions) {
				if d, ok := actions[i+1].(ot.Delete); ok {
					deleted = d.N
					i++
				}
			}
			start := text.CodepointToUTF16(value, pos)
			end := text.CodepointToUTF16(value, pos+deleted)
			changes = append(changes, editor.Change{
				Offset: start,
				Length: end - start,
				Text:   v.Text,
			})
			pos += deleted
		case ot.Delete:
			start := text.CodepointToUTF16(value, pos)
			end := text.CodepointToUTF16(value, pos+v.N)
			changes = append(changes, editor.Change{
				Offset: start,
				Length: end - start,
			})
			pos += v.N
		}
	}
	return changes
}

// desyncLocked marks the session as unrecoverable and tears it down.
func (c *Client) desyncLocked(err error) []func() {
	if c.desynced {
		return nil
	}
	c.desynced = true
	slog.Error("session desynchronized", "err", err)
	c.disposeLocked()
	if cb := c.opts.Callbacks.OnDesynchronized; cb != nil {
		return []func(){cb}
	}
	return nil
}
