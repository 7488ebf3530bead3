// Package server implements the arbitration half of the collaborative
// editor: one session per document serializes all edits into a single
// operation history, rebases stale submissions against it, and
// broadcasts the result to every connected client. Documents persist in
// SQLite between sessions.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/luhsra/rustpad/pkg/ot"
	"github.com/luhsra/rustpad/pkg/protocol"
)

// maxTargetLen caps the document size a single edit may produce, in
// codepoints.
const maxTargetLen = 256 * 1024

// sendBuffer is the per-connection outbound queue length. A client
// that cannot drain this many messages is dropped rather than allowed
// to stall the session.
const sendBuffer = 64

// ErrStaleConnection is reported when a client's outbound queue
// overflows.
var ErrStaleConnection = errors.New("server: connection send queue overflow")

// Session is the live state of one document.
type Session struct {
	mu         sync.Mutex
	operations []protocol.UserOperation
	text       string
	meta       protocol.DocumentMeta
	users      map[uint64]protocol.UserInfo
	cursors    map[uint64]protocol.CursorData
	dirty      bool
	nextID     uint64
	subs       map[uint64]chan protocol.ServerMsg
	lastAccess time.Time
}

// NewSession returns an empty document session.
func NewSession() *Session {
	return &Session{
		meta: protocol.DocumentMeta{
			Language:   "markdown",
			Visibility: protocol.VisibilityPublic,
		},
		users:      make(map[uint64]protocol.UserInfo),
		cursors:    make(map[uint64]protocol.CursorData),
		subs:       make(map[uint64]chan protocol.ServerMsg),
		lastAccess: time.Now(),
	}
}

// LoadSession seeds a session from persisted text and metadata. The
// stored text enters the history as a single insert attributed to no
// client, so connecting clients replay it like any other operation.
func LoadSession(text string, meta protocol.DocumentMeta) *Session {
	s := NewSession()
	s.meta = meta
	if text != "" {
		op := ot.New()
		op.Insert(text)
		s.operations = append(s.operations, protocol.UserOperation{
			ID:        math.MaxUint64,
			Operation: op,
		})
		s.text = text
	}
	return s
}

// Connect registers a new client and returns its id, the messages that
// bring it up to date, and the channel its frames will arrive on.
func (s *Session) Connect() (id uint64, initial []protocol.ServerMsg, recv <-chan protocol.ServerMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = s.nextID
	s.nextID++
	ch := make(chan protocol.ServerMsg, sendBuffer)
	s.subs[id] = ch
	s.lastAccess = time.Now()

	initial = append(initial, protocol.ServerMsg{Identity: &protocol.IdentityMsg{ID: id}})
	meta := s.meta
	initial = append(initial, protocol.ServerMsg{Meta: &meta})
	if len(s.operations) > 0 {
		ops := make([]protocol.UserOperation, len(s.operations))
		copy(ops, s.operations)
		initial = append(initial, protocol.ServerMsg{History: &protocol.HistoryMsg{
			Start:      0,
			Operations: ops,
		}})
	}
	for uid, info := range s.users {
		user := info
		initial = append(initial, protocol.ServerMsg{UserInfo: &protocol.UserInfoMsg{ID: uid, User: user}})
	}
	for uid, data := range s.cursors {
		cursor := data
		initial = append(initial, protocol.ServerMsg{UserCursor: &protocol.UserCursorMsg{ID: uid, Data: cursor}})
	}
	return id, initial, ch
}

// Disconnect removes a client and tells everyone else. Idempotent,
// since both the read loop and error paths reach it.
func (s *Session) Disconnect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(ch)
	delete(s.users, id)
	delete(s.cursors, id)
	s.lastAccess = time.Now()
	s.broadcastLocked(protocol.ServerMsg{UserDisconnect: &protocol.UserDisconnectMsg{ID: id}})
}

// broadcastLocked queues a message for every connected client. A
// client whose queue is full is dropped; its write pump sees the
// closed channel and tears the connection down.
func (s *Session) broadcastLocked(msg protocol.ServerMsg) {
	for id, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping connection", "conn", id, "err", ErrStaleConnection)
			delete(s.subs, id)
			close(ch)
		}
	}
}

// HandleMessage processes one client frame. A returned error means the
// connection should be closed; session state stays consistent either
// way.
func (s *Session) HandleMessage(id uint64, msg *protocol.ClientMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()

	switch {
	case msg.Edit != nil:
		if msg.Edit.Operation == nil {
			return fmt.Errorf("server: edit without operation")
		}
		if err := s.applyEditLocked(id, msg.Edit.Revision, msg.Edit.Operation); err != nil {
			return fmt.Errorf("server: invalid edit: %w", err)
		}

	case msg.SetMeta != nil:
		if msg.SetMeta.Language != nil {
			s.meta.Language = *msg.SetMeta.Language
		}
		if msg.SetMeta.Visibility != nil {
			s.meta.Visibility = *msg.SetMeta.Visibility
		}
		s.dirty = true
		meta := s.meta
		s.broadcastLocked(protocol.ServerMsg{Meta: &meta})

	case msg.SetLanguage != nil:
		s.meta.Language = *msg.SetLanguage
		s.dirty = true
		meta := s.meta
		s.broadcastLocked(protocol.ServerMsg{Meta: &meta})

	case msg.ClientInfo != nil:
		info := protocol.UserInfo{
			Name: msg.ClientInfo.Name,
			Hue:  msg.ClientInfo.Hue % 360,
			Role: protocol.RoleAnon,
		}
		s.users[id] = info
		s.broadcastLocked(protocol.ServerMsg{UserInfo: &protocol.UserInfoMsg{ID: id, User: info}})

	case msg.CursorData != nil:
		s.cursors[id] = *msg.CursorData
		s.broadcastLocked(protocol.ServerMsg{UserCursor: &protocol.UserCursorMsg{ID: id, Data: *msg.CursorData}})

	default:
		return protocol.ErrMalformedMessage
	}
	return nil
}

// applyEditLocked rebases an operation submitted against an older
// revision over everything serialized since, applies it, and
// broadcasts the rebased form as the next history entry.
func (s *Session) applyEditLocked(id uint64, revision int, op *ot.Operation) error {
	if revision > len(s.operations) {
		return fmt.Errorf("got revision %d, but current is %d", revision, len(s.operations))
	}
	for _, entry := range s.operations[revision:] {
		rebased, _, err := op.Transform(entry.Operation)
		if err != nil {
			return err
		}
		op = rebased
	}
	if op.TargetLen() > maxTargetLen {
		return fmt.Errorf("target length %d exceeds maximum", op.TargetLen())
	}
	newText, err := op.Apply(s.text)
	if err != nil {
		return err
	}
	for uid, data := range s.cursors {
		for i, cur := range data.Cursors {
			data.Cursors[i] = op.TransformIndex(cur)
		}
		for i, sel := range data.Selections {
			data.Selections[i] = [2]int{
				op.TransformIndex(sel[0]),
				op.TransformIndex(sel[1]),
			}
		}
		s.cursors[uid] = data
	}
	start := len(s.operations)
	entry := protocol.UserOperation{ID: id, Operation: op}
	s.operations = append(s.operations, entry)
	s.text = newText
	s.dirty = true
	s.broadcastLocked(protocol.ServerMsg{History: &protocol.HistoryMsg{
		Start:      start,
		Operations: []protocol.UserOperation{entry},
	}})
	return nil
}

// Text returns the current document content.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// Revision returns the number of serialized operations.
func (s *Session) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.operations)
}

// Snapshot returns the persistable state and clears the dirty flag
// when taken, so each change is written once.
func (s *Session) Snapshot() (text string, meta protocol.DocumentMeta, wasDirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasDirty = s.dirty
	s.dirty = false
	return s.text, s.meta, wasDirty
}

// Idle reports whether the session has no connections and has been
// untouched since before cutoff.
func (s *Session) Idle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0 && !s.dirty && s.lastAccess.Before(cutoff)
}
