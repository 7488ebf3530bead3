// Package client implements the editing client of a collaborative
// plain-text document: it captures local edits as operations, keeps
// them reconciled against the server's operation history, tracks the
// cursors of other participants, and maintains the WebSocket connection
// this all runs over.
//
// The hard guarantee is convergence: whatever the interleaving of local
// typing, server broadcasts and reconnects, every participant ends up
// with byte-identical text.
package client

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luhsra/rustpad/pkg/editor"
	"github.com/luhsra/rustpad/pkg/ot"
	"github.com/luhsra/rustpad/pkg/protocol"
)

// Callbacks is the surface through which the host observes the session.
// All fields are optional. Callbacks fire outside the session lock but
// must not block for long; they must not mutate the editor.
type Callbacks struct {
	// OnConnected fires when the server has assigned this client its
	// identity. Info carries the server-side user record, if any.
	OnConnected func(info *protocol.UserInfo)
	// OnDisconnected fires when an established connection drops.
	OnDisconnected func()
	// OnDesynchronized fires at most once, when the session cannot
	// recover and the document must be reloaded.
	OnDesynchronized func()
	// OnError reports abnormal socket errors.
	OnError func(err error)
	// OnChangeMeta fires when document metadata changes.
	OnChangeMeta func(language string, visibility protocol.Visibility)
	// OnChangeUsers fires with the full remote-peer map whenever it
	// changes.
	OnChangeUsers func(users map[uint64]protocol.UserInfo)
	// OnChangeMe echoes the info this client declared about itself.
	OnChangeMe func(info protocol.ClientInfo)
}

// Options configures a Client.
type Options struct {
	// URL is the WebSocket endpoint, including the document id.
	URL string
	// Editor is the host text editor. Required.
	Editor editor.Editor
	// Callbacks observe the session.
	Callbacks Callbacks
	// ReconnectInterval paces connection attempts. Default 1s.
	ReconnectInterval time.Duration
	// CursorDebounce is the trailing quiet period before local cursor
	// movement is sent. Default 20ms.
	CursorDebounce time.Duration
	// StyleSink, if set, is invoked exactly once per distinct hue seen
	// among participants, so the host can install styling for it.
	StyleSink func(hue uint16)
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// desyncFailures is how many connection drops within one reset window
// mark the session as unrecoverable.
const desyncFailures = 5

type peerState struct {
	info   *protocol.UserInfo
	cursor *protocol.CursorData
}

// Client is one participant's session on a shared document.
type Client struct {
	opts   Options
	editor editor.Editor

	mu sync.Mutex

	// Reconciliation against the server history.
	revision      int
	outstanding   *ot.Operation
	buffer        *ot.Operation
	me            int64
	lastValue     string
	ignoreChanges bool

	myInfo   *protocol.ClientInfo
	myCursor protocol.CursorData

	// Remote presence.
	peers    map[uint64]*peerState
	seenHues map[uint16]bool

	// Connection.
	state          connState
	ws             *websocket.Conn
	writeFrame     func(*protocol.ClientMsg) error
	recentFailures int
	desynced       bool
	closed         bool

	cursorTimer *time.Timer
	cancelSubs  []func()
	done        chan struct{}
}

// New starts a session against opts.URL, driving opts.Editor. The
// connection is established in the background and retried on the
// reconnect interval until Close is called or the session
// desynchronizes.
func New(opts Options) (*Client, error) {
	if opts.Editor == nil {
		return nil, fmt.Errorf("client: no editor supplied")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("client: no URL supplied")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.CursorDebounce <= 0 {
		opts.CursorDebounce = 20 * time.Millisecond
	}

	c := &Client{
		opts:      opts,
		editor:    opts.Editor,
		me:        -1,
		lastValue: opts.Editor.Value(),
		peers:     make(map[uint64]*peerState),
		seenHues:  make(map[uint16]bool),
		done:      make(chan struct{}),
	}
	c.cancelSubs = append(c.cancelSubs,
		c.editor.OnChange(c.handleEditorChange),
		c.editor.OnCursor(c.handleEditorCursor),
	)
	go c.run()
	return c, nil
}

// Close tears the session down: reconnect attempts stop, editor
// listeners detach and the socket is closed. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposeLocked()
}

// disposeLocked stops all background activity.
func (c *Client) disposeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for _, cancel := range c.cancelSubs {
		cancel()
	}
	c.cancelSubs = nil
	if c.cursorTimer != nil {
		c.cursorTimer.Stop()
		c.cursorTimer = nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.writeFrame = nil
	c.state = stateClosed
}

// HasUnackedWork reports whether an operation is still awaiting server
// acknowledgement. Hosts use this to gate navigation away from the
// document, the way a browser unload prompt would.
func (c *Client) HasUnackedWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding != nil
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Revision returns the number of server-acknowledged operations this
// client has absorbed.
func (c *Client) Revision() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// SetInfo declares this user's name and hue, sending it to the server
// if connected.
func (c *Client) SetInfo(info protocol.ClientInfo) {
	c.mu.Lock()
	c.myInfo = &info
	if c.state == stateOpen {
		c.sendLocked(protocol.ClientMsg{ClientInfo: &info})
	}
	cb := c.opts.Callbacks.OnChangeMe
	c.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

// SetMeta asks the server to update document metadata. Nil fields are
// left unchanged. Reports whether the socket was open to carry the
// request.
func (c *Client) SetMeta(language *string, visibility *protocol.Visibility) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return false
	}
	c.sendLocked(protocol.ClientMsg{SetMeta: &protocol.SetMetaMsg{
		Language:   language,
		Visibility: visibility,
	}})
	return true
}

// sendLocked writes one frame, logging rather than failing on error;
// a broken socket surfaces through the read loop shortly after.
func (c *Client) sendLocked(msg protocol.ClientMsg) {
	if c.writeFrame == nil {
		return
	}
	if err := c.writeFrame(&msg); err != nil {
		slog.Warn("write failed", "err", err)
	}
}

// SocketURL derives the collaboration endpoint from a document page
// URL: the scheme upgrades http to ws and https to wss, and the
// document id is taken from the URL fragment.
func SocketURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("client: parsing page URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Fragment == "" {
		return "", fmt.Errorf("client: page URL carries no document id")
	}
	u.Path = "/api/socket/" + u.Fragment
	u.Fragment = ""
	u.RawQuery = ""
	return u.String(), nil
}
