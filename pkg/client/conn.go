package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luhsra/rustpad/pkg/protocol"
	"github.com/luhsra/rustpad/pkg/text"
)

// failureWindow is how many reconnect intervals pass between resets of
// the recent-failure counter.
const failureWindow = 15

// run paces connection attempts and periodically forgives old
// failures. Five drops inside one window mean reconnecting is not
// helping and the session is declared desynchronized.
func (c *Client) run() {
	reconnect := time.NewTicker(c.opts.ReconnectInterval)
	defer reconnect.Stop()
	window := time.NewTicker(failureWindow * c.opts.ReconnectInterval)
	defer window.Stop()

	c.tryConnect()
	for {
		select {
		case <-reconnect.C:
			c.tryConnect()
		case <-window.C:
			c.mu.Lock()
			c.recentFailures = 0
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// tryConnect dials unless a connection is already up or underway.
func (c *Client) tryConnect() {
	c.mu.Lock()
	if c.closed || c.state == stateConnecting || c.state == stateOpen {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	url := c.opts.URL
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)

	c.mu.Lock()
	var emits []func()
	defer func() {
		c.mu.Unlock()
		for _, fn := range emits {
			fn()
		}
	}()
	if err != nil {
		// A failed attempt is not a drop of an established connection;
		// the next tick retries.
		slog.Debug("connection attempt failed", "err", err)
		c.state = stateClosed
		return
	}
	if c.closed {
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.writeFrame = func(msg *protocol.ClientMsg) error { return ws.WriteJSON(msg) }
	c.state = stateOpen

	// The server re-announces every participant on connect; drop
	// whatever peer state survived the outage.
	c.peers = make(map[uint64]*peerState)
	c.refreshDecorationsLocked()
	emits = append(emits, c.usersChangedLocked()...)

	if c.myInfo != nil {
		c.sendLocked(protocol.ClientMsg{ClientInfo: c.myInfo})
	}
	cursor := c.myCursor
	c.sendLocked(protocol.ClientMsg{CursorData: &cursor})
	if c.outstanding != nil {
		// The server acknowledges this once it reaches our revision;
		// the composed buffer waits for that ack as usual.
		c.sendEditLocked(c.outstanding)
	}

	go c.readLoop(ws)
}

// readLoop decodes frames until the socket dies.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleSocketClose(ws, err)
			return
		}
		msg, err := protocol.DecodeServerMsg(data)
		if err != nil {
			// A bad frame is dropped on its own; only the socket
			// closing counts against the failure budget.
			slog.Warn("ignoring malformed frame", "err", err)
			continue
		}
		c.handleServerMsg(msg)
	}
}

// handleSocketClose accounts for the loss of an established
// connection.
func (c *Client) handleSocketClose(ws *websocket.Conn, err error) {
	c.mu.Lock()
	var emits []func()
	defer func() {
		c.mu.Unlock()
		for _, fn := range emits {
			fn()
		}
	}()
	if c.ws != ws {
		// A socket we already abandoned; nothing to account for.
		return
	}
	c.ws = nil
	c.writeFrame = nil
	c.state = stateClosed

	if c.closed {
		return
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		if cb := c.opts.Callbacks.OnError; cb != nil {
			e := err
			emits = append(emits, func() { cb(e) })
		}
	}
	if cb := c.opts.Callbacks.OnDisconnected; cb != nil {
		emits = append(emits, cb)
	}

	c.recentFailures++
	if c.recentFailures >= desyncFailures {
		emits = append(emits, c.desyncLocked(errTooManyFailures)...)
	}
}

var errTooManyFailures = errors.New("client: connection dropped repeatedly, reconnecting is not helping")

// handleEditorCursor captures local cursor movement. Sends are
// debounced on a trailing edge, and suppressed entirely while buffered
// edits exist: the server has not seen the text those cursors sit in,
// so peers would render them in the wrong place.
func (c *Client) handleEditorCursor(cursors []int, selections [][2]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	value := c.editor.Value()
	data := protocol.CursorData{
		Cursors:    make([]int, len(cursors)),
		Selections: make([][2]int, len(selections)),
	}
	for i, cur := range cursors {
		data.Cursors[i] = text.UTF16ToCodepoint(value, cur)
	}
	for i, sel := range selections {
		data.Selections[i] = [2]int{
			text.UTF16ToCodepoint(value, sel[0]),
			text.UTF16ToCodepoint(value, sel[1]),
		}
	}
	c.myCursor = data

	if c.buffer != nil {
		return
	}
	if c.cursorTimer != nil {
		c.cursorTimer.Stop()
	}
	c.cursorTimer = time.AfterFunc(c.opts.CursorDebounce, c.flushCursor)
}

// flushCursor sends the latest cursor state once movement has gone
// quiet.
func (c *Client) flushCursor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != stateOpen || c.buffer != nil {
		return
	}
	cursor := c.myCursor
	c.sendLocked(protocol.ClientMsg{CursorData: &cursor})
}
