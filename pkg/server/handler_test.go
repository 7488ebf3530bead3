package server_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luhsra/rustpad/pkg/protocol"
	"github.com/luhsra/rustpad/pkg/server"
)

func dialDoc(t *testing.T, baseURL, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/socket/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMsg(t *testing.T, conn *websocket.Conn) *protocol.ServerMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.DecodeServerMsg(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func getText(t *testing.T, baseURL, id string) (int, string) {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/text/" + id)
	if err != nil {
		t.Fatalf("get text: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func waitForText(t *testing.T, baseURL, id, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, got := getText(t, baseURL, id); got == want {
			return
		}
		if time.Now().After(deadline) {
			_, got := getText(t, baseURL, id)
			t.Fatalf("text=%q, want %q", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSocketHandshakeAndEdit(t *testing.T) {
	srv := httptest.NewServer(server.New(nil).Routes())
	defer srv.Close()

	conn := dialDoc(t, srv.URL, "doc-one")

	msg := readServerMsg(t, conn)
	if msg.Identity == nil {
		t.Fatalf("first message=%+v, want Identity", msg)
	}
	msg = readServerMsg(t, conn)
	if msg.Meta == nil {
		t.Fatalf("second message=%+v, want Meta", msg)
	}

	if err := conn.WriteJSON(map[string]any{
		"Edit": map[string]any{"revision": 0, "operation": []any{"hi"}},
	}); err != nil {
		t.Fatalf("write edit: %v", err)
	}

	waitForText(t, srv.URL, "doc-one", "hi")

	// The edit comes back as a history broadcast.
	for {
		msg := readServerMsg(t, conn)
		if msg.History != nil {
			if msg.History.Start != 0 || len(msg.History.Operations) != 1 {
				t.Fatalf("history=%+v", msg.History)
			}
			break
		}
	}
}

func TestInvalidDocumentIDRejected(t *testing.T) {
	srv := httptest.NewServer(server.New(nil).Routes())
	defer srv.Close()

	if status, _ := getText(t, srv.URL, "bad%24id"); status != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", status, http.StatusBadRequest)
	}
	if status, _ := getText(t, srv.URL, strings.Repeat("a", 65)); status != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", status, http.StatusBadRequest)
	}
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.sqlite3")
	store, err := server.OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	s1 := server.New(store)
	srv1 := httptest.NewServer(s1.Routes())

	conn := dialDoc(t, srv1.URL, "persisted")
	if err := conn.WriteJSON(map[string]any{
		"Edit": map[string]any{"revision": 0, "operation": []any{"kept text"}},
	}); err != nil {
		t.Fatalf("write edit: %v", err)
	}
	waitForText(t, srv1.URL, "persisted", "kept text")

	s1.FlushDirty()
	conn.Close()
	srv1.Close()

	// A fresh server over the same store must serve the saved text.
	s2 := server.New(store)
	srv2 := httptest.NewServer(s2.Routes())
	defer srv2.Close()

	if _, got := getText(t, srv2.URL, "persisted"); got != "kept text" {
		t.Fatalf("text after restart=%q, want %q", got, "kept text")
	}
	store.Close()
}
