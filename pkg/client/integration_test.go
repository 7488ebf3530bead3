package client_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luhsra/rustpad/pkg/client"
	"github.com/luhsra/rustpad/pkg/editor"
	"github.com/luhsra/rustpad/pkg/protocol"
	"github.com/luhsra/rustpad/pkg/server"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocketURL(t *testing.T) {
	cases := []struct {
		page string
		want string
	}{
		{"http://example.com/#notes", "ws://example.com/api/socket/notes"},
		{"https://pad.example.com/some/page#a-b_c", "wss://pad.example.com/api/socket/a-b_c"},
	}
	for _, tc := range cases {
		got, err := client.SocketURL(tc.page)
		if err != nil {
			t.Fatalf("SocketURL(%q): %v", tc.page, err)
		}
		if got != tc.want {
			t.Errorf("SocketURL(%q)=%q, want %q", tc.page, got, tc.want)
		}
	}

	if _, err := client.SocketURL("http://example.com/"); err == nil {
		t.Errorf("expected error for missing document id")
	}
	if _, err := client.SocketURL("ftp://example.com/#x"); err == nil {
		t.Errorf("expected error for unsupported scheme")
	}
}

func TestDesynchronizedAfterRepeatedDrops(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		conn.Close()
	}))
	defer srv.Close()

	desyncs := make(chan struct{}, 8)
	c, err := client.New(client.Options{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Editor:            editor.NewBuffer(""),
		ReconnectInterval: 10 * time.Millisecond,
		Callbacks: client.Callbacks{
			OnDesynchronized: func() { desyncs <- struct{}{} },
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	select {
	case <-desyncs:
	case <-time.After(5 * time.Second):
		t.Fatalf("never desynchronized after repeated drops")
	}

	// The session is terminal: no second signal, no further dials.
	settled := accepted.Load()
	time.Sleep(100 * time.Millisecond)
	select {
	case <-desyncs:
		t.Fatalf("desynchronized fired more than once")
	default:
	}
	if got := accepted.Load(); got != settled {
		t.Fatalf("client kept reconnecting after desync: %d -> %d", settled, got)
	}
}

func TestTwoClientsConverge(t *testing.T) {
	srv := httptest.NewServer(server.New(nil).Routes())
	defer srv.Close()

	socketURL, err := client.SocketURL(srv.URL + "#converge")
	if err != nil {
		t.Fatalf("socket url: %v", err)
	}

	start := func(name string) (*client.Client, *editor.Buffer, *atomic.Pointer[map[uint64]protocol.UserInfo]) {
		buf := editor.NewBuffer("")
		users := new(atomic.Pointer[map[uint64]protocol.UserInfo])
		c, err := client.New(client.Options{
			URL:               socketURL,
			Editor:            buf,
			ReconnectInterval: 20 * time.Millisecond,
			Callbacks: client.Callbacks{
				OnChangeUsers: func(u map[uint64]protocol.UserInfo) { users.Store(&u) },
			},
		})
		if err != nil {
			t.Fatalf("new client %s: %v", name, err)
		}
		t.Cleanup(c.Close)
		return c, buf, users
	}

	clientA, bufA, _ := start("a")
	clientB, bufB, usersB := start("b")

	waitFor(t, "both clients connected", func() bool {
		return clientA.Connected() && clientB.Connected()
	})

	bufA.Replace(0, 0, "hello")
	waitFor(t, "b to see a's edit", func() bool { return bufB.Value() == "hello" })
	waitFor(t, "a to be acknowledged", func() bool { return !clientA.HasUnackedWork() })

	bufB.Replace(5, 0, " world")
	waitFor(t, "a to see b's edit", func() bool { return bufA.Value() == "hello world" })
	waitFor(t, "b to be acknowledged", func() bool { return !clientB.HasUnackedWork() })

	if got, want := bufB.Value(), "hello world"; got != want {
		t.Fatalf("b value=%q, want %q", got, want)
	}
	waitFor(t, "revisions to agree", func() bool {
		return clientA.Revision() == 2 && clientB.Revision() == 2
	})

	clientA.SetInfo(protocol.ClientInfo{Name: "alice", Hue: 120})
	waitFor(t, "b to learn about alice", func() bool {
		p := usersB.Load()
		if p == nil {
			return false
		}
		for _, u := range *p {
			if u.Name == "alice" {
				return true
			}
		}
		return false
	})
}

// TestStaleEditAppliedToPeer drives a scripted peer over a raw socket
// so the concurrent-edit interleaving is fully controlled: the peer
// submits an edit based on a revision the server has already moved
// past, and the client must converge on the server's rebased result.
func TestStaleEditAppliedToPeer(t *testing.T) {
	srv := httptest.NewServer(server.New(nil).Routes())
	defer srv.Close()

	socketURL, err := client.SocketURL(srv.URL + "#stale")
	if err != nil {
		t.Fatalf("socket url: %v", err)
	}

	// The scripted peer connects first and stays silent.
	peer, _, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	defer peer.Close()

	buf := editor.NewBuffer("")
	c, err := client.New(client.Options{
		URL:               socketURL,
		Editor:            buf,
		ReconnectInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	waitFor(t, "client connected", func() bool { return c.Connected() })

	buf.Replace(0, 0, "X")
	waitFor(t, "client acknowledged", func() bool {
		return !c.HasUnackedWork() && c.Revision() == 1
	})

	// Now the peer submits an insert still based on revision 0. The
	// server rebases it over "X" before broadcasting.
	if err := peer.WriteJSON(map[string]any{
		"Edit": map[string]any{"revision": 0, "operation": []any{"Y"}},
	}); err != nil {
		t.Fatalf("peer edit: %v", err)
	}

	waitFor(t, "client to apply the rebased edit", func() bool {
		return c.Revision() == 2
	})
	if got, want := buf.Value(), "YX"; got != want {
		t.Fatalf("value=%q, want %q", got, want)
	}
}
