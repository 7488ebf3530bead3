package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/luhsra/rustpad/pkg/protocol"
)

// maxDocumentID bounds document ids, which double as database keys.
const maxDocumentID = 64

func validDocumentID(id string) bool {
	if id == "" || len(id) > maxDocumentID {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ' ':
		default:
			return false
		}
	}
	return true
}

// Server routes document traffic to per-document sessions, loading
// them from the store on first access.
type Server struct {
	store    *Store
	upgrader websocket.Upgrader

	mu   sync.Mutex
	docs map[string]*Session
}

// New returns a Server. store may be nil, in which case documents live
// only in memory.
func New(store *Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		docs: make(map[string]*Session),
	}
}

// Routes returns the HTTP router, with request logging on every route.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/api/socket/{id}").HandlerFunc(s.handleSocket)
	r.Methods(http.MethodGet).Path("/api/text/{id}").HandlerFunc(s.handleText)
	return r
}

// session returns the live session for id, loading persisted state on
// first access.
func (s *Server) session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.docs[id]; ok {
		return sess, nil
	}
	sess := NewSession()
	if s.store != nil {
		doc, err := s.store.Load(id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			sess = LoadSession(doc.Text, doc.Meta)
		}
	}
	s.docs[id] = sess
	return sess, nil
}

func (s *Server) handleText(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	if !validDocumentID(id) {
		http.Error(writer, "invalid document id", http.StatusBadRequest)
		return
	}
	sess, err := s.session(id)
	if err != nil {
		slog.Error("failed to load document", "id", id, "err", err)
		http.Error(writer, "failed to load document", http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(writer, sess.Text())
}

func (s *Server) handleSocket(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	if !validDocumentID(id) {
		http.Error(writer, "invalid document id", http.StatusBadRequest)
		return
	}
	sess, err := s.session(id)
	if err != nil {
		slog.Error("failed to load document", "id", id, "err", err)
		http.Error(writer, "failed to load document", http.StatusInternalServerError)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	connID, initial, recv := sess.Connect()
	defer sess.Disconnect(connID)
	slog.Info("client connected", "doc", id, "conn", connID)

	for i := range initial {
		if err := conn.WriteJSON(&initial[i]); err != nil {
			slog.Warn("failed to send initial state", "conn", connID, "err", err)
			sess.Disconnect(connID)
			return
		}
	}

	// Write pump: session broadcasts drain here until the channel
	// closes, either on disconnect or because this client stalled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		for msg := range recv {
			if err := conn.WriteJSON(&msg); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := protocol.DecodeClientMsg(data)
		if err != nil {
			slog.Warn("ignoring malformed frame", "conn", connID, "err", err)
			continue
		}
		if err := sess.HandleMessage(connID, msg); err != nil {
			slog.Warn("closing connection", "conn", connID, "err", err)
			break
		}
	}
	// Unsubscribing closes the send channel, which lets the write pump
	// drain and exit before we report the disconnect.
	sess.Disconnect(connID)
	conn.Close()
	<-done
	slog.Info("client disconnected", "doc", id, "conn", connID)
}

// FlushDirty persists every session modified since the last flush.
func (s *Server) FlushDirty() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	docs := make(map[string]*Session, len(s.docs))
	for id, sess := range s.docs {
		docs[id] = sess
	}
	s.mu.Unlock()

	for id, sess := range docs {
		text, meta, dirty := sess.Snapshot()
		if !dirty {
			continue
		}
		if err := s.store.Save(PersistedDocument{ID: id, Text: text, Meta: meta}); err != nil {
			slog.Error("failed to persist document", "id", id, "err", err)
		} else {
			slog.Info("persisted", "id", id)
		}
	}
}

// Sweep drops idle in-memory sessions and expires persisted documents
// older than expiry.
func (s *Server) Sweep(expiry time.Duration) {
	cutoff := time.Now().Add(-expiry)
	s.mu.Lock()
	for id, sess := range s.docs {
		if sess.Idle(cutoff) {
			delete(s.docs, id)
			slog.Info("evicted idle document", "id", id)
		}
	}
	s.mu.Unlock()

	if s.store != nil {
		if n, err := s.store.DeleteExpired(cutoff); err != nil {
			slog.Error("failed to expire documents", "err", err)
		} else if n > 0 {
			slog.Info("expired documents", "count", n)
		}
	}
}
