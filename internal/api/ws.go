package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is token-authenticated; origin checks belong to a fronting
	// proxy when the daemon is exposed beyond localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// wsSink adapts one websocket connection to the stream.Sink interface.
// SendFrame runs on the session's forwarding goroutine while pings come from
// the handler goroutine, so writes are serialized with a mutex.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (s *wsSink) SendFrame(f engine.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return stream.ErrSessionClosed
	}
	return nil
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSink) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	})
	return nil
}

// StreamLogs upgrades to a websocket and forwards log lines. Text messages
// received from the client are treated as console commands.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, stream.KindLogs)
}

// StreamStats upgrades to a websocket and forwards resource-usage samples.
func (h *Handler) StreamStats(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, stream.KindStats)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, kind stream.Kind) {
	name := mux.Vars(r)["name"]
	inst, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance "+name)
		return
	}
	if !inst.HasEngineObject() {
		writeError(w, http.StatusConflict, "instance has no engine object to observe")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	sink := &wsSink{conn: conn}

	session, err := h.streams.Open(r.Context(), name, inst.EngineID, kind, sink)
	if err != nil {
		h.log.Warn("Could not open stream", map[string]interface{}{
			"instance": name, "kind": string(kind), "error": err.Error(),
		})
		sink.Close()
		return
	}
	h.log.Debug("Observer attached", map[string]interface{}{
		"instance": name, "kind": string(kind), "session": session.ID,
	})

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Ping until the session ends so half-dead connections are detected.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sink.ping(); err != nil {
					return
				}
			case <-session.Done():
				return
			}
		}
	}()

	// The read loop detects disconnects; on the logs stream it also accepts
	// console input.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind != stream.KindLogs || msgType != websocket.TextMessage {
			continue
		}
		command := strings.TrimSpace(string(data))
		if command == "" {
			continue
		}
		if err := h.controller.SendCommand(r.Context(), name, command); err != nil {
			h.log.Debug("Console command failed", map[string]interface{}{
				"instance": name, "error": err.Error(),
			})
		}
	}
	session.Close()
}
