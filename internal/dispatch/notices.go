package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// wsSession is one connected UI client.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(n models.Notice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(n)
}

// NoticeHub fans rider notices out to the UI clients connected over
// WebSocket. A client that fails a write is dropped.
type NoticeHub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*wsSession
	last     *models.Notice
}

func NewNoticeHub(log *slog.Logger) *NoticeHub {
	return &NoticeHub{log: logging.Component(log, "notices"), sessions: make(map[string]*wsSession)}
}

// Add registers a client, replacing any previous connection with the same
// id. The most recent notice is replayed to it.
func (h *NoticeHub) Add(clientID string, conn *websocket.Conn) {
	s := &wsSession{conn: conn}
	h.mu.Lock()
	if old, ok := h.sessions[clientID]; ok {
		_ = old.conn.Close()
	}
	h.sessions[clientID] = s
	last := h.last
	h.mu.Unlock()
	if last != nil {
		if err := s.send(*last); err != nil {
			h.drop(clientID, s)
		}
	}
}

// Remove unregisters clientID if conn is still its connection. A reader of
// a connection already replaced by a reconnect leaves the new one alone.
func (h *NoticeHub) Remove(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if ok && s.conn == conn {
		delete(h.sessions, clientID)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *NoticeHub) drop(clientID string, s *wsSession) {
	h.mu.Lock()
	if h.sessions[clientID] == s {
		delete(h.sessions, clientID)
	}
	h.mu.Unlock()
	_ = s.conn.Close()
}

// Send delivers a notice to one client.
func (h *NoticeHub) Send(clientID string, n models.Notice) error {
	h.mu.RLock()
	s, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(n); err != nil {
		h.log.Warn("notice_send_failed", "client_id", clientID, "err", err)
		h.drop(clientID, s)
		return err
	}
	return nil
}

// Notify broadcasts to every connected client.
func (h *NoticeHub) Notify(n models.Notice) {
	h.mu.Lock()
	h.last = &n
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		_ = h.Send(id, n)
	}
}

func (h *NoticeHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
