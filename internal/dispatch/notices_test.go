package dispatch

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
)

func TestNoticeHubBroadcastsAndReplays(t *testing.T) {
	hub := NewNoticeHub(logging.Discard())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(r.URL.Query().Get("id"), conn)
	}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(base+"?id=a", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitFor(t, func() bool { return hub.Len() == 1 })

	hub.Notify(models.Notice{Type: models.NoticeCompleted, OrderID: "O1", Earning: 50})
	var got models.Notice
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := first.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.OrderID != "O1" || got.Earning != 50 {
		t.Fatalf("unexpected notice %+v", got)
	}

	late, _, err := websocket.DefaultDialer.Dial(base+"?id=b", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := late.ReadJSON(&got); err != nil || got.OrderID != "O1" {
		t.Fatalf("replay: %+v %v", got, err)
	}
}

func TestReconnectKeepsNewSession(t *testing.T) {
	hub := NewNoticeHub(logging.Discard())
	upgrader := websocket.Upgrader{}
	removed := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		id := r.URL.Query().Get("id")
		hub.Add(id, conn)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Remove(id, conn)
					removed <- struct{}{}
					return
				}
			}
		}()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=rider-ui"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitFor(t, func() bool { return hub.Len() == 1 })

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatalf("replaced connection never released")
	}
	if hub.Len() != 1 {
		t.Fatalf("expected reconnected session kept, have %d", hub.Len())
	}

	hub.Notify(models.Notice{Type: models.NoticeOffer, OrderID: "O2"})
	var got models.Notice
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := second.ReadJSON(&got); err != nil || got.OrderID != "O2" {
		t.Fatalf("reconnected client missed notice: %+v %v", got, err)
	}
}

func TestSendUnknownClient(t *testing.T) {
	hub := NewNoticeHub(logging.Discard())
	if err := hub.Send("nobody", models.Notice{}); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
