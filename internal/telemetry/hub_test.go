package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing telemetry hub: %v", err)
	}
	defer conn.Close()

	// Give ServeHTTP's goroutine time to register the client before we
	// broadcast, since registration happens after the upgrade completes.
	time.Sleep(20 * time.Millisecond)

	hub.Broadcast(struct {
		Station string `json:"station"`
	}{"sta1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading broadcast message: %v", err)
	}

	if !strings.Contains(string(data), "sta1") {
		t.Errorf("expected broadcast payload to mention sta1, got %q", data)
	}
}

func TestHubDropsClientWithFullSendBuffer(t *testing.T) {
	hub := NewHub()
	dummy, dummyServer := newDummyConn(t)
	defer dummyServer.Close()
	defer dummy.Close()

	c := &client{hub: hub, conn: dummy, send: make(chan []byte, 1)}
	hub.clients[c] = true

	// Fill the one-slot buffer directly (bypassing writePump, which isn't
	// running for this client) then broadcast again; the second send must
	// not block and must drop the client instead.
	c.send <- []byte("first")
	hub.Broadcast("second")

	hub.mu.Lock()
	_, stillRegistered := hub.clients[c]
	hub.mu.Unlock()

	if stillRegistered {
		t.Error("expected a client with a full send buffer to be dropped")
	}
}

// newDummyConn returns a live websocket.Conn (and the test server backing
// it) purely so Broadcast's drop path has a real connection to close.
func newDummyConn(t *testing.T) (*websocket.Conn, *httptest.Server) {
	t.Helper()

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		conn.Close()
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing dummy server: %v", err)
	}

	return conn, srv
}
