package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readMessage(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("No %s message received", typ)
	return Message{}
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.ClientCount() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Errorf("GetAddr() = %q, want the bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	server := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() without Start() failed: %v", err)
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := startTestServer(t)
	conn := dial(t, server)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	waitForClients(t, server, 1)
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t)

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = dial(t, server)
		readMessage(t, clients[i])
	}
	waitForClients(t, server, len(clients))

	server.Broadcast(Message{Type: MessageTypeIndexComplete, Data: json.RawMessage(`{"bucket":"b","keys":1}`)})
	for i, conn := range clients {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeIndexComplete {
			t.Errorf("client %d got %s", i, msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("client %d got message without timestamp", i)
		}
	}

	clients[0].Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, len(clients)-1)
}

func TestHealthEndpoint(t *testing.T) {
	server := startTestServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["clients"] != float64(0) {
		t.Errorf("clients = %v, want 0", body["clients"])
	}
}

func TestHandler_NetworkChange(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))
	conn := dial(t, server)
	readMessage(t, conn)
	waitForClients(t, server, 1)

	handler.OnNetworkChange("notes", channel.ChangeInsert, "n1", jsondiff.MustParse(`{"t":"x"}`))

	msg := readUntil(t, conn, MessageTypeNetworkChange)
	var data NetworkChangeData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal data: %v", err)
	}
	want := NetworkChangeData{Bucket: "notes", Kind: "insert", Key: "n1", Value: json.RawMessage(`{"t":"x"}`)}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Errorf("network change mismatch (-want +got):\n%s", diff)
	}

	msg = readUntil(t, conn, MessageTypeStats)
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Buckets["notes"] == nil || stats.Buckets["notes"].Inserts != 1 {
		t.Errorf("stats = %+v, want one insert for notes", stats.Buckets["notes"])
	}
}

func TestHandler_Stats(t *testing.T) {
	server := NewServer(&Config{Logger: log.New(io.Discard, "", 0)})
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	handler.OnAuth("notes", channel.Authorized, "me@example.com", nil)
	handler.OnOpen("notes")
	handler.OnIndexComplete("notes", 4)
	handler.OnNetworkChange("notes", channel.ChangeModify, "a", jsondiff.MustParse(`{}`))
	handler.OnNetworkChange("notes", channel.ChangeRemove, "b", jsondiff.Null())
	handler.OnNetworkChange("notes", channel.ChangeIndex, "", jsondiff.Null())
	handler.OnChangeError("notes", &schema.Change{ID: "c1", Key: "a"}, errors.New("rejected"))
	handler.OnAuth("tags", channel.NotAuthorized, "", channel.ErrAuthInvalid)
	handler.OnClose("tags")

	want := StatsData{Buckets: map[string]*BucketStats{
		"notes": {
			Open:         true,
			Auth:         "authorized",
			User:         "me@example.com",
			IndexedKeys:  4,
			Modifies:     1,
			Removes:      1,
			ChangeErrors: 1,
		},
		"tags": {Auth: "not authorized"},
	}}
	if diff := cmp.Diff(want, handler.GetStats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"notes", "tags"}, handler.Buckets()); diff != "" {
		t.Errorf("buckets mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_WelcomeCarriesStats(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))
	handler.OnIndexComplete("notes", 2)

	conn := dial(t, server)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want stats", msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Buckets["notes"] == nil || stats.Buckets["notes"].IndexedKeys != 2 {
		t.Errorf("welcome stats = %+v", stats.Buckets)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))
	handler.OnIndexComplete("notes", 3)

	resp, err := http.Get("http://" + server.GetAddr() + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if msg.Type != MessageTypeStats || stats.Buckets["notes"] == nil || stats.Buckets["notes"].IndexedKeys != 3 {
		t.Errorf("stats = %s %s", msg.Type, msg.Data)
	}
}

func TestUnknownPathsAreNotFound(t *testing.T) {
	server := startTestServer(t)
	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get("http://" + server.GetAddr() + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}
