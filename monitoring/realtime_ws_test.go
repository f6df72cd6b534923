package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"randforest/ml"
	"randforest/pipeline"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-stopped
		srv.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for hub.Stats().ConnectedClients != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHubBroadcastsTreeEvents(t *testing.T) {
	hub, conn := startHub(t)

	hub.TreeTrained(ml.TreeEvent{Index: 4, Completed: 2, Total: 10, Nodes: 15, Depth: 4})

	msg := readMessage(t, conn)
	if msg.Type != TreeTrained {
		t.Fatalf("expected %s, got %s", TreeTrained, msg.Type)
	}
	var event ml.TreeEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Index != 4 || event.Completed != 2 || event.Total != 10 || event.Nodes != 15 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestHubSubscriptions(t *testing.T) {
	hub, conn := startHub(t)

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: RunFinished}); err != nil {
		t.Fatal(err)
	}
	// the subscription is handled asynchronously by the read pump
	time.Sleep(100 * time.Millisecond)

	hub.TreeTrained(ml.TreeEvent{Index: 1})
	hub.RunFinished(&pipeline.RunSummary{Trees: 3}, errors.New("disk full"))

	msg := readMessage(t, conn)
	if msg.Type != RunFinished {
		t.Fatalf("expected only run events, got %s", msg.Type)
	}
	var event RunEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Error != "disk full" || event.Summary.Trees != 3 {
		t.Fatalf("unexpected run event %+v", event)
	}
}
