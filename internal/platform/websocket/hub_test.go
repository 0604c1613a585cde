package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/workshift/internal/platform/events"
)

func newClient(topics ...string) *Client {
	return NewClient(topics)
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("expected no event, got %s", data)
	default:
	}
}

func TestNewClient_DefaultsToAll(t *testing.T) {
	c := NewClient(nil)
	if len(c.Topics) != 1 || c.Topics[0] != TopicAll {
		t.Errorf("expected [%s], got %v", TopicAll, c.Topics)
	}
	if c.ID == "" {
		t.Error("expected client id")
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("workshift-created")

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount("workshift-created") != 1 {
		t.Fatalf("expected 1 registered client, got %d/%d", hub.ClientCount(), hub.TopicCount("workshift-created"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount("workshift-created") != 0 {
		t.Fatalf("expected empty hub, got %d/%d", hub.ClientCount(), hub.TopicCount("workshift-created"))
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel closed")
	}

	// second unregister must not panic on the closed channel
	hub.Unregister(client)
}

func TestHub_BroadcastByType(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	created := newClient("workshift-created")
	deleted := newClient("workshift-deleted")
	all := newClient()
	hub.Register(created)
	hub.Register(deleted)
	hub.Register(all)

	hub.Broadcast(Event{Type: "workshift-created", Data: json.RawMessage(`{"event":"workshift-created"}`)})

	if ev := receive(t, created); ev.Type != "workshift-created" {
		t.Errorf("expected workshift-created, got %s", ev.Type)
	}
	if ev := receive(t, all); string(ev.Data) != `{"event":"workshift-created"}` {
		t.Errorf("unexpected data %s", ev.Data)
	}
	expectNothing(t, deleted)
}

func TestHub_BroadcastDeduplicates(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient(TopicAll, "workshift-updated")
	hub.Register(client)

	hub.Broadcast(Event{Type: "workshift-updated"})

	receive(t, client)
	expectNothing(t, client)
}

func TestHub_BroadcastSkipsFullClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{TopicAll}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast(Event{Type: "workshift-created"})
	hub.Broadcast(Event{Type: "workshift-created"})

	if len(client.Send) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newClient("workshift-created")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"workshift-deleted", "workshifts-many"}})
	if hub.TopicCount("workshift-deleted") != 1 || len(client.Topics) != 3 {
		t.Fatalf("subscribe failed: topics %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"workshift-created"}})
	if hub.TopicCount("workshift-created") != 0 {
		t.Errorf("expected no subscribers on workshift-created")
	}
	if len(client.Topics) != 2 {
		t.Errorf("expected 2 topics, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_SubscribeUnknownClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Subscribe(newClient(), []string{"workshift-created"})
	if hub.TopicCount("workshift-created") != 0 {
		t.Error("expected unregistered client to be ignored")
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newClient("workshift-created")
			hub.Register(c)
			hub.Broadcast(Event{Type: "workshift-created"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_RunForwardsBusMessages(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	bus := events.NewBus()
	client := newClient()
	hub.Register(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not subscribe to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	at := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	bus.Publish(events.Message{Kind: "workshift-deleted", Body: []byte(`{"event":"workshift-deleted"}`), Time: at})

	ev := receive(t, client)
	if ev.Type != "workshift-deleted" || !ev.Timestamp.Equal(at) {
		t.Errorf("unexpected event %+v", ev)
	}

	cancel()
	<-done
	if bus.Subscribers() != 0 {
		t.Error("expected hub to unsubscribe on shutdown")
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for plain GET, got %d", rec.Code)
	}
	if hub.ClientCount() != 0 {
		t.Error("expected no client registered")
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, "https://clinic.example").RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub).RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=workshift-created"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("workshift-created") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected client registered on workshift-created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"workshift-deleted"}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	for hub.TopicCount("workshift-deleted") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscription to workshift-deleted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(Event{Type: "workshift-deleted", Data: json.RawMessage(`{"event":"workshift-deleted"}`)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if received.Type != "workshift-deleted" {
		t.Fatalf("expected workshift-deleted, got %s", received.Type)
	}

	conn.Close()
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline.Add(time.Second)) {
			t.Fatal("expected client unregistered after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
