package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/provider-matching/internal/directory"
	"github.com/example/provider-matching/internal/locations"
	"github.com/example/provider-matching/internal/matching"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/pairing"
	"github.com/example/provider-matching/internal/presence"
)

// stubVerifier accepts tokens of the form "id:role".
type stubVerifier struct{}

func (stubVerifier) Verify(token string) (models.Principal, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return models.Principal{}, models.ErrAuthentication
	}
	return models.Principal{ID: parts[0], Role: models.Role(parts[1])}, nil
}

func newTestGateway(t *testing.T, dir directory.Directory) (*httptest.Server, locations.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := presence.NewRegistry()
	store := locations.NewMemoryStore(0, nil)
	engine := &matching.Engine{Locations: store, Ratings: dir}
	sessions := pairing.NewManager(registry, logger)
	g := New(logger, stubVerifier{}, registry, store, engine, sessions, dir, nil, nil, Options{
		AvgSpeedKmh: 30, RatePerKm: 2.5, ServiceFeePct: 5, Currency: "usd",
	})
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv, store
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, id string, role models.Role) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + id + ":" + string(role)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	raw, _ := json.Marshal(data)
	if err := c.conn.WriteJSON(inboundFrame{Event: event, Data: raw}); err != nil {
		c.t.Fatalf("send %s: %v", event, err)
	}
}

// readUntil consumes frames until it sees the wanted event, skipping
// broadcasts and other interleaved traffic.
func (c *wsClient) readUntil(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.t.Fatalf("waiting for %s: %v", event, err)
		}
		if frame.Event == event {
			return frame.Data
		}
	}
}

func nycPlus(km float64) locationUpdate {
	return locationUpdate{Latitude: 40.7128 + km/111.195, Longitude: -74.0060}
}

type locationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	srv, _ := newTestGateway(t, directory.NewMemory())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestEndToEndPairingFlow(t *testing.T) {
	dir := directory.NewMemory()
	dir.AddService("plumbing", 85)
	dir.AddPrincipal("cust-1", "Alice")
	dir.AddProvider("plumber-near", "Bob", 4.8, "plumbing")
	dir.AddProvider("plumber-far", "Carol", 4.9, "plumbing")
	srv, _ := newTestGateway(t, dir)

	near := dial(t, srv, "plumber-near", models.RoleProvider)
	far := dial(t, srv, "plumber-far", models.RoleProvider)
	near.send("provider:location", nycPlus(2))
	far.send("provider:location", nycPlus(5))
	// wait until both positions are visible
	near.readUntil("providers:active")

	cust := dial(t, srv, "cust-1", models.RoleCustomer)

	// the 2 km provider ranks first; retry until both location updates
	// have landed in the store
	var cands []nearbyCandidate
	waitFor(t, func() bool {
		cust.send("providers:nearby", map[string]any{
			"serviceId": "plumbing",
			"location":  []float64{40.7128, -74.0060},
		})
		raw := cust.readUntil("providers:nearby")
		if err := json.Unmarshal(raw, &cands); err != nil {
			t.Fatalf("decode candidates: %v", err)
		}
		return len(cands) == 2
	})
	if cands[0].ProviderID != "plumber-near" || cands[1].ProviderID != "plumber-far" {
		t.Fatalf("ranking = %+v, want near first", cands)
	}

	// selecting the near provider opens a requested session
	cust.send("service:request", map[string]any{
		"providerId": "plumber-near",
		"serviceId":  "plumbing",
		"location":   []float64{40.7128, -74.0060},
	})
	var fwd forwardedRequest
	if err := json.Unmarshal(near.readUntil("service:request"), &fwd); err != nil {
		t.Fatalf("decode forwarded request: %v", err)
	}
	if fwd.CustomerID != "cust-1" || fwd.CustomerName != "Alice" {
		t.Fatalf("forwarded request = %+v", fwd)
	}
	if fwd.Quote == nil || fwd.Quote.BasePrice != 85 || fwd.Quote.ServiceFee != 4.25 {
		t.Fatalf("quote = %+v", fwd.Quote)
	}
	if fwd.Quote.DistanceSurcharge != 0 {
		t.Fatalf("2 km inside the free radius, surcharge = %f", fwd.Quote.DistanceSurcharge)
	}
	cust.readUntil("service:request:sent")

	// provider accepts
	near.send("service:response", map[string]any{"customerId": "cust-1", "accepted": true})
	var resp serviceResponseOut
	if err := json.Unmarshal(cust.readUntil("service:response"), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Accepted || resp.ProviderID != "plumber-near" {
		t.Fatalf("response = %+v", resp)
	}

	// first provider location relay reaches only the paired customer
	near.send("provider:location", nycPlus(1.5))
	var loc struct {
		From      string  `json:"from"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(cust.readUntil("location:update"), &loc); err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if loc.From != "plumber-near" {
		t.Fatalf("location from %s", loc.From)
	}

	// customer side relays back
	cust.send("customer:location", locationUpdate{Latitude: 40.7128, Longitude: -74.0060})
	near.readUntil("location:update")

	// chat both ways
	cust.send("message:send", map[string]string{"to": "plumber-near", "text": "gate code is 4321"})
	var msg pairing.MessagePayload
	if err := json.Unmarshal(near.readUntil("message:receive"), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.From != "cust-1" || msg.FromName != "Alice" || msg.Text != "gate code is 4321" {
		t.Fatalf("message = %+v", msg)
	}

	// completion reaches both parties
	cust.send("pair:complete", map[string]any{})
	cust.readUntil("pair:completed")
	near.readUntil("pair:completed")
}

func TestEventErrorsDoNotKillConnection(t *testing.T) {
	dir := directory.NewMemory()
	srv, _ := newTestGateway(t, dir)

	cust := dial(t, srv, "cust-1", models.RoleCustomer)

	// role violation surfaces on the event's error channel
	cust.send("provider:location", nycPlus(1))
	cust.readUntil("provider:location:error")

	// unknown events answer on their own error channel too
	cust.send("no:such:event", map[string]any{})
	cust.readUntil("no:such:event:error")

	// the connection is still serviceable afterwards
	cust.send("providers:nearby", map[string]any{
		"serviceId": "plumbing",
		"location":  []float64{40.7128, -74.0060},
	})
	var cands []nearbyCandidate
	if err := json.Unmarshal(cust.readUntil("providers:nearby"), &cands); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("candidates = %+v, want none", cands)
	}
}

func TestPeerDisconnectNotifiesCounterpart(t *testing.T) {
	dir := directory.NewMemory()
	dir.AddService("plumbing", 60)
	dir.AddProvider("p1", "Bob", 4.5, "plumbing")
	dir.AddPrincipal("c1", "Alice")
	srv, store := newTestGateway(t, dir)

	prov := dial(t, srv, "p1", models.RoleProvider)
	prov.send("provider:location", nycPlus(2))
	prov.readUntil("providers:active")

	cust := dial(t, srv, "c1", models.RoleCustomer)
	cust.send("service:request", map[string]any{
		"providerId": "p1",
		"serviceId":  "plumbing",
		"location":   []float64{40.7128, -74.0060},
	})
	prov.readUntil("service:request")
	cust.readUntil("service:request:sent")

	// provider vanishes mid-pairing
	prov.conn.Close()

	var gone map[string]string
	if err := json.Unmarshal(cust.readUntil("peer:disconnected"), &gone); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gone["id"] != "p1" {
		t.Fatalf("peer:disconnected = %v", gone)
	}

	// and the provider's presence entry is gone synchronously after
	waitFor(t, func() bool {
		_, err := store.Get(context.Background(), "p1")
		return err != nil
	})
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}
