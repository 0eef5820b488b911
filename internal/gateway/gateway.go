// Package gateway is the wire surface: it authenticates websocket
// handshakes, attributes every inbound event to its connection's
// principal, and dispatches into the matching and pairing components.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/provider-matching/internal/auth"
	"github.com/example/provider-matching/internal/directory"
	"github.com/example/provider-matching/internal/geomath"
	"github.com/example/provider-matching/internal/ingest"
	"github.com/example/provider-matching/internal/locations"
	"github.com/example/provider-matching/internal/matching"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/observability"
	"github.com/example/provider-matching/internal/pairing"
	"github.com/example/provider-matching/internal/payments"
	"github.com/example/provider-matching/internal/presence"
)

// Options are the per-deployment tuning knobs.
type Options struct {
	AvgSpeedKmh   float64
	RatePerKm     float64
	ServiceFeePct float64
	Currency      string
}

type Gateway struct {
	logger   *slog.Logger
	verifier auth.Verifier
	registry *presence.Registry
	store    locations.Store
	engine   *matching.Engine
	sessions *pairing.Manager
	dir      directory.Directory
	producer *ingest.Producer
	payments payments.Client
	opts     Options

	mux      *mux.Router
	upgrader websocket.Upgrader
}

func New(
	logger *slog.Logger,
	verifier auth.Verifier,
	registry *presence.Registry,
	store locations.Store,
	engine *matching.Engine,
	sessions *pairing.Manager,
	dir directory.Directory,
	producer *ingest.Producer,
	pay payments.Client,
	opts Options,
) *Gateway {
	g := &Gateway{
		logger:   logger,
		verifier: verifier,
		registry: registry,
		store:    store,
		engine:   engine,
		sessions: sessions,
		dir:      dir,
		producer: producer,
		payments: pay,
		opts:     opts,
		mux:      mux.NewRouter(),
	}
	sessions.OnTerminal = g.onSessionTerminal
	g.routes()
	return g
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("/ws", g.handleWS)
	g.mux.HandleFunc("/api/v1/quote", g.handleQuote).Methods("GET")
	g.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	g.mux.Handle("/metrics", promhttp.Handler())
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.mux.ServeHTTP(w, r) }

func timeNow() time.Time { return time.Now().UTC() }

// handshakeToken pulls the auth token from the upgrade request: query
// param first, Authorization header as the fallback.
func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := g.verifier.Verify(handshakeToken(r))
	if err != nil {
		// no event processing happens before auth; the socket never opens
		http.Error(w, "authentication error", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := presence.NewConn(ws)
	if replaced := g.registry.Register(principal.ID, conn); replaced != nil {
		// last write wins: the older device loses its transport
		_ = replaced.Close()
	}
	observability.ConnectionsActive.Inc()
	g.logger.Info("connected", "principal", principal.ID, "role", principal.Role)

	go g.readLoop(ws, conn, principal)
}

func (g *Gateway) readLoop(ws *websocket.Conn, conn *presence.Conn, principal models.Principal) {
	defer g.handleDisconnect(conn, principal)
	for {
		var frame inboundFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		g.dispatch(conn, principal, frame)
	}
}

// dispatch runs one inbound event. Errors are isolated to the event: the
// sender hears about them on the event's error channel and the connection
// stays up, panics included.
func (g *Gateway) dispatch(conn *presence.Conn, principal models.Principal, frame inboundFrame) {
	ctx := context.Background()
	outcome := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic in event handler", "event", frame.Event, "principal", principal.ID, "error", rec)
			outcome = "panic"
			_ = conn.Send(errorChannel(frame.Event), errorPayload{Message: "server error"})
		}
		observability.EventsTotal.WithLabelValues(frame.Event, outcome).Inc()
	}()

	var err error
	switch frame.Event {
	case evProviderLocation:
		err = g.onProviderLocation(ctx, principal, frame.Data)
	case evProviderAvailability:
		err = g.onProviderAvailability(ctx, principal, frame.Data)
	case evCustomerLocation:
		err = g.onCustomerLocation(ctx, principal, frame.Data)
	case evProvidersNearby:
		err = g.onProvidersNearby(ctx, principal, conn, frame.Data)
	case evServiceRequest:
		err = g.onServiceRequest(ctx, principal, conn, frame.Data)
	case evServiceResponse:
		err = g.onServiceResponse(ctx, principal, frame.Data)
	case evMessageSend:
		err = g.onMessageSend(ctx, principal, frame.Data)
	case evQuoteRequest:
		err = g.onQuoteRequest(ctx, principal, conn, frame.Data)
	case evPairComplete:
		err = g.onPairComplete(principal)
	case evPairCancel:
		err = g.onPairCancel(principal)
	default:
		err = fmt.Errorf("unknown event %q: %w", frame.Event, models.ErrValidation)
	}

	if err != nil {
		outcome = "error"
		g.logger.Warn("event failed", "event", frame.Event, "principal", principal.ID, "error", err)
		_ = conn.Send(errorChannel(frame.Event), errorPayload{Message: publicMessage(err)})
	}
}

// publicMessage keeps internal detail out of client-facing errors.
func publicMessage(err error) string {
	for _, known := range []error{
		models.ErrValidation, models.ErrNotFound, models.ErrProviderOffline,
		models.ErrRecipientOffline, models.ErrInvalidTransition, models.ErrInvalidCoordinates,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "server error"
}

func (g *Gateway) handleDisconnect(conn *presence.Conn, principal models.Principal) {
	_ = conn.Close()
	// a replaced transport must not tear down its successor's state
	if current, ok := g.registry.Lookup(principal.ID); !ok || current != conn {
		return
	}
	g.registry.Unregister(principal.ID, conn)
	observability.ConnectionsActive.Dec()

	ctx := context.Background()
	if principal.Role == models.RoleProvider {
		if err := g.store.Remove(ctx, principal.ID); err != nil {
			g.logger.Warn("location cleanup failed", "provider", principal.ID, "error", err)
		}
	}
	g.sessions.DisconnectPrincipal(principal.ID)
	g.broadcastActiveProviders(ctx)
	g.logger.Info("disconnected", "principal", principal.ID)
}

func requireRole(principal models.Principal, role models.Role) error {
	if principal.Role != role {
		return fmt.Errorf("%s-only event: %w", role, models.ErrValidation)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", err, models.ErrValidation)
	}
	return nil
}

func (g *Gateway) onProviderLocation(ctx context.Context, principal models.Principal, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleProvider); err != nil {
		return err
	}
	var p locationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := g.store.Upsert(ctx, principal.ID, p.coord()); err != nil {
		return err
	}
	if err := g.producer.PublishLocation(principal.ID, p.coord()); err != nil {
		g.logger.Warn("location publish failed", "provider", principal.ID, "error", err)
	}
	if s, ok := g.sessions.SessionFor(principal.ID); ok {
		if _, err := g.sessions.RelayLocation(s.ID, principal.ID, p.coord()); err == nil {
			observability.RelaysTotal.Inc()
		}
	}
	g.broadcastActiveProviders(ctx)
	return nil
}

func (g *Gateway) onProviderAvailability(ctx context.Context, principal models.Principal, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleProvider); err != nil {
		return err
	}
	// older clients send a bare boolean, newer ones {"isAvailable": bool}
	var available bool
	if err := json.Unmarshal(data, &available); err != nil {
		var p availabilityPayload
		if err := decode(data, &p); err != nil {
			return err
		}
		available = p.IsAvailable
	}
	if err := g.store.SetAvailability(ctx, principal.ID, available); err != nil {
		return err
	}
	g.broadcastActiveProviders(ctx)
	return nil
}

func (g *Gateway) onCustomerLocation(_ context.Context, principal models.Principal, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleCustomer); err != nil {
		return err
	}
	var p locationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	s, ok := g.sessions.SessionFor(principal.ID)
	if !ok {
		return fmt.Errorf("no active pairing: %w", models.ErrNotFound)
	}
	if _, err := g.sessions.RelayLocation(s.ID, principal.ID, p.coord()); err != nil {
		return err
	}
	observability.RelaysTotal.Inc()
	return nil
}

func (g *Gateway) onProvidersNearby(ctx context.Context, principal models.Principal, conn *presence.Conn, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleCustomer); err != nil {
		return err
	}
	var p nearbyPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	req := models.ServiceRequest{
		CustomerID: principal.ID,
		ServiceID:  p.ServiceID,
		Loc:        models.Coord{Lat: p.Location[0], Lng: p.Location[1]},
	}
	cands, err := g.engine.Match(ctx, req)
	if err != nil {
		return err
	}
	observability.MatchesTotal.Inc()
	out := make([]nearbyCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, nearbyCandidate{
			ProviderID:  c.ProviderID,
			DistanceKm:  c.DistanceKm,
			Rating:      c.Rating,
			Coordinates: [2]float64{c.Loc.Lat, c.Loc.Lng},
		})
	}
	return conn.Send(evProvidersNearby, out)
}

func (g *Gateway) onServiceRequest(ctx context.Context, principal models.Principal, conn *presence.Conn, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleCustomer); err != nil {
		return err
	}
	var p serviceRequestPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ProviderID == "" || p.ServiceID == "" {
		return fmt.Errorf("providerId and serviceId are required: %w", models.ErrValidation)
	}
	customerLoc := models.Coord{Lat: p.Location[0], Lng: p.Location[1]}
	if !geomath.ValidCoord(customerLoc) {
		return models.ErrInvalidCoordinates
	}

	quote := g.quoteFor(ctx, p.ServiceID, p.ProviderID, customerLoc)
	session, err := g.sessions.CreateRequested(principal.ID, p.ProviderID, p.ServiceID, quote)
	if err != nil {
		return err
	}
	observability.PairingsActive.Set(float64(g.sessions.ActiveCount()))

	customerName := g.nameOf(ctx, principal.ID, "Customer")
	if err := g.registry.Send(p.ProviderID, evServiceRequest, forwardedRequest{
		SessionID:    session.ID,
		CustomerID:   principal.ID,
		CustomerName: customerName,
		ServiceID:    p.ServiceID,
		Location:     p.Location,
		Quote:        quote,
	}); err != nil {
		// raced with the provider's disconnect; roll the session back
		_, _ = g.sessions.Cancel(session.ID, "provider unreachable")
		return fmt.Errorf("forward request: %w", models.ErrProviderOffline)
	}
	return conn.Send(evServiceRequestSent, map[string]string{"providerId": p.ProviderID})
}

func (g *Gateway) onServiceResponse(ctx context.Context, principal models.Principal, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleProvider); err != nil {
		return err
	}
	var p serviceResponsePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	session, ok := g.sessions.SessionFor(principal.ID)
	if !ok || session.CustomerID != p.CustomerID {
		return fmt.Errorf("no pending request from %s: %w", p.CustomerID, models.ErrNotFound)
	}

	if p.Accepted {
		accepted, err := g.sessions.Accept(session.ID)
		if err != nil {
			return err
		}
		g.holdPayment(ctx, accepted)
	} else {
		if _, err := g.sessions.Cancel(session.ID, "declined"); err != nil {
			return err
		}
	}

	if err := g.registry.Send(p.CustomerID, evServiceResponse, serviceResponseOut{
		ProviderID: principal.ID,
		Accepted:   p.Accepted,
	}); err != nil {
		return fmt.Errorf("customer: %w", models.ErrRecipientOffline)
	}
	return nil
}

func (g *Gateway) onMessageSend(ctx context.Context, principal models.Principal, data json.RawMessage) error {
	var p messagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.To == "" || p.Text == "" {
		return fmt.Errorf("to and text are required: %w", models.ErrValidation)
	}
	fromName := g.nameOf(ctx, principal.ID, string(principal.Role))

	// paired counterparts go through the session relay; anyone else is a
	// plain presence send
	if s, ok := g.sessions.SessionFor(principal.ID); ok &&
		(s.CustomerID == p.To || s.ProviderID == p.To) {
		if err := g.sessions.RelayMessage(s.ID, principal.ID, fromName, p.Text); err != nil {
			return err
		}
		observability.RelaysTotal.Inc()
		return nil
	}
	return g.registry.Send(p.To, pairing.EventMessageReceive, pairing.MessagePayload{
		From: principal.ID, FromName: fromName, Text: p.Text, Timestamp: timeNow(),
	})
}

func (g *Gateway) onQuoteRequest(ctx context.Context, principal models.Principal, conn *presence.Conn, data json.RawMessage) error {
	if err := requireRole(principal, models.RoleCustomer); err != nil {
		return err
	}
	var p quoteRequestPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	customerLoc := models.Coord{Lat: p.Location[0], Lng: p.Location[1]}
	result, err := g.computeQuote(ctx, p.ServiceID, p.ProviderID, customerLoc)
	if err != nil {
		return err
	}
	return conn.Send(evQuoteResult, result)
}

func (g *Gateway) onPairComplete(principal models.Principal) error {
	s, ok := g.sessions.SessionFor(principal.ID)
	if !ok {
		return fmt.Errorf("no active pairing: %w", models.ErrNotFound)
	}
	_, err := g.sessions.Complete(s.ID)
	return err
}

func (g *Gateway) onPairCancel(principal models.Principal) error {
	s, ok := g.sessions.SessionFor(principal.ID)
	if !ok {
		return fmt.Errorf("no active pairing: %w", models.ErrNotFound)
	}
	_, err := g.sessions.Cancel(s.ID, "cancelled")
	return err
}

// handleQuote is the REST flavor of quote:request, for the booking UI.
func (g *Gateway) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	serviceID, providerID := q.Get("service_id"), q.Get("provider_id")
	if err1 != nil || err2 != nil || serviceID == "" || providerID == "" {
		http.Error(w, "service_id, provider_id, lat and lng are required", http.StatusBadRequest)
		return
	}
	result, err := g.computeQuote(r.Context(), serviceID, providerID, models.Coord{Lat: lat, Lng: lng})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, publicMessage(err), http.StatusNotFound)
		case errors.Is(err, models.ErrInvalidCoordinates), errors.Is(err, models.ErrValidation):
			http.Error(w, publicMessage(err), http.StatusBadRequest)
		default:
			g.logger.Error("quote failed", "error", err)
			http.Error(w, "server error", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// computeQuote resolves the catalog base price and the provider's last
// known position, then runs the pricing model.
func (g *Gateway) computeQuote(ctx context.Context, serviceID, providerID string, customerLoc models.Coord) (quoteResult, error) {
	basePrice, err := g.dir.ServiceBasePrice(ctx, serviceID)
	if err != nil {
		return quoteResult{}, fmt.Errorf("service %s: %w", serviceID, err)
	}
	entry, err := g.store.Get(ctx, providerID)
	if err != nil {
		return quoteResult{}, fmt.Errorf("provider %s location: %w", providerID, err)
	}
	quote, err := geomath.Quote(basePrice, customerLoc, entry.Loc, g.opts.RatePerKm, g.opts.ServiceFeePct)
	if err != nil {
		return quoteResult{}, err
	}
	observability.QuotesTotal.Inc()
	return quoteResult{
		PriceQuote: quote,
		EtaSeconds: geomath.TravelTime(quote.DistanceKm, g.opts.AvgSpeedKmh).Seconds(),
		Arrived:    geomath.Arrived(quote.DistanceKm),
	}, nil
}

// quoteFor is the best-effort variant used when forwarding a request: a
// missing price or provider position downgrades to "no quote attached".
func (g *Gateway) quoteFor(ctx context.Context, serviceID, providerID string, customerLoc models.Coord) *models.PriceQuote {
	result, err := g.computeQuote(ctx, serviceID, providerID, customerLoc)
	if err != nil {
		g.logger.Debug("request quote unavailable", "service", serviceID, "provider", providerID, "error", err)
		return nil
	}
	return &result.PriceQuote
}

func (g *Gateway) nameOf(ctx context.Context, principalID, fallback string) string {
	name, err := g.dir.Name(ctx, principalID)
	if err != nil || name == "" {
		return fallback
	}
	return name
}

func (g *Gateway) broadcastActiveProviders(ctx context.Context) {
	entries, err := g.store.Snapshot(ctx)
	if err != nil {
		g.logger.Warn("snapshot failed", "error", err)
		return
	}
	g.registry.Broadcast(evProvidersActive, activeProvidersPayload(entries))
}

// holdPayment places the hold for an accepted session, best effort: a
// payment failure never blocks the pairing.
func (g *Gateway) holdPayment(ctx context.Context, s pairing.Session) {
	if g.payments == nil || s.Quote == nil {
		return
	}
	cents := int64(math.Round(s.Quote.Total * 100))
	ref, err := g.payments.Hold(ctx, cents, g.opts.Currency, s.CustomerID)
	if err != nil {
		g.logger.Warn("payment hold failed", "session", s.ID, "error", err)
		return
	}
	g.sessions.SetPaymentRef(s.ID, ref)
}

// onSessionTerminal settles payment and emits the booking event whenever
// a session ends, whatever path ended it.
func (g *Gateway) onSessionTerminal(s pairing.Session) {
	observability.PairingsActive.Set(float64(g.sessions.ActiveCount()))

	ctx := context.Background()
	if g.payments != nil && s.PaymentRef != "" {
		var err error
		if s.Status == models.SessionCompleted {
			err = g.payments.Capture(ctx, s.PaymentRef)
		} else {
			err = g.payments.Release(ctx, s.PaymentRef)
		}
		if err != nil {
			g.logger.Error("payment settlement failed", "session", s.ID, "status", s.Status, "error", err)
		}
	}

	if err := g.producer.PublishBooking(ingest.BookingEvent{
		SessionID:  s.ID,
		CustomerID: s.CustomerID,
		ProviderID: s.ProviderID,
		ServiceID:  s.ServiceID,
		Status:     s.Status,
		Quote:      s.Quote,
		EndedAt:    timeNow(),
	}); err != nil {
		g.logger.Warn("booking publish failed", "session", s.ID, "error", err)
	}
}
