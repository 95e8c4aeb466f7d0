package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/book"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/reconcile"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

// Server handles REST API and WebSocket connections for one node
type Server struct {
	node   *node.Node
	router *mux.Router
	hub    *Hub
	tick   decimal.Decimal
	log    *zap.SugaredLogger

	bookChanged chan struct{} // coalesced "book changed" signal for the ws push
}

func NewServer(n *node.Node, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		node:        n,
		router:      mux.NewRouter(),
		hub:         NewHub(log),
		tick:        n.Config().API.TickSize,
		log:         log,
		bookChanged: make(chan struct{}, 1),
	}
	s.setupRoutes()
	n.Subscribe(s.onBookEvent)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/forward", s.handleForwardOrder).Methods("POST")
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/fingerprint", s.handleGetFingerprint).Methods("GET")
	api.HandleFunc("/ledger", s.handleGetLedger).Methods("GET")
	api.HandleFunc("/sync/status", s.handleGetSyncStatus).Methods("GET")
	api.HandleFunc("/sync", s.handleSync).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.node.Metrics.Registry, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.node.Config().API.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Serve runs the HTTP server and the websocket hub until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.pushBook(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

var maxTicks = decimal.NewFromInt(math.MaxInt64)

// toOrder converts a request into an order, assigning an id when missing.
func (s *Server) toOrder(req SubmitOrderRequest) (book.Order, error) {
	if !req.Price.Mod(s.tick).IsZero() {
		return book.Order{}, &book.ValidationError{Field: "price", Reason: "not a multiple of tick size " + s.tick.String()}
	}
	ticks := req.Price.Div(s.tick)
	if !ticks.IsPositive() || ticks.GreaterThanOrEqual(maxTicks) {
		return book.Order{}, &book.ValidationError{Field: "price", Reason: "out of range"}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	return book.Order{
		ID:       id,
		ClientID: req.ClientID,
		Side:     book.Side(req.Side),
		Price:    ticks.IntPart(),
		Quantity: req.Quantity,
	}, nil
}

func (s *Server) decodeOrder(w http.ResponseWriter, r *http.Request) (book.Order, bool) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return book.Order{}, false
	}
	o, err := s.toOrder(req)
	if err != nil {
		respondJSONStatus(w, http.StatusBadRequest, SubmitOrderResponse{
			Status:  wire.StatusOrderRejected,
			OrderID: req.ID,
			Trades:  []TradeInfo{},
			Message: err.Error(),
		})
		return book.Order{}, false
	}
	return o, true
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}

	res, err := s.node.Submit(r.Context(), o)
	resp := SubmitOrderResponse{
		Status:  res.Status,
		OrderID: o.ID,
		Trades:  make([]TradeInfo, 0, len(res.Trades)),
		Order:   &o,
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, s.tradeInfo(t))
	}
	if err != nil {
		resp.Message = err.Error()
	}
	respondJSONStatus(w, statusCode(res.Status), resp)
}

func (s *Server) handleForwardOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	status, err := s.node.Forward(r.Context(), r.URL.Query().Get("peer"), o)
	if err != nil {
		respondError(w, http.StatusBadGateway, "forward failed", err.Error())
		return
	}
	respondJSONStatus(w, statusCode(status), SubmitOrderResponse{Status: status, OrderID: o.ID, Trades: []TradeInfo{}, Order: &o})
}

func statusCode(status string) int {
	switch status {
	case wire.StatusOrderProcessed:
		return http.StatusOK
	case wire.StatusLockFailed:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Engine.Snapshot()
	respondJSON(w, OrderbookSnapshot{
		Fingerprint: book.Fingerprint(snap),
		Buys:        snap.Buys,
		Sells:       snap.Sells,
		Bids:        s.levels(snap.Buys, true),
		Asks:        s.levels(snap.Sells, false),
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetFingerprint(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, FingerprintResponse{Fingerprint: s.node.Engine.Fingerprint(), Entries: s.node.Ledger.Len()})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since", err.Error())
			return
		}
		since = n
	}
	entries := s.node.Ledger.Since(since)
	if entries == nil {
		respondJSON(w, []struct{}{})
		return
	}
	respondJSON(w, entries)
}

func (s *Server) handleGetSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.node.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}

	if req.Push {
		resp := SyncResponse{}
		for _, res := range s.node.PushFullSync(r.Context()) {
			sr := SyncResult{Peer: res.Peer}
			if res.Err != nil {
				sr.Error = res.Err.Error()
			} else if st, ok := res.Reply.(wire.Status); ok {
				sr.Reply = st.Status
			}
			resp.Results = append(resp.Results, sr)
		}
		resp.State = s.node.Syncer.State().String()
		respondJSON(w, resp)
		return
	}

	peer, err := s.node.Reconcile(r.Context(), req.Peer)
	switch {
	case errors.Is(err, reconcile.ErrReconcileInProgress):
		respondError(w, http.StatusConflict, "reconcile in progress", err.Error())
	case err != nil:
		respondError(w, http.StatusBadGateway, "reconcile failed", err.Error())
	default:
		respondJSON(w, SyncResponse{Peer: peer, State: s.node.Syncer.State().String()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from the node)
// ==============================

// onBookEvent runs under the engine lock: trades are pushed directly, book
// snapshots are deferred to pushBook.
func (s *Server) onBookEvent(ev book.Event, _ string) {
	if ev.Type == book.EventMatch && ev.Match != nil {
		s.hub.BroadcastToChannel(ChannelTrades, TradeUpdate{
			Type:      "trade",
			Trade:     s.tradeInfo(*ev.Match),
			Remote:    ev.Remote,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	select {
	case s.bookChanged <- struct{}{}:
	default:
	}
}

func (s *Server) pushBook(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bookChanged:
			snap := s.node.Engine.Snapshot()
			s.hub.BroadcastToChannel(ChannelOrderbook, OrderbookUpdate{
				Type:        "orderbook",
				Fingerprint: book.Fingerprint(snap),
				Bids:        s.levels(snap.Buys, true),
				Asks:        s.levels(snap.Sells, false),
				Timestamp:   time.Now().UnixMilli(),
			})
		}
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) display(ticks int64) string {
	return decimal.NewFromInt(ticks).Mul(s.tick).String()
}

func (s *Server) tradeInfo(t book.Trade) TradeInfo {
	return TradeInfo{
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Buyer:       t.Buyer,
		Seller:      t.Seller,
		Price:       t.Price,
		Display:     s.display(t.Price),
		Quantity:    t.Quantity,
	}
}

// levels aggregates resting quantity per price, best price first.
func (s *Server) levels(orders []book.Order, highFirst bool) []PriceLevel {
	qty := make(map[int64]int64)
	for _, o := range orders {
		qty[o.Price] += o.Quantity
	}
	out := make([]PriceLevel, 0, len(qty))
	for p, q := range qty {
		out = append(out, PriceLevel{Price: p, Display: s.display(p), Size: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if highFirst {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string, detail string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   msg,
		Message: detail,
	})
}
