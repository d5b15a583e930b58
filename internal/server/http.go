package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ForwardClear/internal/ingestion"
	"ForwardClear/internal/observability"
	"ForwardClear/internal/query"
)

// HTTPServer serves the query API, the admin injection API, the WebSocket
// feed, health probes, and Prometheus metrics on one listener.
type HTTPServer struct {
	server  *http.Server
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// HTTPDeps holds everything the HTTP surface needs.
type HTTPDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	FeedHub       *FeedHub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
}

func NewHTTPServer(addr string, deps *HTTPDeps) *HTTPServer {
	s := &HTTPServer{
		logger:  observability.NewLogger("http"),
		metrics: deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", deps.HealthChecker.LivenessHandler)
	r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets/{marketID}", s.instrument("get_market", s.handleGetMarket(deps.QueryService)))
		r.Get("/markets/{marketID}/deals", s.instrument("list_deals", s.handleListDeals(deps.QueryService)))
		r.Get("/markets/{marketID}/deals/{dealID}", s.instrument("get_deal", s.handleGetDeal(deps.QueryService)))
		r.Get("/markets/{marketID}/prices", s.instrument("price_history", s.handlePriceHistory(deps.QueryService)))
		r.Get("/parties/{party}/balances/{asset}", s.instrument("get_balance", s.handleGetBalance(deps.QueryService)))
		r.Get("/parties/{party}/journal", s.instrument("journal_history", s.handleJournalHistory(deps.QueryService)))
		r.Get("/vaults", s.instrument("get_vault", s.handleGetVault(deps.QueryService)))
		r.Get("/events", s.instrument("get_events", s.handleGetEvents(deps.QueryService)))
		r.Get("/integrity", s.instrument("integrity", s.handleIntegrity(deps.QueryService)))

		r.Route("/admin", func(r chi.Router) {
			r.Post("/pause", s.instrument("inject_pause", s.handleInjectPause(deps.IngestService)))
			r.Post("/freeze", s.instrument("inject_freeze", s.handleInjectFreeze(deps.IngestService)))
			r.Post("/fund", s.instrument("inject_fund", s.handleInjectFund(deps.IngestService)))
			r.Post("/price", s.instrument("inject_price", s.handleInjectPrice(deps.IngestService)))
		})

		if deps.FeedHub != nil {
			r.Get("/ws", deps.FeedHub.HandleWS)
		}
	})

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then drains with a grace period.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// instrument wraps a handler with request counting and latency metrics.
func (s *HTTPServer) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		}
		next(w, r)
		if s.metrics != nil {
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- query handlers ---

func (s *HTTPServer) handleGetMarket(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		market, err := qs.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
		if err != nil {
			s.writeError(w, "get_market", err)
			return
		}
		if market == nil {
			s.writeNotFound(w, "market not found")
			return
		}
		s.writeJSON(w, market)
	}
}

func (s *HTTPServer) handleListDeals(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeSettled := r.URL.Query().Get("include_settled") == "true"
		limit := queryInt(r, "limit", 100)
		deals, err := qs.ListDeals(r.Context(), chi.URLParam(r, "marketID"), includeSettled, limit)
		if err != nil {
			s.writeError(w, "list_deals", err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"deals": deals})
	}
}

func (s *HTTPServer) handleGetDeal(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dealID, err := strconv.ParseInt(chi.URLParam(r, "dealID"), 10, 64)
		if err != nil {
			s.writeBadRequest(w, "invalid deal id")
			return
		}
		deal, err := qs.GetDeal(r.Context(), chi.URLParam(r, "marketID"), dealID)
		if err != nil {
			s.writeError(w, "get_deal", err)
			return
		}
		if deal == nil {
			s.writeNotFound(w, "deal not found")
			return
		}
		s.writeJSON(w, deal)
	}
}

func (s *HTTPServer) handlePriceHistory(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		var before *int64
		if v := r.URL.Query().Get("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeBadRequest(w, "invalid before cursor")
				return
			}
			before = &n
		}
		history, err := qs.GetPriceHistory(r.Context(), chi.URLParam(r, "marketID"), limit, before)
		if err != nil {
			s.writeError(w, "price_history", err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"prices": history})
	}
}

func (s *HTTPServer) handleGetBalance(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, err := uuid.Parse(chi.URLParam(r, "party"))
		if err != nil {
			s.writeBadRequest(w, "invalid party id")
			return
		}
		balance, err := qs.GetBalance(r.Context(), party, chi.URLParam(r, "asset"))
		if err != nil {
			s.writeError(w, "get_balance", err)
			return
		}
		s.writeJSON(w, balance)
	}
}

func (s *HTTPServer) handleJournalHistory(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		party, err := uuid.Parse(chi.URLParam(r, "party"))
		if err != nil {
			s.writeBadRequest(w, "invalid party id")
			return
		}
		limit := queryInt(r, "limit", 100)
		var after *int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeBadRequest(w, "invalid after cursor")
				return
			}
			after = &n
		}
		entries, err := qs.GetJournalHistory(r.Context(), party, limit, after)
		if err != nil {
			s.writeError(w, "journal_history", err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"journal": entries})
	}
}

func (s *HTTPServer) handleGetVault(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			s.writeBadRequest(w, "path query parameter required")
			return
		}
		vault, err := qs.GetVaultBalance(r.Context(), path)
		if err != nil {
			s.writeError(w, "get_vault", err)
			return
		}
		if vault == nil {
			s.writeNotFound(w, "vault not found")
			return
		}
		s.writeJSON(w, vault)
	}
}

func (s *HTTPServer) handleGetEvents(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var marketID *string
		if v := r.URL.Query().Get("market"); v != "" {
			marketID = &v
		}
		var dealID *int64
		if v := r.URL.Query().Get("deal"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeBadRequest(w, "invalid deal id")
				return
			}
			dealID = &n
		}
		after := int64(queryInt(r, "after", 0))
		limit := queryInt(r, "limit", 100)

		events, err := qs.GetEvents(r.Context(), marketID, dealID, after, limit)
		if err != nil {
			s.writeError(w, "get_events", err)
			return
		}
		s.writeJSON(w, map[string]interface{}{"events": events})
	}
}

func (s *HTTPServer) handleIntegrity(qs *query.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := qs.VerifyIntegrity(r.Context())
		if err != nil {
			s.writeError(w, "integrity", err)
			return
		}
		s.writeJSON(w, report)
	}
}

// --- admin injection handlers ---

type injectPauseRequest struct {
	Signer   uuid.UUID `json:"signer"`
	MarketID string    `json:"market_id"`
	Sequence int64     `json:"sequence"`
}

func (s *HTTPServer) handleInjectPause(svc *ingestion.GRPCIngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req injectPauseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "invalid request body")
			return
		}
		if err := svc.InjectPause(r.Context(), req.Signer, req.MarketID, req.Sequence); err != nil {
			s.writeError(w, "inject_pause", err)
			return
		}
		s.writeAccepted(w)
	}
}

type injectFreezeRequest struct {
	Signer   uuid.UUID `json:"signer"`
	MarketID string    `json:"market_id"`
	DealID   uint64    `json:"deal_id"`
	Sequence int64     `json:"sequence"`
}

func (s *HTTPServer) handleInjectFreeze(svc *ingestion.GRPCIngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req injectFreezeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "invalid request body")
			return
		}
		if err := svc.InjectFreeze(r.Context(), req.Signer, req.MarketID, req.DealID, req.Sequence); err != nil {
			s.writeError(w, "inject_freeze", err)
			return
		}
		s.writeAccepted(w)
	}
}

type injectFundRequest struct {
	Party    uuid.UUID `json:"party"`
	Asset    string    `json:"asset"`
	Amount   int64     `json:"amount"`
	Sequence int64     `json:"sequence"`
}

func (s *HTTPServer) handleInjectFund(svc *ingestion.GRPCIngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req injectFundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "invalid request body")
			return
		}
		if err := svc.InjectFund(r.Context(), req.Party, req.Asset, req.Amount, req.Sequence); err != nil {
			s.writeError(w, "inject_fund", err)
			return
		}
		s.writeAccepted(w)
	}
}

type injectPriceRequest struct {
	Signer        uuid.UUID `json:"signer"`
	MarketID      string    `json:"market_id"`
	Price         int64     `json:"price"`
	PriceExponent int32     `json:"price_exponent"`
	VolBps        int64     `json:"vol_bps"`
	PriceSequence int64     `json:"price_sequence"`
}

func (s *HTTPServer) handleInjectPrice(svc *ingestion.GRPCIngestService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req injectPriceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "invalid request body")
			return
		}
		if err := svc.InjectPrice(r.Context(), req.Signer, req.MarketID,
			req.Price, req.PriceExponent, req.VolBps, req.PriceSequence); err != nil {
			s.writeError(w, "inject_price", err)
			return
		}
		s.writeAccepted(w)
	}
}

// --- response helpers ---

func (s *HTTPServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeAccepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"status":"accepted"}`))
}

func (s *HTTPServer) writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *HTTPServer) writeNotFound(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *HTTPServer) writeError(w http.ResponseWriter, endpoint string, err error) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
	}
	s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
