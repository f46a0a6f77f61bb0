package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PerpVenue/internal/observability"
)

// RegisterRoutes mounts the read API on the gateway mux. All routes are
// GET; mutations go through the command pipeline, never through here.
func RegisterRoutes(mux *runtime.ServeMux, qs *QueryService, metrics *observability.Metrics) error {
	h := &httpHandlers{
		qs:      qs,
		metrics: metrics,
		log:     observability.NewLogger("query"),
	}

	routes := []struct {
		path     string
		endpoint string
		handler  runtime.HandlerFunc
	}{
		{"/v1/balances/{trader}", "balances", h.balances},
		{"/v1/positions/{trader}", "positions", h.positions},
		{"/v1/orders/{trader}", "orders", h.orders},
		{"/v1/trades/{asset}", "trades", h.trades},
		{"/v1/funding/{asset}", "funding", h.funding},
		{"/v1/liquidations", "liquidations", h.liquidations},
		{"/v1/insurance", "insurance", h.insurance},
		{"/v1/journal/{trader}", "journal", h.journal},
		{"/v1/integrity", "integrity", h.integrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(http.MethodGet, r.path, h.instrument(r.endpoint, r.handler)); err != nil {
			return fmt.Errorf("register %s: %w", r.path, err)
		}
	}
	return nil
}

type httpHandlers struct {
	qs      *QueryService
	metrics *observability.Metrics
	log     zerolog.Logger
}

// statusWriter captures the response code for the request counter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (h *httpHandlers) instrument(endpoint string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r, pathParams)
		if h.metrics != nil {
			h.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			h.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.status)).Inc()
		}
	}
}

// --- handlers ---

func (h *httpHandlers) balances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader, ok := h.traderParam(w, "balances", pathParams)
	if !ok {
		return
	}
	resp, err := h.qs.GetBalances(r.Context(), trader)
	if err != nil {
		h.internalError(w, "balances", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) positions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader, ok := h.traderParam(w, "positions", pathParams)
	if !ok {
		return
	}
	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_closed"))
	resp, err := h.qs.GetPositions(r.Context(), trader, includeClosed)
	if err != nil {
		h.internalError(w, "positions", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) orders(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader, ok := h.traderParam(w, "orders", pathParams)
	if !ok {
		return
	}
	limit, before, ok := h.pageParams(w, "orders", r)
	if !ok {
		return
	}
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	resp, err := h.qs.GetOrders(r.Context(), trader, r.URL.Query().Get("asset"), openOnly, limit, before)
	if err != nil {
		h.internalError(w, "orders", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) trades(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	limit, before, ok := h.pageParams(w, "trades", r)
	if !ok {
		return
	}
	resp, err := h.qs.GetTrades(r.Context(), pathParams["asset"], limit, before)
	if err != nil {
		h.internalError(w, "trades", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) funding(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	limit, before, ok := h.pageParams(w, "funding", r)
	if !ok {
		return
	}
	resp, err := h.qs.GetFundingHistory(r.Context(), pathParams["asset"], limit, before)
	if err != nil {
		h.internalError(w, "funding", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) liquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, before, ok := h.pageParams(w, "liquidations", r)
	if !ok {
		return
	}
	resp, err := h.qs.GetLiquidations(r.Context(), r.URL.Query().Get("asset"), limit, before)
	if err != nil {
		h.internalError(w, "liquidations", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) insurance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.qs.GetInsuranceFund(r.Context())
	if err != nil {
		h.internalError(w, "insurance", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) journal(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	trader, ok := h.traderParam(w, "journal", pathParams)
	if !ok {
		return
	}
	limit, before, ok := h.pageParams(w, "journal", r)
	if !ok {
		return
	}
	resp, err := h.qs.GetJournalHistory(r.Context(), trader, limit, before)
	if err != nil {
		h.internalError(w, "journal", err)
		return
	}
	writeJSON(w, resp)
}

func (h *httpHandlers) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.qs.VerifyIntegrity(r.Context())
	if err != nil {
		h.internalError(w, "integrity", err)
		return
	}
	writeJSON(w, report)
}

// --- parameter parsing ---

func (h *httpHandlers) traderParam(w http.ResponseWriter, endpoint string, pathParams map[string]string) (uuid.UUID, bool) {
	trader, err := uuid.Parse(pathParams["trader"])
	if err != nil {
		h.writeError(w, endpoint, http.StatusBadRequest, "invalid_trader",
			fmt.Sprintf("invalid trader id %q", pathParams["trader"]))
		return uuid.Nil, false
	}
	return trader, true
}

// pageParams reads the limit and before query parameters. A missing
// limit defaults downstream, a missing before means first page.
func (h *httpHandlers) pageParams(w http.ResponseWriter, endpoint string, r *http.Request) (int, *int64, bool) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, endpoint, http.StatusBadRequest, "invalid_limit",
				fmt.Sprintf("invalid limit %q", v))
			return 0, nil, false
		}
		limit = n
	}

	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, endpoint, http.StatusBadRequest, "invalid_cursor",
				fmt.Sprintf("invalid before cursor %q", v))
			return 0, nil, false
		}
		before = &n
	}
	return limit, before, true
}

// --- responses ---

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *httpHandlers) internalError(w http.ResponseWriter, endpoint string, err error) {
	h.log.Warn().Err(err).Str("endpoint", endpoint).Msg("query failed")
	h.writeError(w, endpoint, http.StatusInternalServerError, "internal", "internal error")
}

func (h *httpHandlers) writeError(w http.ResponseWriter, endpoint string, status int, code, msg string) {
	if h.metrics != nil {
		h.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
