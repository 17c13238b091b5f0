// Package rest is the HTTP surface of spec.md §6: the budget
// introspection endpoint, reserve/finalize entry points over
// internal/reserve, the 402 insufficient-funds challenge body, auth
// error bodies with stable codes, and /health, /ready, /metrics.
//
// Grounded on Kelpejol-consonant-engine/handler.go's mux wiring and
// responseWriter/writeJSON/writeError/CORS/LoggingMiddleware shape,
// re-pointed at internal/reserve/internal/routing/internal/edgeauth
// instead of the teacher's in-process gRPC client call -- see
// DESIGN.md's transport-decision entry for why no gRPC layer survives
// this port.
package rest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/apierr"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/breaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/edgeauth"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reserve"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/routing"
)

// Handler serves the HTTP surface, wiring together every component
// cmd/api assembles.
type Handler struct {
	reserve   *reserve.Engine
	reconcile *reconcile.Client
	breakers  *breaker.Registry
	verifier  *edgeauth.Verifier
	replay    *edgeauth.ReplayGuard
	challenge *ChallengeSigner
	log       zerolog.Logger
}

// NewHandler constructs a Handler. reconcile, breakers, verifier, and
// replay may be nil in configurations that don't need them (e.g. a
// unit test exercising only the reserve path); RegisterRoutes always
// wires every route. A budget or breaker request whose dependency is nil
// gets a 500 error body rather than a panic; a nil verifier skips
// authentication and a nil replay guard skips the JTI check.
func NewHandler(
	reserveEngine *reserve.Engine,
	reconcileClient *reconcile.Client,
	breakers *breaker.Registry,
	verifier *edgeauth.Verifier,
	replay *edgeauth.ReplayGuard,
	challenge *ChallengeSigner,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		reserve:   reserveEngine,
		reconcile: reconcileClient,
		breakers:  breakers,
		verifier:  verifier,
		replay:    replay,
		challenge: challenge,
		log:       log.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers every route on mux. The two mutating JSON
// routes -- reserve and finalize -- are wrapped in authenticateChain,
// which verifies the bearer token and then enforces spec.md §4.L's
// request-hash binding before the handler ever sees the body.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/budget/", h.handleBudget)
	mux.Handle("/api/v1/reserve", h.authenticateChain(http.HandlerFunc(h.handleReserve)))
	mux.Handle("/api/v1/finalize", h.authenticateChain(http.HandlerFunc(h.handleFinalize)))
	mux.HandleFunc("/api/v1/breaker/", h.handleBreakerState)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// authenticateChain composes JWT verification (stashing the resulting
// Claims in the request context) with edgeauth.RequestHashMiddleware,
// matching the teacher's CORS/LoggingMiddleware composition style.
func (h *Handler) authenticateChain(next http.Handler) http.Handler {
	reqHashed := edgeauth.RequestHashMiddleware(edgeauth.RequestHashConfig{
		ReqHash: reqHashFromContext,
	}, writeEdgeAuthErr)(next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, authErr := h.authenticate(r)
		if authErr != nil {
			writeAuthErr(w, authErr)
			return
		}
		reqHashed.ServeHTTP(w, r.WithContext(edgeauth.ContextWithClaims(r.Context(), claims)))
	})
}

// reqHashFromContext reads the req_hash claim bound into the token
// verified by authenticateChain. Absence means the deployment has no
// verifier configured (h.verifier == nil) or the token carries no
// req_hash claim -- either way hash verification is skipped rather
// than required, since spec.md §4.L only binds the check to tokens
// that carry the claim.
func reqHashFromContext(r *http.Request) (string, bool) {
	claims, ok := edgeauth.ClaimsFromContext(r.Context())
	if !ok || claims.Raw == nil {
		return "", false
	}
	reqHash, ok := claims.Raw["req_hash"].(string)
	if !ok || reqHash == "" {
		return "", false
	}
	return reqHash, true
}

// handleBudget handles GET /api/v1/budget/{tenant_id}, spec.md §6 --
// this process's own locally-known view (last successful poll plus
// running local spend), not a forwarded call to the upstream authority
// itself.
func (h *Handler) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIErr(w, apierr.New(apierr.CodeInvalidArgument, http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	tenantID := strings.TrimPrefix(r.URL.Path, "/api/v1/budget/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		writeAPIErr(w, apierr.InvalidArgument("invalid tenant_id"))
		return
	}
	if h.reconcile == nil {
		writeAPIErr(w, apierr.Internal("reconciliation client not configured"))
		return
	}

	snap := h.reconcile.Snapshot(tenantID)
	writeJSON(w, http.StatusOK, budgetResponse{
		CommittedMicro: snap.CommittedMicro.String(),
		ReservedMicro:  snap.ReservedMicro.String(),
		LimitMicro:     snap.LimitMicro.String(),
		WindowStart:    snap.WindowStart.UnixMilli(),
		WindowEnd:      snap.WindowEnd.UnixMilli(),
	})
}

type budgetResponse struct {
	CommittedMicro string `json:"committed_micro"`
	ReservedMicro  string `json:"reserved_micro"`
	LimitMicro     string `json:"limit_micro"`
	WindowStart    int64  `json:"window_start"`
	WindowEnd      int64  `json:"window_end"`
}

type reserveRequest struct {
	User          string `json:"user"`
	MaxCost       string `json:"max_cost_micro"`
	Tier          string `json:"tier"`
	Pools         []string `json:"pools"`
	CorrelationID string `json:"correlation_id"`
}

type reserveResponse struct {
	Outcome          string   `json:"outcome"`
	ReservationID    string   `json:"reservation_id,omitempty"`
	AvailableBalance string   `json:"available_balance_micro"`
	SelectedPools    []string `json:"selected_pools,omitempty"`
}

// handleReserve handles POST /api/v1/reserve: verifies the bearer
// token, request-hash, tier/pool routing, then reserves funds via
// internal/reserve. An insufficient-funds outcome returns the 402
// challenge body from spec.md §6 instead of a bare error.
func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIErr(w, apierr.New(apierr.CodeInvalidArgument, http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	if h.reserve == nil {
		writeAPIErr(w, apierr.Internal("reserve engine not configured"))
		return
	}

	claims, _ := edgeauth.ClaimsFromContext(r.Context())

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.InvalidArgument("invalid JSON: "+err.Error()))
		return
	}
	if req.User == "" {
		req.User = claims.Subject
	}

	maxCost, err := parseMicro(req.MaxCost)
	if err != nil {
		writeAPIErr(w, apierr.InvalidArgument("invalid max_cost_micro: "+err.Error()))
		return
	}

	var selected []string
	if req.Tier != "" {
		pools, err := parsePools(req.Pools)
		if err != nil {
			writeAPIErr(w, apierr.UnknownPool(err.Error()))
			return
		}
		ranked, err := routing.Select(routing.Tier(req.Tier), pools, routing.AffinityInput{})
		if err != nil {
			if err == routing.ErrNoEligiblePool {
				writeAPIErr(w, apierr.TierUnauthorized("no eligible pool for tier"))
				return
			}
			writeAPIErr(w, apierr.UnknownPool(err.Error()))
			return
		}
		for _, p := range ranked {
			selected = append(selected, string(p))
		}
	}

	result, err := h.reserve.Reserve(r.Context(), req.User, maxCost, req.CorrelationID)
	if err != nil {
		h.log.Error().Err(err).Msg("rest: reserve failed")
		writeAPIErr(w, apierr.Internal("reserve failed"))
		return
	}

	if result.Outcome == reserve.OutcomeInsufficientFunds {
		writeChallenge(w, h.challenge, req.User, maxCost)
		return
	}

	resp := reserveResponse{
		Outcome:          string(result.Outcome),
		AvailableBalance: result.AvailableBalance.String(),
		SelectedPools:    selected,
	}
	if result.Reservation != nil {
		resp.ReservationID = result.Reservation.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type finalizeRequest struct {
	ReservationID string `json:"reservation_id"`
	Kind          string `json:"kind"`
	ActualCost    string `json:"actual_cost_micro"`
	TraceID       string `json:"trace_id"`
	CorrelationID string `json:"correlation_id"`
}

type finalizeResponse struct {
	Status string `json:"status"`
}

// handleFinalize handles POST /api/v1/finalize.
func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIErr(w, apierr.New(apierr.CodeInvalidArgument, http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	if h.reserve == nil {
		writeAPIErr(w, apierr.Internal("reserve engine not configured"))
		return
	}

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErr(w, apierr.InvalidArgument("invalid JSON: "+err.Error()))
		return
	}
	actualCost, err := parseMicro(req.ActualCost)
	if err != nil {
		writeAPIErr(w, apierr.InvalidArgument("invalid actual_cost_micro: "+err.Error()))
		return
	}

	result, err := h.reserve.Finalize(r.Context(), req.ReservationID, reserve.Kind(req.Kind), actualCost, req.TraceID, req.CorrelationID)
	if err != nil {
		h.log.Error().Err(err).Str("reservation_id", req.ReservationID).Msg("rest: finalize failed")
		writeAPIErr(w, apierr.Internal("finalize failed"))
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{Status: string(result.Status)})
}

// handleBreakerState handles GET /api/v1/breaker/{provider}/{model}, an
// operator-facing view of component G's per-(provider,model) circuit
// state -- useful for an on-call engineer diagnosing why requests
// against one provider/model pair are failing fast.
func (h *Handler) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIErr(w, apierr.New(apierr.CodeInvalidArgument, http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	if h.breakers == nil {
		writeAPIErr(w, apierr.Internal("breaker registry not configured"))
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/breaker/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeAPIErr(w, apierr.InvalidArgument("expected /api/v1/breaker/{provider}/{model}"))
		return
	}
	provider, model := parts[0], parts[1]
	writeJSON(w, http.StatusOK, map[string]string{
		"provider": provider,
		"model":    model,
		"state":    h.breakers.State(provider, model).String(),
	})
}

// authenticate verifies the bearer token (spec.md §4.L) and returns the
// caller's claims. A nil Verifier means auth is not configured for this
// deployment (e.g. a local test handler) and authentication is skipped.
// A configured ReplayGuard additionally fails closed on a reused JTI --
// the token itself is still valid, but admitting it twice would let a
// captured bearer token be replayed against the reserve/finalize path.
func (h *Handler) authenticate(r *http.Request) (edgeauth.Claims, *apierr.Error) {
	if h.verifier == nil {
		return edgeauth.Claims{}, nil
	}
	tokenString := bearerToken(r)
	claims, err := h.verifier.Verify(r.Context(), tokenString)
	if err != nil {
		return edgeauth.Claims{}, translateAuthErr(err)
	}
	if h.replay != nil {
		firstUse, err := h.replay.Claim(r.Context(), claims.JTI)
		if err != nil {
			return edgeauth.Claims{}, apierr.Internal("replay guard unavailable: " + err.Error())
		}
		if !firstUse {
			return edgeauth.Claims{}, apierr.AuthInvalid("token already used")
		}
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func translateAuthErr(err error) *apierr.Error {
	var authErr *edgeauth.ErrAuth
	if as, ok := err.(*edgeauth.ErrAuth); ok {
		authErr = as
	}
	if authErr == nil {
		return apierr.AuthInvalid(err.Error())
	}
	switch authErr.Code {
	case edgeauth.CodeAuthRequired:
		return apierr.AuthRequired(authErr.Msg)
	default:
		return apierr.AuthInvalid(authErr.Msg)
	}
}

func parseMicro(s string) (money.MicroUSD, error) { return money.ParseMicroUSD(s) }

func parsePools(raw []string) ([]money.PoolID, error) {
	out := make([]money.PoolID, 0, len(raw))
	for _, s := range raw {
		p, err := money.ParsePoolID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeAPIErr(w http.ResponseWriter, e *apierr.Error) {
	writeJSON(w, e.Status, map[string]interface{}{
		"error": e.Message,
		"code":  e.Code,
	})
}

func writeAuthErr(w http.ResponseWriter, e *apierr.Error) {
	writeAPIErr(w, e)
}

// writeEdgeAuthErr adapts edgeauth.RequestHashMiddleware's writeErr
// callback shape to writeJSON -- edgeauth.Code and apierr.Code share
// the same wire values (spec.md §6), so no translation is needed
// beyond the type.
func writeEdgeAuthErr(w http.ResponseWriter, status int, code edgeauth.Code, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": msg,
		"code":  code,
	})
}

// CORS is development-mode cross-origin support, identical in shape to
// the teacher's handler.go CORS middleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs every request, identical in shape to the
// teacher's handler.go LoggingMiddleware.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// Recover wraps next with panic recovery, returning 500 instead of
// crashing the process -- the net/http equivalent of the teacher's gRPC
// recovery interceptor in cmd/api/main.go's createGRPCServer.
func Recover(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("rest: recovered panic")
					writeAPIErr(w, apierr.Internal("internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
