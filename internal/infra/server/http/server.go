// Package httpserver exposes the farm's webhook, management, and operator
// HTTP surfaces.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/farm"
	"github.com/tradetaper/terminal-farm/internal/lifecycle"
	"github.com/tradetaper/terminal-farm/internal/observability"
	"github.com/tradetaper/terminal-farm/internal/telemetry"
	"github.com/tradetaper/terminal-farm/internal/terminaltoken"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	webhookHeartbeatPath = "/webhook/terminal/heartbeat"
	webhookTradesPath    = "/webhook/terminal/trades"
	webhookCandlesPath   = "/webhook/terminal/candles"
	webhookPositionsPath = "/webhook/terminal/positions"

	accountsPrefix = "/mt5-accounts/"

	healthPath          = "/terminal-farm/health"
	terminalsHealthPath = "/terminal-farm/health/terminals"
	orchestratorPath    = "/orchestrator/config"

	positionsWSPath = "/ws/positions"

	apiKeyHeader       = "x-api-key"
	orchestratorHeader = "x-orchestrator-secret"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Deps carries everything the HTTP surface depends on.
type Deps struct {
	Service   *farm.Service
	Lifecycle *lifecycle.Manager
	Tokens    *terminaltoken.Issuer
	Users     UserVerifier
	Metrics   *telemetry.Metrics

	// WebhookSecret is the static shared secret accepted in lieu of a
	// per-terminal token. Empty disables the shared-secret path.
	WebhookSecret string

	// Hub is optional; nil disables the live-positions websocket.
	Hub *PositionsHub
}

type httpServer struct {
	service   *farm.Service
	lifecycle *lifecycle.Manager
	tokens    *terminaltoken.Issuer
	users     UserVerifier
	metrics   *telemetry.Metrics
	secret    string
	hub       *PositionsHub
	limits    *webhookLimits
}

// NewHandler builds the routed handler for the full HTTP surface.
func NewHandler(deps Deps) http.Handler {
	server := &httpServer{
		service:   deps.Service,
		lifecycle: deps.Lifecycle,
		tokens:    deps.Tokens,
		users:     deps.Users,
		metrics:   deps.Metrics,
		secret:    deps.WebhookSecret,
		hub:       deps.Hub,
		limits:    newWebhookLimits(),
	}
	mux := http.NewServeMux()

	mux.Handle(webhookHeartbeatPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postHeartbeat,
	}))
	mux.Handle(webhookTradesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postTrades,
	}))
	mux.Handle(webhookCandlesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postCandles,
	}))
	mux.Handle(webhookPositionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postPositions,
	}))

	mux.Handle(accountsPrefix, http.HandlerFunc(server.handleAccount))

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(terminalsHealthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTerminalsHealth,
	}))
	mux.Handle(orchestratorPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrchestratorConfig,
	}))

	if server.hub != nil {
		mux.Handle(positionsWSPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.servePositionsWS,
		}))
	}

	return withCORS(mux)
}

// Server wraps http.Server with the farm's graceful-shutdown convention.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

// NewServer binds the routed handler to addr.
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Error("http: encode response", observability.F("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeAuth:
		status = http.StatusUnauthorized
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeConflict:
		status = http.StatusConflict
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errs.CodeOrchestrator:
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, x-orchestrator-secret")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
