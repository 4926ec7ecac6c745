// Package api is the agent-facing HTTP surface of the gateway.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/codec"
	"github.com/vitwit/x402-agent-gateway/gate"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/proxy"
	"github.com/vitwit/x402-agent-gateway/settlement"
	"github.com/vitwit/x402-agent-gateway/types"
)

const defaultRequestTimeout = 120 * time.Second

// Deps are the components the handlers call into. Gate and MetricsHandler
// are optional.
type Deps struct {
	Ledger       clients.Ledger
	Payer        settlement.Payer
	Orchestrator *proxy.Orchestrator
	Codec        *codec.Codec
	Limits       types.PolicyLimits
	Assets       []types.TokenInfo

	Gate           *gate.Gate
	MetricsHandler http.Handler
	AllowedOrigins []string
	// RequestTimeout bounds each inbound call. It must exceed the ledger's
	// confirmation timeout plus two downstream round trips.
	RequestTimeout time.Duration
	Logger         logger.Logger
}

type Server struct {
	deps   Deps
	assets map[types.Currency]types.TokenInfo
	logger logger.Logger
	now    func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = defaultRequestTimeout
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		deps:   deps,
		assets: make(map[types.Currency]types.TokenInfo, len(deps.Assets)),
		logger: logger.OrNoop(deps.Logger),
		now:    time.Now,
	}
	for _, a := range deps.Assets {
		s.assets[a.Symbol] = a
	}
	return s
}

// Routes builds the router. Payment endpoints sit behind the gate; health,
// metrics and the balance read do not.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.deps.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", gate.HeaderAPIKey},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.deps.RequestTimeout))
		r.Get("/vault-balance", s.handleVaultBalance)

		r.Group(func(r chi.Router) {
			if s.deps.Gate != nil {
				r.Use(s.deps.Gate.Middleware(writeError))
			}
			r.Post("/agent-request", s.handleAgentRequest)
			r.Post("/send-payment", s.handleSendPayment)
			r.Post("/proxy", s.handleProxy)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false, "error": "Method not allowed"})
	})

	return r
}
