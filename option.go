package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/gate"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithMetrics replaces the prometheus recorder. /metrics is not served when set.
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.metrics = r
	}
}

// WithTimeout bounds each downstream HTTP call.
func WithTimeout(t time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = t
	}
}

// WithLedger uses l instead of dialing Solana RPC.
func WithLedger(l clients.Ledger) Option {
	return func(g *Gateway) {
		g.ledger = l
	}
}

// WithCounter uses c for rate counting instead of memory or Redis.
func WithCounter(c gate.Counter) Option {
	return func(g *Gateway) {
		g.counter = c
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithRegistry registers gateway metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) {
		g.registry = reg
	}
}
