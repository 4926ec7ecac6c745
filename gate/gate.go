// Package gate authenticates callers and enforces the per-caller request budget.
package gate

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/types"
)

const MetricGate = "gate"

// Config for a Gate. A zero Limit disables rate limiting.
type Config struct {
	AuthEnabled       bool
	Limit             int
	Window            time.Duration
	TrustForwardedFor bool
}

// Decision is the outcome of an admitted request.
type Decision struct {
	Subject   string
	Caller    string
	Count     int64
	Remaining int64
	ResetIn   time.Duration
}

type Gate struct {
	cfg     Config
	auth    Authenticator
	counter Counter
	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

type Option func(*Gate)

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) { g.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(g *Gate) { g.metrics = metrics.OrNoop(m) }
}

// New builds a gate. auth may be nil when authentication is disabled.
func New(cfg Config, auth Authenticator, counter Counter, opts ...Option) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if auth == nil {
		auth = PresenceAuthenticator{}
	}
	g := &Gate{
		cfg:     cfg,
		auth:    auth,
		counter: counter,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check authenticates r and counts it against the caller's window.
func (g *Gate) Check(r *http.Request) (*Decision, error) {
	d := &Decision{Caller: g.caller(r)}

	if g.cfg.AuthEnabled {
		subject, err := g.auth.Authenticate(r)
		if err != nil {
			g.metrics.IncCounter(MetricGate, map[string]string{metrics.LabelOutcome: "unauthenticated"})
			return nil, err
		}
		d.Subject = subject
	}

	if g.cfg.Limit <= 0 || g.counter == nil {
		return d, nil
	}

	bucket := g.now().Truncate(g.cfg.Window).Unix()
	key := fmt.Sprintf("%s|%d", d.Caller, bucket)

	count, resetIn, err := g.counter.IncrementAndGet(r.Context(), key, g.cfg.Window)
	if err != nil {
		// fail open
		g.logger.Warn("rate counter unavailable, admitting request", map[string]any{
			"caller": d.Caller,
			"error":  err,
		})
		return d, nil
	}

	d.Count = count
	d.ResetIn = resetIn
	d.Remaining = int64(g.cfg.Limit) - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if count > int64(g.cfg.Limit) {
		g.metrics.IncCounter(MetricGate, map[string]string{metrics.LabelOutcome: "rate_limited"})
		return nil, types.NewError(
			types.KindRateLimited,
			types.ReasonRateLimited,
			fmt.Sprintf("Rate limit exceeded: maximum %d requests per %s", g.cfg.Limit, g.cfg.Window),
		).WithData(map[string]any{
			"limit":               g.cfg.Limit,
			"retry_after_seconds": retryAfterSeconds(resetIn),
		})
	}

	g.metrics.IncCounter(MetricGate, map[string]string{metrics.LabelOutcome: "admitted"})
	return d, nil
}

// Middleware rejects requests that fail Check, rendering the error with
// writeErr. Admitted requests carry the subject in their context.
func (g *Gate) Middleware(writeErr func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := g.Check(r)
			if err != nil {
				if types.IsKind(err, types.KindRateLimited) {
					if data, ok := types.AsGatewayError(err).Data.(map[string]any); ok {
						w.Header().Set("Retry-After", fmt.Sprint(data["retry_after_seconds"]))
					}
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.Limit))
					w.Header().Set("X-RateLimit-Remaining", "0")
				}
				writeErr(w, r, err)
				return
			}

			if g.cfg.Limit > 0 && d.Count > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			}
			ctx := r.Context()
			if d.Subject != "" {
				ctx = context.WithValue(ctx, subjectKey{}, d.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// caller is the first X-Forwarded-For hop when trusted, else the remote host.
func (g *Gate) caller(r *http.Request) string {
	if g.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
