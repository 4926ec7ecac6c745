// Package proxy forwards agent requests to downstream services and settles
// HTTP 402 payment challenges on the way.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vitwit/x402-agent-gateway/codec"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/settlement"
	"github.com/vitwit/x402-agent-gateway/types"
)

// State of one inbound request. Terminal states are DIRECT_SUCCESS,
// PAYMENT_REQUIRED (auto-pay off), FINAL_SUCCESS, PAID_BUT_DENIED and ERROR.
type State string

const (
	StateInit            State = "INIT"
	StateForwarding      State = "FORWARDING"
	StateDirectSuccess   State = "DIRECT_SUCCESS"
	StatePaymentRequired State = "PAYMENT_REQUIRED"
	StatePaying          State = "PAYING"
	StatePaidRetry       State = "PAID_RETRY"
	StateFinalSuccess    State = "FINAL_SUCCESS"
	StatePaidButDenied   State = "PAID_BUT_DENIED"
	StateError           State = "ERROR"
)

const (
	MetricRequest    = "proxy_request"
	MetricDownstream = "downstream"

	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20
)

// headers never copied onto the outbound request
var skippedHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Keep-Alive":        true,
}

// Request is what the agent asked the gateway to call.
type Request struct {
	Endpoint string
	Method   string
	Header   http.Header
	Body     []byte
	Metadata types.PaymentMetadata
}

// Result is the outcome of Do. Header and Body are the downstream response
// that decided the terminal state, when there was one.
type Result struct {
	State      State
	Path       []State
	StatusCode int
	Header     http.Header
	Body       []byte

	Challenge *types.PaymentChallenge
	Payment   *types.PaymentProof
	// FundsSpentWithoutContent is set when the vault paid but the retry failed.
	FundsSpentWithoutContent bool
	Err                      *types.GatewayError
}

func (r *Result) enter(s State) {
	r.State = s
	r.Path = append(r.Path, s)
}

func (r *Result) fail(err error) (*Result, error) {
	r.Err = types.AsGatewayError(err)
	r.enter(StateError)
	return r, r.Err
}

// Orchestrator drives the forward, pay and retry sequence. One payment
// attempt and one retry at most per call.
type Orchestrator struct {
	client   *http.Client
	codec    *codec.Codec
	payer    settlement.Payer
	limits   types.PolicyLimits
	autoPay  bool
	maxBytes int64
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Orchestrator)

func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.client = c
		}
	}
}

// WithAutoPay controls whether a decoded challenge is paid without asking.
func WithAutoPay(enabled bool) Option {
	return func(o *Orchestrator) { o.autoPay = enabled }
}

func WithMaxResponseBytes(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoop(m) }
}

func New(c *codec.Codec, payer settlement.Payer, limits types.PolicyLimits, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   &http.Client{Timeout: defaultTimeout},
		codec:    c,
		payer:    payer,
		limits:   limits,
		autoPay:  true,
		maxBytes: defaultMaxResponseBytes,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Do runs the state machine. The Result is always non-nil; the error is set
// for ERROR and PAID_BUT_DENIED.
func (o *Orchestrator) Do(ctx context.Context, req *Request) (*Result, error) {
	res := &Result{}
	res.enter(StateInit)

	res, err := o.run(ctx, req, res)
	o.metrics.IncCounter(MetricRequest, map[string]string{metrics.LabelOutcome: string(res.State)})
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req *Request, res *Result) (*Result, error) {
	if req == nil || strings.TrimSpace(req.Endpoint) == "" {
		return res.fail(types.NewError(types.KindValidation, types.ReasonMissingEndpoint, "endpoint is required"))
	}
	if err := validateEndpoint(req.Endpoint); err != nil {
		return res.fail(err)
	}

	log := o.logger.With(map[string]any{"endpoint": req.Endpoint})

	res.enter(StateForwarding)
	resp, err := o.forward(ctx, req, nil)
	if err != nil {
		log.Warn("downstream request failed", map[string]any{"error": err})
		return res.fail(err)
	}
	res.StatusCode, res.Header, res.Body = resp.status, resp.header, resp.body

	if resp.status != http.StatusPaymentRequired {
		res.enter(StateDirectSuccess)
		return res, nil
	}

	res.enter(StatePaymentRequired)
	ch, err := o.codec.Decode(resp.header, resp.body)
	if err != nil {
		log.Warn("402 response without a usable challenge", map[string]any{"error": err})
		return res.fail(err)
	}
	res.Challenge = ch
	if ch.CurrencyWasDefaulted {
		log.Info("challenge has no currency, using default", map[string]any{"currency": ch.Currency.String()})
	}

	if !o.autoPay {
		log.Info("payment required, auto-pay disabled", map[string]any{
			"amount":    ch.Amount.String(),
			"currency":  ch.Currency.String(),
			"recipient": ch.Recipient,
		})
		return res, nil
	}

	// Once a transfer is submitted it must run to completion even if the
	// agent disconnects; the ledger bounds its own confirmation wait.
	detached := context.WithoutCancel(ctx)

	res.enter(StatePaying)
	proof, err := o.payer.Execute(detached, ch, o.limits, req.Metadata)
	if err != nil {
		gerr := types.AsGatewayError(err)
		if gerr.Data == nil {
			gerr.Data = map[string]any{"challenge": ch}
		}
		return res.fail(gerr)
	}
	res.Payment = proof

	res.enter(StatePaidRetry)
	encoded, err := o.codec.Encode(proof, req.Body)
	if err != nil {
		return o.denied(res, 0, nil, nil, types.NewError(types.KindInternal, types.ReasonInvalidProof,
			"failed to encode payment proof").Wrap(err))
	}

	retry, err := o.forward(detached, req, encoded)
	if err != nil {
		log.Error("retry after payment failed", map[string]any{"signature": proof.Signature, "error": err})
		return o.denied(res, 0, nil, nil, err)
	}
	if retry.status != http.StatusOK {
		log.Error("downstream refused paid request", map[string]any{
			"signature": proof.Signature,
			"status":    retry.status,
		})
		return o.denied(res, retry.status, retry.header, retry.body, nil)
	}

	res.StatusCode, res.Header, res.Body = retry.status, retry.header, retry.body
	res.enter(StateFinalSuccess)
	log.Info("paid request succeeded", map[string]any{
		"signature": proof.Signature,
		"amount":    proof.Amount.String(),
		"currency":  proof.Currency.String(),
	})
	return res, nil
}

func (o *Orchestrator) denied(res *Result, status int, header http.Header, body []byte, cause error) (*Result, error) {
	res.StatusCode, res.Header, res.Body = status, header, body
	res.FundsSpentWithoutContent = true

	gerr := types.NewError(
		types.KindPaidButDenied,
		types.ReasonDenied,
		"Payment processed but request still failed",
	).WithData(map[string]any{"payment": res.Payment, "status": status})
	if cause != nil {
		gerr = gerr.Wrap(cause)
	}
	res.Err = gerr
	res.enter(StatePaidButDenied)
	return res, gerr
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (o *Orchestrator) forward(ctx context.Context, req *Request, extra *codec.Encoded) (*response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	body := req.Body
	if extra != nil {
		body = extra.Body
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Endpoint, reader)
	if err != nil {
		return nil, types.NewError(types.KindValidation, types.ReasonInvalidEndpoint,
			fmt.Sprintf("cannot build request: %v", err)).Wrap(err)
	}
	for name, values := range req.Header {
		if skippedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if len(body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if extra != nil {
		for name, values := range extra.Header {
			httpReq.Header[name] = values
		}
	}

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		o.metrics.ObserveLatency(MetricDownstream, time.Since(start), map[string]string{metrics.LabelOutcome: "unreachable"})
		return nil, types.NewError(types.KindDownstream, types.ReasonDownstreamUnreachable,
			"downstream service unreachable").Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, o.maxBytes+1))
	o.metrics.ObserveLatency(MetricDownstream, time.Since(start), map[string]string{metrics.LabelOutcome: fmt.Sprint(resp.StatusCode)})
	if err != nil {
		return nil, types.NewError(types.KindDownstream, types.ReasonDownstreamUnreachable,
			"failed to read downstream response").Wrap(err)
	}
	if int64(len(data)) > o.maxBytes {
		return nil, types.NewError(types.KindDownstream, types.ReasonResponseTooLarge,
			fmt.Sprintf("downstream response exceeds %d bytes", o.maxBytes)).
			WithData(map[string]any{"status": resp.StatusCode})
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.NewError(types.KindValidation, types.ReasonInvalidEndpoint,
			fmt.Sprintf("endpoint must be an absolute http(s) URL: %s", endpoint))
	}
	return nil
}
