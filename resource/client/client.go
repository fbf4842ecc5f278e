package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vorpalengineering/x402-gateway/signer"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

const (
	DefaultPaymentHeader = "X-PAYMENT"
	DefaultTimeout       = 30 * time.Second
	DefaultClockSkew     = 5 * time.Second

	maxChallengeSize = 1 << 20
)

// Request describes an outbound call. Body is held in memory so the call can
// be replayed with payment attached.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Client performs requests and pays for them when the server answers with a
// 402 challenge. Each call probes independently; challenges are not cached.
type Client struct {
	signer     signer.Signer
	httpClient *http.Client
	timeout    time.Duration
	clockSkew  time.Duration
	headerName string
	maxAmount  *big.Int
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds the probe and the paid retry of one call together.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithClockSkew sets how far validAfter is backdated.
func WithClockSkew(d time.Duration) Option {
	return func(cl *Client) { cl.clockSkew = d }
}

func WithPaymentHeader(name string) Option {
	return func(cl *Client) { cl.headerName = name }
}

// WithMaxAmount refuses requirements above max atomic units. A nil max
// removes the cap.
func WithMaxAmount(max *big.Int) Option {
	return func(cl *Client) {
		if max == nil {
			cl.maxAmount = nil
			return
		}
		cl.maxAmount = new(big.Int).Set(max)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient binds s as the payer. A nil signer is allowed for Check and
// Browse; paying then fails with ErrSigningFailed.
func NewClient(s signer.Signer, opts ...Option) *Client {
	c := &Client{
		signer:     s,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		clockSkew:  DefaultClockSkew,
		headerName: DefaultPaymentHeader,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do issues req, and on a 402 pays for it and retries exactly once. The
// retried response is returned as-is, including a second 402.
func (c *Client) Do(ctx context.Context, req *Request) (*http.Response, error) {
	return c.exchange(ctx, req.URL, func(ctx context.Context, paymentHeader string) (*http.Response, error) {
		httpReq, err := c.newHTTPRequest(ctx, req, paymentHeader)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(httpReq)
	})
}

// Check probes req without paying. It returns nil when the resource is not
// priced.
func (c *Client) Check(ctx context.Context, req *Request) (*types.PaymentRequired, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newHTTPRequest(ctx, req, "")
	if err != nil {
		return nil, newPaymentError(ErrTransport, "check", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newPaymentError(ErrTransport, "check", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, nil
	}
	return parseChallenge(resp.Body)
}

// SelectRequirements returns the first offered requirement the signer can
// pay, in the server's order of preference.
func (c *Client) SelectRequirements(accepts []types.PaymentRequirements) (*types.PaymentRequirements, error) {
	if len(accepts) == 0 {
		return nil, newPaymentError(ErrNoAcceptablePayment, "select", errors.New("server offered no requirements"))
	}
	for i := range accepts {
		req := accepts[i]
		if req.Scheme != types.SchemeExact {
			continue
		}
		if c.signer == nil || !c.signer.SupportsNetwork(req.Network) {
			continue
		}
		if !types.Supports(req.Network, types.CapabilitySign) {
			continue
		}
		if err := req.Validate(); err != nil {
			c.logger.Debug("skipping invalid requirement", "index", i, "error", err)
			continue
		}
		if c.maxAmount != nil {
			amount, _ := types.ParseAmount(req.MaxAmountRequired)
			if amount.Cmp(c.maxAmount) > 0 {
				c.logger.Debug("skipping requirement over budget", "index", i, "amount", req.MaxAmountRequired)
				continue
			}
		}
		return &req, nil
	}
	return nil, newPaymentError(ErrNoAcceptablePayment, "select", nil)
}

// CreatePayment builds and signs an authorization for req.
func (c *Client) CreatePayment(ctx context.Context, req *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if c.signer == nil {
		return nil, newPaymentError(ErrSigningFailed, "sign", errors.New("no signer configured"))
	}
	nonce, err := utils.NewNonce()
	if err != nil {
		return nil, newPaymentError(ErrSigningFailed, "sign", err)
	}

	now := c.now()
	unsigned := &types.UnsignedPaymentPayload{
		X402Version: types.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.UnsignedExactEVMPayload{
			Authorization: types.ExactEVMAuthorization{
				From:        c.signer.Address(),
				To:          req.PayTo,
				Value:       req.MaxAmountRequired,
				ValidAfter:  strconv.FormatInt(now.Add(-c.clockSkew).Unix(), 10),
				ValidBefore: strconv.FormatInt(now.Add(time.Duration(req.MaxTimeoutSeconds)*time.Second).Unix(), 10),
				Nonce:       nonce,
			},
		},
	}

	payload, err := c.signer.SignAuthorization(ctx, unsigned, req)
	if err != nil {
		return nil, newPaymentError(ErrSigningFailed, "sign", err)
	}
	return payload, nil
}

// Browse reads the resource catalog served at baseURL.
func (c *Client) Browse(ctx context.Context, baseURL string) ([]types.IndexEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, newPaymentError(ErrTransport, "browse", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var entries []types.IndexEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return entries, nil
}

type sendFunc func(ctx context.Context, paymentHeader string) (*http.Response, error)

// exchange runs the probe, and when challenged, the single paid retry.
func (c *Client) exchange(ctx context.Context, resource string, send sendFunc) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	// Step 1: probe
	resp, err := send(ctx, "")
	if err != nil {
		cancel()
		return nil, newPaymentError(ErrTransport, "probe", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return withCancel(resp, cancel), nil
	}

	// Step 2: parse the challenge
	challenge, err := parseChallenge(resp.Body)
	resp.Body.Close()
	if err != nil {
		cancel()
		return nil, err
	}

	// Step 3: select and sign
	requirements, err := c.SelectRequirements(challenge.Accepts)
	if err != nil {
		cancel()
		return nil, err
	}
	payload, err := c.CreatePayment(ctx, requirements)
	if err != nil {
		cancel()
		return nil, err
	}
	header, err := utils.EncodePaymentHeader(payload)
	if err != nil {
		cancel()
		return nil, newPaymentError(ErrSigningFailed, "encode", err)
	}

	// The authorization is worthless after validBefore.
	validBefore, _ := types.ParseUnixTime(payload.Payload.Authorization.ValidBefore)
	retryCtx, retryCancel := context.WithTimeout(ctx, time.Unix(validBefore, 0).Sub(c.now()))

	c.logger.Debug("paying for resource",
		"resource", resource,
		"network", requirements.Network,
		"amount", requirements.MaxAmountRequired,
		"payer", payload.Payload.Authorization.From,
	)

	// Step 4: retry exactly once
	resp, err = send(retryCtx, header)
	if err != nil {
		retryCancel()
		cancel()
		return nil, newPaymentError(ErrTransport, "retry", err)
	}
	return withCancel(resp, func() {
		retryCancel()
		cancel()
	}), nil
}

func (c *Client) newHTTPRequest(ctx context.Context, req *Request, paymentHeader string) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if paymentHeader != "" {
		httpReq.Header.Set(c.headerName, paymentHeader)
	}
	return httpReq, nil
}

func parseChallenge(r io.Reader) (*types.PaymentRequired, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxChallengeSize))
	if err != nil {
		return nil, newPaymentError(ErrTransport, "read challenge", err)
	}
	var challenge types.PaymentRequired
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, newPaymentError(ErrProtocolViolation, "parse challenge", err)
	}
	if err := challenge.Validate(); err != nil {
		return nil, newPaymentError(ErrProtocolViolation, "parse challenge", err)
	}
	return &challenge, nil
}

// cancelBody releases the call's context once the caller closes the body.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func withCancel(resp *http.Response, cancel context.CancelFunc) *http.Response {
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp
}
