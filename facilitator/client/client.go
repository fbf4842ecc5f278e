package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vorpalengineering/x402-gateway/types"
)

// APIKeyHeader carries the facilitator API key when one is configured.
const APIKeyHeader = "X-API-Key"

// ErrSettlementInProgress is returned when the facilitator reports that
// another request holds the settlement for the same authorization.
var ErrSettlementInProgress = errors.New("settlement already in progress")

// StatusError is returned for any non-200 facilitator response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Message)
}

// FacilitatorClient talks to a remote facilitator over HTTP. It satisfies
// the same Verify/Settle contract as the in-process facilitator.
type FacilitatorClient struct {
	facilitatorURL string
	apiKey         string
	httpClient     *http.Client
}

type Option func(*FacilitatorClient)

func WithAPIKey(key string) Option {
	return func(fc *FacilitatorClient) { fc.apiKey = key }
}

func WithHTTPClient(c *http.Client) Option {
	return func(fc *FacilitatorClient) { fc.httpClient = c }
}

// WithTimeout sets the request timeout on a copy of the HTTP client, so a
// client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(fc *FacilitatorClient) {
		c := *fc.httpClient
		c.Timeout = d
		fc.httpClient = &c
	}
}

func NewFacilitatorClient(facilitatorURL string, opts ...Option) *FacilitatorClient {
	fc := &FacilitatorClient{
		facilitatorURL: strings.TrimRight(facilitatorURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(fc)
	}
	return fc
}

func (fc *FacilitatorClient) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if payload == nil || requirements == nil {
		return nil, errors.New("payload and requirements are required")
	}
	req := &types.VerifyRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	}

	var verifyResp types.VerifyResponse
	if err := fc.do(ctx, http.MethodPost, "/verify", req, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

func (fc *FacilitatorClient) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	if payload == nil || requirements == nil {
		return nil, errors.New("payload and requirements are required")
	}
	req := &types.SettleRequest{
		X402Version:         types.X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	}

	var settleResp types.SettleResponse
	if err := fc.do(ctx, http.MethodPost, "/settle", req, &settleResp); err != nil {
		return nil, err
	}
	return &settleResp, nil
}

func (fc *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var supportedResp types.SupportedResponse
	if err := fc.do(ctx, http.MethodGet, "/supported", nil, &supportedResp); err != nil {
		return nil, err
	}
	return &supportedResp, nil
}

func (fc *FacilitatorClient) do(ctx context.Context, method, path string, in, out any) error {
	// Build endpoint url
	url := fc.facilitatorURL + path

	// Encode request
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if fc.apiKey != "" {
		httpReq.Header.Set(APIKeyHeader, fc.apiKey)
	}

	// Make request to facilitator
	resp, err := fc.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// Check response
	if resp.StatusCode == http.StatusConflict {
		return ErrSettlementInProgress
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	// Decode response
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
