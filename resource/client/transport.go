package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that answers 402 challenges using the
// client's signer. It lets an ordinary *http.Client pay transparently.
type Transport struct {
	// Base performs the actual requests. http.DefaultTransport when nil.
	Base   http.RoundTripper
	client *Client
}

// Transport wraps base with the client's payment handshake.
func (c *Client) Transport(base http.RoundTripper) *Transport {
	return &Transport{Base: base, client: c}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// The body is needed twice, once for the probe and once for the retry.
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	return t.client.exchange(req.Context(), req.URL.String(), func(ctx context.Context, paymentHeader string) (*http.Response, error) {
		clone := req.Clone(ctx)
		if body != nil {
			clone.Body = io.NopCloser(bytes.NewReader(body))
			clone.ContentLength = int64(len(body))
			clone.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
		if paymentHeader != "" {
			clone.Header.Set(t.client.headerName, paymentHeader)
		}
		return base.RoundTrip(clone)
	})
}
