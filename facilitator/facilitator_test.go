package facilitator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vorpalengineering/x402-gateway/types"
)

func TestSupported(t *testing.T) {
	privKey, err := crypto.HexToECDSA(testPayerKey)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	testConfig := &FacilitatorConfig{
		Server: ServerConfig{
			Host: "localhost",
			Port: 4020,
		},
		Networks: map[types.Network]NetworkConfig{
			types.NetworkBase: {
				RpcUrl: "https://mainnet.base.org",
			},
			types.NetworkBaseSepolia: {
				RpcUrl: "https://sepolia.base.org",
			},
		},
		Supported: []types.SupportedKind{
			{X402Version: 1, Scheme: types.SchemeExact, Network: types.NetworkBase},
			{X402Version: 1, Scheme: types.SchemeExact, Network: types.NetworkBaseSepolia},
		},
		Transaction: TransactionConfig{
			Mode:           TransferModeOnchain,
			TimeoutSeconds: 120,
			MaxGasPrice:    "100000000000",
		},
		Log: LogConfig{
			Level: "info",
		},
		Signer: SignerConfig{
			Address:    addr,
			PrivateKey: privKey,
		},
	}

	f := NewFacilitator(testConfig)

	req, err := http.NewRequest("GET", "/supported", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
	}

	var response types.SupportedResponse
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(response.Kinds) != 2 {
		t.Errorf("Expected 2 supported kinds, got %d", len(response.Kinds))
	}

	hasBase := false
	hasBaseSepolia := false
	for _, kind := range response.Kinds {
		if kind.Scheme == types.SchemeExact && kind.Network == types.NetworkBase {
			hasBase = true
		}
		if kind.Scheme == types.SchemeExact && kind.Network == types.NetworkBaseSepolia {
			hasBaseSepolia = true
		}
	}
	if !hasBase {
		t.Error("Expected to find exact-base in supported kinds")
	}
	if !hasBaseSepolia {
		t.Error("Expected to find exact-base-sepolia in supported kinds")
	}
}

func TestSupportedEmpty(t *testing.T) {
	testConfig := &FacilitatorConfig{
		Supported: []types.SupportedKind{},
		Log: LogConfig{
			Level: "info",
		},
	}

	f := NewFacilitator(testConfig)

	req, _ := http.NewRequest("GET", "/supported", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	// Should still return 200 with empty array
	if recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
	}

	var response types.SupportedResponse
	json.NewDecoder(recorder.Body).Decode(&response)

	if len(response.Kinds) != 0 {
		t.Errorf("Expected 0 supported kinds, got %d", len(response.Kinds))
	}
}

func postJSON(t *testing.T, f *Facilitator, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal body: %v", err)
	}
	req, err := http.NewRequest("POST", path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func TestVerifyEndpoint(t *testing.T) {
	f := newTestFacilitator()
	requirements := testRequirements()
	payload := signedPayload(t, requirements, nil)

	recorder := postJSON(t, f, "/verify", types.VerifyRequest{
		X402Version:         1,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	}, nil)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d: %s", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var response types.VerifyResponse
	if err := json.NewDecoder(recorder.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !response.IsValid {
		t.Errorf("Expected valid payment, got %q", response.InvalidReason)
	}
}

func TestVerifyEndpointBadJSON(t *testing.T) {
	f := newTestFacilitator()
	req, _ := http.NewRequest("POST", "/verify", bytes.NewBufferString("{not json"))
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Expected status code %d, got %d", http.StatusBadRequest, recorder.Code)
	}
}

func TestSettleEndpoint(t *testing.T) {
	transfers := &countingTransferer{}
	f := newTestFacilitator(WithTransferer(transfers))
	requirements := testRequirements()
	payload := signedPayload(t, requirements, nil)
	body := types.SettleRequest{
		X402Version:         1,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	}

	var responses [2]types.SettleResponse
	for i := range responses {
		recorder := postJSON(t, f, "/settle", body, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
		}
		if err := json.NewDecoder(recorder.Body).Decode(&responses[i]); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}

	if !responses[0].Success {
		t.Fatalf("Expected success, got %q", responses[0].ErrorReason)
	}
	if responses[0] != responses[1] {
		t.Errorf("Expected identical responses, got %+v and %+v", responses[0], responses[1])
	}
	if transfers.calls.Load() != 1 {
		t.Errorf("Expected 1 transfer, got %d", transfers.calls.Load())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := newTestFacilitator()
	f.config.Auth.APIKey = "secret"
	requirements := testRequirements()
	body := types.VerifyRequest{
		X402Version:         1,
		PaymentPayload:      *signedPayload(t, requirements, nil),
		PaymentRequirements: *requirements,
	}

	if recorder := postJSON(t, f, "/verify", body, nil); recorder.Code != http.StatusUnauthorized {
		t.Errorf("Expected status code %d without key, got %d", http.StatusUnauthorized, recorder.Code)
	}
	if recorder := postJSON(t, f, "/verify", body, map[string]string{APIKeyHeader: "wrong"}); recorder.Code != http.StatusUnauthorized {
		t.Errorf("Expected status code %d with wrong key, got %d", http.StatusUnauthorized, recorder.Code)
	}
	if recorder := postJSON(t, f, "/verify", body, map[string]string{APIKeyHeader: "secret"}); recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d with key, got %d", http.StatusOK, recorder.Code)
	}

	// Discovery stays public.
	req, _ := http.NewRequest("GET", "/supported", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, recorder.Code)
	}
}

func TestRequestID(t *testing.T) {
	f := newTestFacilitator()

	req, _ := http.NewRequest("GET", "/healthz", nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}

	req, _ = http.NewRequest("GET", "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc")
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if got := recorder.Header().Get(RequestIDHeader); got != "abc" {
		t.Errorf("Expected request id abc, got %q", got)
	}
}

func TestDialRPCClients(t *testing.T) {
	testConfig := &FacilitatorConfig{
		Networks: map[types.Network]NetworkConfig{
			types.NetworkBase: {
				RpcUrl: "https://mainnet.base.org",
			},
			types.NetworkBaseSepolia: {
				RpcUrl: "https://sepolia.base.org",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	f := NewFacilitator(testConfig)
	defer f.Close()

	f.rpcClientsMu.RLock()
	initialCount := len(f.rpcClients)
	f.rpcClientsMu.RUnlock()
	if initialCount != 0 {
		t.Errorf("Expected 0 RPC clients before initialization, got %d", initialCount)
	}

	if err := f.DialRPCClients(); err != nil {
		t.Fatalf("Failed to initialize RPC clients: %v", err)
	}

	f.rpcClientsMu.RLock()
	clientCount := len(f.rpcClients)
	f.rpcClientsMu.RUnlock()
	if clientCount != len(testConfig.Networks) {
		t.Errorf("Expected %d RPC clients, got %d", len(testConfig.Networks), clientCount)
	}

	for network := range testConfig.Networks {
		client, err := f.getRPCClient(network)
		if err != nil {
			t.Errorf("Failed to get RPC client for network %s: %v", network, err)
		}
		if client == nil {
			t.Errorf("RPC client for network %s is nil", network)
		}
	}

	if _, err := f.getRPCClient("solana"); err == nil {
		t.Error("Expected error for unconfigured network")
	}
}
