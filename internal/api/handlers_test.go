package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cm64-studio/llmule-broker/internal/dispatcher"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
	"github.com/cm64-studio/llmule-broker/internal/registry"
)

type stubHandle struct{}

func (stubHandle) Send(v interface{}) error { return nil }
func (stubHandle) Close() error             { return nil }

func newTestServer(t *testing.T) (*Server, *ledger.Gateway, *registry.Registry) {
	t.Helper()
	store, err := ledger.OpenStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := ledger.NewGateway(store, ledger.WithWelcomeAmount(5.0))
	reg := registry.New(registry.Config{LoadThreshold: 5})
	d := dispatcher.New(dispatcher.Config{Registry: reg, Ledger: gw})

	srv := NewServer(Config{
		Dispatcher:     d,
		Ledger:         gw,
		Registry:       reg,
		ResolveAccount: func(apiKey string) (string, bool) { return apiKey, apiKey != "" },
	})
	return srv, gw, reg
}

func doRequest(srv *Server, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleGetBalanceCreatesWelcomeGrant(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/balance", "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Amount != 5.0 {
		t.Errorf("Amount = %v, want 5.0 welcome grant", resp.Amount)
	}
}

func TestHandleGetBalanceRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/balance", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestHandleListModelsSortsByTierThenThroughput(t *testing.T) {
	srv, _, reg := newTestServer(t)

	if _, err := reg.Register("sess-small", "small-cred", []string{"tinyllama"}, stubHandle{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Register("sess-xl", "xl-cred", []string{"llama2-70b"}, stubHandle{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rec := doRequest(srv, http.MethodGet, "/v1/models", "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("len(data) = %d, want 2", len(body.Data))
	}
	if body.Data[0].Tier != "xl" {
		t.Errorf("first entry tier = %q, want xl (xl > large > medium > small)", body.Data[0].Tier)
	}
}

func TestHandleChatCompletionsNoProviderAvailable(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}

	reqBody, _ := json.Marshal(chatCompletionRequest{Model: "medium", Messages: json.RawMessage(`[]`)})
	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", "consumer-1", reqBody)

	if rec.Code != 400 {
		t.Fatalf("status = %d, body = %s, want 400 NO_PROVIDER_AVAILABLE", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Code != "model_not_available" {
		t.Errorf("code = %q, want model_not_available", env.Error.Code)
	}
}

func TestHandleChatCompletionsMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/chat/completions", "consumer-1", []byte("not json"))
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400 for a malformed body", rec.Code)
	}
}

func TestHandleListTransactionsEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/transactions", "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data []transactionEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Data) != 0 {
		t.Errorf("len(data) = %d, want 0 for a fresh account", len(body.Data))
	}
}
