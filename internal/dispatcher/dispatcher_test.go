package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
	"github.com/cm64-studio/llmule-broker/internal/registry"
	"github.com/cm64-studio/llmule-broker/internal/session"
)

type captureHandle struct {
	sent []session.CompletionRequest
}

func (h *captureHandle) Send(v interface{}) error {
	if req, ok := v.(session.CompletionRequest); ok {
		h.sent = append(h.sent, req)
	}
	return nil
}

func (h *captureHandle) Close() error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *ledger.Gateway) {
	t.Helper()
	store, err := ledger.OpenStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := ledger.NewGateway(store, ledger.WithWelcomeAmount(10.0))
	reg := registry.New(registry.Config{LoadThreshold: 5})
	d := New(Config{Registry: reg, Ledger: gw, RequestTimeout: 2 * time.Second})
	return d, reg, gw
}

func TestRouteHappyPath(t *testing.T) {
	d, reg, gw := newTestDispatcher(t)

	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if _, err := gw.EnsureBalance("cred"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}

	handle := &captureHandle{}
	if _, err := reg.Register("sess-1", "cred", []string{"mistral:7b-instruct"}, handle); err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if len(handle.sent) > 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		id := handle.sent[0].ID
		choices, _ := json.Marshal([]map[string]string{{"role": "assistant", "content": "hi"}})
		d.OnCompletionResponse(nil, session.CompletionResponse{
			Op: "completion_response",
			ID: id,
			Response: &session.ChatCompletionResponse{
				Choices: choices,
				Usage:   &session.ReportedUsage{PromptTokens: 10, CompletionTokens: 10, TotalTokens: 500_000},
			},
		})
	}()

	resp, err := d.Route(context.Background(), "consumer-1", Request{Model: "medium", Messages: json.RawMessage(`[]`)})
	<-done
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.ModelTier != classifier.TierMedium {
		t.Errorf("ModelTier = %v, want medium", resp.ModelTier)
	}
	if resp.Usage.MuleAmount != 1.0 {
		t.Errorf("MuleAmount = %v, want 1.0", resp.Usage.MuleAmount)
	}

	bal, err := gw.GetBalance("consumer-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Amount != 9.0 {
		t.Errorf("consumer balance = %v, want 9.0 after settlement", bal.Amount)
	}
}

func TestRouteNoProviderAvailable(t *testing.T) {
	d, _, gw := newTestDispatcher(t)
	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}

	_, err := d.Route(context.Background(), "consumer-1", Request{Model: "large", Messages: json.RawMessage(`[]`)})
	if err == nil {
		t.Fatal("expected NO_PROVIDER_AVAILABLE error")
	}
}

func TestRouteInsufficientBalance(t *testing.T) {
	d, reg, gw := newTestDispatcher(t)
	if _, err := gw.EnsureBalance("poor"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if _, err := gw.EnsureBalance("someone-else"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	// Drain the welcome grant down to near-zero so even a tiny estimate fails.
	if _, err := gw.Settle("poor", "someone-else", "medium", classifier.TierMedium,
		ledger.Usage{TotalTokens: 4_999_999}, ledger.Performance{}); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	handle := &captureHandle{}
	if _, err := reg.Register("sess-1", "cred", []string{"mistral:7b"}, handle); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := d.Route(context.Background(), "poor", Request{Model: "medium", Messages: json.RawMessage(`[]`)})
	if err == nil {
		t.Fatal("expected INSUFFICIENT_BALANCE error")
	}
}

func TestRouteMalformedSelector(t *testing.T) {
	d, _, gw := newTestDispatcher(t)
	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}

	_, err := d.Route(context.Background(), "consumer-1", Request{Model: "@some-handle", Messages: json.RawMessage(`[]`)})
	if err == nil {
		t.Fatal("expected INVALID_MODEL error for malformed addressed selector")
	}
}

func TestRouteTimeout(t *testing.T) {
	d, reg, gw := newTestDispatcher(t)
	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	handle := &captureHandle{}
	if _, err := reg.Register("sess-1", "cred", []string{"mistral:7b"}, handle); err != nil {
		t.Fatalf("Register: %v", err)
	}

	timeout := 20 * time.Millisecond
	_, err := d.Route(context.Background(), "consumer-1", Request{
		Model: "medium", Messages: json.RawMessage(`[]`), Timeout: &timeout,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	active := reg.ListActive()
	if len(active) != 1 || active[0].InFlight != 0 {
		t.Errorf("in_flight not released after timeout: %+v", active)
	}
}
