package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureBalanceGrantsWelcomeOnce(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store, WithWelcomeAmount(1.0))

	bal, err := gw.EnsureBalance("acct-1")
	if err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if bal.Amount != 1.0 {
		t.Errorf("Amount = %v, want 1.0", bal.Amount)
	}

	bal2, err := gw.EnsureBalance("acct-1")
	if err != nil {
		t.Fatalf("EnsureBalance (second call): %v", err)
	}
	if bal2.Amount != 1.0 {
		t.Errorf("second EnsureBalance changed balance to %v, want unchanged 1.0", bal2.Amount)
	}

	txs, err := store.QueryTransactions("acct-1", 10)
	if err != nil {
		t.Fatalf("QueryTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want exactly 1 welcome grant", len(txs))
	}
	if txs[0].Kind != KindDeposit {
		t.Errorf("Kind = %v, want deposit", txs[0].Kind)
	}
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store)

	if _, err := gw.GetBalance("nobody"); err == nil {
		t.Fatal("expected error for unknown account, got nil")
	}
}

func TestSettleConsumptionDebitsAndCredits(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store, WithWelcomeAmount(10.0))

	if _, err := gw.EnsureBalance("consumer-1"); err != nil {
		t.Fatalf("EnsureBalance consumer: %v", err)
	}
	if _, err := gw.EnsureBalance("provider-1"); err != nil {
		t.Fatalf("EnsureBalance provider: %v", err)
	}

	result, err := gw.Settle("consumer-1", "provider-1", "mistral:7b", classifier.TierMedium,
		Usage{PromptTokens: 100, CompletionTokens: 400, TotalTokens: 500_000},
		Performance{DurationSeconds: 2.5, TokensPerSecond: 200})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if result.MuleAmount != 1.0 {
		t.Errorf("MuleAmount = %v, want 1.0 (500000 tokens at medium rate)", result.MuleAmount)
	}
	if result.PlatformFee != 0.1 {
		t.Errorf("PlatformFee = %v, want 0.1", result.PlatformFee)
	}
	if result.ProviderCredit != 0.9 {
		t.Errorf("ProviderCredit = %v, want 0.9", result.ProviderCredit)
	}

	consumerBal, err := gw.GetBalance("consumer-1")
	if err != nil {
		t.Fatalf("GetBalance consumer: %v", err)
	}
	if consumerBal.Amount != 9.0 {
		t.Errorf("consumer balance = %v, want 9.0 (10 - 1)", consumerBal.Amount)
	}

	providerBal, err := gw.GetBalance("provider-1")
	if err != nil {
		t.Fatalf("GetBalance provider: %v", err)
	}
	if providerBal.Amount != 10.9 {
		t.Errorf("provider balance = %v, want 10.9 (10 + 0.9)", providerBal.Amount)
	}
}

func TestSettleInsufficientBalanceFailsClosed(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store, WithWelcomeAmount(0.0001))

	if _, err := gw.EnsureBalance("poor-consumer"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if _, err := gw.EnsureBalance("provider-1"); err != nil {
		t.Fatalf("EnsureBalance provider: %v", err)
	}

	_, err := gw.Settle("poor-consumer", "provider-1", "mistral:7b", classifier.TierMedium,
		Usage{TotalTokens: 500_000}, Performance{})
	if err == nil {
		t.Fatal("expected insufficient balance error, got nil")
	}

	bal, err := gw.GetBalance("poor-consumer")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Amount != 0.0001 {
		t.Errorf("consumer balance changed on failed settlement: got %v, want unchanged 0.0001", bal.Amount)
	}
}

func TestSettleSelfServiceDoesNotCreditProvider(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store, WithWelcomeAmount(5.0))

	if _, err := gw.EnsureBalance("solo"); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}

	result, err := gw.Settle("solo", "solo", "mistral:7b", classifier.TierMedium,
		Usage{TotalTokens: 500_000}, Performance{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.TransactionMuleCost != 0 {
		t.Errorf("TransactionMuleCost = %v, want 0 for self-service", result.TransactionMuleCost)
	}
	if result.ProviderCredit != 0 {
		t.Errorf("ProviderCredit = %v, want 0 for self-service", result.ProviderCredit)
	}

	bal, err := gw.GetBalance("solo")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Amount != 5.0 {
		t.Errorf("self-service balance changed: got %v, want unchanged 5.0", bal.Amount)
	}
}

func TestRecordTransactionDefaultsTimestamp(t *testing.T) {
	store := newTestStore(t)
	gw := NewGateway(store)

	id, err := gw.RecordTransaction(Transaction{
		Kind:            KindDeposit,
		ConsumerAccount: "acct-x",
		MuleAmount:      2.0,
	})
	if err != nil {
		t.Fatalf("RecordTransaction: %v", err)
	}
	if id == 0 {
		t.Error("expected nonzero transaction id")
	}

	txs, err := store.QueryTransactions("acct-x", 1)
	if err != nil {
		t.Fatalf("QueryTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	if txs[0].Timestamp.IsZero() || time.Since(txs[0].Timestamp) > time.Minute {
		t.Errorf("Timestamp not defaulted to now: %v", txs[0].Timestamp)
	}
}
