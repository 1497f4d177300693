package ledger

import (
	"testing"
	"time"
)

func TestInsertBalanceIfAbsentOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	created, err := store.insertBalanceIfAbsent("a", 1.0, now)
	if err != nil {
		t.Fatalf("insertBalanceIfAbsent: %v", err)
	}
	if !created {
		t.Error("expected created=true on first insert")
	}

	created, err = store.insertBalanceIfAbsent("a", 99.0, now)
	if err != nil {
		t.Fatalf("insertBalanceIfAbsent (second): %v", err)
	}
	if created {
		t.Error("expected created=false on second insert")
	}

	bal, ok, err := store.getBalanceRow("a")
	if err != nil || !ok {
		t.Fatalf("getBalanceRow: ok=%v err=%v", ok, err)
	}
	if bal.Amount != 1.0 {
		t.Errorf("Amount = %v, want 1.0 (second insert must not overwrite)", bal.Amount)
	}
}

func TestAddToBalanceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	if _, err := store.insertBalanceIfAbsent("b", 5.0, now); err != nil {
		t.Fatalf("insertBalanceIfAbsent: %v", err)
	}

	got, err := store.addToBalance("b", -2.5, now)
	if err != nil {
		t.Fatalf("addToBalance: %v", err)
	}
	if got != 2.5 {
		t.Errorf("addToBalance result = %v, want 2.5", got)
	}

	got, err = store.addToBalance("b", 0.000001, now)
	if err != nil {
		t.Fatalf("addToBalance: %v", err)
	}
	if got != 2.500001 {
		t.Errorf("addToBalance result = %v, want 2.500001", got)
	}
}

func TestAddToBalanceMissingAccount(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.addToBalance("ghost", 1.0, time.Now()); err == nil {
		t.Fatal("expected error adding to nonexistent account")
	}
}

func TestQueryTransactionsOrdersMostRecentFirst(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := store.insertTransaction(Transaction{
			Timestamp:       time.Now(),
			Kind:            KindDeposit,
			ConsumerAccount: "c",
			MuleAmount:      float64(i),
		}); err != nil {
			t.Fatalf("insertTransaction %d: %v", i, err)
		}
	}

	txs, err := store.QueryTransactions("c", 10)
	if err != nil {
		t.Fatalf("QueryTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	if txs[0].MuleAmount != 2 || txs[2].MuleAmount != 0 {
		t.Errorf("transactions not ordered most-recent-first: %+v", txs)
	}
}
