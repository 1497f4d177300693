package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/activity"
	"github.com/cm64-studio/llmule-broker/internal/brokererr"
	"github.com/cm64-studio/llmule-broker/internal/classifier"
	"github.com/cm64-studio/llmule-broker/internal/tokenomics"
)

// Now is overridable in tests, mirroring the teacher's pattern of letting
// time-dependent code be swapped out without a clock interface everywhere.
var Now = time.Now

// Gateway is the Ledger Gateway (spec §4.3): the sole writer of balances and
// transactions. It serializes settlement with a mutex the same way the
// teacher's usage store relies on SQLite's own locking plus WAL — here we
// additionally guard the multi-statement settle sequence; a failed debit or
// credit is logged and queued for reconciliation.
type Gateway struct {
	store     *Store
	reconcile *ReconcileQueue
	welcome   float64
	log       activity.Logger
	mu        sync.Mutex
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithWelcomeAmount overrides the default welcome grant new accounts
// receive on first balance creation (spec §4.3, ensure_balance).
func WithWelcomeAmount(amount float64) Option {
	return func(g *Gateway) { g.welcome = amount }
}

// WithLogger wires a Logger for warnings the gateway cannot swallow, such
// as a failed settlement.
func WithLogger(l activity.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithReconcileQueue wires the reconciliation queue settlement failures are
// pushed onto (spec §9: "MUST log a reconciliation record and surface a
// warning — MUST NOT swallow the failure silently").
func WithReconcileQueue(q *ReconcileQueue) Option {
	return func(g *Gateway) { g.reconcile = q }
}

// NewGateway wraps store with the accounting operations spec §4.3 names.
func NewGateway(store *Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		welcome: 1.0,
		log:     activity.Noop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureBalance creates accountID's balance row with the welcome grant if
// absent, and is a no-op otherwise. Returns the account's balance either
// way.
func (g *Gateway) EnsureBalance(accountID string) (Balance, error) {
	if accountID == "" {
		return Balance{}, brokererr.New(brokererr.Internal, "empty account id")
	}

	now := Now()
	created, err := g.store.insertBalanceIfAbsent(accountID, g.welcome, now)
	if err != nil {
		return Balance{}, brokererr.Wrap(brokererr.Internal, "ensure balance", err)
	}
	if created {
		if _, err := g.store.insertTransaction(Transaction{
			Timestamp:       now,
			Kind:            KindDeposit,
			ConsumerAccount: accountID,
			MuleAmount:      g.welcome,
			Metadata:        map[string]string{"reason": "welcome_grant"},
		}); err != nil {
			activity.Logf(g.log, "warning", "record welcome grant for %s: %v", accountID, err)
		}
	}

	bal, ok, err := g.store.getBalanceRow(accountID)
	if err != nil {
		return Balance{}, brokererr.Wrap(brokererr.Internal, "ensure balance", err)
	}
	if !ok {
		return Balance{}, brokererr.New(brokererr.Internal, "balance vanished after ensure")
	}
	return bal, nil
}

// GetBalance returns accountID's balance without creating it. Callers that
// need creation semantics should use EnsureBalance.
func (g *Gateway) GetBalance(accountID string) (Balance, error) {
	bal, ok, err := g.store.getBalanceRow(accountID)
	if err != nil {
		return Balance{}, brokererr.Wrap(brokererr.Internal, "get balance", err)
	}
	if !ok {
		return Balance{}, brokererr.New(brokererr.InsufficientBalance, "no balance on record for "+accountID)
	}
	return bal, nil
}

// QueryTransactions returns accountID's most recent transactions, as either
// consumer or provider, newest first.
func (g *Gateway) QueryTransactions(accountID string, limit int) ([]Transaction, error) {
	txs, err := g.store.QueryTransactions(accountID, limit)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.Internal, "query transactions", err)
	}
	return txs, nil
}

// RecordTransaction appends tx to the ledger and returns its assigned ID.
func (g *Gateway) RecordTransaction(tx Transaction) (int64, error) {
	if tx.Timestamp.IsZero() {
		tx.Timestamp = Now()
	}
	id, err := g.store.insertTransaction(tx)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.Internal, "record transaction", err)
	}
	return id, nil
}

// Settle is the dispatcher's settlement call (spec §4.3, §4.5 step 9-10):
// given a completed request's usage and performance, it debits the
// consumer, credits the provider net of the platform fee, and records the
// transaction. All four numbered steps happen under the gateway's lock so a
// concurrent settlement for the same account can't interleave:
//
//  1. compute mule_amount = tokens_to_mules(usage.total_tokens, tier)
//  2. debit consumer by mule_amount (fails closed if balance insufficient)
//  3. credit provider by mule_amount - platform_fee(mule_amount)
//  4. record_transaction(kind=consumption, ...)
//
// Two distinct billing exceptions apply here, and they must not be
// conflated (spec §9):
//   - self-service (providerAccount == consumerAccount): the consumer
//     served their own request, so no debit happens at all and the
//     transaction is recorded with kind=self_service.
//   - anonymous provider (providerAccount == ""): the resolved provider
//     account could not be determined, so no provider credit happens, but
//     the consumer is still fully debited and the transaction is recorded
//     with kind=consumption — a MUST per spec §9, since the provider's
//     identity being unknown is not the consumer's concern.
func (g *Gateway) Settle(consumerAccount, providerAccount, model string, tier classifier.Tier, usage Usage, perf Performance) (SettlementResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	selfService := providerAccount != "" && providerAccount == consumerAccount
	anonymous := providerAccount == ""

	muleAmount := tokenomics.TokensToMules(float64(usage.TotalTokens), tier)

	kind := KindConsumption
	txCost := muleAmount
	if selfService {
		kind = KindSelfService
		txCost = 0
	}

	now := Now()

	if txCost > 0 {
		bal, ok, err := g.store.getBalanceRow(consumerAccount)
		if err != nil {
			return SettlementResult{}, brokererr.Wrap(brokererr.Internal, "settle: load consumer balance", err)
		}
		if !ok || bal.Amount < txCost {
			return SettlementResult{}, brokererr.New(brokererr.InsufficientBalance,
				fmt.Sprintf("consumer %s has insufficient balance for %.6f MULE", consumerAccount, txCost))
		}
		if _, err := g.store.addToBalance(consumerAccount, -txCost, now); err != nil {
			return SettlementResult{}, g.reconcileFailure("debit", consumerAccount, txCost, err)
		}
	}

	fee := tokenomics.PlatformFee(muleAmount)
	credit := tokenomics.ProviderEarnings(muleAmount)

	if !selfService && !anonymous && credit > 0 {
		if _, err := g.store.addToBalance(providerAccount, credit, now); err != nil {
			// The consumer has already been debited; this failure must
			// surface, not vanish, so the money can be reconciled.
			return SettlementResult{}, g.reconcileFailure("credit", providerAccount, credit, err)
		}
	} else {
		fee = 0
		credit = 0
	}

	txID, err := g.store.insertTransaction(Transaction{
		Timestamp:       now,
		Kind:            kind,
		ConsumerAccount: consumerAccount,
		ProviderAccount: providerAccount,
		Model:           model,
		Tier:            tier,
		Usage:           usage,
		MuleAmount:      muleAmount,
		PlatformFee:     fee,
		Performance:     perf,
	})
	if err != nil {
		activity.Logf(g.log, "warning", "settle: record transaction for %s: %v", consumerAccount, err)
		if g.reconcile != nil {
			g.reconcile.Push(ReconcileEntry{
				Timestamp: now,
				Reason:    "record_transaction_failed",
				Account:   consumerAccount,
				Amount:    txCost,
				Detail:    err.Error(),
			})
		}
	}

	return SettlementResult{
		MuleAmount:          muleAmount,
		PlatformFee:         fee,
		ProviderCredit:      credit,
		TransactionMuleCost: txCost,
		TransactionID:       txID,
	}, nil
}

// reconcileFailure logs and enqueues a settlement step that failed after
// other steps already committed, per spec §9's failure semantics.
func (g *Gateway) reconcileFailure(step, account string, amount float64, cause error) error {
	activity.Logf(g.log, "warning", "settle: %s %s %.6f failed: %v", step, account, amount, cause)
	if g.reconcile != nil {
		g.reconcile.Push(ReconcileEntry{
			Timestamp: Now(),
			Reason:    step + "_failed",
			Account:   account,
			Amount:    amount,
			Detail:    cause.Error(),
		})
	}
	return brokererr.Wrap(brokererr.Internal, "settle: "+step+" failed", cause)
}
