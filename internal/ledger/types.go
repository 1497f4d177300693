package ledger

import (
	"time"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
)

// TransactionKind enumerates the append-only transaction ledger's kinds.
type TransactionKind string

const (
	KindConsumption TransactionKind = "consumption"
	KindSelfService TransactionKind = "self_service"
	KindDeposit     TransactionKind = "deposit"
	KindWithdrawal  TransactionKind = "withdrawal"
)

// Usage is the raw token usage a provider reported for a completed request.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Performance is the timing sample recorded alongside a settlement.
type Performance struct {
	DurationSeconds float64
	TokensPerSecond float64
}

// Transaction is one append-only ledger entry (spec §3, Transaction record).
type Transaction struct {
	ID              int64
	Timestamp       time.Time
	Kind            TransactionKind
	ConsumerAccount string
	ProviderAccount string // empty for deposits and anonymous providers; equals ConsumerAccount for self_service
	Model           string
	Tier            classifier.Tier
	Usage           Usage
	MuleAmount      float64
	PlatformFee     float64
	Performance     Performance
	Metadata        map[string]string
}

// Balance is the persisted, single-row-per-account MULE balance.
type Balance struct {
	AccountID   string
	Amount      float64
	LastUpdated time.Time
}

// SettlementResult is what settle() hands back to the dispatcher so it can
// populate the response's usage extension fields (spec §4.5 step 10).
type SettlementResult struct {
	MuleAmount          float64
	PlatformFee         float64
	ProviderCredit      float64
	TransactionMuleCost float64 // 0 for self-service, per the preserved source ambiguity (spec §9)
	TransactionID       int64
}
