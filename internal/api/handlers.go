package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/cm64-studio/llmule-broker/internal/brokererr"
	"github.com/cm64-studio/llmule-broker/internal/classifier"
	"github.com/cm64-studio/llmule-broker/internal/dispatcher"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
)

// chatCompletionRequest is the client-facing request body for
// POST /v1/chat/completions (spec §6).
type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// chatCompletionResponse is the OpenAI chat-completion shape plus the
// broker's own extensions (spec §6).
type chatCompletionResponse struct {
	Choices    json.RawMessage `json:"choices"`
	ModelTier  string          `json:"model_tier"`
	ProviderID string          `json:"provider_id"`
	Usage      usageExtension  `json:"usage"`
}

type usageExtension struct {
	MuleAmount          float64 `json:"mule_amount"`
	DurationSeconds     float64 `json:"duration_seconds"`
	TokensPerSecond     float64 `json:"tokens_per_second"`
	TransactionMuleCost float64 `json:"transaction_mule_cost"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())

	if s.limiter != nil && !s.limiter.allow(accountID) {
		writeError(w, brokererr.New(brokererr.Internal, "rate limit exceeded"))
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.New(brokererr.InvalidModel, "malformed request body"))
		return
	}

	start := time.Now()
	resp, err := s.dispatcher.Route(r.Context(), accountID, dispatcher.Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		Choices:    resp.Choices,
		ModelTier:  string(resp.ModelTier),
		ProviderID: resp.ProviderID,
		Usage: usageExtension{
			MuleAmount:          resp.Usage.MuleAmount,
			DurationSeconds:     resp.Usage.DurationSeconds,
			TokensPerSecond:     resp.Usage.TokensPerSecond,
			TransactionMuleCost: resp.Usage.TransactionMuleCost,
		},
	})
}

// modelEntry is one (model, provider-handle) row in the /v1/models catalog.
type modelEntry struct {
	Model         string  `json:"model"`
	ProviderID    string  `json:"provider_id"`
	Tier          string  `json:"tier"`
	Context       int     `json:"context_length"`
	Status        string  `json:"status"`
	SuccessRate   float64 `json:"success_rate"`
	TotalRequests int     `json:"total_requests"`
	AvgTPS        float64 `json:"avg_tokens_per_second"`
	MaxTPS        float64 `json:"max_tokens_per_second"`
	LastActive    float64 `json:"last_active_seconds_ago"`
}

// tierOrder gives the sort weight spec §6 names: xl > large > medium > small.
var tierOrder = map[classifier.Tier]int{
	classifier.TierXL:     3,
	classifier.TierLarge:  2,
	classifier.TierMedium: 1,
	classifier.TierSmall:  0,
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	var entries []modelEntry

	for _, v := range s.registry.ListActive() {
		for _, model := range v.AdvertisedModels {
			modelCap := classifier.Classify(model)
			successRate := 0.0
			if v.TotalRequests > 0 {
				successRate = float64(v.SuccessCount) / float64(v.TotalRequests)
			}
			entries = append(entries, modelEntry{
				Model:         model,
				ProviderID:    v.Handle,
				Tier:          string(modelCap.Tier),
				Context:       modelCap.Context,
				Status:        string(v.Status),
				SuccessRate:   successRate,
				TotalRequests: v.TotalRequests,
				AvgTPS:        v.TPSEWMA,
				MaxTPS:        v.MaxTPS,
				LastActive:    now.Sub(v.LastHeartbeat).Seconds(),
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		ti, tj := tierOrder[classifier.Tier(entries[i].Tier)], tierOrder[classifier.Tier(entries[j].Tier)]
		if ti != tj {
			return ti > tj
		}
		return entries[i].AvgTPS > entries[j].AvgTPS
	})

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

type balanceResponse struct {
	AccountID   string  `json:"account_id"`
	Amount      float64 `json:"amount"`
	LastUpdated string  `json:"last_updated"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	bal, err := s.ledger.EnsureBalance(accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID:   bal.AccountID,
		Amount:      bal.Amount,
		LastUpdated: bal.LastUpdated.UTC().Format(time.RFC3339),
	})
}

type transactionEntry struct {
	ID              int64   `json:"id"`
	Timestamp       string  `json:"timestamp"`
	Kind            string  `json:"kind"`
	ConsumerAccount string  `json:"consumer_account"`
	ProviderAccount string  `json:"provider_account,omitempty"`
	Model           string  `json:"model,omitempty"`
	Tier            string  `json:"tier,omitempty"`
	TotalTokens     int64   `json:"total_tokens"`
	MuleAmount      float64 `json:"mule_amount"`
	PlatformFee     float64 `json:"platform_fee"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

func toTransactionEntry(tx ledger.Transaction) transactionEntry {
	return transactionEntry{
		ID:              tx.ID,
		Timestamp:       tx.Timestamp.UTC().Format(time.RFC3339),
		Kind:            string(tx.Kind),
		ConsumerAccount: tx.ConsumerAccount,
		ProviderAccount: tx.ProviderAccount,
		Model:           tx.Model,
		Tier:            string(tx.Tier),
		TotalTokens:     tx.Usage.TotalTokens,
		MuleAmount:      tx.MuleAmount,
		PlatformFee:     tx.PlatformFee,
		TokensPerSecond: tx.Performance.TokensPerSecond,
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	txs, err := s.ledger.QueryTransactions(accountID, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]transactionEntry, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionEntry(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type statsResponse struct {
	AccountID        string  `json:"account_id"`
	TotalRequests    int     `json:"total_requests"`
	TotalMuleAmount  float64 `json:"total_mule_amount"`
	TotalPlatformFee float64 `json:"total_platform_fee,omitempty"`
}

// handleProviderStats summarizes accountID's transactions as a provider:
// every transaction where it earned a credit.
func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	txs, err := s.ledger.QueryTransactions(accountID, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statsResponse{AccountID: accountID}
	for _, tx := range txs {
		if tx.ProviderAccount != accountID || tx.Kind != ledger.KindConsumption {
			continue
		}
		resp.TotalRequests++
		resp.TotalMuleAmount += tx.MuleAmount - tx.PlatformFee
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleConsumerStats summarizes accountID's transactions as a consumer:
// every transaction it was billed for, plus the platform fee it generated.
func (s *Server) handleConsumerStats(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	txs, err := s.ledger.QueryTransactions(accountID, 1000)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statsResponse{AccountID: accountID}
	for _, tx := range txs {
		if tx.ConsumerAccount != accountID || tx.Kind != ledger.KindConsumption {
			continue
		}
		resp.TotalRequests++
		resp.TotalMuleAmount += tx.MuleAmount
		resp.TotalPlatformFee += tx.PlatformFee
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
