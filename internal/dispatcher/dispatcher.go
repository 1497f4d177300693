package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cm64-studio/llmule-broker/internal/activity"
	"github.com/cm64-studio/llmule-broker/internal/brokererr"
	"github.com/cm64-studio/llmule-broker/internal/classifier"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
	"github.com/cm64-studio/llmule-broker/internal/registry"
	"github.com/cm64-studio/llmule-broker/internal/session"
	"github.com/cm64-studio/llmule-broker/internal/tokenomics"
)

// Request is the Dispatcher's input (spec §4.5, Inputs).
type Request struct {
	Model       string
	Messages    json.RawMessage
	Temperature *float64
	MaxTokens   *int
	Timeout     *time.Duration
}

// Usage is the enriched usage block spec §4.5 step 10 attaches to the
// response.
type Usage struct {
	MuleAmount          float64
	DurationSeconds     float64
	TokensPerSecond     float64
	TransactionMuleCost float64
}

// Response is the Dispatcher's output: the provider's response enriched
// with routing and accounting metadata.
type Response struct {
	Choices    json.RawMessage
	ModelTier  classifier.Tier
	ProviderID string
	Usage      Usage
}

// Dispatcher implements spec §4.5's route operation.
type Dispatcher struct {
	registry *registry.Registry
	ledger   *ledger.Gateway
	pending  *pendingTable

	requestTimeout    time.Duration // T_req, default 180s
	maxRequestTimeout time.Duration // hard cap, default 300s
	log               activity.Logger
}

// Config configures a Dispatcher.
type Config struct {
	Registry          *registry.Registry
	Ledger            *ledger.Gateway
	RequestTimeout    time.Duration
	MaxRequestTimeout time.Duration
	Logger            activity.Logger
}

// New constructs a Dispatcher. It does not hook itself into the registry:
// the caller points the registry's removal hook (Config.OnRemoved or
// SetOnRemoved) at OnSessionRemoved so that registry.Remove cancels this
// dispatcher's pending requests bound to the removed session (spec §4.4,
// remove).
func New(cfg Config) *Dispatcher {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	if cfg.MaxRequestTimeout == 0 {
		cfg.MaxRequestTimeout = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = activity.Noop()
	}

	d := &Dispatcher{
		registry:          cfg.Registry,
		ledger:            cfg.Ledger,
		pending:           newPendingTable(),
		requestTimeout:    cfg.RequestTimeout,
		maxRequestTimeout: cfg.MaxRequestTimeout,
		log:               cfg.Logger,
	}
	return d
}

// OnSessionRemoved should be wired as registry.Config.OnRemoved so pending
// requests bound to a removed session fail fast with a provider-lost error
// rather than waiting out the full T_req timeout.
func (d *Dispatcher) OnSessionRemoved(sessionID, reason string) {
	d.pending.cancelSession(sessionID, "provider connection lost: "+reason)
}

// OnCompletionResponse should be wired as session.Callbacks.OnCompletionResponse
// for every accepted session, demuxing by correlation id (spec §4.6, Demux).
func (d *Dispatcher) OnCompletionResponse(sess *session.Session, resp session.CompletionResponse) {
	if !d.pending.resolve(resp.ID, resp) {
		activity.Logf(d.log, "warning", "dispatcher: unknown correlation id %q dropped", resp.ID)
	}
}

// Route implements spec §4.5's route(consumer, request) → response.
func (d *Dispatcher) Route(ctx context.Context, consumerAccount string, req Request) (Response, error) {
	// 1. Classify.
	if isMalformedSelector(req.Model) {
		return Response{}, brokererr.New(brokererr.InvalidModel, "malformed model selector: "+req.Model)
	}
	modelCap := classifier.Classify(req.Model)

	// 2. Pre-check balance.
	bal, err := d.ledger.GetBalance(consumerAccount)
	if err != nil {
		return Response{}, err
	}
	estTokens := modelCap.Context
	if req.MaxTokens != nil {
		estTokens = *req.MaxTokens
	}
	est := tokenomics.TokensToMules(float64(estTokens), modelCap.Tier)
	if bal.Amount < est {
		return Response{}, brokererr.New(brokererr.InsufficientBalance,
			fmt.Sprintf("insufficient balance: required %.6f MULE, available %.6f MULE", est, bal.Amount))
	}

	// 3-4. Filter + short-circuit.
	loadThreshold := d.registry.LoadThreshold()
	candidates := filterCandidates(d.registry.ListActive(), req.Model, loadThreshold)
	if len(candidates) == 0 {
		return Response{}, brokererr.New(brokererr.NoProviderAvailable, "no provider available for model "+req.Model)
	}

	// 5. Score.
	chosen, _ := selectBest(candidates)

	// 6. Reserve.
	d.registry.IncInFlight(chosen.view.SessionID)
	correlationID := uuid.New().String()

	terminal := false
	var sample registry.Sample
	defer func() {
		d.registry.DecInFlight(chosen.view.SessionID)
		if !terminal {
			d.registry.RecordSample(chosen.view.SessionID, registry.Sample{Success: false})
		} else {
			d.registry.RecordSample(chosen.view.SessionID, sample)
		}
	}()

	// 7. Forward.
	waitCh := d.pending.register(correlationID, chosen.view.SessionID)
	sendErr := d.registry.Send(chosen.view.SessionID, session.CompletionRequest{
		Op:          string(session.KindCompletionRequest),
		ID:          correlationID,
		Model:       chosen.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if sendErr != nil {
		d.pending.release(correlationID)
		return Response{}, brokererr.Wrap(brokererr.ProviderTransportError, "forward request", sendErr)
	}

	// 8. Await.
	timeout := d.requestTimeout
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = *req.Timeout
	}
	if timeout > d.maxRequestTimeout {
		timeout = d.maxRequestTimeout
	}

	started := time.Now()
	var resp session.CompletionResponse
	select {
	case resp = <-waitCh:
	case <-time.After(timeout):
		d.pending.release(correlationID)
		return Response{}, brokererr.New(brokererr.ProviderTimeout, "provider did not respond within "+timeout.String())
	case <-ctx.Done():
		d.pending.release(correlationID)
		return Response{}, brokererr.Wrap(brokererr.Internal, "request canceled", ctx.Err())
	}
	duration := time.Since(started).Seconds()

	if resp.Error != "" || resp.Response == nil {
		terminal = true
		sample = registry.Sample{Success: false, DurationSeconds: duration}
		if resp.Error != "" {
			return Response{}, brokererr.New(brokererr.ProviderBadResponse, resp.Error)
		}
		return Response{}, brokererr.New(brokererr.ProviderBadResponse, "provider returned no response")
	}

	success := len(resp.Response.Choices) > 0
	tps := 0.0
	var usage ledger.Usage
	if resp.Response.Usage != nil {
		total := resp.Response.Usage.TotalTokens
		if total == 0 {
			total = resp.Response.Usage.PromptTokens + resp.Response.Usage.CompletionTokens
		}
		usage = ledger.Usage{
			PromptTokens:     resp.Response.Usage.PromptTokens,
			CompletionTokens: resp.Response.Usage.CompletionTokens,
			TotalTokens:      total,
		}
		if duration > 0 {
			tps = float64(usage.TotalTokens) / duration
		}
	}
	terminal = true
	sample = registry.Sample{Success: success, DurationSeconds: duration, TokensPerSecond: tps}

	if !success {
		return Response{}, brokererr.New(brokererr.ProviderBadResponse, "provider returned no choices")
	}

	// 9. Account.
	settlement, err := d.ledger.Settle(consumerAccount, chosen.view.AccountID, chosen.model, modelCap.Tier, usage,
		ledger.Performance{DurationSeconds: duration, TokensPerSecond: tps})
	if err != nil {
		activity.Logf(d.log, "warning", "dispatcher: settlement failed for %s: %v", consumerAccount, err)
		return Response{}, err
	}

	// 10. Return.
	return Response{
		Choices:    resp.Response.Choices,
		ModelTier:  modelCap.Tier,
		ProviderID: chosen.view.Handle,
		Usage: Usage{
			MuleAmount:          settlement.MuleAmount,
			DurationSeconds:     duration,
			TokensPerSecond:     tps,
			TransactionMuleCost: settlement.TransactionMuleCost,
		},
	}, nil
}
