// Package session is the Session Layer (spec §4.6): a per-provider duplex
// channel carrying length-delimited, structured messages. It adapts the
// teacher's internal/redisapi.WSClient — a handlers-map-plus-readLoop
// gorilla/websocket client — into the server side of the same protocol:
// the broker accepts provider connections rather than dialing out, so
// there is no reconnect-with-backoff, but the per-kind demux (a switch on
// the frame's op) and the locked single-writer discipline carry over.
package session

import "encoding/json"

// Kind enumerates the wire message types spec §4.6 names.
type Kind string

const (
	KindRegister           Kind = "register"
	KindRegistered         Kind = "registered"
	KindPing               Kind = "ping"
	KindPong               Kind = "pong"
	KindCompletionRequest  Kind = "completion_request"
	KindCompletionResponse Kind = "completion_response"
	KindError              Kind = "error"
)

// Envelope is the wire shape every message shares: an op/kind discriminator
// plus a correlation id for request/response pairing.
type Envelope struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`
}

// RegisterMessage is the provider's handshake payload (spec §4.6,
// Handshake): "the provider's first message MUST be register carrying its
// credential and advertised model list." Field names follow spec §6's wire
// contract literally: `{op:"register", api_key, models}`.
type RegisterMessage struct {
	Op               string   `json:"op"`
	Credential       string   `json:"api_key"`
	AdvertisedModels []string `json:"models"`
}

// RegisteredMessage is the broker's handshake ack.
type RegisteredMessage struct {
	Op     string `json:"op"`
	Handle string `json:"handle"`
}

// CompletionRequest is forwarded to the provider on the chosen write
// handle (spec §4.5 step 7).
type CompletionRequest struct {
	Op          string          `json:"op"`
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	Messages    json.RawMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

// CompletionResponse is the provider's reply, demuxed by ID to the
// dispatcher's pending-request table (spec §4.6, Demux). Spec §6's wire
// contract nests the chat-completion payload under `response`:
// `{op:"completion_response", id, response:<chat-completion>}`; `error` is
// a sibling of `response` for the case where the provider cannot produce
// one at all.
type CompletionResponse struct {
	Op       string                  `json:"op"`
	ID       string                  `json:"id"`
	Response *ChatCompletionResponse `json:"response,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// ChatCompletionResponse is the OpenAI-shaped chat-completion payload
// nested under CompletionResponse.Response.
type ChatCompletionResponse struct {
	Choices json.RawMessage `json:"choices,omitempty"`
	Usage   *ReportedUsage  `json:"usage,omitempty"`
}

// ReportedUsage is the token usage the provider reports for a completed
// request, consumed by the Tokenomics Engine during settlement.
type ReportedUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ErrorMessage is sent to the provider on a malformed handshake or a
// protocol violation.
type ErrorMessage struct {
	Op      string `json:"op"`
	Message string `json:"error"`
}

// PingMessage is the keep-alive probe the heartbeat monitor sends.
type PingMessage struct {
	Op string `json:"op"`
	ID string `json:"id"`
}
