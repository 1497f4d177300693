package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cm64-studio/llmule-broker/internal/brokererr"
)

// errorEnvelope is spec §6's client-facing error shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// errorType maps a brokererr.Code to the broad category spec §6's
// {error:{type,...}} field names ("invalid_request_error" vs
// "insufficient_balance_error" vs "provider_error" vs "internal_error").
func errorType(code brokererr.Code) string {
	switch code {
	case brokererr.InvalidModel, brokererr.NoProviderAvailable:
		return "invalid_request_error"
	case brokererr.InsufficientBalance:
		return "insufficient_balance_error"
	case brokererr.ProviderTimeout, brokererr.ProviderTransportError, brokererr.ProviderBadResponse:
		return "provider_error"
	default:
		return "internal_error"
	}
}

// lowerCode maps a brokererr.Code to the lowercase, snake_case wire code
// spec §6 calls out explicitly for NO_PROVIDER_AVAILABLE ("model_not_available").
func lowerCode(code brokererr.Code) string {
	if code == brokererr.NoProviderAvailable {
		return "model_not_available"
	}
	return string(code)
}

// writeError translates err into spec §6's error envelope and HTTP status.
// A non-*brokererr.Error is treated as INTERNAL and never leaks its message
// to the client (spec §7: "never leak details beyond a request id").
func writeError(w http.ResponseWriter, err error) {
	var be *brokererr.Error
	if !errors.As(err, &be) {
		be = brokererr.Wrap(brokererr.Internal, "internal error", err)
	}

	message := be.Message
	if be.Code == brokererr.Internal {
		message = "internal error"
	}

	var env errorEnvelope
	env.Error.Message = message
	env.Error.Type = errorType(be.Code)
	env.Error.Code = lowerCode(be.Code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(be.HTTPStatus())
	_ = json.NewEncoder(w).Encode(env)
}
