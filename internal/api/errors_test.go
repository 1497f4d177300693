package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/cm64-studio/llmule-broker/internal/brokererr"
)

func TestWriteErrorMapsCodeToEnvelope(t *testing.T) {
	tests := []struct {
		code       brokererr.Code
		wantStatus int
		wantCode   string
		wantType   string
	}{
		{brokererr.InvalidModel, 400, "INVALID_MODEL", "invalid_request_error"},
		{brokererr.NoProviderAvailable, 400, "model_not_available", "invalid_request_error"},
		{brokererr.InsufficientBalance, 402, "INSUFFICIENT_BALANCE", "insufficient_balance_error"},
		{brokererr.ProviderTimeout, 504, "PROVIDER_TIMEOUT", "provider_error"},
		{brokererr.Internal, 500, "INTERNAL", "internal_error"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, brokererr.New(tt.code, "boom"))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var env errorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", env.Error.Code, tt.wantCode)
			}
			if env.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", env.Error.Type, tt.wantType)
			}
		})
	}
}

func TestWriteErrorNeverLeaksInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("sqlite: disk I/O error at /secret/path"))

	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Message != "internal error" {
		t.Errorf("message = %q, should not leak the underlying cause", env.Error.Message)
	}
	if rec.Code != 500 {
		t.Errorf("status = %d, want 500 for an uncategorized error", rec.Code)
	}
}
