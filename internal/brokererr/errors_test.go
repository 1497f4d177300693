package brokererr

import (
	"errors"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{InvalidModel, 400},
		{NoProviderAvailable, 400},
		{InsufficientBalance, 402},
		{ProviderTimeout, 504},
		{ProviderTransportError, 502},
		{ProviderBadResponse, 502},
		{Internal, 500},
		{Code("unknown"), 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e := New(tt.code, "boom")
			if got := e.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("store unavailable")
	e := Wrap(Internal, "settlement failed", cause)
	if !errors.Is(e, cause) {
		t.Errorf("errors.Is did not find wrapped cause")
	}
	var target *Error
	if !errors.As(e, &target) {
		t.Errorf("errors.As did not find *Error")
	}
}
