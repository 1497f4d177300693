package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// AccountResolver maps an API key to its account id. Authentication and
// account provisioning are an external system per spec §1; this is the seam
// where that system is consulted, mirroring registry.CredentialVerifier on
// the provider-facing side.
type AccountResolver func(apiKey string) (accountID string, ok bool)

type accountKey struct{}

// accountFrom reads the account id a prior authMiddleware call stashed in
// the request context.
func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountKey{}).(string)
	return id
}

// authMiddleware implements spec §6's "bearer API key or x-api-key header"
// authentication for every route under it.
func authMiddleware(resolve AccountResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bearerToken(r)
			if key == "" {
				key = r.Header.Get("x-api-key")
			}
			if key == "" {
				writeUnauthorized(w, "missing API key")
				return
			}

			accountID, ok := resolve(key)
			if !ok {
				writeUnauthorized(w, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), accountKey{}, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	var env errorEnvelope
	env.Error.Message = message
	env.Error.Type = "authentication_error"
	env.Error.Code = "invalid_api_key"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(env)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
