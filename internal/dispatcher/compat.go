// Package dispatcher is the Dispatcher (spec §4.5): route(consumer,
// request) → response, the classify → pre-check-balance → filter → score →
// reserve → forward → await → account → return pipeline.
//
// Grounded on internal/worker/runner.go's dispatch-loop shape (since
// deleted — fetch a unit of work, do it, account for the outcome) and on
// other_examples/gaspardpetit-nfrx__spi.go's Scheduler.PickWorker for the
// idea of a pure selection function over a worker/provider snapshot.
package dispatcher

import (
	"strings"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
	"github.com/cm64-studio/llmule-broker/internal/registry"
)

// resolveModel implements spec §4.5.1's model-compatibility rules: given a
// requested identifier and a candidate provider's snapshot, it returns the
// concrete advertised model to forward the request under, or ok=false if
// the provider doesn't satisfy the request.
func resolveModel(requested string, candidate registry.View) (resolved string, ok bool) {
	if tier, isTier := classifier.IsTierSelector(requested); isTier {
		for _, m := range candidate.AdvertisedModels {
			if classifier.Classify(m).Tier == tier {
				return m, true
			}
		}
		return "", false
	}

	if tier, sub, isCombined := classifier.SplitCombinedSelector(requested); isCombined {
		for _, m := range candidate.AdvertisedModels {
			if classifier.Classify(m).Tier == tier && strings.Contains(strings.ToLower(m), sub) {
				return m, true
			}
		}
		return "", false
	}

	if model, handle, isAddressed := classifier.SplitAddressedSelector(requested); isAddressed {
		if candidate.Handle != handle {
			return "", false
		}
		target := classifier.Normalize(model)
		for _, m := range candidate.AdvertisedModels {
			if classifier.Normalize(m) == target {
				return m, true
			}
		}
		return "", false
	}

	// Otherwise: exact model selector, no tier fallback.
	target := classifier.Normalize(requested)
	for _, m := range candidate.AdvertisedModels {
		if classifier.Normalize(m) == target {
			return m, true
		}
	}
	return "", false
}

// isMalformedSelector reports the one case spec §4.5 step 1 calls out:
// classify is total, but a combined selector whose head is not a known tier
// or an addressed selector with an empty model/handle is a request error,
// not a routing miss. A combined selector with an empty substring is
// accepted here.
func isMalformedSelector(requested string) bool {
	if strings.Contains(requested, "|") {
		if _, _, ok := classifier.SplitCombinedSelector(requested); !ok {
			return true
		}
	}
	if strings.Contains(requested, "@") {
		if _, _, ok := classifier.SplitAddressedSelector(requested); !ok {
			return true
		}
	}
	return false
}
