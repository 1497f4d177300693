package dispatcher

import "github.com/cm64-studio/llmule-broker/internal/registry"

// candidate pairs a registry snapshot with the concrete advertised model
// resolveModel picked for it.
type candidate struct {
	view  registry.View
	model string
	score float64
}

// score implements spec §4.5 step 5's formula.
func score(view registry.View, loadThreshold int) float64 {
	loadTerm := 1 - float64(view.InFlight)/float64(loadThreshold)
	perfTerm := view.TPSEWMA / 100
	if perfTerm > 1 {
		perfTerm = 1
	}
	return 0.6*loadTerm + 0.4*perfTerm
}

// selectBest picks the highest-scoring candidate, tie-breaking by earliest
// RegisteredAt (stable by first-registered, spec §4.5 step 5).
func selectBest(candidates []candidate) (candidate, bool) {
	if len(candidates) == 0 {
		return candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score {
			best = c
			continue
		}
		if c.score == best.score && c.view.RegisteredAt.Before(best.view.RegisteredAt) {
			best = c
		}
	}
	return best, true
}

// filterCandidates implements spec §4.5 step 3: keep only active,
// request-ready, open-handle entries under the load threshold, further
// filtered by model compatibility.
func filterCandidates(views []registry.View, requested string, loadThreshold int) []candidate {
	var out []candidate
	for _, v := range views {
		if v.Status != registry.StatusActive || !v.ReadyForRequests || !v.HandleOpen {
			continue
		}
		if v.InFlight >= int64(loadThreshold) {
			continue
		}
		model, ok := resolveModel(requested, v)
		if !ok {
			continue
		}
		out = append(out, candidate{view: v, model: model, score: score(v, loadThreshold)})
	}
	return out
}
