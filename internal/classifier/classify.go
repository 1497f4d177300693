// Package classifier maps a free-form model identifier, as advertised by a
// provider or requested by a client, to a normalized capability record.
//
// The identifier space is adversarial: it is whatever string a given runtime
// (Ollama, LM Studio, a raw GGUF path) happened to produce. Classify resolves
// it through an ordered table of rules, the same shape the node agent uses to
// turn "nvidia-smi"/"ollama list" output into capability tags — first match
// wins, and there is always a match.
package classifier

import (
	"regexp"
	"strings"
)

// Tier is a capability bucket. It is the single source of truth for pricing
// and routing decisions downstream; no other component reinterprets a model
// name once it has been classified.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
	TierXL     Tier = "xl"
)

// Type is the coarse modality of a model.
type Type string

const (
	TypeLLM        Type = "llm"
	TypeImage      Type = "image"
	TypeWhisper    Type = "whisper"
	TypeMultimodal Type = "multimodal"
)

// Capability is the derived, cached record a model identifier resolves to.
type Capability struct {
	Tier    Tier
	Context int
	Type    Type
}

// defaultContext holds the context-window default for each tier.
var defaultContext = map[Tier]int{
	TierSmall:  4096,
	TierMedium: 8192,
	TierLarge:  32768,
	TierXL:     32768,
}

func defaultsFor(tier Tier) Capability {
	return Capability{Tier: tier, Context: defaultContext[tier], Type: TypeLLM}
}

// familyTable maps the leading token of an identifier (the basename after
// any "/" prefix, up to the first '-' or ':') to a tier. Some families are version-sensitive and are special-cased
// in classifyFamily instead of appearing here.
var familyTable = map[string]Tier{
	"mistral":   TierMedium,
	"mixtral":   TierLarge,
	"phi3":      TierSmall,
	"phi2":      TierSmall,
	"gemma":     TierSmall,
	"gemma2":    TierMedium,
	"qwen":      TierMedium,
	"qwen2":     TierMedium,
	"yi":        TierMedium,
	"falcon":    TierMedium,
	"vicuna":    TierMedium,
	"orca":      TierSmall,
	"tinyllama": TierSmall,
}

// sizePattern is one entry of the size-pattern table: a tier and the regular
// expression that indicates it when a parameter-count hint appears in the
// identifier (e.g. "7b", "70b", "1.5b").
type sizePattern struct {
	tier Tier
	re   *regexp.Regexp
}

// sizePatterns is evaluated in order; the first match wins. It is keyed off
// explicit parameter-count and well-known size-adjacent substrings rather
// than the family table, so an unfamiliar family name ("openhermes-13b") still
// gets a reasonable tier from its size hint.
var sizePatterns = []sizePattern{
	{TierSmall, regexp.MustCompile(`\b[1-3]\.?\d?b\b`)},
	{TierMedium, regexp.MustCompile(`\b7b\b|mistral`)},
	{TierLarge, regexp.MustCompile(`mixtral|\b1[0-9]b\b|\b2[0-9]b\b`)},
	{TierXL, regexp.MustCompile(`\b(6[5-9]|70)b\b`)},
}

var tinySubstring = regexp.MustCompile(`mini|tiny|small`)

var leadingToken = regexp.MustCompile(`[-:]`)

// Classify is total, deterministic, and never fails: every identifier
// resolves to a Capability, falling back to the medium default.
//
// Combined selectors ("<tier>|<substring>") and addressed selectors
// ("<model>@<handle>") are recognized here but only partially resolved — the
// substring/handle constraint is carried through to dispatch-time provider
// matching (see the dispatcher package), since it names a property of the
// eventual provider, not of the model identifier alone.
func Classify(identifier string) Capability {
	id := strings.TrimSpace(identifier)
	lower := strings.ToLower(id)

	if tier, ok := directTierSelector(lower); ok {
		return defaultsFor(tier)
	}

	if tier, _, ok := SplitCombinedSelector(id); ok {
		return defaultsFor(tier)
	}

	if model, _, ok := SplitAddressedSelector(id); ok {
		return Classify(model)
	}

	if tinySubstring.MatchString(lower) {
		return defaultsFor(TierSmall)
	}

	if tier, ok := classifyFamily(lower); ok {
		return defaultsFor(tier)
	}

	for _, p := range sizePatterns {
		if p.re.MatchString(lower) {
			return defaultsFor(p.tier)
		}
	}

	return defaultsFor(TierMedium)
}

func directTierSelector(lower string) (Tier, bool) {
	switch Tier(lower) {
	case TierSmall, TierMedium, TierLarge, TierXL:
		return Tier(lower), true
	}
	return "", false
}

// IsTierSelector reports whether identifier is a pure tier selector (e.g.
// "large"), for the dispatcher's model-compatibility resolution (spec
// §4.5.1).
func IsTierSelector(identifier string) (Tier, bool) {
	return directTierSelector(strings.ToLower(strings.TrimSpace(identifier)))
}

// SplitCombinedSelector splits a "<tier>|<substring>" request. The substring
// is returned lower-cased, matching how it is compared against provider
// model names at dispatch time.
func SplitCombinedSelector(identifier string) (tier Tier, substring string, ok bool) {
	idx := strings.Index(identifier, "|")
	if idx < 0 {
		return "", "", false
	}
	head := strings.ToLower(strings.TrimSpace(identifier[:idx]))
	switch Tier(head) {
	case TierSmall, TierMedium, TierLarge, TierXL:
		return Tier(head), strings.ToLower(strings.TrimSpace(identifier[idx+1:])), true
	}
	return "", "", false
}

// SplitAddressedSelector splits a "<model>@<provider-handle>" request.
func SplitAddressedSelector(identifier string) (model string, handle string, ok bool) {
	idx := strings.LastIndex(identifier, "@")
	if idx < 0 {
		return "", "", false
	}
	model = identifier[:idx]
	handle = identifier[idx+1:]
	if model == "" || handle == "" {
		return "", "", false
	}
	return model, handle, true
}

// Normalize strips version tags (":" suffixes) and path prefixes ("/"
// segments), then lower-cases, for exact model-name comparison between a
// requested identifier and a provider's advertised model list.
func Normalize(identifier string) string {
	s := strings.ToLower(strings.TrimSpace(identifier))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		s = s[idx+1:]
	}
	return s
}

// classifyFamily looks up the leading token (the substring before the first
// '-' or ':', ignoring any "/"-delimited path prefix such as a HuggingFace
// namespace) in the family table. A handful of families are version-
// sensitive and are resolved from the full lower-cased identifier rather
// than the bare family name.
func classifyFamily(lower string) (Tier, bool) {
	basename := lower
	if idx := strings.LastIndex(basename, "/"); idx >= 0 {
		basename = basename[idx+1:]
	}

	family := basename
	if loc := leadingToken.FindStringIndex(basename); loc != nil {
		family = basename[:loc[0]]
	}

	switch family {
	case "llama2", "llama3":
		switch {
		case strings.Contains(lower, "70b"):
			return TierXL, true
		case strings.Contains(lower, "13b"):
			return TierLarge, true
		default:
			return TierMedium, true
		}
	case "phi":
		switch {
		case strings.Contains(lower, "phi-4") || strings.Contains(lower, "phi4"):
			return TierLarge, true
		default:
			return TierSmall, true
		}
	}

	if tier, ok := familyTable[family]; ok {
		return tier, true
	}
	return "", false
}
