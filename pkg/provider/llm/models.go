package llm

import (
	"strings"

	"github.com/MrWong99/callscribe/pkg/types"
)

// ModelFamily describes the limits shared by models whose lower-cased name
// matches Match.
type ModelFamily struct {
	// Match is a name prefix, or a substring when Anywhere is set.
	Match    string
	Anywhere bool

	ContextWindow   int
	MaxOutputTokens int

	// NoJSONMode marks families that reject a JSON response format.
	NoJSONMode bool
}

func (f ModelFamily) matches(lower string) bool {
	if f.Anywhere {
		return strings.Contains(lower, f.Match)
	}
	return strings.HasPrefix(lower, f.Match)
}

// KnownModels is consulted in order; more specific names come first.
var KnownModels = []ModelFamily{
	{Match: "gpt-4o", ContextWindow: 128_000, MaxOutputTokens: 16_384},
	{Match: "gpt-4.1", ContextWindow: 128_000, MaxOutputTokens: 16_384},
	{Match: "gpt-4-turbo", ContextWindow: 128_000, MaxOutputTokens: 4_096},
	{Match: "gpt-4", ContextWindow: 8_192, MaxOutputTokens: 4_096, NoJSONMode: true},
	{Match: "gpt-3.5-turbo", ContextWindow: 16_385, MaxOutputTokens: 4_096},
	{Match: "o1-mini", ContextWindow: 128_000, MaxOutputTokens: 65_536, NoJSONMode: true},
	{Match: "o1", ContextWindow: 200_000, MaxOutputTokens: 100_000},
	{Match: "o3", ContextWindow: 200_000, MaxOutputTokens: 100_000},
	{Match: "o4", ContextWindow: 200_000, MaxOutputTokens: 100_000},
	{Match: "claude-3-opus", Anywhere: true, ContextWindow: 200_000, MaxOutputTokens: 4_096},
	{Match: "claude", ContextWindow: 200_000, MaxOutputTokens: 8_192},
	{Match: "gemini-1.5-pro", Anywhere: true, ContextWindow: 2_097_152, MaxOutputTokens: 8_192},
	{Match: "gemini", ContextWindow: 1_048_576, MaxOutputTokens: 8_192},
}

// LookupModel returns base with the limits of the first [KnownModels] family
// matching model. Unknown models get base unchanged.
func LookupModel(model string, base types.ModelCapabilities) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range KnownModels {
		if !f.matches(lower) {
			continue
		}
		base.ContextWindow = f.ContextWindow
		base.MaxOutputTokens = f.MaxOutputTokens
		if f.NoJSONMode {
			base.SupportsJSONMode = false
		}
		return base
	}
	return base
}
