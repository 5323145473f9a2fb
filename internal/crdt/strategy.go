package crdt

import "strings"

// Strategy is the closed set of merge policies. Unknown inputs map to
// StrategyUnknown and must be routed to rejection, never executed.
type Strategy string

const (
	// StrategyLWW resolves with a last-write-wins register.
	StrategyLWW Strategy = "lww"
	// StrategyAWSet resolves with an add-wins set.
	StrategyAWSet Strategy = "awset"
	// StrategyMVR retains all concurrent values for human adjudication.
	StrategyMVR Strategy = "mvr"
	// StrategyGCounter resolves with a grow-only / PN counter.
	StrategyGCounter Strategy = "gcounter"
	// StrategyUnknown marks an unrecognized policy value.
	StrategyUnknown Strategy = "unknown"
)

// ParseStrategy maps raw input to a Strategy variant.
func ParseStrategy(raw string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyLWW:
		return StrategyLWW
	case StrategyAWSet:
		return StrategyAWSet
	case StrategyMVR:
		return StrategyMVR
	case StrategyGCounter:
		return StrategyGCounter
	default:
		return StrategyUnknown
	}
}

// fieldPolicies maps entity type and field name to the merge policy that
// fits the field's business meaning. Money-moving and price fields use
// mvr so concurrent edits force a human decision instead of a silent
// winner; purely additive collections use awset; counters use gcounter.
var fieldPolicies = map[string]map[string]Strategy{
	"product": {
		"name":      StrategyLWW,
		"price_bs":  StrategyMVR,
		"price_usd": StrategyMVR,
		"stock":     StrategyGCounter,
		"active":    StrategyLWW,
	},
	"inventory_movement": {
		"quantity": StrategyAWSet,
	},
	"sale": {
		"items":     StrategyAWSet,
		"total_bs":  StrategyGCounter,
		"total_usd": StrategyGCounter,
	},
	"customer": {
		"name":    StrategyLWW,
		"phone":   StrategyLWW,
		"address": StrategyLWW,
	},
	"debt": {
		"payments": StrategyAWSet,
		"status":   StrategyLWW,
	},
	"cash_session": {
		"entries": StrategyAWSet,
	},
}

// RecommendStrategy returns the merge policy for an entity field,
// defaulting to last-write-wins.
func RecommendStrategy(entityType, fieldName string) Strategy {
	if fields, ok := fieldPolicies[entityType]; ok {
		if strategy, ok := fields[fieldName]; ok {
			return strategy
		}
	}
	return StrategyLWW
}
