package conflict

// Priority classifies a conflict for operator triage ordering. It never
// influences resolution itself.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

type fieldKey struct {
	entity string
	field  string
}

// Money-moving combinations surface first in the review queue.
var criticalFields = map[fieldKey]bool{
	{"sale", "total_bs"}:                true,
	{"sale", "total_usd"}:               true,
	{"debt", "amount_bs"}:               true,
	{"debt", "amount_usd"}:              true,
	{"cash_session", "final_balance"}:   true,
	{"cash_session", "counted_cash_bs"}: true,
}

var highFields = map[fieldKey]bool{
	{"product", "price_bs"}:            true,
	{"product", "price_usd"}:           true,
	{"product", "stock"}:               true,
	{"inventory_movement", "quantity"}: true,
}

// ClassifyPriority returns the triage priority for a contested field.
func ClassifyPriority(entityType, fieldName string) Priority {
	key := fieldKey{entity: entityType, field: fieldName}
	if criticalFields[key] {
		return PriorityCritical
	}
	if highFields[key] {
		return PriorityHigh
	}
	if entityType == "customer" || entityType == "supplier" {
		return PriorityMedium
	}
	return PriorityLow
}
