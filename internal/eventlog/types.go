package eventlog

import "strings"

// EventType is the closed set of business event kinds the log accepts.
// Unknown values map to EventTypeUnknown and are rejected at ingestion.
type EventType string

const (
	EventTypeProductCreated      EventType = "ProductCreated"
	EventTypeProductUpdated      EventType = "ProductUpdated"
	EventTypeProductDeactivated  EventType = "ProductDeactivated"
	EventTypePriceChanged        EventType = "PriceChanged"
	EventTypeStockReceived       EventType = "StockReceived"
	EventTypeStockAdjusted       EventType = "StockAdjusted"
	EventTypeSaleCreated         EventType = "SaleCreated"
	EventTypeCashSessionOpened   EventType = "CashSessionOpened"
	EventTypeCashSessionClosed   EventType = "CashSessionClosed"
	EventTypeCustomerCreated     EventType = "CustomerCreated"
	EventTypeCustomerUpdated     EventType = "CustomerUpdated"
	EventTypeDebtCreated         EventType = "DebtCreated"
	EventTypeDebtPaymentRecorded EventType = "DebtPaymentRecorded"
	EventTypeUnknown             EventType = "Unknown"
)

// knownEventTypes maps every accepted event type to the entity type its
// payload mutates.
var knownEventTypes = map[EventType]string{
	EventTypeProductCreated:      "product",
	EventTypeProductUpdated:      "product",
	EventTypeProductDeactivated:  "product",
	EventTypePriceChanged:        "product",
	EventTypeStockReceived:       "inventory_movement",
	EventTypeStockAdjusted:       "inventory_movement",
	EventTypeSaleCreated:         "sale",
	EventTypeCashSessionOpened:   "cash_session",
	EventTypeCashSessionClosed:   "cash_session",
	EventTypeCustomerCreated:     "customer",
	EventTypeCustomerUpdated:     "customer",
	EventTypeDebtCreated:         "debt",
	EventTypeDebtPaymentRecorded: "debt",
}

// ParseEventType maps raw input to an EventType variant.
func ParseEventType(raw string) EventType {
	candidate := EventType(strings.TrimSpace(raw))
	if _, known := knownEventTypes[candidate]; known {
		return candidate
	}
	return EventTypeUnknown
}

// Known reports whether the type belongs to the accepted enum.
func (t EventType) Known() bool {
	_, known := knownEventTypes[t]
	return known
}

// EntityType returns the logical entity the event type mutates, or the
// empty string for unknown types.
func (t EventType) EntityType() string {
	return knownEventTypes[t]
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	return string(t)
}
