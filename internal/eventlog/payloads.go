package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPayload indicates a payload that fails its type's validation.
var ErrInvalidPayload = errors.New("eventlog: invalid payload")

// totalsTolerance bounds the allowed drift between declared sale totals
// and the totals reconstructed from the line items.
const totalsTolerance = 0.01

// Payload is implemented by every concrete event payload type.
type Payload interface {
	// EntityID returns the identifier of the logical entity the event
	// mutates, or the empty string when the payload carries none.
	EntityID() string
	// Validate applies the payload type's structural business rules.
	Validate() error
}

// DecodePayload parses raw JSON into the concrete payload type for the
// event type and runs its validation.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	var payload Payload
	switch eventType {
	case EventTypeProductCreated:
		payload = &ProductCreatedPayload{}
	case EventTypeProductUpdated:
		payload = &ProductUpdatedPayload{}
	case EventTypeProductDeactivated:
		payload = &ProductDeactivatedPayload{}
	case EventTypePriceChanged:
		payload = &PriceChangedPayload{}
	case EventTypeStockReceived:
		payload = &StockReceivedPayload{}
	case EventTypeStockAdjusted:
		payload = &StockAdjustedPayload{}
	case EventTypeSaleCreated:
		payload = &SaleCreatedPayload{}
	case EventTypeCashSessionOpened:
		payload = &CashSessionOpenedPayload{}
	case EventTypeCashSessionClosed:
		payload = &CashSessionClosedPayload{}
	case EventTypeCustomerCreated:
		payload = &CustomerCreatedPayload{}
	case EventTypeCustomerUpdated:
		payload = &CustomerUpdatedPayload{}
	case EventTypeDebtCreated:
		payload = &DebtCreatedPayload{}
	case EventTypeDebtPaymentRecorded:
		payload = &DebtPaymentRecordedPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, eventType)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// ProductCreatedPayload registers a new catalog product.
type ProductCreatedPayload struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	PriceBS   float64 `json:"price_bs"`
	PriceUSD  float64 `json:"price_usd"`
	IsActive  bool    `json:"is_active"`
}

func (p *ProductCreatedPayload) EntityID() string { return p.ProductID }

func (p *ProductCreatedPayload) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidPayload)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidPayload)
	}
	if p.PriceBS < 0 || p.PriceUSD < 0 {
		return fmt.Errorf("%w: product prices cannot be negative", ErrInvalidPayload)
	}
	return nil
}

// ProductUpdatedPayload patches catalog fields of an existing product.
type ProductUpdatedPayload struct {
	ProductID string          `json:"product_id"`
	Patch     json.RawMessage `json:"patch"`
}

func (p *ProductUpdatedPayload) EntityID() string { return p.ProductID }

func (p *ProductUpdatedPayload) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidPayload)
	}
	if len(p.Patch) == 0 {
		return fmt.Errorf("%w: patch is required", ErrInvalidPayload)
	}
	return nil
}

// ProductDeactivatedPayload retires a product from sale.
type ProductDeactivatedPayload struct {
	ProductID string `json:"product_id"`
}

func (p *ProductDeactivatedPayload) EntityID() string { return p.ProductID }

func (p *ProductDeactivatedPayload) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidPayload)
	}
	return nil
}

// PriceChangedPayload reprices a product in both currencies.
type PriceChangedPayload struct {
	ProductID   string  `json:"product_id"`
	PriceBS     float64 `json:"price_bs"`
	PriceUSD    float64 `json:"price_usd"`
	Reason      string  `json:"reason"`
	EffectiveAt int64   `json:"effective_at"`
}

func (p *PriceChangedPayload) EntityID() string { return p.ProductID }

func (p *PriceChangedPayload) Validate() error {
	if p.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidPayload)
	}
	if p.PriceBS < 0 || p.PriceUSD < 0 {
		return fmt.Errorf("%w: prices cannot be negative", ErrInvalidPayload)
	}
	return nil
}

// StockReceivedPayload records inbound stock for a product.
type StockReceivedPayload struct {
	MovementID string  `json:"movement_id"`
	ProductID  string  `json:"product_id"`
	Qty        float64 `json:"qty"`
	UnitCostBS float64 `json:"unit_cost_bs"`
}

func (p *StockReceivedPayload) EntityID() string { return p.MovementID }

func (p *StockReceivedPayload) Validate() error {
	if p.MovementID == "" || p.ProductID == "" {
		return fmt.Errorf("%w: movement_id and product_id are required", ErrInvalidPayload)
	}
	if p.Qty <= 0 {
		return fmt.Errorf("%w: received quantity must be positive", ErrInvalidPayload)
	}
	return nil
}

// StockAdjustedPayload records a manual stock correction.
type StockAdjustedPayload struct {
	MovementID string  `json:"movement_id"`
	ProductID  string  `json:"product_id"`
	QtyDelta   float64 `json:"qty_delta"`
	Reason     string  `json:"reason"`
}

func (p *StockAdjustedPayload) EntityID() string { return p.MovementID }

func (p *StockAdjustedPayload) Validate() error {
	if p.MovementID == "" || p.ProductID == "" {
		return fmt.Errorf("%w: movement_id and product_id are required", ErrInvalidPayload)
	}
	if p.QtyDelta == 0 {
		return fmt.Errorf("%w: qty_delta cannot be zero", ErrInvalidPayload)
	}
	return nil
}

// SaleItem is one line of a sale.
type SaleItem struct {
	LineID       string  `json:"line_id"`
	ProductID    string  `json:"product_id"`
	Qty          float64 `json:"qty"`
	UnitPriceBS  float64 `json:"unit_price_bs"`
	UnitPriceUSD float64 `json:"unit_price_usd"`
	DiscountBS   float64 `json:"discount_bs"`
	DiscountUSD  float64 `json:"discount_usd"`
}

// SaleTotals is the declared arithmetic summary of a sale.
type SaleTotals struct {
	SubtotalBS  float64 `json:"subtotal_bs"`
	SubtotalUSD float64 `json:"subtotal_usd"`
	DiscountBS  float64 `json:"discount_bs"`
	DiscountUSD float64 `json:"discount_usd"`
	TotalBS     float64 `json:"total_bs"`
	TotalUSD    float64 `json:"total_usd"`
}

// SalePayment describes how the sale was settled.
type SalePayment struct {
	Method string `json:"method"`
}

// SaleCreatedPayload records a completed sale.
type SaleCreatedPayload struct {
	SaleID        string      `json:"sale_id"`
	RequestID     string      `json:"request_id"`
	CashSessionID string      `json:"cash_session_id"`
	SoldAt        int64       `json:"sold_at"`
	ExchangeRate  float64     `json:"exchange_rate"`
	Currency      string      `json:"currency"`
	Items         []SaleItem  `json:"items"`
	Totals        SaleTotals  `json:"totals"`
	Payment       SalePayment `json:"payment"`
	CustomerID    string      `json:"customer_id,omitempty"`
}

func (p *SaleCreatedPayload) EntityID() string { return p.SaleID }

func (p *SaleCreatedPayload) Validate() error {
	if p.SaleID == "" {
		return fmt.Errorf("%w: sale_id is required", ErrInvalidPayload)
	}
	if p.CashSessionID == "" {
		return fmt.Errorf("%w: cash_session_id is required", ErrInvalidPayload)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: a sale needs at least one item", ErrInvalidPayload)
	}
	if p.ExchangeRate <= 0 {
		return fmt.Errorf("%w: exchange rate must be positive", ErrInvalidPayload)
	}
	for _, item := range p.Items {
		if item.Qty <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %s", ErrInvalidPayload, item.ProductID)
		}
		if item.UnitPriceBS < 0 || item.UnitPriceUSD < 0 {
			return fmt.Errorf("%w: unit prices cannot be negative for product %s", ErrInvalidPayload, item.ProductID)
		}
	}
	return p.validateTotals()
}

// validateTotals reconstructs the declared totals from the line items and
// rejects the sale when the difference exceeds the fixed tolerance.
func (p *SaleCreatedPayload) validateTotals() error {
	var subtotalBS, subtotalUSD, discountBS, discountUSD float64
	for _, item := range p.Items {
		subtotalBS += item.Qty * item.UnitPriceBS
		subtotalUSD += item.Qty * item.UnitPriceUSD
		discountBS += item.DiscountBS
		discountUSD += item.DiscountUSD
	}
	totalBS := subtotalBS - discountBS
	totalUSD := subtotalUSD - discountUSD

	if math.Abs(totalBS-p.Totals.TotalBS) > totalsTolerance {
		return fmt.Errorf("%w: declared total_bs %.2f does not match computed %.2f",
			ErrInvalidPayload, p.Totals.TotalBS, totalBS)
	}
	if math.Abs(totalUSD-p.Totals.TotalUSD) > totalsTolerance {
		return fmt.Errorf("%w: declared total_usd %.2f does not match computed %.2f",
			ErrInvalidPayload, p.Totals.TotalUSD, totalUSD)
	}
	return nil
}

// CashSessionOpenedPayload opens a register cash session.
type CashSessionOpenedPayload struct {
	CashSessionID   string  `json:"cash_session_id"`
	OpenedAt        int64   `json:"opened_at"`
	OpeningAmountBS float64 `json:"opening_amount_bs"`
}

func (p *CashSessionOpenedPayload) EntityID() string { return p.CashSessionID }

func (p *CashSessionOpenedPayload) Validate() error {
	if p.CashSessionID == "" {
		return fmt.Errorf("%w: cash_session_id is required", ErrInvalidPayload)
	}
	if p.OpenedAt <= 0 {
		return fmt.Errorf("%w: opened_at is required", ErrInvalidPayload)
	}
	return nil
}

// CashSessionClosedPayload closes a register cash session.
type CashSessionClosedPayload struct {
	CashSessionID string `json:"cash_session_id"`
	ClosedAt      int64  `json:"closed_at"`
}

func (p *CashSessionClosedPayload) EntityID() string { return p.CashSessionID }

func (p *CashSessionClosedPayload) Validate() error {
	if p.CashSessionID == "" {
		return fmt.Errorf("%w: cash_session_id is required", ErrInvalidPayload)
	}
	if p.ClosedAt <= 0 {
		return fmt.Errorf("%w: closed_at is required", ErrInvalidPayload)
	}
	return nil
}

// CustomerCreatedPayload registers a customer.
type CustomerCreatedPayload struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
}

func (p *CustomerCreatedPayload) EntityID() string { return p.CustomerID }

func (p *CustomerCreatedPayload) Validate() error {
	if p.CustomerID == "" || p.Name == "" {
		return fmt.Errorf("%w: customer_id and name are required", ErrInvalidPayload)
	}
	return nil
}

// CustomerUpdatedPayload patches customer fields.
type CustomerUpdatedPayload struct {
	CustomerID string          `json:"customer_id"`
	Patch      json.RawMessage `json:"patch"`
}

func (p *CustomerUpdatedPayload) EntityID() string { return p.CustomerID }

func (p *CustomerUpdatedPayload) Validate() error {
	if p.CustomerID == "" {
		return fmt.Errorf("%w: customer_id is required", ErrInvalidPayload)
	}
	if len(p.Patch) == 0 {
		return fmt.Errorf("%w: patch is required", ErrInvalidPayload)
	}
	return nil
}

// DebtCreatedPayload opens a customer debt from a credit sale.
type DebtCreatedPayload struct {
	DebtID     string  `json:"debt_id"`
	SaleID     string  `json:"sale_id"`
	CustomerID string  `json:"customer_id"`
	AmountBS   float64 `json:"amount_bs"`
	AmountUSD  float64 `json:"amount_usd"`
}

func (p *DebtCreatedPayload) EntityID() string { return p.DebtID }

func (p *DebtCreatedPayload) Validate() error {
	if p.DebtID == "" || p.CustomerID == "" {
		return fmt.Errorf("%w: debt_id and customer_id are required", ErrInvalidPayload)
	}
	if p.AmountBS < 0 || p.AmountUSD < 0 {
		return fmt.Errorf("%w: debt amounts cannot be negative", ErrInvalidPayload)
	}
	return nil
}

// DebtPaymentRecordedPayload records a payment against a debt.
type DebtPaymentRecordedPayload struct {
	PaymentID string  `json:"payment_id"`
	DebtID    string  `json:"debt_id"`
	PaidAt    int64   `json:"paid_at"`
	AmountBS  float64 `json:"amount_bs"`
	AmountUSD float64 `json:"amount_usd"`
	Method    string  `json:"method"`
}

func (p *DebtPaymentRecordedPayload) EntityID() string { return p.DebtID }

func (p *DebtPaymentRecordedPayload) Validate() error {
	if p.PaymentID == "" || p.DebtID == "" {
		return fmt.Errorf("%w: payment_id and debt_id are required", ErrInvalidPayload)
	}
	if p.AmountBS < 0 || p.AmountUSD < 0 {
		return fmt.Errorf("%w: payment amounts cannot be negative", ErrInvalidPayload)
	}
	return nil
}
