package readmodel

import "time"

// CashSession is the projected register session state the ingest
// validators consult. It tracks who opened the session and whether it
// is still open, nothing else.
type CashSession struct {
	CashSessionID  string `gorm:"column:cash_session_id;primaryKey;size:190"`
	StoreID        string `gorm:"column:store_id;size:190;index"`
	OwnerUserID    string `gorm:"column:owner_user_id;size:190"`
	Open           bool   `gorm:"column:open"`
	OpenedAtMillis int64  `gorm:"column:opened_at_ms"`
	ClosedAtMillis int64  `gorm:"column:closed_at_ms"`
	// EventAtMillis is the business timestamp of the last event folded
	// into this row, used to drop stale out-of-order updates.
	EventAtMillis int64     `gorm:"column:event_at_ms"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName maps the model onto its read table.
func (CashSession) TableName() string {
	return "read_cash_sessions"
}

// ProductPrice is the projected catalog price the ingest validators
// compare declared sale prices against.
type ProductPrice struct {
	StoreID       string    `gorm:"column:store_id;primaryKey;size:190"`
	ProductID     string    `gorm:"column:product_id;primaryKey;size:190"`
	Name          string    `gorm:"column:name;size:500"`
	PriceBS       float64   `gorm:"column:price_bs"`
	PriceUSD      float64   `gorm:"column:price_usd"`
	Active        bool      `gorm:"column:active"`
	EventAtMillis int64     `gorm:"column:event_at_ms"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName maps the model onto its read table.
func (ProductPrice) TableName() string {
	return "read_product_prices"
}
