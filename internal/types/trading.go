package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses. pending -> {filled, rejected, cancelled} and
// pending -> partially_filled -> {filled, cancelled}; terminal states
// never transition again.
const (
	OrderPending         = "pending"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderRejected        = "rejected"
	OrderCancelled       = "cancelled"
)

// Order sides and types
const (
	SideBuy    = "buy"
	SideSell   = "sell"
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Position statuses
const (
	PositionOpen    = "open"
	PositionClosing = "closing"
	PositionClosed  = "closed"
)

// Position sides
const (
	PositionLong  = "long"
	PositionShort = "short"
)

type Order struct {
	gorm.Model       `json:"-"`
	OrderID          string              `gorm:"uniqueIndex" json:"order_id"`
	Exchange         string              `gorm:"index" json:"exchange"`
	Symbol           string              `json:"symbol"`
	Side             string              `json:"side"`
	OrderType        string              `json:"order_type"`
	Amount           decimal.Decimal     `gorm:"type:decimal(32,16)" json:"amount"`
	Price            decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"price,omitempty"`
	Status           string              `json:"status"`
	ExchangeOrderID  string              `json:"exchange_order_id,omitempty"`
	ClientOrderID    string              `json:"client_order_id"`
	IdempotencyKey   string              `gorm:"uniqueIndex" json:"idempotency_key"`
	FilledAmount     decimal.Decimal     `gorm:"type:decimal(32,16)" json:"filled_amount"`
	AverageFillPrice decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"average_fill_price,omitempty"`
	Version          int                 `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	FilledAt         *time.Time          `json:"filled_at,omitempty"`
	CancelledAt      *time.Time          `json:"cancelled_at,omitempty"`
}

// IsTerminal reports whether the order may never change status again.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderFilled || o.Status == OrderRejected || o.Status == OrderCancelled
}

type Position struct {
	gorm.Model   `json:"-"`
	PositionID   string              `gorm:"uniqueIndex" json:"position_id"`
	Exchange     string              `gorm:"index" json:"exchange"`
	Symbol       string              `json:"symbol"`
	Side         string              `json:"side"` // long or short
	Size         decimal.Decimal     `gorm:"type:decimal(32,16)" json:"size"`
	EntryPrice   decimal.Decimal     `gorm:"type:decimal(32,16)" json:"entry_price"`
	CurrentPrice decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"current_price,omitempty"`
	RealizedPnL  decimal.Decimal     `gorm:"column:realized_pnl;type:decimal(32,16)" json:"realized_pnl"`
	Status       string              `json:"status"`
	Version      int                 `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// PaperOrder and PaperPosition mirror the live rows in a parallel namespace
// so the same downstream readers work against simulated trading. The two
// namespaces never merge.
type PaperOrder Order

func (PaperOrder) TableName() string { return "paper_orders" }

type PaperPosition Position

func (PaperPosition) TableName() string { return "paper_positions" }

// TransactionLog records the outcome of every order attempt that reached
// the execution path, success or failure.
type TransactionLog struct {
	gorm.Model `json:"-"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Exchange   string    `json:"exchange"`
	Action     string    `json:"action"`
	Status     string    `json:"status"` // success or failed
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// BalanceSnapshot is a point-in-time account balance, used by the risk
// manager for drawdown and by the dashboard aggregator.
type BalanceSnapshot struct {
	gorm.Model `json:"-"`
	Exchange   string          `gorm:"index" json:"exchange"`
	TotalUSD   decimal.Decimal `gorm:"type:decimal(18,2)" json:"total_usd"`
	Paper      bool            `json:"paper"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TradingConfig is the single global trading state row. Writers bump
// Version and share UpdatedAt with the machine and deployment rows they
// reconcile so readers can detect a half-applied change.
type TradingConfig struct {
	gorm.Model      `json:"-"`
	BotStatus       string          `json:"bot_status"`
	TradingEnabled  bool            `json:"trading_enabled"`
	TradingMode     string          `json:"trading_mode"` // live or paper
	KillSwitch      bool            `json:"kill_switch"`
	MaxPositionSize decimal.Decimal `gorm:"type:decimal(18,2)" json:"max_position_size"`
	MaxDailyLoss    decimal.Decimal `gorm:"type:decimal(18,2)" json:"max_daily_loss"`
	MaxDrawdownPct  decimal.Decimal `gorm:"type:decimal(6,2)" json:"max_drawdown_pct"`
	MaxSlippagePct  decimal.Decimal `gorm:"type:decimal(6,3)" json:"max_slippage_pct"`
	MinBalance      decimal.Decimal `gorm:"type:decimal(18,2)" json:"min_balance"`
	Version         int             `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Signal is a strategy signal surfaced to the dashboard; the control plane
// never acts on these directly.
type Signal struct {
	gorm.Model `json:"-"`
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExchangeCredential stores one encrypted API credential field for an
// exchange, mirroring the provider credential shape.
type ExchangeCredential struct {
	gorm.Model     `json:"-"`
	Exchange       string `gorm:"uniqueIndex:idx_exchange_field" json:"exchange"`
	FieldName      string `gorm:"uniqueIndex:idx_exchange_field" json:"field_name"`
	ValueEncrypted string `json:"-"`
}
