package orders

import (
	"errors"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Database handles order, position and journal persistence for both the
// live and paper namespaces.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a new database instance
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrderIdempotent inserts a pending order gated by the idempotency
// key. When a concurrent or earlier call already inserted the key, the
// existing row is returned with created=false and nothing is written.
func (d *Database) CreateOrderIdempotent(order *types.Order) (created bool, err error) {
	err = d.db.Create(order).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}

	var existing types.Order
	if err := d.db.Where("idempotency_key = ?", order.IdempotencyKey).First(&existing).Error; err != nil {
		return false, types.WrapKind(types.KindInvariantViolation, err, "duplicate idempotency key but no row found")
	}
	*order = existing
	return false, nil
}

// GetOrder retrieves an order by its ID, or nil when absent.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns recent orders, newest first.
func (d *Database) ListOrders(limit int) ([]types.Order, error) {
	var out []types.Order
	err := d.db.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// MarkOrderFilled transitions a pending order to filled. The status guard
// in the WHERE clause enforces that terminal orders never regress; zero
// rows affected means a concurrent writer got there first.
func (d *Database) MarkOrderFilled(orderID, exchangeOrderID string, fillPrice, filledAmount decimal.Decimal, at time.Time) error {
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, []string{types.OrderPending, types.OrderPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":             types.OrderFilled,
			"exchange_order_id":  exchangeOrderID,
			"average_fill_price": fillPrice,
			"filled_amount":      filledAmount,
			"filled_at":          at,
			"updated_at":         at,
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "order %s is already terminal", orderID)
	}
	return nil
}

// MarkOrderRejected transitions a pending order to rejected.
func (d *Database) MarkOrderRejected(orderID string, at time.Time) error {
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, []string{types.OrderPending, types.OrderPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":     types.OrderRejected,
			"updated_at": at,
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "order %s is already terminal", orderID)
	}
	return nil
}

// MarkOrderCancelled transitions a pending or partially filled order to
// cancelled.
func (d *Database) MarkOrderCancelled(orderID string, at time.Time) error {
	res := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, []string{types.OrderPending, types.OrderPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":       types.OrderCancelled,
			"cancelled_at": at,
			"updated_at":   at,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "order %s cannot be cancelled", orderID)
	}
	return nil
}

// GetOpenPosition retrieves the open position for one (exchange, symbol,
// side), or nil. At most one such row may be open.
func (d *Database) GetOpenPosition(exchange, symbol, side string) (*types.Position, error) {
	var pos types.Position
	err := d.db.Where("exchange = ? AND symbol = ? AND side = ? AND status = ?",
		exchange, symbol, side, types.PositionOpen).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPosition retrieves a position by its ID, or nil when absent.
func (d *Database) GetPosition(positionID string) (*types.Position, error) {
	var pos types.Position
	err := d.db.Where("position_id = ?", positionID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListPositions returns positions filtered by status; an empty status
// returns everything.
func (d *Database) ListPositions(status string) ([]types.Position, error) {
	var out []types.Position
	q := d.db.Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}

// CreatePosition inserts a new open position.
func (d *Database) CreatePosition(pos *types.Position) error {
	return d.db.Create(pos).Error
}

// ExtendPosition applies a same-direction fill: size grows and the entry
// price moves to the size-weighted mean. The version check makes the
// read-modify-write optimistic; a conflict reports InvariantViolation.
func (d *Database) ExtendPosition(pos *types.Position, fillSize, fillPrice decimal.Decimal, at time.Time) error {
	newSize := pos.Size.Add(fillSize)
	newEntry := pos.EntryPrice.Mul(pos.Size).Add(fillPrice.Mul(fillSize)).Div(newSize)

	res := d.db.Model(&types.Position{}).
		Where("position_id = ? AND version = ?", pos.PositionID, pos.Version).
		Updates(map[string]interface{}{
			"size":        newSize,
			"entry_price": newEntry,
			"updated_at":  at,
			"version":     pos.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "position %s changed concurrently", pos.PositionID)
	}
	pos.Size = newSize
	pos.EntryPrice = newEntry
	pos.Version++
	return nil
}

// ClosePosition marks a position closed, recording the realized PnL. The
// row is retained for audit.
func (d *Database) ClosePosition(pos *types.Position, realizedPnL, closePrice decimal.Decimal, at time.Time) error {
	res := d.db.Model(&types.Position{}).
		Where("position_id = ? AND version = ? AND status != ?", pos.PositionID, pos.Version, types.PositionClosed).
		Updates(map[string]interface{}{
			"status":        types.PositionClosed,
			"realized_pnl":  realizedPnL,
			"current_price": closePrice,
			"updated_at":    at,
			"version":       pos.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "position %s changed concurrently", pos.PositionID)
	}
	return nil
}

// AppendTransactionLog records one execution-path outcome.
func (d *Database) AppendTransactionLog(orderID, exchange, action, status, detail string) error {
	return d.db.Create(&types.TransactionLog{
		OrderID:   orderID,
		Exchange:  exchange,
		Action:    action,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}).Error
}

// LatestBalance returns the most recent balance snapshot for an exchange
// in the given namespace, or nil when none exists.
func (d *Database) LatestBalance(exchange string, paper bool) (*types.BalanceSnapshot, error) {
	var snap types.BalanceSnapshot
	err := d.db.Where("exchange = ? AND paper = ?", exchange, paper).
		Order("created_at DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// RecentBalances returns up to limit snapshots, newest first.
func (d *Database) RecentBalances(exchange string, paper bool, limit int) ([]types.BalanceSnapshot, error) {
	var out []types.BalanceSnapshot
	err := d.db.Where("exchange = ? AND paper = ?", exchange, paper).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// CreateBalanceSnapshot appends one balance observation.
func (d *Database) CreateBalanceSnapshot(snap *types.BalanceSnapshot) error {
	return d.db.Create(snap).Error
}

// DailyRealizedLoss sums today's realized losses (UTC midnight cutoff)
// across closed positions. Profits offset losses; the result is zero or
// positive.
func (d *Database) DailyRealizedLoss(paper bool) (decimal.Decimal, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	var positions []types.Position
	var err error
	if paper {
		var paperPositions []types.PaperPosition
		err = d.db.Where("status = ? AND updated_at >= ?", types.PositionClosed, midnight).Find(&paperPositions).Error
		for _, p := range paperPositions {
			positions = append(positions, types.Position(p))
		}
	} else {
		err = d.db.Where("status = ? AND updated_at >= ?", types.PositionClosed, midnight).Find(&positions).Error
	}
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.RealizedPnL)
	}
	if total.IsNegative() {
		return total.Neg(), nil
	}
	return decimal.Zero, nil
}

// GetTradingConfig reads the global trading config row, or nil when the
// process has never written one.
func (d *Database) GetTradingConfig() (*types.TradingConfig, error) {
	var cfg types.TradingConfig
	err := d.db.Order("id ASC").First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Paper namespace equivalents. The paper engine shares all of the live
// semantics; only the tables differ.

func (d *Database) CreatePaperOrderIdempotent(order *types.PaperOrder) (created bool, err error) {
	err = d.db.Create(order).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, err
	}

	var existing types.PaperOrder
	if err := d.db.Where("idempotency_key = ?", order.IdempotencyKey).First(&existing).Error; err != nil {
		return false, types.WrapKind(types.KindInvariantViolation, err, "duplicate idempotency key but no row found")
	}
	*order = existing
	return false, nil
}

func (d *Database) GetPaperOrder(orderID string) (*types.PaperOrder, error) {
	var order types.PaperOrder
	err := d.db.Where("order_id = ?", orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) MarkPaperOrderFilled(orderID string, fillPrice, filledAmount decimal.Decimal, at time.Time) error {
	res := d.db.Model(&types.PaperOrder{}).
		Where("order_id = ? AND status IN ?", orderID, []string{types.OrderPending, types.OrderPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":             types.OrderFilled,
			"average_fill_price": fillPrice,
			"filled_amount":      filledAmount,
			"filled_at":          at,
			"updated_at":         at,
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "paper order %s is already terminal", orderID)
	}
	return nil
}

func (d *Database) MarkPaperOrderRejected(orderID string, at time.Time) error {
	res := d.db.Model(&types.PaperOrder{}).
		Where("order_id = ? AND status IN ?", orderID, []string{types.OrderPending, types.OrderPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":     types.OrderRejected,
			"updated_at": at,
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "paper order %s is already terminal", orderID)
	}
	return nil
}

func (d *Database) GetOpenPaperPosition(exchange, symbol, side string) (*types.PaperPosition, error) {
	var pos types.PaperPosition
	err := d.db.Where("exchange = ? AND symbol = ? AND side = ? AND status = ?",
		exchange, symbol, side, types.PositionOpen).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (d *Database) CreatePaperPosition(pos *types.PaperPosition) error {
	return d.db.Create(pos).Error
}

func (d *Database) ExtendPaperPosition(pos *types.PaperPosition, fillSize, fillPrice decimal.Decimal, at time.Time) error {
	newSize := pos.Size.Add(fillSize)
	newEntry := pos.EntryPrice.Mul(pos.Size).Add(fillPrice.Mul(fillSize)).Div(newSize)

	res := d.db.Model(&types.PaperPosition{}).
		Where("position_id = ? AND version = ?", pos.PositionID, pos.Version).
		Updates(map[string]interface{}{
			"size":        newSize,
			"entry_price": newEntry,
			"updated_at":  at,
			"version":     pos.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.E(types.KindInvariantViolation, "paper position %s changed concurrently", pos.PositionID)
	}
	pos.Size = newSize
	pos.EntryPrice = newEntry
	pos.Version++
	return nil
}
