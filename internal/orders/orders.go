// Package orders routes live orders to the primary machine and mirrors
// the same flow through a paper simulator. Live orders only ever leave
// through a machine's agent: exchange keys are IP-whitelisted to the
// machine, so there is no edge fallback.
package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/agent"
	"github.com/ksred/fleet-api/internal/failover"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/ratelimit"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PlaceOrderRequest is the operator-facing order submission.
type PlaceOrderRequest struct {
	Exchange       string           `json:"exchange" binding:"required"`
	Symbol         string           `json:"symbol" binding:"required"`
	Side           string           `json:"side" binding:"required"`
	OrderType      string           `json:"type" binding:"required"`
	Amount         decimal.Decimal  `json:"amount" binding:"required"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	MaxSlippage    *decimal.Decimal `json:"max_slippage,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Service is the live order router.
type Service struct {
	db          *Database
	fleet       *fleet.Service
	failover    *failover.Service
	limiter     *ratelimit.Coordinator
	prices      PriceSource
	risk        *RiskManager
	controlPort int
}

// NewService creates the live order router.
func NewService(gormDB *gorm.DB, fleetSvc *fleet.Service, failoverSvc *failover.Service, limiter *ratelimit.Coordinator, prices PriceSource, controlPort int) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:          db,
		fleet:       fleetSvc,
		failover:    failoverSvc,
		limiter:     limiter,
		prices:      prices,
		risk:        NewRiskManager(db),
		controlPort: controlPort,
	}
}

// DB exposes the order store gateway.
func (s *Service) DB() *Database {
	return s.db
}

// Risk exposes the risk manager, shared with the paper engine.
func (s *Service) Risk() *RiskManager {
	return s.risk
}

// orderValue resolves the notional value of a request: limit price when
// given, otherwise the current market price.
func (s *Service) orderValue(ctx context.Context, req PlaceOrderRequest) (decimal.Decimal, error) {
	if req.OrderType == types.TypeLimit && req.Price != nil {
		return req.Amount.Mul(*req.Price), nil
	}
	market, err := s.prices.Price(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return req.Amount.Mul(market), nil
}

// PlaceOrder runs the live order pipeline: risk preflight, idempotent
// pending insert, primary resolution, on-machine execution, then terminal
// state plus position and transaction log. A RiskReject leaves no trace;
// after the pending insert the order always ends terminal.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.Order, error) {
	logger := log.With().
		Str("service", "orders").
		Str("exchange", req.Exchange).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	value, err := s.orderValue(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.risk.Check(req.Exchange, value, false); err != nil {
		return nil, err
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	order := &types.Order{
		OrderID:        uuid.New().String(),
		Exchange:       req.Exchange,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Amount:         req.Amount,
		Status:         types.OrderPending,
		ClientOrderID:  uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if req.Price != nil {
		order.Price = decimal.NewNullDecimal(*req.Price)
	}

	created, err := s.db.CreateOrderIdempotent(order)
	if err != nil {
		return nil, err
	}
	if !created {
		// A concurrent or earlier submission with this key won; hand its
		// order back without executing anything.
		logger.Info().Str("order_id", order.OrderID).Msg("duplicate submission, returning existing order")
		return order, nil
	}

	primary, err := s.failover.PrimaryMachine()
	if err != nil {
		s.reject(order, "no primary machine available")
		return nil, err
	}

	creds, err := s.fleet.ExchangeCredentials(req.Exchange)
	if err != nil {
		s.reject(order, err.Error())
		return nil, err
	}

	var result *agent.OrderResult
	err = s.limiter.Do(ctx, req.Exchange, ratelimit.PriorityCritical, func(ctx context.Context) error {
		octx, cancel := context.WithTimeout(ctx, agent.OrderTimeout)
		defer cancel()

		var perr error
		result, perr = agent.NewClient(primary.IPAddress, s.controlPort).PlaceOrder(octx, agent.OrderRequest{
			Exchange:   req.Exchange,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Qty:        req.Amount,
			OrderType:  req.OrderType,
			Price:      req.Price,
			Key:        creds["key"],
			Secret:     creds["secret"],
			Passphrase: creds["passphrase"],
		})
		return perr
	})
	if err != nil {
		s.reject(order, err.Error())
		return nil, err
	}
	if !result.Success {
		s.reject(order, result.Error)
		return nil, types.E(types.KindPermanent, "exchange rejected order: %s", result.Error)
	}

	fillPrice := decimal.Zero
	if result.ExecutedPrice != nil {
		fillPrice = *result.ExecutedPrice
	}
	filledAmount := req.Amount
	if result.ExecutedQty != nil {
		filledAmount = *result.ExecutedQty
	}

	now := time.Now().UTC()
	if err := s.db.MarkOrderFilled(order.OrderID, result.OrderID, fillPrice, filledAmount, now); err != nil {
		return nil, err
	}
	if err := s.applyFill(order.Exchange, order.Symbol, order.Side, filledAmount, fillPrice, now); err != nil {
		logger.Error().Err(err).Str("order_id", order.OrderID).Msg("position update failed after fill")
		return nil, err
	}
	if err := s.db.AppendTransactionLog(order.OrderID, order.Exchange, "place_order", "success",
		"filled "+filledAmount.String()+" @ "+fillPrice.String()); err != nil {
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("machine_id", primary.MachineID).
		Str("fill_price", fillPrice.String()).
		Msg("order filled")
	return s.db.GetOrder(order.OrderID)
}

// reject commits the terminal rejected state plus the journal entry. It
// never overrides an error being returned to the caller.
func (s *Service) reject(order *types.Order, detail string) {
	if err := s.db.MarkOrderRejected(order.OrderID, time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to mark order rejected")
	}
	if err := s.db.AppendTransactionLog(order.OrderID, order.Exchange, "place_order", "failed", detail); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to append transaction log")
	}
}

// applyFill opens a new position or extends the matching open one.
func (s *Service) applyFill(exchange, symbol, side string, size, price decimal.Decimal, at time.Time) error {
	posSide := types.PositionLong
	if side == types.SideSell {
		posSide = types.PositionShort
	}

	pos, err := s.db.GetOpenPosition(exchange, symbol, posSide)
	if err != nil {
		return err
	}
	if pos == nil {
		return s.db.CreatePosition(&types.Position{
			PositionID: uuid.New().String(),
			Exchange:   exchange,
			Symbol:     symbol,
			Side:       posSide,
			Size:       size,
			EntryPrice: price,
			Status:     types.PositionOpen,
			Version:    1,
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}
	return s.db.ExtendPosition(pos, size, price, at)
}

// CancelOrder cancels a pending order. Terminal orders report
// InvariantViolation.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.E(types.KindPermanent, "order %s not found", orderID)
	}

	if err := s.db.MarkOrderCancelled(orderID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.db.AppendTransactionLog(orderID, order.Exchange, "cancel_order", "success", ""); err != nil {
		return nil, err
	}
	return s.db.GetOrder(orderID)
}

// ClosePosition closes an open position at the current market price and
// records the realized PnL.
func (s *Service) ClosePosition(ctx context.Context, positionID string) (*types.Position, error) {
	pos, err := s.db.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, types.E(types.KindPermanent, "position %s not found", positionID)
	}
	if pos.Status == types.PositionClosed {
		return pos, nil
	}

	price, err := s.prices.Price(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		return nil, err
	}

	pnl := price.Sub(pos.EntryPrice).Mul(pos.Size)
	if pos.Side == types.PositionShort {
		pnl = pnl.Neg()
	}

	if err := s.db.ClosePosition(pos, pnl, price, time.Now().UTC()); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("position_id", positionID).
		Str("realized_pnl", pnl.String()).
		Msg("position closed")
	return s.db.GetPosition(positionID)
}
