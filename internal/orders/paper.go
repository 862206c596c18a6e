package orders

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Simulated slippage bounds as fractions of the market price.
const (
	slippageMin = 0.0001 // 0.01%
	slippageMax = 0.0005 // 0.05%
)

// PaperEngine mirrors the live router without ever contacting an exchange
// or requiring a primary machine. Fills land in the paper namespace so
// the same downstream readers work unchanged.
type PaperEngine struct {
	db     *Database
	prices PriceSource
	risk   *RiskManager

	// delay and slip are swappable for deterministic tests.
	delay func() time.Duration
	slip  func() float64
}

// NewPaperEngine creates a paper engine sharing the router's store and
// risk manager.
func NewPaperEngine(db *Database, prices PriceSource, risk *RiskManager) *PaperEngine {
	return &PaperEngine{
		db:     db,
		prices: prices,
		risk:   risk,
		delay: func() time.Duration {
			return time.Duration(50+rand.Intn(151)) * time.Millisecond
		},
		slip: func() float64 {
			return slippageMin + rand.Float64()*(slippageMax-slippageMin)
		},
	}
}

// PlaceOrder simulates an order end to end: risk preflight, idempotent
// pending insert, a 50-200 ms execution delay, then a fill at market
// price plus uniform slippage against the taker.
func (e *PaperEngine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.PaperOrder, error) {
	market, err := e.prices.Price(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return nil, err
	}
	if err := e.risk.Check(req.Exchange, req.Amount.Mul(market), true); err != nil {
		return nil, err
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}
	order := &types.PaperOrder{
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

	created, err := e.db.CreatePaperOrderIdempotent(order)
	if err != nil {
		return nil, err
	}
	if !created {
		return order, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.delay()):
	}

	// Slippage always moves against the taker.
	slippage := decimal.NewFromFloat(e.slip())
	fillPrice := market.Mul(decimal.NewFromInt(1).Add(slippage))
	if req.Side == types.SideSell {
		fillPrice = market.Mul(decimal.NewFromInt(1).Sub(slippage))
	}

	now := time.Now().UTC()
	if req.MaxSlippage != nil && slippage.GreaterThan(*req.MaxSlippage) {
		if err := e.db.MarkPaperOrderRejected(order.OrderID, now); err != nil {
			return nil, err
		}
		return nil, types.E(types.KindRiskReject, "simulated slippage %s exceeds max %s",
			slippage.String(), req.MaxSlippage.String())
	}

	if err := e.db.MarkPaperOrderFilled(order.OrderID, fillPrice, req.Amount, now); err != nil {
		return nil, err
	}
	if err := e.applyFill(req.Exchange, req.Symbol, req.Side, req.Amount, fillPrice, now); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "paper").
		Str("order_id", order.OrderID).
		Str("symbol", req.Symbol).
		Str("fill_price", fillPrice.String()).
		Msg("paper order filled")
	return e.db.GetPaperOrder(order.OrderID)
}

func (e *PaperEngine) applyFill(exchange, symbol, side string, size, price decimal.Decimal, at time.Time) error {
	posSide := types.PositionLong
	if side == types.SideSell {
		posSide = types.PositionShort
	}

	pos, err := e.db.GetOpenPaperPosition(exchange, symbol, posSide)
	if err != nil {
		return err
	}
	if pos == nil {
		return e.db.CreatePaperPosition(&types.PaperPosition{
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
	return e.db.ExtendPaperPosition(pos, size, price, at)
}
