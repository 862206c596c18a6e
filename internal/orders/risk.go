package orders

import (
	"sync"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// limitCacheTTL is how long configured risk limits are trusted before
// re-reading the trading config row.
const limitCacheTTL = 60 * time.Second

// drawdownWindow is how many balance snapshots feed the peak calculation.
const drawdownWindow = 100

// RiskManager applies pre-trade checks against the cached trading config.
type RiskManager struct {
	db *Database

	mu       sync.Mutex
	cached   *types.TradingConfig
	cachedAt time.Time
}

// NewRiskManager creates a risk manager over the order store.
func NewRiskManager(db *Database) *RiskManager {
	return &RiskManager{db: db}
}

// limits returns the trading config, re-reading it at most once per TTL.
func (r *RiskManager) limits() (*types.TradingConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.cachedAt) < limitCacheTTL {
		return r.cached, nil
	}
	cfg, err := r.db.GetTradingConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &types.TradingConfig{} // no limits configured, only the kill switch default applies
	}
	r.cached = cfg
	r.cachedAt = time.Now()
	return cfg, nil
}

// Invalidate drops the cached limits so the next check re-reads them.
func (r *RiskManager) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// Check runs the pre-trade gauntlet for an order of the given notional
// value on the exchange. Checks run in a fixed order and the first
// violation rejects; the balance-usage check close to the end only warns.
// A RiskReject return means nothing was written anywhere.
func (r *RiskManager) Check(exchange string, orderValue decimal.Decimal, paper bool) error {
	cfg, err := r.limits()
	if err != nil {
		return err
	}

	if cfg.KillSwitch {
		return types.E(types.KindRiskReject, "global kill switch is on")
	}

	if cfg.MaxPositionSize.IsPositive() && orderValue.GreaterThan(cfg.MaxPositionSize) {
		return types.E(types.KindRiskReject, "order value %s exceeds max position size %s",
			orderValue.StringFixed(2), cfg.MaxPositionSize.StringFixed(2))
	}

	if cfg.MaxDailyLoss.IsPositive() {
		loss, err := r.db.DailyRealizedLoss(paper)
		if err != nil {
			return err
		}
		if loss.GreaterThanOrEqual(cfg.MaxDailyLoss) {
			return types.E(types.KindRiskReject, "daily realized loss %s has reached the limit %s",
				loss.StringFixed(2), cfg.MaxDailyLoss.StringFixed(2))
		}
	}

	if cfg.MaxDrawdownPct.IsPositive() {
		if err := r.checkDrawdown(exchange, paper, cfg.MaxDrawdownPct); err != nil {
			return err
		}
	}

	balance, err := r.db.LatestBalance(exchange, paper)
	if err != nil {
		return err
	}
	if balance != nil {
		if cfg.MinBalance.IsPositive() && balance.TotalUSD.Sub(orderValue).LessThan(cfg.MinBalance) {
			return types.E(types.KindRiskReject, "order would take balance below the minimum %s",
				cfg.MinBalance.StringFixed(2))
		}
		if balance.TotalUSD.IsPositive() {
			usage := orderValue.Div(balance.TotalUSD)
			if usage.GreaterThan(decimal.NewFromFloat(0.95)) {
				log.Warn().
					Str("component", "risk").
					Str("exchange", exchange).
					Str("usage", usage.Mul(decimal.NewFromInt(100)).StringFixed(1)+"%").
					Msg("order uses more than 95% of available balance")
			}
		}
	}

	return nil
}

// checkDrawdown compares the latest balance to the peak over the recent
// snapshot window.
func (r *RiskManager) checkDrawdown(exchange string, paper bool, maxDrawdownPct decimal.Decimal) error {
	snaps, err := r.db.RecentBalances(exchange, paper, drawdownWindow)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}

	current := snaps[0].TotalUSD
	peak := current
	for _, s := range snaps {
		if s.TotalUSD.GreaterThan(peak) {
			peak = s.TotalUSD
		}
	}
	if !peak.IsPositive() {
		return nil
	}

	drawdown := peak.Sub(current).Div(peak).Mul(decimal.NewFromInt(100))
	if drawdown.GreaterThan(maxDrawdownPct) {
		return types.E(types.KindRiskReject, "drawdown %s%% exceeds max %s%%",
			drawdown.StringFixed(2), maxDrawdownPct.StringFixed(2))
	}
	return nil
}
