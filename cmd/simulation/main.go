package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/orders"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5
	exchange   = "binance"
)

var (
	symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}
	prices  = map[string]float64{
		"BTCUSDT": 100000,
		"ETHUSDT": 3500,
		"SOLUSDT": 180,
		"BNBUSDT": 600,
		"XRPUSDT": 2.2,
	}
	sides = []string{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// latencyStats tracks fill latency across all simulated orders
type latencyStats struct {
	mu        sync.Mutex
	durations []time.Duration
	failures  int
}

func (ls *latencyStats) add(d time.Duration) {
	ls.mu.Lock()
	ls.durations = append(ls.durations, d)
	ls.mu.Unlock()
}

func (ls *latencyStats) fail() {
	ls.mu.Lock()
	ls.failures++
	ls.mu.Unlock()
}

// calculate computes min, max, mean, median, p95 and p99 fill latencies
func (ls *latencyStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(ls.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(ls.durations, func(i, j int) bool {
		return ls.durations[i] < ls.durations[j]
	})

	min = ls.durations[0]
	max = ls.durations[len(ls.durations)-1]

	var sum time.Duration
	for _, d := range ls.durations {
		sum += d
	}
	mean = sum / time.Duration(len(ls.durations))
	median = ls.durations[len(ls.durations)/2]
	p95 = ls.durations[(len(ls.durations)*95+99)/100-1]
	p99 = ls.durations[(len(ls.durations)*99+99)/100-1]
	return
}

// main runs the paper-trading simulation: an in-memory store, the paper
// engine with static market prices and several concurrent submitters.
func main() {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open in-memory database")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	market := orders.NewStaticPrices()
	for symbol, price := range prices {
		market.Set(exchange, symbol, decimal.NewFromFloat(price))
	}

	store := orders.NewDatabase(db)
	engine := orders.NewPaperEngine(store, market, orders.NewRiskManager(store))

	// Seed a generous paper balance so risk checks pass.
	if err := store.CreateBalanceSnapshot(&types.BalanceSnapshot{
		Exchange:  exchange,
		TotalUSD:  decimal.NewFromInt(10_000_000),
		Paper:     true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed paper balance")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting paper simulation")

	stats := &latencyStats{}
	symbolCounts := make(map[string]int)
	sideCounts := make(map[string]int)
	var countsMu sync.Mutex
	totalValue := decimal.Zero
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for n := 0; n < targetOrders/numWorkers; n++ {
				symbol := symbols[rand.Intn(len(symbols))]
				side := sides[rand.Intn(len(sides))]
				amount := decimal.NewFromFloat(float64(rand.Intn(100)+1) / 1000)

				placed := time.Now()
				order, err := engine.PlaceOrder(context.Background(), orders.PlaceOrderRequest{
					Exchange:  exchange,
					Symbol:    symbol,
					Side:      side,
					OrderType: types.TypeMarket,
					Amount:    amount,
				})
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Str("symbol", symbol).Msg("Paper order failed")
					stats.fail()
					continue
				}
				stats.add(time.Since(placed))

				countsMu.Lock()
				symbolCounts[symbol]++
				sideCounts[side]++
				if order.AverageFillPrice.Valid {
					totalValue = totalValue.Add(order.AverageFillPrice.Decimal.Mul(order.FilledAmount))
				}
				countsMu.Unlock()

				log.Info().
					Int("worker_id", workerID).
					Str("order_id", order.OrderID).
					Str("symbol", symbol).
					Str("side", side).
					Str("amount", amount.String()).
					Str("fill_price", order.AverageFillPrice.Decimal.String()).
					Msg("Paper order filled")

				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)
	filled := len(stats.durations)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PAPER TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Orders filled:    %d
Orders failed:    %d
Total value:      $%s
Duration:         %v

Symbol distribution
-------------------
`, filled, stats.failures, totalValue.StringFixed(2), duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range symbolCounts {
		if count > maxCount {
			maxCount = count
		}
	}
	for _, symbol := range symbols {
		count := symbolCounts[symbol]
		bar := ""
		if maxCount > 0 {
			bar = strings.Repeat("#", count*20/maxCount)
		}
		fmt.Printf("%-8s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide distribution")
	fmt.Println("-----------------")
	for side, count := range sideCounts {
		fmt.Printf("%-4s: %d\n", side, count)
	}

	min, max, mean, median, p95, p99 := stats.calculate()
	fmt.Println("\nFill latency")
	fmt.Println("------------")
	fmt.Printf("%10s %10s %10s %10s %10s %10s\n", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Printf("%10s %10s %10s %10s %10s %10s\n",
		min.Round(time.Millisecond),
		max.Round(time.Millisecond),
		mean.Round(time.Millisecond),
		median.Round(time.Millisecond),
		p95.Round(time.Millisecond),
		p99.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("filled", filled).
		Int("failed", stats.failures).
		Dur("duration", duration).
		Msg("Simulation completed")
}
