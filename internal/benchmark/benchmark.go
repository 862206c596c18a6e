// Package benchmark measures machine-to-exchange latency and condenses it
// into a 0-100 HFT score used to rank machines.
package benchmark

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ksred/fleet-api/internal/agent"
	"github.com/ksred/fleet-api/internal/failover"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog/log"
)

const (
	samplesSingle = 5
	samplesMesh   = 3
	sampleGap     = 100 * time.Millisecond
	sampleTimeout = 5 * time.Second

	// failedSampleMs is charged for a sample that errored or timed out.
	failedSampleMs = 999
)

// Score weights.
const (
	weightLatency     = 0.5
	weightConsistency = 0.3
	weightBestCase    = 0.2
)

// Service runs latency benchmarks against fleet machines.
type Service struct {
	fleet       *fleet.Service
	failover    *failover.Service
	controlPort int
}

// NewService creates a new benchmark service.
func NewService(fleetSvc *fleet.Service, failoverSvc *failover.Service, controlPort int) *Service {
	return &Service{
		fleet:       fleetSvc,
		failover:    failoverSvc,
		controlPort: controlPort,
	}
}

// Run benchmarks one machine with the full sample count.
func (s *Service) Run(ctx context.Context, machineID string) (*types.BenchmarkResult, error) {
	return s.run(ctx, machineID, samplesSingle)
}

func (s *Service) run(ctx context.Context, machineID string, samples int) (*types.BenchmarkResult, error) {
	machine, err := s.fleet.DB().GetMachine(machineID)
	if err != nil {
		return nil, err
	}
	if machine == nil || machine.IPAddress == "" {
		return nil, types.E(types.KindPermanent, "machine %s is not reachable", machineID)
	}

	client := agent.NewClient(machine.IPAddress, s.controlPort)
	perExchange := map[string][]float64{}
	var all []float64

	for i := 0; i < samples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sampleGap):
			}
		}

		sctx, cancel := context.WithTimeout(ctx, sampleTimeout)
		pings, err := client.PingExchanges(sctx)
		cancel()
		if err != nil {
			all = append(all, failedSampleMs)
			continue
		}
		for _, p := range pings {
			latency := p.LatencyMs
			if !p.Success {
				latency = failedSampleMs
			}
			perExchange[p.Exchange] = append(perExchange[p.Exchange], latency)
			all = append(all, latency)
		}
	}

	if len(all) == 0 {
		return nil, types.E(types.KindTransient, "benchmark collected no samples")
	}

	result := score(all, perExchange)
	result.Provider = machine.Provider
	result.MachineID = machineID
	result.RanAt = time.Now().UTC()

	log.Info().
		Str("service", "benchmark").
		Str("machine_id", machineID).
		Float64("mean_ms", result.MeanMs).
		Int("hft_score", result.HFTScore).
		Msg("benchmark completed")

	s.recordTimeline(result)
	return result, nil
}

// score turns raw samples into the composite HFT score.
func score(all []float64, perExchange map[string][]float64) *types.BenchmarkResult {
	mean, _ := stats.Mean(all)
	min, _ := stats.Min(all)
	max, _ := stats.Max(all)
	stddev, _ := stats.StandardDeviation(all)

	latencyScore := clamp(100 - (mean-50)/1.5)
	consistencyScore := clamp(100 - stddev*2)
	bestCaseScore := clamp(100 - (min-30)/1.7)
	hft := math.Round(weightLatency*latencyScore + weightConsistency*consistencyScore + weightBestCase*bestCaseScore)

	perExchangeMean := map[string]float64{}
	for exchange, samples := range perExchange {
		m, _ := stats.Mean(samples)
		perExchangeMean[exchange] = m
	}

	return &types.BenchmarkResult{
		PerExchangeMean:  perExchangeMean,
		MeanMs:           mean,
		MinMs:            min,
		MaxMs:            max,
		StdDevMs:         stddev,
		LatencyScore:     latencyScore,
		ConsistencyScore: consistencyScore,
		BestCaseScore:    bestCaseScore,
		HFTScore:         int(hft),
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (s *Service) recordTimeline(result *types.BenchmarkResult) {
	err := s.fleet.DB().AppendTimelineEvent(result.Provider, "benchmark", "run",
		"Benchmark completed", "",
		map[string]interface{}{
			"machine_id": result.MachineID,
			"hft_score":  result.HFTScore,
			"mean_ms":    result.MeanMs,
		})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record benchmark timeline event")
	}
}

// RunMesh benchmarks every enabled failover machine in parallel with the
// reduced sample count and returns results sorted best first. Machines
// that fail to benchmark are skipped.
func (s *Service) RunMesh(ctx context.Context) ([]types.BenchmarkResult, error) {
	recs, err := s.failover.DB().ListRecords()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []types.BenchmarkResult
		wg      sync.WaitGroup
	)
	for _, rec := range recs {
		if !rec.IsEnabled {
			continue
		}
		wg.Add(1)
		go func(machineID string) {
			defer wg.Done()
			result, err := s.run(ctx, machineID, samplesMesh)
			if err != nil {
				log.Warn().Err(err).Str("machine_id", machineID).Msg("mesh benchmark member failed")
				return
			}
			mu.Lock()
			results = append(results, *result)
			mu.Unlock()
		}(rec.MachineID)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].HFTScore > results[j].HFTScore })
	return results, nil
}
