// Package dashboard assembles the read-only composite view consumed by
// front-ends and pushes change nudges to websocket subscribers. Every
// sub-read may fail independently; the view degrades per subfield and
// never blocks on an unreachable machine.
package dashboard

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	signalWindow        = 5 * time.Minute
	signalMinConfidence = 70
)

// State is the denormalized dashboard document. Failed subfields carry an
// error map instead of data.
type State struct {
	Timestamp          time.Time   `json:"timestamp"`
	TradingConfig      interface{} `json:"trading_config"`
	ActiveDeployment   interface{} `json:"active_deployment"`
	ConnectedExchanges interface{} `json:"connected_exchanges"`
	RecentSignals      interface{} `json:"recent_signals"`
	LatestBalance      interface{} `json:"latest_balance"`
}

// Service builds dashboard states.
type Service struct {
	db *Database

	mu            sync.Mutex
	lastTimestamp time.Time
}

// NewService creates a new dashboard service.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// subfield wraps one fan-out read so a failure degrades to an error
// marker instead of failing the whole view.
func subfield(name string, read func() (interface{}, error)) interface{} {
	v, err := read()
	if err != nil {
		log.Warn().Err(err).Str("service", "dashboard").Str("subfield", name).Msg("dashboard sub-read failed")
		return map[string]string{"error": err.Error()}
	}
	return v
}

// State assembles the composite view. The timestamp advances
// monotonically even if the wall clock steps backwards.
func (s *Service) State() *State {
	cfg, _ := s.db.GetTradingConfig()
	paper := cfg == nil || cfg.TradingMode != "live"

	st := &State{
		Timestamp: s.nextTimestamp(),
		TradingConfig: subfield("trading_config", func() (interface{}, error) {
			return s.db.GetTradingConfig()
		}),
		ActiveDeployment: subfield("active_deployment", func() (interface{}, error) {
			return s.db.ActiveDeployment()
		}),
		ConnectedExchanges: subfield("connected_exchanges", func() (interface{}, error) {
			return s.db.ConnectedExchanges()
		}),
		RecentSignals: subfield("recent_signals", func() (interface{}, error) {
			return s.db.RecentSignals(time.Now().UTC().Add(-signalWindow), signalMinConfidence)
		}),
		LatestBalance: subfield("latest_balance", func() (interface{}, error) {
			return s.db.LatestBalance(paper)
		}),
	}
	return st
}

func (s *Service) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastTimestamp) {
		now = s.lastTimestamp.Add(time.Microsecond)
	}
	s.lastTimestamp = now
	return now
}
