// Package ratelimit coordinates outbound exchange REST usage. Each
// exchange gets dual-window counters (per second and per minute), a
// degradation state machine (normal, throttled, websocket-only) and a
// priority queue drained by a single background goroutine. Counters are
// process-local; the safety margin keeps summed usage across processes
// under the exchange's hard ceiling.
package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Priority orders queued requests. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Degradation thresholds as fractions of the effective limit.
const (
	throttleThreshold = 0.85
	wsOnlyThreshold   = 0.95
)

// drainInterval is how often the drainer checks queue heads.
const drainInterval = 100 * time.Millisecond

// defaultQueueSoftCap bounds queued low/normal work before QueueFull.
const defaultQueueSoftCap = 256

type queueItem struct {
	ctx      context.Context
	priority Priority
	seq      uint64
	fn       func(context.Context) error
	done     chan error
}

// requestQueue is a min-heap on (priority, arrival).
type requestQueue []*queueItem

func (q requestQueue) Len() int { return len(q) }
func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q requestQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *requestQueue) Push(x interface{}) { *q = append(*q, x.(*queueItem)) }
func (q *requestQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// tracker is the per-exchange state. All fields are guarded by the
// coordinator's mutex.
type tracker struct {
	exchange  string
	hardLimit int
	limit     int // effective: floor(hard x safety margin)

	perSecond *rate.Limiter

	requestsThisMinute int
	requestsToday      int
	lastResetMinute    time.Time
	lastResetDay       time.Time

	throttled bool
	wsOnly    bool

	queue requestQueue
}

// Coordinator is the per-process rate-limit authority for all exchanges.
type Coordinator struct {
	mu       sync.Mutex
	cfg      config.RateLimitConfig
	trackers map[string]*tracker
	softCap  int
	seq      uint64
	now      func() time.Time
}

// NewCoordinator creates a coordinator from per-exchange configuration.
func NewCoordinator(cfg config.RateLimitConfig) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		trackers: make(map[string]*tracker),
		softCap:  defaultQueueSoftCap,
		now:      time.Now,
	}
}

// Run drives the queue drainer until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	log.Info().Str("component", "ratelimit").Msg("queue drainer started")
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.failAllQueued(ctx.Err())
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

func (c *Coordinator) trackerFor(exchange string) *tracker {
	t, ok := c.trackers[exchange]
	if ok {
		return t
	}

	limits := c.cfg.Limit(exchange)
	effective := int(float64(limits.HardLimitPerMinute) * limits.SafetyMargin)
	perSecond := effective / 60
	if perSecond < 1 {
		perSecond = 1
	}
	now := c.now().UTC()
	t = &tracker{
		exchange:        exchange,
		hardLimit:       limits.HardLimitPerMinute,
		limit:           effective,
		perSecond:       rate.NewLimiter(rate.Limit(perSecond), perSecond),
		lastResetMinute: now.Truncate(time.Minute),
		lastResetDay:    now.Truncate(24 * time.Hour),
	}
	c.trackers[exchange] = t
	return t
}

// rollWindows applies wall-clock resets. Minute rollover returns the
// tracker to normal: degradation state never outlives the minute that
// caused it.
func (t *tracker) rollWindows(now time.Time) {
	minute := now.Truncate(time.Minute)
	if minute.After(t.lastResetMinute) {
		t.wsOnly = false
		t.throttled = false
		t.requestsThisMinute = 0
		t.lastResetMinute = minute
	}

	day := now.Truncate(24 * time.Hour)
	if day.After(t.lastResetDay) {
		t.requestsToday = 0
		t.lastResetDay = day
	}
}

// admit decides whether a request may go out right now and, if so,
// records it against both windows.
func (t *tracker) admit(now time.Time, priority Priority) bool {
	t.rollWindows(now)

	if priority == PriorityCritical {
		// Critical work may spend the burst reserve up to the hard ceiling.
		if t.requestsThisMinute >= t.hardLimit {
			return false
		}
		t.record()
		return true
	}

	if t.wsOnly {
		return false
	}
	if t.requestsThisMinute >= t.limit {
		return false
	}
	if !t.perSecond.Allow() {
		return false
	}
	t.record()
	return true
}

func (t *tracker) record() {
	t.requestsThisMinute++
	t.requestsToday++

	usage := float64(t.requestsThisMinute) / float64(t.limit)
	if usage >= wsOnlyThreshold {
		t.wsOnly = true
		t.throttled = true
	} else if usage >= throttleThreshold {
		t.throttled = true
	}
}

// Do runs fn under admission control for the exchange. Admitted requests
// run on the caller's goroutine immediately; denied requests queue and are
// executed by the drainer in priority order. Low and normal submissions
// beyond the queue soft cap fail fast with QueueFull.
func (c *Coordinator) Do(ctx context.Context, exchange string, priority Priority, fn func(context.Context) error) error {
	c.mu.Lock()
	t := c.trackerFor(exchange)
	if t.admit(c.now().UTC(), priority) {
		c.mu.Unlock()
		return fn(ctx)
	}

	if len(t.queue) >= c.softCap && priority >= PriorityNormal {
		c.mu.Unlock()
		return types.E(types.KindQueueFull, "rate-limit queue for %s is saturated", exchange)
	}

	c.seq++
	item := &queueItem{
		ctx:      ctx,
		priority: priority,
		seq:      c.seq,
		fn:       fn,
		done:     make(chan error, 1),
	}
	heap.Push(&t.queue, item)
	c.mu.Unlock()

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		// The drainer skips items whose context is already done.
		return ctx.Err()
	}
}

// drainOnce pops every currently-admissible queue head and executes it.
func (c *Coordinator) drainOnce() {
	for {
		c.mu.Lock()
		var next *queueItem
		now := c.now().UTC()
		for _, t := range c.trackers {
			for len(t.queue) > 0 {
				head := t.queue[0]
				if head.ctx.Err() != nil {
					heap.Pop(&t.queue)
					head.done <- head.ctx.Err()
					continue
				}
				if t.admit(now, head.priority) {
					next = heap.Pop(&t.queue).(*queueItem)
				}
				break
			}
			if next != nil {
				break
			}
		}
		c.mu.Unlock()

		if next == nil {
			return
		}
		next.done <- next.fn(next.ctx)
	}
}

func (c *Coordinator) failAllQueued(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		for len(t.queue) > 0 {
			item := heap.Pop(&t.queue).(*queueItem)
			item.done <- err
		}
	}
}

// Snapshot returns the observability view for one exchange.
func (c *Coordinator) Snapshot(exchange string) types.RateLimitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.trackerFor(exchange)
	now := c.now().UTC()
	t.rollWindows(now)

	remaining := t.limit - t.requestsThisMinute
	if remaining < 0 {
		remaining = 0
	}
	return types.RateLimitSnapshot{
		Exchange:           exchange,
		RequestsThisMinute: t.requestsThisMinute,
		Limit:              t.limit,
		HardLimit:          t.hardLimit,
		UsagePercent:       100 * float64(t.requestsThisMinute) / float64(t.limit),
		Remaining:          remaining,
		MsUntilReset:       t.lastResetMinute.Add(time.Minute).Sub(now).Milliseconds(),
		Throttled:          t.throttled,
		WebsocketOnly:      t.wsOnly,
		QueueLength:        len(t.queue),
	}
}

// Snapshots returns views for every exchange seen so far.
func (c *Coordinator) Snapshots() []types.RateLimitSnapshot {
	c.mu.Lock()
	names := make([]string, 0, len(c.trackers))
	for name := range c.trackers {
		names = append(names, name)
	}
	c.mu.Unlock()

	out := make([]types.RateLimitSnapshot, 0, len(names))
	for _, name := range names {
		out = append(out, c.Snapshot(name))
	}
	return out
}

// sweep applies window rolls to every tracker without waiting for
// traffic, clearing stale degradation states.
func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		t.rollWindows(now)
	}
}
