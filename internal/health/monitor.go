// Package health scores each ingest source from wire-level inspection events
// and classifies it Healthy, Degraded, or Failed with hysteresis.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/mpegts"
	"go.uber.org/zap"
)

// State is the classification of one source.
type State int8

const (
	// Healthy sources are eligible failover targets.
	Healthy State = iota
	// Degraded sources are clean right now but have not yet stayed clean for
	// a full health window after a failure.
	Degraded
	// Failed sources breached a threshold or went stale.
	Failed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Record is a read-only snapshot of one source's health, served to the
// control plane.
type Record struct {
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	CCErrorsPerSec    int       `json:"cc_errors_per_sec"`
	PacketLossPercent float64   `json:"packet_loss_percent"`
	LastPacketAt      time.Time `json:"last_packet_at"`
	PacketsReceived   uint64    `json:"packets_received"`
	BytesReceived     uint64    `json:"bytes_received"`
	CCErrors          uint64    `json:"cc_errors_total"`
	PacketsLost       uint64    `json:"packets_lost_total"`
}

// TransitionFunc is invoked on the monitor's tick goroutine whenever a
// source changes state. Implementations must not block; the intended use
// is enqueueing a command onto the switch engine's queue.
type TransitionFunc func(source int, from, to State)

// lossBucket is one second of loss accounting.
type lossBucket struct {
	sec      int64 // unix second this bucket covers
	received int
	lost     int
}

// record holds the mutable scoring state for one source. Observe (reader
// goroutine) and sweep (tick goroutine) both touch it; mu protects all fields.
type record struct {
	mu sync.Mutex

	state      State
	lastPacket time.Time
	cleanSince time.Time // start of the current clean streak; zero while dirty

	// Trailing 1-second continuity error buckets.
	ccSec       int64
	ccCount     int
	ccPrevCount int

	// Per-second loss ring covering the configured window.
	loss []lossBucket

	// Cumulative counters.
	packets  uint64
	bytes    uint64
	ccErrors uint64
	lost     uint64
}

// Monitor scores all sources. One instance per engine run.
type Monitor struct {
	log          *zap.Logger
	th           config.HealthThresholds
	healthWindow time.Duration
	records      []*record
	onTransition TransitionFunc
	now          func() time.Time
}

// NewMonitor builds a Monitor for n sources. healthWindow is the sustained
// clean duration required before a previously failed source is trusted again.
func NewMonitor(log *zap.Logger, n int, th config.HealthThresholds, healthWindow time.Duration) *Monitor {
	m := &Monitor{
		log:          log.Named("health"),
		th:           th,
		healthWindow: healthWindow,
		records:      make([]*record, n),
		now:          time.Now,
	}
	start := m.now()
	for i := range m.records {
		m.records[i] = &record{
			state:      Healthy,
			lastPacket: start, // grace until the first staleness timeout
			loss:       make([]lossBucket, th.PacketLossWindowSec),
		}
	}
	return m
}

// OnTransition registers the state-change callback. Must be called before Run.
func (m *Monitor) OnTransition(f TransitionFunc) { m.onTransition = f }

// Observe folds one inspection event into the source's record. Called from
// the source's reader goroutine for every event, so it stays O(1).
func (m *Monitor) Observe(source int, ev mpegts.Event) {
	if source < 0 || source >= len(m.records) {
		return
	}
	r := m.records[source]
	now := m.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case mpegts.EventPacketReceived:
		r.lastPacket = now
		r.packets++
		r.bytes += uint64(ev.Size)
		r.lossBucketAt(now).received++
	case mpegts.EventContinuityError:
		r.ccErrors++
		r.lost += uint64(ev.Lost)
		r.rollCC(now)
		r.ccCount++
		b := r.lossBucketAt(now)
		b.lost += ev.Lost
	case mpegts.EventParseError:
		// Malformed input: counted against continuity, not fatal.
		r.rollCC(now)
		r.ccCount++
	}
}

// rollCC advances the 1-second continuity bucket. Caller holds r.mu.
func (r *record) rollCC(now time.Time) {
	sec := now.Unix()
	if sec == r.ccSec {
		return
	}
	if sec == r.ccSec+1 {
		r.ccPrevCount = r.ccCount
	} else {
		r.ccPrevCount = 0
	}
	r.ccSec = sec
	r.ccCount = 0
}

// lossBucketAt returns the ring bucket for now, clearing it if it has lapped.
// Caller holds r.mu.
func (r *record) lossBucketAt(now time.Time) *lossBucket {
	sec := now.Unix()
	b := &r.loss[int(sec)%len(r.loss)]
	if b.sec != sec {
		*b = lossBucket{sec: sec}
	}
	return b
}

// Run ticks the staleness/threshold sweep until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.log.Info("health monitor started", zap.Duration("interval", interval))
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case now := <-t.C:
			m.Tick(now)
		}
	}
}

// Tick sweeps every source: staleness, threshold breaches, and hysteresis
// promotion. Exposed for tests; Run calls it on the configured period.
func (m *Monitor) Tick(now time.Time) {
	for i, r := range m.records {
		r.mu.Lock()
		from := r.state
		to := m.classify(r, now)
		r.state = to
		r.mu.Unlock()

		if to != from {
			m.log.Info("source health changed",
				zap.Int("source", i),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if m.onTransition != nil {
				m.onTransition(i, from, to)
			}
		}
	}
}

// classify computes the next state for r at time now. Caller holds r.mu.
//
// Any threshold breach or staleness drops the source straight to Failed.
// Recovery is staged: Failed -> Degraded as soon as the source runs clean,
// Degraded -> Healthy only after a full uninterrupted health window. A single
// good packet never restores trust.
func (m *Monitor) classify(r *record, now time.Time) State {
	stale := now.Sub(r.lastPacket) > time.Duration(m.th.StalenessTimeoutMS)*time.Millisecond

	r.rollCC(now)
	ccRate := r.ccCount
	if r.ccPrevCount > ccRate {
		ccRate = r.ccPrevCount
	}
	ccBreach := m.th.CCErrorsPerSec > 0 && ccRate > m.th.CCErrorsPerSec

	lossBreach := m.th.PacketLossPercent > 0 && r.lossPercent(now) > m.th.PacketLossPercent

	if stale || ccBreach || lossBreach {
		r.cleanSince = time.Time{}
		return Failed
	}

	switch r.state {
	case Failed:
		r.cleanSince = now
		return Degraded
	case Degraded:
		if r.cleanSince.IsZero() {
			r.cleanSince = now
			return Degraded
		}
		if now.Sub(r.cleanSince) >= m.healthWindow {
			return Healthy
		}
		return Degraded
	default:
		return Healthy
	}
}

// lossPercent computes the loss ratio over the live window. Caller holds r.mu.
func (r *record) lossPercent(now time.Time) float64 {
	sec := now.Unix()
	var received, lost int
	for i := range r.loss {
		b := &r.loss[i]
		if b.sec > sec-int64(len(r.loss)) && b.sec <= sec {
			received += b.received
			lost += b.lost
		}
	}
	expected := received + lost
	if expected == 0 {
		return 0
	}
	return float64(lost) * 100 / float64(expected)
}

// MarkFailed forces a source to Failed immediately, e.g. when its generator
// process dies; the usual staleness sweep would take a full timeout to notice.
func (m *Monitor) MarkFailed(source int) {
	if source < 0 || source >= len(m.records) {
		return
	}
	r := m.records[source]

	r.mu.Lock()
	from := r.state
	r.state = Failed
	r.cleanSince = time.Time{}
	// Backdate the last packet so the next sweep doesn't immediately begin
	// the recovery window off stale data.
	r.lastPacket = m.now().Add(-time.Duration(m.th.StalenessTimeoutMS) * time.Millisecond)
	r.mu.Unlock()

	if from != Failed {
		m.log.Warn("source marked failed", zap.Int("source", source))
		if m.onTransition != nil {
			m.onTransition(source, from, Failed)
		}
	}
}

// StateOf returns the source's current classification.
func (m *Monitor) StateOf(source int) State {
	if source < 0 || source >= len(m.records) {
		return Failed
	}
	r := m.records[source]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// BestHealthy returns the lowest-index Healthy source other than exclude.
// Ties are impossible by construction; lowest index wins.
func (m *Monitor) BestHealthy(exclude int) (int, bool) {
	for i, r := range m.records {
		if i == exclude {
			continue
		}
		r.mu.Lock()
		ok := r.state == Healthy
		r.mu.Unlock()
		if ok {
			return i, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of the source's health for status queries.
func (m *Monitor) Snapshot(source int) Record {
	if source < 0 || source >= len(m.records) {
		return Record{State: Failed, StateName: Failed.String()}
	}
	r := m.records[source]
	now := m.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	ccRate := r.ccCount
	if r.ccPrevCount > ccRate {
		ccRate = r.ccPrevCount
	}
	return Record{
		State:             r.state,
		StateName:         r.state.String(),
		CCErrorsPerSec:    ccRate,
		PacketLossPercent: r.lossPercent(now),
		LastPacketAt:      r.lastPacket,
		PacketsReceived:   r.packets,
		BytesReceived:     r.bytes,
		CCErrors:          r.ccErrors,
		PacketsLost:       r.lost,
	}
}

// setNow overrides the clock for tests. The staleness grace period seeded at
// construction is re-anchored to the injected clock; otherwise the wall-clock
// seed would sit in the fake clock's future and no source could ever go stale.
func (m *Monitor) setNow(now func() time.Time) {
	m.now = now
	start := now()
	for _, r := range m.records {
		r.mu.Lock()
		r.lastPacket = start
		r.mu.Unlock()
	}
}
