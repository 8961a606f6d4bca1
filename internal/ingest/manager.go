// Package ingest owns one reader per configured source, the lifecycle of
// locally spawned generator processes, and the per-source tubes feeding the
// forwarding proxy.
package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"github.com/edirooss/mswitch-server/internal/infrastructure/processmgr"
	"github.com/edirooss/mswitch-server/internal/mpegts"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"go.uber.org/zap"
)

// Manager runs ingestion for all configured sources. Hot mode reads and
// inspects every source continuously; standby mode reads every source (the
// connection stays warm and health stays observable) but only buffers the
// active source and a pending switch target.
type Manager struct {
	log         *zap.Logger
	sources     []config.Source
	ingestMode  config.IngestMode
	baseUDPPort int

	tubes      []*switcher.Tube
	mon        *health.Monitor
	procs      *processmgr.ProcessManager
	inspectors []*mpegts.Inspector
	events     [][]mpegts.Event

	kfSeq   []atomic.Uint64
	active  atomic.Int64
	pending atomic.Int64 // -1 = none

	wg sync.WaitGroup
}

// NewManager wires a Manager. tubes must be one per source.
func NewManager(log *zap.Logger, cfg *config.Config, tubes []*switcher.Tube, mon *health.Monitor) *Manager {
	n := len(cfg.Sources)
	m := &Manager{
		log:         log.Named("ingest"),
		sources:     cfg.Sources,
		ingestMode:  cfg.IngestMode,
		baseUDPPort: cfg.BaseUDPPort,
		tubes:       tubes,
		mon:         mon,
		inspectors:  make([]*mpegts.Inspector, n),
		events:      make([][]mpegts.Event, n),
		kfSeq:       make([]atomic.Uint64, n),
	}
	for i := 0; i < n; i++ {
		m.inspectors[i] = mpegts.NewInspector()
		m.events[i] = make([]mpegts.Event, 0, 256)
	}
	m.pending.Store(-1)

	// Spawned generators die with us and get marked Failed the moment they
	// exit unexpectedly, ahead of the staleness sweep.
	m.procs = processmgr.NewProcessManager(log, func(source int, permanent bool) {
		m.mon.MarkFailed(source)
		if permanent {
			m.log.Error("generator permanently failed", zap.Int("source", source))
		}
	})
	return m
}

// Start spawns generators for subprocess-origin sources and launches one
// reader goroutine per source. Stop by cancelling ctx; Wait blocks until all
// readers have exited.
func (m *Manager) Start(ctx context.Context) {
	for i, src := range m.sources {
		if argv, ok := spawnArgv(src.URL); ok {
			m.procs.Start(i, argv, config.DefaultRestartCooldown, config.DefaultSubprocessRestartMax)
		}
	}

	for i := range m.sources {
		m.wg.Add(1)
		go func(source int) {
			defer m.wg.Done()
			m.runReader(ctx, source)
		}(i)
	}

	go func() {
		<-ctx.Done()
		m.procs.StopAll()
	}()
}

// Wait blocks until every reader goroutine has stopped.
func (m *Manager) Wait() { m.wg.Wait() }

// spawnArgv extracts the generator command from a "spawn:" origin.
func spawnArgv(url string) ([]string, bool) {
	cmd, ok := strings.CutPrefix(url, "spawn:")
	if !ok {
		return nil, false
	}
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return nil, false
	}
	return argv, true
}

// observe feeds one chunk's events to the health monitor. Reports whether a
// keyframe boundary was seen.
func (m *Manager) observe(source int, events []mpegts.Event) bool {
	keyframe := false
	for _, ev := range events {
		if ev.Kind == mpegts.EventKeyframe {
			keyframe = true
			continue // keyframes are commit signals, not health signals
		}
		m.mon.Observe(source, ev)
	}
	return keyframe
}

// shouldBuffer reports whether this source's packets go into its tube right
// now. Hot ingest buffers everything; standby buffers only the active source
// and the target of a pending switch (so graceful/seamless commits have data
// to replay).
func (m *Manager) shouldBuffer(source int) bool {
	if m.ingestMode == config.IngestHot {
		return true
	}
	return int64(source) == m.active.Load() || int64(source) == m.pending.Load()
}

// Select implements switcher.Selector: the engine reports active/pending
// selection changes so standby buffering can ramp. pending is -1 when no
// switch is pending.
func (m *Manager) Select(active, pending int) {
	prev := m.active.Swap(int64(active))
	m.pending.Store(int64(pending))

	if m.ingestMode == config.IngestStandby && prev != int64(active) {
		// The deselected source stops buffering on its reader's next chunk;
		// nothing to tear down beyond that.
		m.log.Debug("standby selection changed",
			zap.Int64("was", prev), zap.Int("active", active), zap.Int("pending", pending))
	}
}

// KeyframeSeq implements switcher.KeyframeSource.
func (m *Manager) KeyframeSeq(source int) uint64 {
	if source < 0 || source >= len(m.kfSeq) {
		return 0
	}
	return m.kfSeq[source].Load()
}

// GeneratorLogs returns the last lines of a spawned source's stderr,
// newest first.
func (m *Manager) GeneratorLogs(source, lines int) ([]string, bool) {
	return m.procs.GetLogs(source, lines)
}

// SourceStats is the per-source slice of the /status payload.
type SourceStats struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Health      health.Record `json:"health"`
	Buffered    int           `json:"buffered_packets"`
	Overflow    uint64        `json:"overflow_drops"`
	KeyframeSeq uint64        `json:"keyframe_seq"`
}

// Stats snapshots one source for status queries.
func (m *Manager) Stats(source int) SourceStats {
	if source < 0 || source >= len(m.sources) {
		return SourceStats{}
	}
	src := m.sources[source]
	return SourceStats{
		ID:          src.ID,
		Name:        src.Name,
		URL:         src.URL,
		Health:      m.mon.Snapshot(source),
		Buffered:    m.tubes[source].Len(),
		Overflow:    m.tubes[source].Drops(),
		KeyframeSeq: m.kfSeq[source].Load(),
	}
}

// NumSources returns the configured source count.
func (m *Manager) NumSources() int { return len(m.sources) }

// TubeCapacity derives the per-source tube size from buffer_ms assuming the
// conventional 7-packet datagrams at a nominal mux rate.
func TubeCapacity(bufferMS int) int {
	// ~1 datagram per millisecond covers muxes up to ~75 Mb/s.
	c := bufferMS
	if c < 16 {
		c = 16
	}
	return c
}

var _ switcher.KeyframeSource = (*Manager)(nil)
var _ switcher.Selector = (*Manager)(nil)

// Stop is a convenience for tests: cancel-and-wait with a bound.
func (m *Manager) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.log.Warn("readers did not stop in time")
	}
}
