package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edirooss/mswitch-server/internal/ingest"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"go.uber.org/zap"
)

// StatusSnapshot is the full /status payload: the engine's switch state plus
// per-source health and buffer detail.
type StatusSnapshot struct {
	Engine  switcher.Status      `json:"switch"`
	Sources []ingest.SourceStats `json:"sources"`
}

// StatusOptions tunes the snapshot cache.
type StatusOptions struct {
	// TTL controls how long we serve the in-memory snapshot.
	// Status pollers run at 1s+; default 250ms.
	TTL time.Duration
}

func (o *StatusOptions) setDefaults() {
	if o.TTL <= 0 {
		o.TTL = 250 * time.Millisecond
	}
}

// StatusResult lets the handler set headers/telemetry.
type StatusResult struct {
	Data        StatusSnapshot
	CacheHit    bool
	GeneratedAt time.Time
}

// StatusService assembles and caches status snapshots. Snapshot assembly
// walks every source's health record, so concurrent pollers are coalesced
// through singleflight the same way heavier summary endpoints would be.
type StatusService struct {
	log *zap.Logger
	eng *switcher.Engine
	mgr *ingest.Manager

	mu      sync.RWMutex
	cache   *StatusSnapshot
	expires time.Time
	genAt   time.Time

	opts StatusOptions
	now  func() time.Time

	sg singleflight.Group
}

// NewStatusService wires the service. Reuse a single instance per process.
func NewStatusService(log *zap.Logger, eng *switcher.Engine, mgr *ingest.Manager, opts StatusOptions) *StatusService {
	opts.setDefaults()
	return &StatusService{
		log:  log.Named("status_service"),
		eng:  eng,
		mgr:  mgr,
		opts: opts,
		now:  time.Now,
	}
}

// Get returns the cached snapshot or refreshes it when expired. Concurrent
// refreshes are coalesced.
func (s *StatusService) Get(ctx context.Context) StatusResult {
	// Fast path: fresh cache
	s.mu.RLock()
	if s.cache != nil && s.now().Before(s.expires) {
		out := *s.cache
		genAt := s.genAt
		s.mu.RUnlock()
		return StatusResult{Data: out, CacheHit: true, GeneratedAt: genAt}
	}
	s.mu.RUnlock()

	v, _, _ := s.sg.Do("status-refresh", func() (any, error) {
		// Double-check freshness after we won the flight
		s.mu.RLock()
		if s.cache != nil && s.now().Before(s.expires) {
			out := *s.cache
			genAt := s.genAt
			s.mu.RUnlock()
			return StatusResult{Data: out, CacheHit: true, GeneratedAt: genAt}, nil
		}
		s.mu.RUnlock()

		start := s.now()
		data := s.refresh()

		s.mu.Lock()
		s.cache = &data
		s.expires = start.Add(s.opts.TTL)
		s.genAt = start
		s.mu.Unlock()

		return StatusResult{Data: data, GeneratedAt: start}, nil
	})
	return v.(StatusResult)
}

// Invalidate drops the cache; the next Get rebuilds. Called after commands
// that must be visible immediately (e.g. a just-enqueued switch).
func (s *StatusService) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *StatusService) refresh() StatusSnapshot {
	n := s.mgr.NumSources()
	snap := StatusSnapshot{
		Engine:  s.eng.Status(),
		Sources: make([]ingest.SourceStats, n),
	}
	for i := 0; i < n; i++ {
		snap.Sources[i] = s.mgr.Stats(i)
	}
	return snap
}
