package switcher

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/mpegts"
	"go.uber.org/zap"
)

// proxyBatch caps packets forwarded per output tick so one tick can never
// monopolize the consumer loop.
const proxyBatch = 64

// Proxy drains the active source's tube to the single output sink. It never
// blocks and never lets the output silently stall: past stallAfter with an
// empty tube it applies the on-cut policy (freeze = emit nothing and let the
// downstream decoder hold, black = emit TS null stuffing) and counts the
// stall for diagnostics.
//
// Proxy methods are called only from the engine's consumer loop.
type Proxy struct {
	log        *zap.Logger
	sink       io.Writer
	onCut      config.OnCutPolicy
	stallAfter time.Duration

	scratch   []byte
	null      []byte
	lastWrite time.Time

	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
	stalls     atomic.Uint64
	writeErrs  atomic.Uint64
	disconts   atomic.Uint64
}

// MarkDiscontinuity records that the next forwarded packet breaks stream
// continuity for the downstream consumer. Called once per committed switch.
func (p *Proxy) MarkDiscontinuity() {
	p.disconts.Add(1)
}

// NewProxy builds a Proxy writing to sink with the given stall policy.
func NewProxy(log *zap.Logger, sink io.Writer, onCut config.OnCutPolicy, stallAfter time.Duration) *Proxy {
	return &Proxy{
		log:        log.Named("proxy"),
		sink:       sink,
		onCut:      onCut,
		stallAfter: stallAfter,
		scratch:    make([]byte, 0, 64*1024),
		null:       mpegts.NullPacket(),
		lastWrite:  time.Now(),
	}
}

// Forward drains up to one batch from tube. When hold is true (cutover
// freeze/black window), live forwarding is suppressed and only the hold
// policy's filler is emitted. Returns packets written.
func (p *Proxy) Forward(now time.Time, tube *Tube, hold bool) int {
	if hold {
		p.filler(now)
		return 0
	}

	wrote := 0
	for wrote < proxyBatch {
		pkt, ok := tube.Pop(p.scratch)
		if !ok {
			break
		}
		p.scratch = pkt // keep the (possibly grown) buffer
		if err := p.write(pkt, now); err != nil {
			p.writeErrs.Add(1)
			p.log.Warn("sink write failed", zap.Error(err))
			return wrote
		}
		wrote++
	}

	if wrote == 0 && now.Sub(p.lastWrite) > p.stallAfter {
		p.stalls.Add(1)
		p.filler(now)
	}
	return wrote
}

// filler emits the configured blank output for one tick. Freeze emits
// nothing; the decoder downstream holds the last frame on its own.
func (p *Proxy) filler(now time.Time) {
	if p.onCut != config.OnCutBlack {
		return
	}
	if err := p.write(p.null, now); err != nil {
		p.writeErrs.Add(1)
	}
}

func (p *Proxy) write(pkt []byte, now time.Time) error {
	if _, err := p.sink.Write(pkt); err != nil {
		return err
	}
	p.lastWrite = now
	p.packetsOut.Add(1)
	p.bytesOut.Add(uint64(len(pkt)))
	return nil
}

// ProxyStats is a snapshot of output-side counters.
type ProxyStats struct {
	PacketsOut uint64 `json:"packets_out"`
	BytesOut   uint64 `json:"bytes_out"`
	Stalls     uint64 `json:"stall_ticks"`
	WriteErrs  uint64 `json:"write_errors"`
	Disconts   uint64 `json:"discontinuities"`
}

// Stats returns the proxy's counters. Safe from any goroutine.
func (p *Proxy) Stats() ProxyStats {
	return ProxyStats{
		PacketsOut: p.packetsOut.Load(),
		BytesOut:   p.bytesOut.Load(),
		Stalls:     p.stalls.Load(),
		WriteErrs:  p.writeErrs.Load(),
		Disconts:   p.disconts.Load(),
	}
}
