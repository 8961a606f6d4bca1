// Package switcher holds the switch state machine, the single command queue
// that serializes all control input, and the forwarding proxy that carries
// the active source's packets to the output sink.
package switcher

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the command queue is saturated.
// Front doors surface it instead of blocking their listener.
var ErrQueueFull = errors.New("command queue full")

// KeyframeSource exposes per-source keyframe sequence counters maintained by
// the ingest layer. A seamless switch commits once the target's counter moves
// past its value at request time.
type KeyframeSource interface {
	KeyframeSeq(source int) uint64
}

// Selector is notified whenever the engine's active or pending-target source
// changes, so standby ingest can ramp buffering up or down. pending is -1
// when no switch is pending.
type Selector interface {
	Select(active, pending int)
}

// Recorder receives committed switch events for external mirroring. It must
// not block the caller.
type Recorder interface {
	RecordSwitch(ev SwitchEvent)
}

// SwitchEvent describes one committed switch.
type SwitchEvent struct {
	From       int       `json:"from"`
	To         int       `json:"to"`
	Mode       string    `json:"mode"`
	Origin     string    `json:"origin"`
	RequestID  string    `json:"request_id"`
	Flushed    int       `json:"flushed_packets"`
	CommitedAt time.Time `json:"committed_at"`
}

// PendingView is the externally visible shape of an uncommitted switch.
type PendingView struct {
	Target           int       `json:"target"`
	AwaitingKeyframe bool      `json:"awaiting_keyframe"`
	Since            time.Time `json:"since"`
}

// pendingSwitch is the loop-private pending state. At most one exists.
type pendingSwitch struct {
	req   SwitchRequest
	mode  config.SwitchMode
	kfSeq uint64 // target keyframe counter at request time (seamless only)
	since time.Time
}

// Options configure an Engine.
type Options struct {
	Mode         config.SwitchMode
	OnCut        config.OnCutPolicy
	FreezeOnCut  time.Duration
	RevertPolicy config.RevertPolicy
	AutoFailover bool

	// OutputTick is the proxy drain cadence; default 10ms.
	OutputTick time.Duration
	// StallAfter is how long the output may run dry before filler kicks in;
	// default 250ms.
	StallAfter time.Duration
	// QueueSize bounds the command queue; default 64.
	QueueSize int
}

func (o *Options) setDefaults() {
	if o.OutputTick <= 0 {
		o.OutputTick = 10 * time.Millisecond
	}
	if o.StallAfter <= 0 {
		o.StallAfter = 250 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

// Engine is the switch state machine. Exactly one consumer loop (Run) owns
// ActiveSource and the pending switch; every other component talks to it
// through Submit or reads the atomically published views.
type Engine struct {
	log   *zap.Logger
	opts  Options
	queue chan Command
	tubes []*Tube
	mon   *health.Monitor
	kf    KeyframeSource
	proxy *Proxy

	sel Selector // optional
	rec Recorder // optional

	// Loop-owned state. Never touched outside Run's goroutine.
	pending      *pendingSwitch
	revertTarget int // original source awaiting auto-revert; -1 = none
	holdUntil    time.Time

	// Published views, safe for concurrent readers.
	active       atomic.Int64
	pendingView  atomic.Pointer[PendingView]
	autoFailover atomic.Bool
	switches     atomic.Uint64
	lastSwitch   atomic.Int64 // unix nanos; 0 = never
}

// New builds an Engine forwarding to sink. tubes must have one entry per
// configured source; source 0 starts active.
func New(log *zap.Logger, tubes []*Tube, mon *health.Monitor, kf KeyframeSource, sink io.Writer, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		log:          log.Named("engine"),
		opts:         opts,
		queue:        make(chan Command, opts.QueueSize),
		tubes:        tubes,
		mon:          mon,
		kf:           kf,
		proxy:        NewProxy(log, sink, opts.OnCut, opts.StallAfter),
		revertTarget: -1,
	}
	e.autoFailover.Store(opts.AutoFailover)
	return e
}

// SetSelector registers the standby-ingest selection hook. Call before Run.
func (e *Engine) SetSelector(s Selector) { e.sel = s }

// SetRecorder registers the switch-event mirror. Call before Run.
func (e *Engine) SetRecorder(r Recorder) { e.rec = r }

// Submit enqueues a command. Commands are applied strictly in arrival order
// by the consumer loop. Never blocks.
func (e *Engine) Submit(cmd Command) error {
	select {
	case e.queue <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// NotifyHealth adapts monitor transitions onto the command queue. Wire it as
// the monitor's OnTransition callback.
func (e *Engine) NotifyHealth(source int, from, to health.State) {
	if err := e.Submit(healthEvent{Source: source, From: from, To: to}); err != nil {
		e.log.Warn("health event dropped", zap.Int("source", source), zap.Error(err))
	}
}

// Active returns the current active source index.
func (e *Engine) Active() int { return int(e.active.Load()) }

// Pending returns the uncommitted switch, or nil.
func (e *Engine) Pending() *PendingView { return e.pendingView.Load() }

// AutoFailoverEnabled reports the failover toggle.
func (e *Engine) AutoFailoverEnabled() bool { return e.autoFailover.Load() }

// Run is the single consumer loop: it applies queued commands and services
// the forwarding proxy on a fixed output tick until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("engine started",
		zap.String("mode", string(e.opts.Mode)),
		zap.Duration("output_tick", e.opts.OutputTick),
		zap.Bool("auto_failover", e.autoFailover.Load()))

	tick := time.NewTicker(e.opts.OutputTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return
		case cmd := <-e.queue:
			e.apply(cmd, time.Now())
		case now := <-tick.C:
			e.onTick(now)
		}
	}
}

// apply handles one command. Runs only on the consumer loop.
func (e *Engine) apply(cmd Command, now time.Time) {
	switch c := cmd.(type) {
	case SwitchRequest:
		e.applySwitch(c, now)
	case SetAutoFailover:
		e.autoFailover.Store(c.Enable)
		e.log.Info("auto failover toggled", zap.Bool("enable", c.Enable))
	case healthEvent:
		e.applyHealth(c, now)
	default:
		e.log.Warn("unknown command dropped")
	}
}

func (e *Engine) applySwitch(req SwitchRequest, now time.Time) {
	if req.Target < 0 || req.Target >= len(e.tubes) {
		e.log.Warn("switch request for unknown source dropped",
			zap.Int("target", req.Target), zap.String("origin", string(req.Origin)))
		return
	}

	active := e.Active()
	log := e.log.With(
		zap.String("request_id", req.ID.String()),
		zap.Int("from", active),
		zap.Int("target", req.Target),
		zap.String("origin", string(req.Origin)))

	if req.Target == active {
		// No-op, but it also cancels any pending switch ("switch back").
		if e.pending != nil {
			log.Info("pending switch canceled by request for active source",
				zap.Int("canceled_target", e.pending.req.Target))
			e.setPending(nil)
		} else {
			log.Debug("switch to active source is a no-op")
		}
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = e.opts.Mode
	}

	if e.pending != nil {
		log.Info("pending switch superseded", zap.Int("superseded_target", e.pending.req.Target))
	}

	switch mode {
	case config.ModeCutover:
		e.setPending(nil)
		e.commit(req, mode, now)
		if e.opts.FreezeOnCut > 0 {
			e.holdUntil = now.Add(e.opts.FreezeOnCut)
			log.Info("post-cut hold started",
				zap.Duration("hold", e.opts.FreezeOnCut),
				zap.String("on_cut", string(e.opts.OnCut)))
		}
	case config.ModeGraceful:
		// Committed at the next drain boundary (next tick).
		e.setPending(&pendingSwitch{req: req, mode: mode, since: now})
	case config.ModeSeamless:
		e.setPending(&pendingSwitch{
			req:   req,
			mode:  mode,
			kfSeq: e.kf.KeyframeSeq(req.Target),
			since: now,
		})
		log.Info("awaiting keyframe on target")
	default:
		log.Warn("unknown switch mode dropped", zap.String("mode", string(mode)))
	}
}

func (e *Engine) applyHealth(ev healthEvent, now time.Time) {
	active := e.Active()

	// Health-driven failover: active source failed, move to the best healthy
	// candidate. The synthesized request goes through the same code path as
	// a manual one.
	if ev.To == health.Failed && ev.Source == active && e.autoFailover.Load() {
		target, ok := e.mon.BestHealthy(active)
		if !ok {
			e.log.Warn("active source failed but no healthy target available",
				zap.Int("active", active))
			return
		}
		if e.revertTarget == -1 {
			e.revertTarget = active
		}
		req := NewSwitchRequest(target, "", OriginAuto)
		e.log.Info("failover",
			zap.Int("failed", active),
			zap.Int("target", target),
			zap.String("request_id", req.ID.String()))
		e.applySwitch(req, now)
		return
	}

	// Auto-revert: the original source has sustained a full clean window
	// (the monitor's hysteresis guarantees that before reporting Healthy).
	if ev.To == health.Healthy && ev.Source == e.revertTarget &&
		e.opts.RevertPolicy == config.RevertAuto && ev.Source != active {
		req := NewSwitchRequest(ev.Source, "", OriginAuto)
		e.log.Info("auto revert",
			zap.Int("target", ev.Source),
			zap.String("request_id", req.ID.String()))
		e.revertTarget = -1
		e.applySwitch(req, now)
	}
}

// onTick services pending commits and the forwarding proxy. Runs only on the
// consumer loop.
func (e *Engine) onTick(now time.Time) {
	if p := e.pending; p != nil {
		switch p.mode {
		case config.ModeGraceful:
			// Tick edges are the drain boundaries, but the commit still
			// requires data on the target's own stream; a target producing
			// nothing holds the switch pending.
			if e.tubes[p.req.Target].Len() > 0 {
				e.setPending(nil)
				e.commit(p.req, p.mode, now)
			}
		case config.ModeSeamless:
			if e.kf.KeyframeSeq(p.req.Target) > p.kfSeq {
				e.setPending(nil)
				e.commit(p.req, p.mode, now)
			}
		}
	}

	hold := now.Before(e.holdUntil)
	e.proxy.Forward(now, e.tubes[e.Active()], hold)
}

// commit makes req.Target the active source. Runs only on the consumer loop.
func (e *Engine) commit(req SwitchRequest, mode config.SwitchMode, now time.Time) {
	from := e.Active()

	// Stale packets of the deactivated source are dropped, bounded by the
	// tube capacity.
	flushed := e.tubes[from].Clear()

	// Cutover with no hold starts clean on the target too; graceful and
	// seamless replay what the target already buffered.
	if mode == config.ModeCutover && e.opts.FreezeOnCut <= 0 {
		flushed += e.tubes[req.Target].Clear()
	}

	e.active.Store(int64(req.Target))
	e.switches.Add(1)
	e.lastSwitch.Store(now.UnixNano())

	// A manual switch overrides any standing revert intent.
	if req.Origin == OriginManual {
		e.revertTarget = -1
	}

	if e.sel != nil {
		e.sel.Select(req.Target, -1)
	}

	// The first packet after a commit is a stream discontinuity for the
	// downstream consumer.
	e.proxy.MarkDiscontinuity()

	e.log.Info("switch committed",
		zap.Int("from", from),
		zap.Int("to", req.Target),
		zap.String("mode", string(mode)),
		zap.String("origin", string(req.Origin)),
		zap.String("request_id", req.ID.String()),
		zap.Int("flushed_packets", flushed),
		zap.Duration("latency", now.Sub(req.IssuedAt)))

	if e.rec != nil {
		e.rec.RecordSwitch(SwitchEvent{
			From:       from,
			To:         req.Target,
			Mode:       string(mode),
			Origin:     string(req.Origin),
			RequestID:  req.ID.String(),
			Flushed:    flushed,
			CommitedAt: now,
		})
	}
}

// setPending swaps the loop-private pending state and republishes the view.
func (e *Engine) setPending(p *pendingSwitch) {
	e.pending = p
	if p == nil {
		e.pendingView.Store(nil)
		if e.sel != nil {
			e.sel.Select(e.Active(), -1)
		}
		return
	}
	e.pendingView.Store(&PendingView{
		Target:           p.req.Target,
		AwaitingKeyframe: p.mode == config.ModeSeamless,
		Since:            p.since,
	})
	if e.sel != nil {
		e.sel.Select(e.Active(), p.req.Target)
	}
}

// Status is the engine-side slice of the /status payload.
type Status struct {
	Active       int          `json:"active_source"`
	Pending      *PendingView `json:"pending,omitempty"`
	Mode         string       `json:"mode"`
	AutoFailover bool         `json:"auto_failover"`
	Switches     uint64       `json:"switches"`
	LastSwitchAt *time.Time   `json:"last_switch_at,omitempty"`
	Proxy        ProxyStats   `json:"output"`
}

// Status snapshots the published engine state. Safe from any goroutine.
func (e *Engine) Status() Status {
	st := Status{
		Active:       e.Active(),
		Pending:      e.pendingView.Load(),
		Mode:         string(e.opts.Mode),
		AutoFailover: e.autoFailover.Load(),
		Switches:     e.switches.Load(),
		Proxy:        e.proxy.Stats(),
	}
	if ns := e.lastSwitch.Load(); ns != 0 {
		t := time.Unix(0, ns)
		st.LastSwitchAt = &t
	}
	return st
}
