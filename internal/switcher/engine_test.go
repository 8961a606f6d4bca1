package switcher

import (
	"bytes"
	"testing"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"go.uber.org/zap"
)

type stubKeyframes struct{ seq []uint64 }

func (s *stubKeyframes) KeyframeSeq(source int) uint64 {
	if source < 0 || source >= len(s.seq) {
		return 0
	}
	return s.seq[source]
}

type recordedSelect struct{ active, pending int }

type stubSelector struct{ calls []recordedSelect }

func (s *stubSelector) Select(active, pending int) {
	s.calls = append(s.calls, recordedSelect{active, pending})
}

type stubRecorder struct{ events []SwitchEvent }

func (s *stubRecorder) RecordSwitch(ev SwitchEvent) { s.events = append(s.events, ev) }

type engineFixture struct {
	eng  *Engine
	mon  *health.Monitor
	kf   *stubKeyframes
	sink *bytes.Buffer
	rec  *stubRecorder
	sel  *stubSelector
}

func newEngineFixture(t *testing.T, n int, opts Options) *engineFixture {
	t.Helper()
	th := config.HealthThresholds{
		StalenessTimeoutMS:  2000,
		CCErrorsPerSec:      5,
		PacketLossPercent:   2.0,
		PacketLossWindowSec: 10,
	}
	tubes := make([]*Tube, n)
	for i := range tubes {
		tubes[i] = NewTube(32)
	}
	f := &engineFixture{
		mon:  health.NewMonitor(zap.NewNop(), n, th, 5*time.Second),
		kf:   &stubKeyframes{seq: make([]uint64, n)},
		sink: &bytes.Buffer{},
		rec:  &stubRecorder{},
		sel:  &stubSelector{},
	}
	f.eng = New(zap.NewNop(), tubes, f.mon, f.kf, f.sink, opts)
	f.eng.SetRecorder(f.rec)
	f.eng.SetSelector(f.sel)
	return f
}

func pkt(b byte) []byte { return []byte{b} }

func TestCutoverCommitsImmediately(t *testing.T) {
	f := newEngineFixture(t, 3, Options{Mode: config.ModeCutover})
	now := time.Now()

	f.eng.applySwitch(NewSwitchRequest(1, config.ModeCutover, OriginManual), now)

	if got := f.eng.Active(); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	if f.eng.Pending() != nil {
		t.Fatal("pending after cutover, want nil")
	}
	if len(f.rec.events) != 1 {
		t.Fatalf("recorded events = %d, want 1", len(f.rec.events))
	}
	ev := f.rec.events[0]
	if ev.From != 0 || ev.To != 1 || ev.Mode != "cutover" || ev.Origin != "manual" {
		t.Fatalf("event = %+v, want 0->1 cutover manual", ev)
	}
}

func TestCutoverWithoutHoldStartsClean(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeCutover})

	f.eng.tubes[0].Push(pkt(1))
	f.eng.tubes[1].Push(pkt(2))
	f.eng.applySwitch(NewSwitchRequest(1, config.ModeCutover, OriginManual), time.Now())

	if got := f.eng.tubes[0].Len(); got != 0 {
		t.Fatalf("old tube len = %d, want 0", got)
	}
	if got := f.eng.tubes[1].Len(); got != 0 {
		t.Fatalf("target tube len = %d, want 0 (no-hold cutover starts clean)", got)
	}
	if got := f.rec.events[0].Flushed; got != 2 {
		t.Fatalf("flushed = %d, want 2", got)
	}
}

func TestCutoverHoldSuppressesLiveForwarding(t *testing.T) {
	f := newEngineFixture(t, 2, Options{
		Mode:        config.ModeCutover,
		OnCut:       config.OnCutFreeze,
		FreezeOnCut: 2 * time.Second,
	})
	now := time.Now()

	f.eng.tubes[1].Push(pkt(9))
	f.eng.applySwitch(NewSwitchRequest(1, config.ModeCutover, OriginManual), now)

	// Inside the hold window: the target's buffer survives and nothing is
	// written (freeze policy).
	f.eng.onTick(now.Add(10 * time.Millisecond))
	if f.sink.Len() != 0 {
		t.Fatalf("sink len during hold = %d, want 0", f.sink.Len())
	}
	if got := f.eng.tubes[1].Len(); got != 1 {
		t.Fatalf("target buffered = %d, want 1", got)
	}

	// Past the hold window forwarding resumes.
	f.eng.onTick(now.Add(3 * time.Second))
	if f.sink.Len() != 1 {
		t.Fatalf("sink len after hold = %d, want 1", f.sink.Len())
	}
}

func TestGracefulWaitsForTargetData(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeGraceful})
	now := time.Now()

	f.eng.applySwitch(NewSwitchRequest(1, config.ModeGraceful, OriginManual), now)
	if f.eng.Active() != 0 {
		t.Fatal("graceful committed before a tick")
	}
	p := f.eng.Pending()
	if p == nil || p.Target != 1 || p.AwaitingKeyframe {
		t.Fatalf("pending = %+v, want target 1 not awaiting keyframe", p)
	}

	// Target produces nothing: the switch stays pending.
	f.eng.onTick(now.Add(10 * time.Millisecond))
	if f.eng.Active() != 0 {
		t.Fatal("graceful committed with an empty target stream")
	}

	f.eng.tubes[1].Push(pkt(7))
	f.eng.onTick(now.Add(20 * time.Millisecond))
	if f.eng.Active() != 1 {
		t.Fatal("graceful did not commit once target had data")
	}
	if f.eng.Pending() != nil {
		t.Fatal("pending survived commit")
	}
}

func TestSeamlessWaitsForKeyframe(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeSeamless})
	now := time.Now()
	f.kf.seq[1] = 5

	f.eng.applySwitch(NewSwitchRequest(1, config.ModeSeamless, OriginManual), now)
	p := f.eng.Pending()
	if p == nil || !p.AwaitingKeyframe {
		t.Fatalf("pending = %+v, want awaiting keyframe", p)
	}

	f.eng.onTick(now.Add(10 * time.Millisecond))
	if f.eng.Active() != 0 {
		t.Fatal("seamless committed before a fresh keyframe")
	}

	f.kf.seq[1] = 6
	f.eng.onTick(now.Add(20 * time.Millisecond))
	if f.eng.Active() != 1 {
		t.Fatal("seamless did not commit on keyframe")
	}
	if f.rec.events[0].Mode != "seamless" {
		t.Fatalf("mode = %q, want seamless", f.rec.events[0].Mode)
	}
}

func TestSwitchToActiveCancelsPending(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeSeamless})
	now := time.Now()

	f.eng.applySwitch(NewSwitchRequest(1, config.ModeSeamless, OriginManual), now)
	if f.eng.Pending() == nil {
		t.Fatal("no pending switch")
	}

	f.eng.applySwitch(NewSwitchRequest(0, "", OriginManual), now)
	if f.eng.Pending() != nil {
		t.Fatal("pending not canceled by switch back to active")
	}
	if f.eng.Active() != 0 {
		t.Fatalf("active = %d, want 0", f.eng.Active())
	}
	if len(f.rec.events) != 0 {
		t.Fatal("cancel recorded as a switch")
	}
}

func TestPendingSuperseded(t *testing.T) {
	f := newEngineFixture(t, 3, Options{Mode: config.ModeSeamless})
	now := time.Now()

	f.eng.applySwitch(NewSwitchRequest(1, config.ModeSeamless, OriginManual), now)
	f.eng.applySwitch(NewSwitchRequest(2, config.ModeGraceful, OriginManual), now)

	p := f.eng.Pending()
	if p == nil || p.Target != 2 {
		t.Fatalf("pending = %+v, want target 2", p)
	}

	f.eng.tubes[2].Push(pkt(1))
	f.eng.onTick(now.Add(10 * time.Millisecond))
	if f.eng.Active() != 2 {
		t.Fatalf("active = %d, want 2", f.eng.Active())
	}
}

func TestUnknownTargetDropped(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeCutover})

	f.eng.applySwitch(NewSwitchRequest(9, config.ModeCutover, OriginManual), time.Now())
	if f.eng.Active() != 0 || len(f.rec.events) != 0 {
		t.Fatal("out-of-range target changed state")
	}
}

func TestFailoverToBestHealthy(t *testing.T) {
	f := newEngineFixture(t, 3, Options{Mode: config.ModeCutover, AutoFailover: true})
	now := time.Now()

	f.mon.MarkFailed(0)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, now)

	if got := f.eng.Active(); got != 1 {
		t.Fatalf("active after failover = %d, want 1", got)
	}
	if got := f.rec.events[0].Origin; got != "auto" {
		t.Fatalf("origin = %q, want auto", got)
	}
	if f.eng.revertTarget != 0 {
		t.Fatalf("revertTarget = %d, want 0", f.eng.revertTarget)
	}
}

func TestNoFailoverWhenDisabled(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeCutover})

	f.mon.MarkFailed(0)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, time.Now())

	if f.eng.Active() != 0 || len(f.rec.events) != 0 {
		t.Fatal("failover fired with auto_failover disabled")
	}
}

func TestFailoverWithNoHealthyTargetHolds(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeCutover, AutoFailover: true})

	f.mon.MarkFailed(0)
	f.mon.MarkFailed(1)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, time.Now())

	if f.eng.Active() != 0 || len(f.rec.events) != 0 {
		t.Fatal("switched with no healthy target available")
	}
}

func TestAutoRevert(t *testing.T) {
	f := newEngineFixture(t, 2, Options{
		Mode:         config.ModeCutover,
		AutoFailover: true,
		RevertPolicy: config.RevertAuto,
	})
	now := time.Now()

	f.mon.MarkFailed(0)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, now)
	if f.eng.Active() != 1 {
		t.Fatalf("active = %d, want 1", f.eng.Active())
	}

	f.eng.applyHealth(healthEvent{Source: 0, From: health.Degraded, To: health.Healthy}, now)
	if f.eng.Active() != 0 {
		t.Fatalf("active after revert = %d, want 0", f.eng.Active())
	}
	if f.eng.revertTarget != -1 {
		t.Fatalf("revertTarget = %d, want -1", f.eng.revertTarget)
	}
}

func TestManualSwitchClearsRevertIntent(t *testing.T) {
	f := newEngineFixture(t, 3, Options{
		Mode:         config.ModeCutover,
		AutoFailover: true,
		RevertPolicy: config.RevertAuto,
	})
	now := time.Now()

	f.mon.MarkFailed(0)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, now)

	// Operator takes over: the standing revert intent is dropped.
	f.eng.applySwitch(NewSwitchRequest(2, config.ModeCutover, OriginManual), now)
	if f.eng.revertTarget != -1 {
		t.Fatalf("revertTarget = %d, want -1", f.eng.revertTarget)
	}

	f.eng.applyHealth(healthEvent{Source: 0, From: health.Degraded, To: health.Healthy}, now)
	if got := f.eng.Active(); got != 2 {
		t.Fatalf("active = %d, want 2 (no revert after manual override)", got)
	}
}

func TestRevertPolicyManualHolds(t *testing.T) {
	f := newEngineFixture(t, 2, Options{
		Mode:         config.ModeCutover,
		AutoFailover: true,
		RevertPolicy: config.RevertManual,
	})
	now := time.Now()

	f.mon.MarkFailed(0)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Healthy, To: health.Failed}, now)
	f.eng.applyHealth(healthEvent{Source: 0, From: health.Degraded, To: health.Healthy}, now)

	if got := f.eng.Active(); got != 1 {
		t.Fatalf("active = %d, want 1 (manual revert policy)", got)
	}
}

func TestSubmitPreservesOrderAndBounds(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeCutover, QueueSize: 2})

	a := NewSwitchRequest(1, "", OriginManual)
	b := SetAutoFailover{Enable: true}
	if err := f.eng.Submit(a); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := f.eng.Submit(b); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if err := f.eng.Submit(SetAutoFailover{}); err != ErrQueueFull {
		t.Fatalf("submit on full queue = %v, want ErrQueueFull", err)
	}

	if got := (<-f.eng.queue).(SwitchRequest); got.ID != a.ID {
		t.Fatal("queue is not FIFO")
	}
	if _, ok := (<-f.eng.queue).(SetAutoFailover); !ok {
		t.Fatal("second dequeued command has wrong type")
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newEngineFixture(t, 2, Options{Mode: config.ModeGraceful, AutoFailover: true})
	now := time.Now()

	f.eng.tubes[1].Push(pkt(1))
	f.eng.applySwitch(NewSwitchRequest(1, config.ModeGraceful, OriginManual), now)
	f.eng.onTick(now.Add(10 * time.Millisecond))

	st := f.eng.Status()
	if st.Active != 1 || st.Switches != 1 || !st.AutoFailover {
		t.Fatalf("status = %+v, want active 1, 1 switch, failover on", st)
	}
	if st.LastSwitchAt == nil {
		t.Fatal("LastSwitchAt missing after a commit")
	}
	if st.Proxy.Disconts != 1 {
		t.Fatalf("Disconts = %d, want 1 per commit", st.Proxy.Disconts)
	}
}
