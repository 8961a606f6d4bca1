package switcher

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/mpegts"
	"go.uber.org/zap"
)

func TestProxyDrainsInOrder(t *testing.T) {
	var sink bytes.Buffer
	p := NewProxy(zap.NewNop(), &sink, config.OnCutFreeze, 250*time.Millisecond)

	tube := NewTube(8)
	tube.Push([]byte{1})
	tube.Push([]byte{2})
	tube.Push([]byte{3})

	wrote := p.Forward(time.Now(), tube, false)
	if wrote != 3 {
		t.Fatalf("wrote = %d, want 3", wrote)
	}
	if !bytes.Equal(sink.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("sink = %v, want [1 2 3]", sink.Bytes())
	}
	if got := p.Stats().PacketsOut; got != 3 {
		t.Fatalf("packets_out = %d, want 3", got)
	}
}

func TestProxyBatchCap(t *testing.T) {
	var sink bytes.Buffer
	p := NewProxy(zap.NewNop(), &sink, config.OnCutFreeze, 250*time.Millisecond)

	tube := NewTube(2 * proxyBatch)
	for i := 0; i < proxyBatch+10; i++ {
		tube.Push([]byte{byte(i)})
	}

	if wrote := p.Forward(time.Now(), tube, false); wrote != proxyBatch {
		t.Fatalf("wrote = %d, want %d", wrote, proxyBatch)
	}
	if got := tube.Len(); got != 10 {
		t.Fatalf("remaining = %d, want 10", got)
	}
}

func TestProxyStallEmitsBlackFiller(t *testing.T) {
	var sink bytes.Buffer
	p := NewProxy(zap.NewNop(), &sink, config.OnCutBlack, 250*time.Millisecond)

	tube := NewTube(4)
	p.Forward(time.Now().Add(time.Second), tube, false)

	if got := p.Stats().Stalls; got != 1 {
		t.Fatalf("stalls = %d, want 1", got)
	}
	if sink.Len() != mpegts.PacketSize {
		t.Fatalf("sink len = %d, want one null packet (%d)", sink.Len(), mpegts.PacketSize)
	}
	pid := uint16(sink.Bytes()[1]&0x1F)<<8 | uint16(sink.Bytes()[2])
	if pid != mpegts.NullPID {
		t.Fatalf("filler pid = %#x, want %#x", pid, mpegts.NullPID)
	}
}

func TestProxyStallFreezeEmitsNothing(t *testing.T) {
	var sink bytes.Buffer
	p := NewProxy(zap.NewNop(), &sink, config.OnCutFreeze, 250*time.Millisecond)

	tube := NewTube(4)
	p.Forward(time.Now().Add(time.Second), tube, false)

	if got := p.Stats().Stalls; got != 1 {
		t.Fatalf("stalls = %d, want 1", got)
	}
	if sink.Len() != 0 {
		t.Fatalf("sink len = %d, want 0", sink.Len())
	}
}

func TestProxyHoldSuppressesLiveOutput(t *testing.T) {
	var sink bytes.Buffer
	p := NewProxy(zap.NewNop(), &sink, config.OnCutFreeze, 250*time.Millisecond)

	tube := NewTube(4)
	tube.Push([]byte{1})

	if wrote := p.Forward(time.Now(), tube, true); wrote != 0 {
		t.Fatalf("wrote during hold = %d, want 0", wrote)
	}
	if got := tube.Len(); got != 1 {
		t.Fatalf("tube drained during hold; len = %d, want 1", got)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("sink down") }

func TestProxyWriteErrorCounted(t *testing.T) {
	p := NewProxy(zap.NewNop(), failWriter{}, config.OnCutFreeze, 250*time.Millisecond)

	tube := NewTube(4)
	tube.Push([]byte{1})

	if wrote := p.Forward(time.Now(), tube, false); wrote != 0 {
		t.Fatalf("wrote = %d, want 0", wrote)
	}
	if got := p.Stats().WriteErrs; got != 1 {
		t.Fatalf("write_errors = %d, want 1", got)
	}
}
