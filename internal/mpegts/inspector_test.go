package mpegts

import (
	"bytes"
	"testing"
)

// tsPacket builds a 188-byte payload-carrying packet. Unused payload space is
// 0xAA so it can never form an accidental NAL start code.
func tsPacket(pid uint16, cc byte, payload []byte) []byte {
	pkt := make([]byte, PacketSize)
	for i := range pkt {
		pkt[i] = 0xAA
	}
	pkt[0] = SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F // payload only
	copy(pkt[4:], payload)
	return pkt
}

// tsPacketDiscontinuity is tsPacket with an adaptation field whose
// discontinuity indicator is set.
func tsPacketDiscontinuity(pid uint16, cc byte, payload []byte) []byte {
	pkt := tsPacket(pid, cc, nil)
	pkt[3] = 0x30 | cc&0x0F // adaptation field + payload
	pkt[4] = 1              // af length
	pkt[5] = 0x80           // discontinuity indicator
	copy(pkt[6:], payload)
	return pkt
}

func countKind(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func firstOfKind(t *testing.T, events []Event, kind EventKind) Event {
	t.Helper()
	for _, ev := range events {
		if ev.Kind == kind {
			return ev
		}
	}
	t.Fatalf("no event of kind %d in %v", kind, events)
	return Event{}
}

func TestCleanStreamEmitsOnlyPacketEvents(t *testing.T) {
	ins := NewInspector()
	var buf []byte
	for cc := byte(0); cc < 3; cc++ {
		buf = append(buf, tsPacket(256, cc, nil)...)
	}

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventPacketReceived); got != 3 {
		t.Fatalf("packet events = %d, want 3", got)
	}
	if got := len(events); got != 3 {
		t.Fatalf("total events = %d, want 3", got)
	}
}

func TestContinuityGapCountsLost(t *testing.T) {
	ins := NewInspector()
	buf := append(tsPacket(256, 0, nil), tsPacket(256, 3, nil)...)

	events := ins.Inspect(buf, nil)
	ev := firstOfKind(t, events, EventContinuityError)
	if ev.Lost != 2 {
		t.Fatalf("Lost = %d, want 2", ev.Lost)
	}
	if ev.PID != 256 {
		t.Fatalf("PID = %d, want 256", ev.PID)
	}
}

func TestContinuityWrapsModulo16(t *testing.T) {
	ins := NewInspector()
	buf := append(tsPacket(256, 15, nil), tsPacket(256, 0, nil)...)

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventContinuityError); got != 0 {
		t.Fatalf("cc errors across wrap = %d, want 0", got)
	}
}

func TestDuplicateCounterCountsOne(t *testing.T) {
	ins := NewInspector()
	buf := append(tsPacket(256, 7, nil), tsPacket(256, 7, nil)...)

	events := ins.Inspect(buf, nil)
	ev := firstOfKind(t, events, EventContinuityError)
	if ev.Lost != 1 {
		t.Fatalf("Lost = %d, want 1", ev.Lost)
	}
}

func TestDiscontinuityIndicatorWaivesCheck(t *testing.T) {
	ins := NewInspector()
	buf := append(tsPacket(256, 2, nil), tsPacketDiscontinuity(256, 11, nil)...)

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventContinuityError); got != 0 {
		t.Fatalf("cc errors with discontinuity flag = %d, want 0", got)
	}
}

func TestNullPIDExemptFromContinuity(t *testing.T) {
	ins := NewInspector()
	buf := append(tsPacket(NullPID, 0, nil), tsPacket(NullPID, 0, nil)...)

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventContinuityError); got != 0 {
		t.Fatalf("cc errors on null PID = %d, want 0", got)
	}
}

func TestPerPIDCountersAreIndependent(t *testing.T) {
	ins := NewInspector()
	var buf []byte
	buf = append(buf, tsPacket(100, 0, nil)...)
	buf = append(buf, tsPacket(200, 9, nil)...)
	buf = append(buf, tsPacket(100, 1, nil)...)
	buf = append(buf, tsPacket(200, 10, nil)...)

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventContinuityError); got != 0 {
		t.Fatalf("cc errors across interleaved PIDs = %d, want 0", got)
	}
}

func TestResyncAfterGarbage(t *testing.T) {
	ins := NewInspector()
	buf := append([]byte{0x12, 0x34, 0x56}, tsPacket(256, 0, nil)...)

	events := ins.Inspect(buf, nil)
	if got := countKind(events, EventParseError); got != 1 {
		t.Fatalf("parse errors = %d, want 1", got)
	}
	if got := countKind(events, EventPacketReceived); got != 1 {
		t.Fatalf("packet events after resync = %d, want 1", got)
	}
}

func TestResetClearsContinuityState(t *testing.T) {
	ins := NewInspector()
	ins.Inspect(tsPacket(256, 0, nil), nil)
	ins.Reset()

	events := ins.Inspect(tsPacket(256, 9, nil), nil)
	if got := countKind(events, EventContinuityError); got != 0 {
		t.Fatalf("cc errors after reset = %d, want 0", got)
	}
}

func TestKeyframeOnIDR(t *testing.T) {
	ins := NewInspector()
	payload := []byte{0x00, 0x00, 0x01, 0x65, 0x88, 0x84}

	events := ins.Inspect(tsPacket(256, 0, payload), nil)
	if got := countKind(events, EventKeyframe); got != 1 {
		t.Fatalf("keyframe events = %d, want 1", got)
	}
}

func TestKeyframeOnSPSWithIDRLookahead(t *testing.T) {
	ins := NewInspector()
	payload := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1E} // SPS
	payload = append(payload, bytes.Repeat([]byte{0xBB}, 20)...)
	payload = append(payload, 0x00, 0x00, 0x01, 0x65) // IDR within lookahead

	events := ins.Inspect(tsPacket(256, 0, payload), nil)
	if got := countKind(events, EventKeyframe); got != 1 {
		t.Fatalf("keyframe events = %d, want 1", got)
	}
}

func TestNoKeyframeOnSPSAlone(t *testing.T) {
	ins := NewInspector()
	payload := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0xC0, 0x1E}

	events := ins.Inspect(tsPacket(256, 0, payload), nil)
	if got := countKind(events, EventKeyframe); got != 0 {
		t.Fatalf("keyframe events = %d, want 0", got)
	}
}

func TestNoKeyframeOnNonIDRSlice(t *testing.T) {
	ins := NewInspector()
	payload := []byte{0x00, 0x00, 0x01, 0x61, 0xE0} // non-IDR slice

	events := ins.Inspect(tsPacket(256, 0, payload), nil)
	if got := countKind(events, EventKeyframe); got != 0 {
		t.Fatalf("keyframe events = %d, want 0", got)
	}
}

func TestKeyframeStartCodeSplitAcrossPackets(t *testing.T) {
	ins := NewInspector()

	// Start code straddles the boundary: first payload ends 00 00, second
	// payload opens 01 65.
	first := make([]byte, PacketSize-4)
	for i := range first {
		first[i] = 0xCC
	}
	first[len(first)-2] = 0x00
	first[len(first)-1] = 0x00

	events := ins.Inspect(tsPacket(256, 0, first), nil)
	if got := countKind(events, EventKeyframe); got != 0 {
		t.Fatalf("keyframe in first half = %d, want 0", got)
	}

	second := []byte{0x01, 0x65, 0x88}
	events = ins.Inspect(tsPacket(256, 1, second), events[:0])
	if got := countKind(events, EventKeyframe); got != 1 {
		t.Fatalf("keyframe at junction = %d, want 1", got)
	}
}

func TestKeyframeAtPayloadTailNotRecounted(t *testing.T) {
	ins := NewInspector()

	// The start code occupies exactly the last 4 payload bytes. It belongs to
	// this packet's scan only; the carried tail must not re-report it.
	first := make([]byte, PacketSize-4)
	for i := range first {
		first[i] = 0xCC
	}
	copy(first[len(first)-4:], []byte{0x00, 0x00, 0x01, 0x65})

	events := ins.Inspect(tsPacket(256, 0, first), nil)
	if got := countKind(events, EventKeyframe); got != 1 {
		t.Fatalf("keyframes in tail-IDR packet = %d, want 1", got)
	}

	second := bytes.Repeat([]byte{0xDD}, 32)
	events = ins.Inspect(tsPacket(256, 1, second), events[:0])
	if got := countKind(events, EventKeyframe); got != 0 {
		t.Fatalf("keyframes in IDR-free packet = %d, want 0", got)
	}
}

func TestNullPacketShape(t *testing.T) {
	pkt := NullPacket()
	if len(pkt) != PacketSize {
		t.Fatalf("len = %d, want %d", len(pkt), PacketSize)
	}
	if pkt[0] != SyncByte {
		t.Fatalf("sync byte = %#x, want %#x", pkt[0], SyncByte)
	}
	pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
	if pid != NullPID {
		t.Fatalf("pid = %#x, want %#x", pid, NullPID)
	}
}
