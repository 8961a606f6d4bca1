// Package mpegts provides a per-source MPEG-TS wire inspector: continuity
// accounting, loss inference, and H.264 keyframe boundary detection over the
// raw transport packets of one ingest stream.
package mpegts

const (
	// PacketSize is the fixed MPEG-TS transport packet length.
	PacketSize = 188
	// SyncByte opens every valid transport packet.
	SyncByte = 0x47
	// NullPID carries stuffing; exempt from continuity checking.
	NullPID = 0x1FFF

	nalTypeIDR = 5
	nalTypeSPS = 7

	// How far past an SPS we look for the IDR that usually follows it.
	spsIDRLookahead = 100
)

// EventKind discriminates inspection events.
type EventKind uint8

const (
	// EventPacketReceived fires once per well-formed transport packet.
	EventPacketReceived EventKind = iota
	// EventContinuityError fires on a per-PID continuity counter gap.
	EventContinuityError
	// EventKeyframe fires when the payload carries the start of an IDR unit.
	EventKeyframe
	// EventParseError fires on malformed input (bad sync byte, short packet).
	EventParseError
)

// Event is one inspection result. Lost is only meaningful for
// EventContinuityError and carries the inferred count of missing packets.
type Event struct {
	Kind EventKind
	PID  uint16
	Size int
	Lost int
}

// Inspector is the stateful wire parser for a single source. It is not safe
// for concurrent use; each source's reader owns one.
//
// The hot path is allocation-free: Inspect appends into a caller-provided
// slice and all parser state lives in fixed arrays.
type Inspector struct {
	lastCC [8192]int8 // last continuity counter per PID; -1 = unseen
	carry  [8]byte    // tail bytes of the previous payload, for start codes split across packets
	ncarry int
}

// NewInspector returns a ready Inspector.
func NewInspector() *Inspector {
	ins := &Inspector{}
	ins.Reset()
	return ins
}

// Reset clears all continuity and carry state, e.g. after a source reconnect.
func (ins *Inspector) Reset() {
	for i := range ins.lastCC {
		ins.lastCC[i] = -1
	}
	ins.ncarry = 0
}

// Inspect parses buf, which may hold any number of consecutive transport
// packets (UDP ingest typically delivers 7 per datagram), and appends the
// resulting events to events. The returned slice is events, possibly grown;
// callers reuse it across calls with events[:0].
func (ins *Inspector) Inspect(buf []byte, events []Event) []Event {
	for len(buf) > 0 {
		if len(buf) < PacketSize || buf[0] != SyncByte {
			// Resync: drop one byte at a time until a plausible packet head.
			events = append(events, Event{Kind: EventParseError, Size: len(buf)})
			i := 1
			for i < len(buf) && buf[i] != SyncByte {
				i++
			}
			buf = buf[i:]
			continue
		}
		events = ins.inspectPacket(buf[:PacketSize], events)
		buf = buf[PacketSize:]
	}
	return events
}

func (ins *Inspector) inspectPacket(pkt []byte, events []Event) []Event {
	pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
	afc := pkt[3] >> 4 & 0x3
	cc := int8(pkt[3] & 0x0F)
	hasPayload := afc&0x1 != 0
	hasAF := afc&0x2 != 0

	events = append(events, Event{Kind: EventPacketReceived, PID: pid, Size: PacketSize})

	// Continuity: the 4-bit counter increments once per packet carrying a
	// payload. The adaptation field's discontinuity indicator waives the check.
	if pid != NullPID && hasPayload {
		discontinuity := false
		if hasAF && pkt[4] > 0 {
			discontinuity = pkt[5]&0x80 != 0
		}
		if last := ins.lastCC[pid]; last >= 0 && !discontinuity {
			expected := (last + 1) & 0x0F
			if cc != expected {
				lost := 1 // duplicate counter; count as one bad packet
				if cc != last {
					// Gap size in unsigned mod-16 arithmetic.
					lost = int(uint8(cc-expected)) & 0x0F
				}
				events = append(events, Event{Kind: EventContinuityError, PID: pid, Lost: lost})
			}
		}
		ins.lastCC[pid] = cc
	}

	// Keyframe scan over the elementary payload.
	payload := pkt[4:]
	if hasAF {
		afLen := int(pkt[4])
		if afLen+5 > PacketSize {
			events = append(events, Event{Kind: EventParseError, PID: pid, Size: PacketSize})
			return events
		}
		payload = pkt[5+afLen:]
	}
	if len(payload) == 0 {
		return events
	}
	if ins.scanForIDR(payload) {
		events = append(events, Event{Kind: EventKeyframe, PID: pid})
	}
	return events
}

// scanForIDR reports whether payload (joined with the carry tail of the
// previous packet) contains the start of an H.264 IDR unit. An SPS unit with
// an IDR following within the lookahead also qualifies, since encoders emit
// SPS/PPS immediately ahead of the IDR they parameterize.
func (ins *Inspector) scanForIDR(payload []byte) bool {
	found := false

	// Junction scan: a start code may straddle the packet boundary. Join the
	// carried tail with the head of this payload in a fixed scratch buffer.
	// Codes wholly inside the carried tail were already reported by the
	// previous packet's scan.
	if ins.ncarry > 0 {
		var scratch [16]byte
		n := copy(scratch[:], ins.carry[:ins.ncarry])
		n += copy(scratch[n:], payload)
		if idrStraddling(scratch[:n], ins.ncarry) {
			found = true
		}
	}

	if !found && idrInRange(payload, payload) {
		found = true
	}

	// Carry the tail for the next packet: 3 start-code bytes + 1 NAL header.
	tail := len(payload)
	n := 4
	if tail < n {
		n = tail
	}
	ins.ncarry = copy(ins.carry[:], payload[tail-n:])

	return found
}

// idrStraddling scans joined for a start code whose 4-byte window crosses the
// boundary at split. Windows entirely on either side belong to that side's
// own per-packet scan.
func idrStraddling(joined []byte, split int) bool {
	for i := 0; i+4 <= len(joined) && i < split; i++ {
		if i+4 <= split {
			continue
		}
		if joined[i] != 0x00 || joined[i+1] != 0x00 || joined[i+2] != 0x01 {
			continue
		}
		switch joined[i+3] & 0x1F {
		case nalTypeIDR:
			return true
		case nalTypeSPS:
			for j := i + 4; j+4 <= len(joined); j++ {
				if joined[j] == 0x00 && joined[j+1] == 0x00 && joined[j+2] == 0x01 &&
					joined[j+3]&0x1F == nalTypeIDR {
					return true
				}
			}
		}
	}
	return false
}

// idrInRange scans buf for NAL start codes and IDR/SPS unit types. full is
// the buffer used for SPS lookahead (the current payload), so a lookahead
// never reads past real data.
func idrInRange(buf, full []byte) bool {
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] != 0x00 || buf[i+1] != 0x00 || buf[i+2] != 0x01 {
			continue
		}
		switch buf[i+3] & 0x1F {
		case nalTypeIDR:
			return true
		case nalTypeSPS:
			// SPS almost always precedes the IDR it configures; look ahead.
			end := i + 4 + spsIDRLookahead
			if end > len(full) {
				end = len(full)
			}
			for j := i + 4; j+4 <= end; j++ {
				if full[j] == 0x00 && full[j+1] == 0x00 && full[j+2] == 0x01 &&
					full[j+3]&0x1F == nalTypeIDR {
					return true
				}
			}
		}
	}
	return false
}

// NullPacket returns a stuffing packet (PID 0x1FFF) suitable as blank filler
// on the output when the black on-cut policy is in effect.
func NullPacket() []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	pkt[3] = 0x10 // payload only, counter 0
	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}
