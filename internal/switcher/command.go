package switcher

import (
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"github.com/google/uuid"
)

// Origin records which front door issued a request.
type Origin string

const (
	// OriginManual marks operator-issued requests (HTTP or CLI).
	OriginManual Origin = "manual"
	// OriginAuto marks requests synthesized by health-driven failover/revert.
	OriginAuto Origin = "auto"
)

// Command is anything the engine's consumer loop can apply. All control
// input, manual and automatic alike, flows through one queue of these; the
// loop is the only code that mutates switch state.
type Command interface{ isCommand() }

// SwitchRequest asks the engine to make Target the active source. Immutable
// once enqueued.
type SwitchRequest struct {
	ID       uuid.UUID
	Target   int
	Mode     config.SwitchMode // empty = engine default
	Origin   Origin
	IssuedAt time.Time
}

func (SwitchRequest) isCommand() {}

// NewSwitchRequest stamps a manual request for the given target.
func NewSwitchRequest(target int, mode config.SwitchMode, origin Origin) SwitchRequest {
	return SwitchRequest{
		ID:       uuid.New(),
		Target:   target,
		Mode:     mode,
		Origin:   origin,
		IssuedAt: time.Now(),
	}
}

// SetAutoFailover toggles health-driven failover.
type SetAutoFailover struct{ Enable bool }

func (SetAutoFailover) isCommand() {}

// healthEvent carries a monitor state transition into the consumer loop,
// where failover and revert decisions are serialized with everything else.
type healthEvent struct {
	Source   int
	From, To health.State
}

func (healthEvent) isCommand() {}
