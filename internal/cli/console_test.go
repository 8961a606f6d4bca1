package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/health"
	"github.com/edirooss/mswitch-server/internal/ingest"
	"github.com/edirooss/mswitch-server/internal/service"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"go.uber.org/zap"
)

func newTestConsole(t *testing.T) (*Console, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Sources = []config.Source{
		{ID: "s0", URL: "udp://239.0.0.1:5000", Name: "s0"},
		{ID: "s1", URL: "udp://239.0.0.2:5000", Name: "s1"},
	}
	tubes := []*switcher.Tube{switcher.NewTube(8), switcher.NewTube(8)}
	mon := health.NewMonitor(zap.NewNop(), 2, cfg.AutoFailover.Thresholds, 5*time.Second)
	mgr := ingest.NewManager(zap.NewNop(), &cfg, tubes, mon)
	eng := switcher.New(zap.NewNop(), tubes, mon, mgr, &strings.Builder{}, switcher.Options{Mode: cfg.Mode, QueueSize: 4})
	statussvc := service.NewStatusService(zap.NewNop(), eng, mgr, service.StatusOptions{})

	out := &bytes.Buffer{}
	return NewConsole(zap.NewNop(), &cfg, eng, statussvc, strings.NewReader(""), out), out
}

func TestConsoleQuit(t *testing.T) {
	cl, _ := newTestConsole(t)
	if !cl.handle("q") {
		t.Fatal("handle(q) = false, want true")
	}
	if cl.handle("s") {
		t.Fatal("handle(s) = true, want false")
	}
}

func TestConsoleDigitEnqueuesSwitch(t *testing.T) {
	cl, out := newTestConsole(t)

	cl.handle("1")
	if strings.Contains(out.String(), "rejected") || strings.Contains(out.String(), "unknown") {
		t.Fatalf("digit switch printed an error: %q", out.String())
	}

	out.Reset()
	cl.handle("7")
	if !strings.Contains(out.String(), "unknown source") {
		t.Fatalf("out-of-range digit output = %q, want unknown source", out.String())
	}
}

func TestConsoleModeCommands(t *testing.T) {
	cl, out := newTestConsole(t)

	cl.handle("c 1")
	cl.handle("g s1")
	if s := out.String(); strings.Contains(s, "unknown") {
		t.Fatalf("mode commands printed an error: %q", s)
	}

	out.Reset()
	cl.handle("g nope")
	if !strings.Contains(out.String(), "unknown source") {
		t.Fatalf("bad target output = %q, want unknown source", out.String())
	}
}

func TestConsoleUnknownCommand(t *testing.T) {
	cl, out := newTestConsole(t)
	cl.handle("x")
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("output = %q, want unknown command hint", out.String())
	}
}

func TestConsoleRejectionPrintsErrorChain(t *testing.T) {
	cl, out := newTestConsole(t)

	// Nothing drains the queue, so the fifth command overflows it.
	for i := 0; i < 4; i++ {
		cl.handle("0")
	}
	out.Reset()
	cl.handle("0")
	if s := out.String(); !strings.Contains(s, "rejected:") || !strings.Contains(s, "[0]") {
		t.Fatalf("overflow output = %q, want rejected error chain", s)
	}
}

func TestConsoleStatusPrint(t *testing.T) {
	cl, out := newTestConsole(t)
	cl.handle("s")
	if !strings.Contains(out.String(), "active: s0") {
		t.Fatalf("status output = %q, want active source line", out.String())
	}
}
