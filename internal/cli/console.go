package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/service"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"github.com/edirooss/mswitch-server/pkg/fmtt"
	"go.uber.org/zap"
)

// Console is the interactive keystroke front door. It reads commands from in
// (normally stdin) and enqueues them on the engine, the same path the HTTP
// control plane uses.
//
// Commands, one per line:
//
//	0..9       switch to source by index (configured default mode)
//	g N / c N  switch to source N graceful / cutover
//	f          toggle auto-failover
//	s          print status
//	d          dump status with types (debug)
//	q          quit
type Console struct {
	log    *zap.Logger
	cfg    *config.Config
	eng    *switcher.Engine
	status *service.StatusService
	in     io.Reader
	out    io.Writer

	// Quit requests shutdown of the whole process.
	Quit func()
}

func NewConsole(log *zap.Logger, cfg *config.Config, eng *switcher.Engine, status *service.StatusService, in io.Reader, out io.Writer) *Console {
	return &Console{
		log:    log.Named("console"),
		cfg:    cfg,
		eng:    eng,
		status: status,
		in:     in,
		out:    out,
		Quit:   func() {},
	}
}

// Run blocks reading commands until EOF, 'q', or ctx cancellation. Input
// errors terminate the console but not the process.
func (cl *Console) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cl.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	cl.log.Info("console ready, 'h' for help")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				cl.log.Info("console input closed")
				return
			}
			if cl.handle(strings.TrimSpace(line)) {
				cl.Quit()
				return
			}
		}
	}
}

// handle runs one command line. Returns true on quit.
func (cl *Console) handle(line string) bool {
	if line == "" {
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "q", "quit":
		return true
	case "h", "help":
		fmt.Fprint(cl.out, "0..9 switch | g N graceful | c N cutover | f toggle failover | s status | d debug | q quit\n")
	case "s", "status":
		cl.printStatus()
	case "d":
		cl.debugStatus()
	case "f":
		enable := !cl.eng.AutoFailoverEnabled()
		cl.submit(switcher.SetAutoFailover{Enable: enable})
		fmt.Fprintf(cl.out, "auto-failover: %v\n", enable)
	case "g", "c":
		target, ok := cl.cfg.SourceIndex(strings.TrimSpace(rest))
		if !ok {
			fmt.Fprintf(cl.out, "unknown source %q\n", rest)
			return false
		}
		mode := config.ModeGraceful
		if cmd == "c" {
			mode = config.ModeCutover
		}
		cl.submit(switcher.NewSwitchRequest(target, mode, switcher.OriginManual))
	default:
		if n, err := strconv.Atoi(cmd); err == nil {
			if target, ok := cl.cfg.SourceIndex(strconv.Itoa(n)); ok {
				cl.submit(switcher.NewSwitchRequest(target, cl.cfg.Mode, switcher.OriginManual))
				return false
			}
			fmt.Fprintf(cl.out, "unknown source %d\n", n)
			return false
		}
		fmt.Fprintf(cl.out, "unknown command %q, 'h' for help\n", cmd)
	}
	return false
}

func (cl *Console) submit(cmd switcher.Command) {
	if err := cl.eng.Submit(cmd); err != nil {
		cl.log.Warn("command rejected", zap.Error(err))
		fmt.Fprint(cl.out, "rejected:\n")
		fmtt.PrintErrChain(cl.out, err)
		return
	}
	cl.status.Invalidate()
}

func (cl *Console) printStatus() {
	res := cl.status.Get(context.Background())
	st := res.Data

	fmt.Fprintf(cl.out, "active: s%d  mode: %s  auto-failover: %v\n",
		st.Engine.Active, st.Engine.Mode, st.Engine.AutoFailover)
	if p := st.Engine.Pending; p != nil {
		fmt.Fprintf(cl.out, "pending: s%d (awaiting keyframe: %v, since %s)\n",
			p.Target, p.AwaitingKeyframe, p.Since.Format("15:04:05.000"))
	}
	for _, s := range st.Sources {
		fmt.Fprintf(cl.out, "  %-4s %-9s buffered=%-4d overflow=%-4d %s\n",
			s.ID, s.Health.StateName, s.Buffered, s.Overflow, s.URL)
	}
}

func (cl *Console) debugStatus() {
	res := cl.status.Get(context.Background())
	fmtt.Dump("status", res.Data)
}
