//go:build linux

package processmgr

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ExitFunc is invoked from a supervisor goroutine whenever a spawned source
// generator exits without being asked to. permanent is true once the restart
// budget is exhausted and the supervisor gives up.
type ExitFunc func(source int, permanent bool)

// ProcessManager supervises locally-spawned source generators, one per
// subprocess-origin source. It is safe for concurrent use.
//
// Lifecycle:
//   - Start(source, ...): spawns a supervisor goroutine for the source.
//     Returns immediately if the source already has one (no-op).
//   - Stop(source): signals the supervisor to shut down and removes it from
//     the table. The goroutine keeps running until the process terminates
//     gracefully (or forcefully after timeout).
//
// Restart semantics: on unexpected exit the supervisor respawns after the
// cooldown, up to maxRestarts times; then it reports a permanent failure and
// stops. Stop(source) followed immediately by Start(source, ...) is
// supported; the two supervisors run independently.
type ProcessManager struct {
	log        *zap.Logger
	env        []string
	onExit     ExitFunc
	processes  map[int]*managedProcess // Protected by mu
	logBuffers map[int]*logBuffer      // Per-source stderr buffers
	mu         sync.RWMutex
}

// NewProcessManager builds a manager. onExit may be nil.
func NewProcessManager(log *zap.Logger, onExit ExitFunc) *ProcessManager {
	return &ProcessManager{
		log:        log.Named("procmgr"),
		env:        os.Environ(),
		onExit:     onExit,
		processes:  make(map[int]*managedProcess),
		logBuffers: make(map[int]*logBuffer),
	}
}

// Start spawns a supervised generator for the given source.
//   - argv: command and arguments (argv[0] is the executable)
//   - restartCooldown: delay between restart attempts
//   - maxRestarts: unexpected-exit budget before giving up (0 = unlimited)
//
// Idempotent: no-op if the source already has a supervisor.
// Non-blocking: returns immediately.
func (mng *ProcessManager) Start(source int, argv []string, restartCooldown time.Duration, maxRestarts int) {
	mng.mu.Lock()
	if _, ok := mng.processes[source]; ok {
		mng.mu.Unlock()
		return
	}
	p := newManagedProcess(source, argv, restartCooldown, maxRestarts)
	mng.processes[source] = p

	// Stderr logs for this source survive restarts; useful when diagnosing
	// crash loops.
	logBuf, exists := mng.logBuffers[source]
	if !exists {
		logBuf = new(logBuffer)
		mng.logBuffers[source] = logBuf
	}
	mng.mu.Unlock()

	go mng.superviseProcess(p, logBuf)
}

// Stop terminates a supervised generator gracefully.
//
// Idempotent: no-op if the source has no supervisor.
// Non-blocking: returns before the process fully terminates.
func (mng *ProcessManager) Stop(source int) {
	mng.mu.Lock()
	p, ok := mng.processes[source]
	if !ok {
		mng.mu.Unlock()
		return
	}
	delete(mng.processes, source)
	mng.mu.Unlock()

	p.cancel()
}

// StopAll stops every supervised generator.
func (mng *ProcessManager) StopAll() {
	mng.mu.Lock()
	procs := make([]*managedProcess, 0, len(mng.processes))
	for source, p := range mng.processes {
		procs = append(procs, p)
		delete(mng.processes, source)
	}
	mng.mu.Unlock()

	for _, p := range procs {
		p.cancel()
	}
}

// GetLogs retrieves the last N stderr lines for a source's generator,
// newest first. lines <= 0 returns all available (up to 500).
func (mng *ProcessManager) GetLogs(source int, lines int) ([]string, bool) {
	mng.mu.RLock()
	buffer, exists := mng.logBuffers[source]
	mng.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if lines <= 0 || lines > 500 {
		lines = 500
	}
	return buffer.Read(lines), true
}

// superviseProcess runs the supervision loop for one generator: spawn, drain
// stderr into the ring buffer, restart on exit with cooldown, SIGTERM (3s)
// then SIGKILL on shutdown.
func (mng *ProcessManager) superviseProcess(proc *managedProcess, logBuf *logBuffer) {
	log := mng.log.With(zap.Int("source", proc.source), zap.Strings("argv", proc.argv))
	log.Info("supervisor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	restarts := 0
	for {
		select {
		case <-proc.ctx.Done():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			log.Info("supervisor shutdown during restart cooldown")
			return

		case <-timer.C:
			cmd := exec.Command(proc.argv[0], proc.argv[1:]...)
			cmd.SysProcAttr = &syscall.SysProcAttr{
				Pdeathsig: syscall.SIGKILL, // Linux-only
				Setpgid:   true,            // new process group so we can signal the group
			}
			cmd.Env = mng.env

			stderrPipe, err := cmd.StderrPipe()
			if err != nil {
				log.Error("failed to create stderr pipe", zap.Error(err))
				timer.Reset(proc.restartCooldown)
				continue
			}

			if err := cmd.Start(); err != nil {
				log.Error("failed to spawn generator", zap.Error(err))
				if mng.reportExit(proc, &restarts, log) {
					return
				}
				timer.Reset(proc.restartCooldown)
				continue
			}

			pid := cmd.Process.Pid
			log.Info("generator started", zap.Int("pid", pid))

			go func() {
				scanner := bufio.NewScanner(stderrPipe)
				scanner.Buffer(make([]byte, 64*1024), 1024*1024)
				for scanner.Scan() {
					logBuf.Append(scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					logBuf.Append(err.Error())
				}
			}()

			doneCh := make(chan error, 1)
			go func() {
				doneCh <- cmd.Wait()
				close(doneCh)
			}()

			select {
			case err := <-doneCh:
				if err != nil {
					if exitErr, ok := err.(*exec.ExitError); ok {
						log.Warn("generator exited abnormally",
							zap.Int("pid", pid),
							zap.Int("exit_code", exitErr.ExitCode()))
					} else {
						log.Warn("generator wait failed", zap.Int("pid", pid), zap.Error(err))
					}
				} else {
					log.Info("generator exited", zap.Int("pid", pid))
				}
				if mng.reportExit(proc, &restarts, log) {
					return
				}
				timer.Reset(proc.restartCooldown)
				continue

			case <-proc.ctx.Done():
				log.Info("shutting down generator", zap.Int("pid", pid))

				// Graceful: SIGTERM the group first.
				_ = syscall.Kill(-pid, syscall.SIGTERM)

				t := time.NewTimer(3 * time.Second)
				defer t.Stop()

				select {
				case <-doneCh:
					log.Info("generator terminated after SIGTERM", zap.Int("pid", pid))
					return
				case <-t.C:
					log.Warn("graceful shutdown timeout, sending SIGKILL", zap.Int("pid", pid))
					_ = syscall.Kill(-pid, syscall.SIGKILL)
					<-doneCh
					return
				}
			}
		}
	}
}

// reportExit notifies the exit hook and enforces the restart budget.
// Returns true when the supervisor should give up.
func (mng *ProcessManager) reportExit(proc *managedProcess, restarts *int, log *zap.Logger) bool {
	*restarts++
	permanent := proc.maxRestarts > 0 && *restarts > proc.maxRestarts
	if mng.onExit != nil {
		mng.onExit(proc.source, permanent)
	}
	if permanent {
		log.Error("restart budget exhausted, giving up",
			zap.Int("restarts", *restarts-1))
		mng.mu.Lock()
		if mng.processes[proc.source] == proc {
			delete(mng.processes, proc.source)
		}
		mng.mu.Unlock()
		return true
	}
	return false
}

// managedProcess encapsulates supervision state for one generator.
type managedProcess struct {
	source          int
	argv            []string
	restartCooldown time.Duration
	maxRestarts     int
	ctx             context.Context
	cancel          context.CancelFunc
}

func newManagedProcess(source int, argv []string, restartCooldown time.Duration, maxRestarts int) *managedProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &managedProcess{
		source:          source,
		argv:            argv,
		restartCooldown: restartCooldown,
		maxRestarts:     maxRestarts,
		ctx:             ctx,
		cancel:          cancel,
	}
}
