// Package supervisor implements the sim process supervisor (C6): spawn,
// readiness detection from stdout, and signaled shutdown with
// escalation. Grounded on
// original_source/sidecar/src/process/{process.rs,builder.rs} for the
// exact algorithm (locate-on-PATH, piped stdio, line-scanning readiness,
// signal→timeout→SIGKILL escalation); the teacher contributes the Go
// idiom for atomic pid/status fields and for scanning a piped stream
// line-by-line with bufio.Scanner, seen in proxy.go's client read loops.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rcssim/sidecar/internal/statuswatch"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// ReadyLine is the fixed literal observed on stdout that promotes the
// process from Booting to Running.
const ReadyLine = "Hit CTRL-C to exit"

// TermTimeout bounds how long Shutdown waits for a SIGINT'd process to
// exit before escalating to SIGKILL, and again before giving up.
const TermTimeout = 5 * time.Second

// Status is the sim process's lifecycle state.
type Status int

const (
	Init Status = iota
	Booting
	Running
	Returned
	Dead
)

func (s Status) String() string {
	switch s {
	case Init:
		return "init"
	case Booting:
		return "booting"
	case Running:
		return "running"
	case Returned:
		return "returned"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// State bundles Status with the terminal-state payload (exit code or
// death reason), watched as a single comparable value.
type State struct {
	Status     Status
	ExitCode   int
	DeadReason string
}

// BuildArgs flattens a namespace → key → value bag into
// "namespace::key=value" arguments, one per present key. Namespaces and
// keys are sorted for reproducible output; the sim does not assign
// ordering meaning to argument position.
func BuildArgs(namespaces map[string]map[string]string) []string {
	nsNames := make([]string, 0, len(namespaces))
	for ns := range namespaces {
		nsNames = append(nsNames, ns)
	}
	sort.Strings(nsNames)

	var args []string
	for _, ns := range nsNames {
		keys := make([]string, 0, len(namespaces[ns]))
		for k := range namespaces[ns] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, fmt.Sprintf("%s::%s=%s", ns, k, namespaces[ns][k]))
		}
	}
	return args
}

// Supervisor owns one spawned child process and its lifecycle task.
type Supervisor struct {
	cmd   *exec.Cmd
	pid   atomic.Uint32
	state *statuswatch.Watch[State]
	sigCh chan syscall.Signal
	done  chan struct{}
	log   *logger.Logger
}

// Spawn locates executable on PATH (fatal if absent), launches it with
// piped stdout/stderr, and starts the background task that promotes
// readiness and reaps the child.
func Spawn(executable string, args []string, log *logger.Logger) (*Supervisor, error) {
	if log == nil {
		log = logger.Default
	}

	path, err := exec.LookPath(executable)
	if err != nil {
		return nil, errors.Wrap(errors.CodeSpawnExecutableMissing, fmt.Sprintf("%s not found on PATH", executable), err)
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(errors.CodeSpawnFailed, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(errors.CodeSpawnFailed, "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(errors.CodeSpawnFailed, "start process", err)
	}

	s := &Supervisor{
		cmd:   cmd,
		state: statuswatch.New(State{Status: Booting}),
		sigCh: make(chan syscall.Signal, 4),
		done:  make(chan struct{}),
		log:   log,
	}
	s.pid.Store(uint32(cmd.Process.Pid))

	go s.run(stdout, stderr)
	return s, nil
}

func (s *Supervisor) run(stdout, stderr io.Reader) {
	go s.scanStdout(stdout)
	go s.scanStderr(stderr)

	waitDone := make(chan error, 1)
	go func() { waitDone <- s.cmd.Wait() }()

	for {
		select {
		case sig := <-s.sigCh:
			pid := s.pid.Load()
			if pid == 0 {
				continue
			}
			if err := syscall.Kill(int(pid), sig); err != nil {
				s.log.Error("supervisor: failed to send signal %v to pid %d: %v", sig, pid, err)
			}
		case err := <-waitDone:
			s.pid.Store(0)
			exitCode := 0
			if s.cmd.ProcessState != nil {
				exitCode = s.cmd.ProcessState.ExitCode()
			}
			// An *exec.ExitError means the child ran and ended, by exit
			// or by signal; any other Wait error means it could not be
			// observed.
			if _, exited := err.(*exec.ExitError); err != nil && !exited {
				s.state.Set(State{Status: Dead, DeadReason: err.Error()})
			} else {
				s.state.Set(State{Status: Returned, ExitCode: exitCode})
			}
			close(s.done)
			return
		}
	}
}

func (s *Supervisor) scanStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, ReadyLine) {
			cur := s.state.Get()
			if cur.Status == Booting {
				s.state.Set(State{Status: Running})
			}
		}
	}
}

func (s *Supervisor) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("supervisor: stderr: %s", scanner.Text())
	}
}

// Pid returns the live process ID, or (0, false) once the process has
// exited.
func (s *Supervisor) Pid() (uint32, bool) {
	pid := s.pid.Load()
	return pid, pid != 0
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() State {
	return s.state.Get()
}

// UntilReady blocks until the process reaches Running, fails fast if it
// is already Dead/Returned, or times out.
func (s *Supervisor) UntilReady(ctx context.Context, timeout time.Duration) error {
	if err := stateErr(s.state.Get()); err != errNotTerminal {
		return err
	}

	ch, _ := s.state.Changed()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ch:
			cur := s.state.Get()
			if err := stateErr(cur); err != errNotTerminal {
				return err
			}
			ch, _ = s.state.Changed()
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errors.New(errors.CodeTimeoutWaitingReady, "timed out waiting for the sim process to become ready")
		}
	}
}

var errNotTerminal = fmt.Errorf("supervisor: state is not yet terminal")

// stateErr returns nil for Running, an AppError for Dead/Returned, or
// errNotTerminal (a sentinel, not a real error) for Init/Booting.
func stateErr(st State) error {
	switch st.Status {
	case Running:
		return nil
	case Dead:
		return errors.New(errors.CodeProcessDead, st.DeadReason)
	case Returned:
		return errors.New(errors.CodeProcessReturned, fmt.Sprintf("process already exited with code %d", st.ExitCode))
	default:
		return errNotTerminal
	}
}

// Shutdown sends SIGINT and waits TermTimeout; on timeout it escalates
// to SIGKILL and waits once more. Failing both is
// FatalProcessWindingUp.
func (s *Supervisor) Shutdown() error {
	if s.state.Get().Status == Returned {
		return nil
	}

	select {
	case s.sigCh <- syscall.SIGINT:
	default:
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(TermTimeout):
	}

	pid := s.pid.Load()
	if pid != 0 {
		_ = syscall.Kill(int(pid), syscall.SIGKILL)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(TermTimeout):
		return errors.New(errors.CodeFatalProcessWindingUp, fmt.Sprintf("pid %d did not exit after SIGKILL", pid))
	}
}
