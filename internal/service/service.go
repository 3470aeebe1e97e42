// Package service implements the service facade and status tracker (C9):
// a supervisor handle (C6) and a coach (C5) wired together behind
// Spawn/Shutdown, plus a background task that derives a coarse
// simulation status from a periodically-polled sim timestep. Grounded on
// original_source/service/src/base/base.rs (BaseService's spawn/
// shutdown/status_tracing_task) and service/src/status.rs
// (ServiceStatus); the teacher's UpstreamManager contributes the Go idiom
// of gating a background task's lifecycle behind a write-locked status
// field.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcssim/sidecar/internal/command"
	"github.com/rcssim/sidecar/internal/resolver"
	"github.com/rcssim/sidecar/internal/richclient"
	"github.com/rcssim/sidecar/internal/session"
	"github.com/rcssim/sidecar/internal/statuswatch"
	"github.com/rcssim/sidecar/internal/supervisor"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// Status is the facade's coarse, externally observable lifecycle state.
type Status int

const (
	Uninitialized Status = iota
	Idle
	Simulating
	Finished
	Shutdown
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Simulating:
		return "simulating"
	case Finished:
		return "finished"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// End is the sim timestep at or above which a run is considered
// Finished, matching the original's literal 6000.
const End uint16 = 6000

// TimePollInterval is how often the status tracker issues a check_ball
// call to sample the sim timestep. Not specified upstream; chosen to
// match the proxy reconnect loop's own 500ms ambient cadence.
const TimePollInterval = 500 * time.Millisecond

// Config bundles everything Spawn needs to start a sim process and its
// coach session.
type Config struct {
	Executable      string
	Args            []string
	ReadyTimeout    time.Duration
	SessionLocal    string
	SessionPeer     string
	InitTimeout     time.Duration
	ShutdownTimeout time.Duration

	// OnResolverLatency, if set, observes the round-trip seconds of every
	// resolved coach call.
	OnResolverLatency resolver.LatencyRecorder
}

// Service owns one sim process slot and its coach session, exposing a
// status watch the HTTP layer and the optional Agones decorator consume.
type Service struct {
	cfg Config
	log *logger.Logger

	mu    sync.RWMutex
	sup   *supervisor.Supervisor
	coach *richclient.Coach
	timeW *statuswatch.Watch[*uint16]
	timeClosed atomic.Bool
	cancel     context.CancelFunc

	status *statuswatch.Watch[Status]
}

// New builds an unspawned Service.
func New(cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		status: statuswatch.New(Uninitialized),
	}
}

// Status returns the current facade status.
func (s *Service) Status() Status { return s.status.Get() }

// StatusChanged exposes the status watch for the HTTP status endpoint.
func (s *Service) StatusChanged() (<-chan struct{}, Status) { return s.status.Changed() }

// Time returns the last sampled sim timestep, or nil if none has arrived
// yet.
func (s *Service) Time() *uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.timeW == nil {
		return nil
	}
	return s.timeW.Get()
}

// Spawn starts a new sim process and coach session. If one is already
// running and force is false, it fails with CodeServerStillRunningToSpawn;
// otherwise the existing process is shut down first (a failure there is
// logged, not fatal — proceed regardless, matching base.rs).
func (s *Service) Spawn(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sup != nil {
		if !force {
			return errors.New(errors.CodeServerStillRunningToSpawn, "a sim process is already running")
		}
		s.log.Error("service: force restarting the process...")
		if err := s.shutdownLocked(); err != nil {
			s.log.Error("service: failed to shut down existing process: %v, dropping", err)
		}
	}
	s.status.Set(Uninitialized)

	sup, err := supervisor.Spawn(s.cfg.Executable, s.cfg.Args, s.log)
	if err != nil {
		return err
	}
	if err := sup.UntilReady(ctx, s.cfg.ReadyTimeout); err != nil {
		_ = sup.Shutdown()
		return err
	}

	sess := session.New(session.Config{
		LocalAddr:       s.cfg.SessionLocal,
		PeerAddr:        s.cfg.SessionPeer,
		InitTimeout:     s.cfg.InitTimeout,
		ShutdownTimeout: s.cfg.ShutdownTimeout,
	}, s.log)
	coach := richclient.NewCoach(sess, s.log, s.cfg.OnResolverLatency)
	if err := coach.Connect(ctx); err != nil {
		_ = sup.Shutdown()
		return err
	}

	trackerCtx, cancel := context.WithCancel(context.Background())
	s.sup = sup
	s.coach = coach
	s.timeW = statuswatch.New[*uint16](nil)
	s.timeClosed.Store(false)
	s.cancel = cancel

	go s.runTimeFeed(trackerCtx)
	go s.runStatusTracker(trackerCtx)

	s.status.Set(Idle)
	return nil
}

// Shutdown stops the status tracker, closes the coach, and shuts down
// the sim process, if any is running.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownLocked()
}

func (s *Service) shutdownLocked() error {
	if s.sup == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.coach != nil {
		_ = s.coach.Close()
		s.coach = nil
	}
	err := s.sup.Shutdown()
	s.sup = nil
	if err != nil {
		return errors.Wrap(errors.CodeShutdownFailed, "sim process failed to shut down", err)
	}
	s.status.Set(Shutdown)
	return nil
}

// Call issues a typed coach command against the running process.
func (s *Service) Call(ctx context.Context, kind command.CoachKind, encoded string) (resolver.Reply, error) {
	s.mu.RLock()
	coach := s.coach
	s.mu.RUnlock()

	if coach == nil {
		return resolver.Reply{}, errors.New(errors.CodeServerNotRunning, "no sim process is running")
	}
	return coach.Call(ctx, kind, encoded)
}

// runTimeFeed periodically issues check_ball and stores the extracted
// timestep into the time watch, closing it when the tracker context
// ends (mirroring the original's time_rx channel closing when the
// process goes away).
func (s *Service) runTimeFeed(ctx context.Context) {
	ticker := time.NewTicker(TimePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.timeClosed.Store(true)
			s.timeW.Close()
			return
		case <-ticker.C:
			reply, err := s.Call(ctx, command.KindCheckBall, "(check_ball)")
			if err != nil || reply.Err != nil {
				continue
			}
			if result, ok := reply.Ok.(command.CheckBallResult); ok {
				t := result.Time
				s.timeW.Set(&t)
			}
		}
	}
}

// runStatusTracker applies spec.md's (current, timestep) transition
// table on every time-watch change, and forces Finished when the watch
// closes.
func (s *Service) runStatusTracker(ctx context.Context) {
	for {
		ch, _ := s.timeW.Changed()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if s.timeClosed.Load() {
				s.status.Set(Finished)
				return
			}
			next, ok := nextStatus(s.status.Get(), s.timeW.Get())
			if ok {
				s.status.Set(next)
			}
		}
	}
}

// nextStatus is the pure (current, timestep) -> next-status function
// from spec.md §4.7's table.
func nextStatus(current Status, timestep *uint16) (Status, bool) {
	if timestep == nil {
		return current, false
	}
	t := *timestep
	switch current {
	case Uninitialized:
		if t == 0 {
			return Idle, true
		}
		return Simulating, true
	case Idle:
		if t > 0 && t < End {
			return Simulating, true
		}
		if t >= End {
			return Finished, true
		}
	case Simulating:
		if t >= End {
			return Finished, true
		}
	}
	return current, false
}
