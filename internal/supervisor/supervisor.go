// Package supervisor implements the master process: it forks worker
// processes (by re-executing the binary, Go's stand-in for fork), respawns
// crashed workers with a per-slot backoff, performs graceful shutdown on
// SIGINT/SIGTERM, and hot-restarts the worker generation on SIGUSR1.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ionrelay/ionrelay/internal/config"
)

// Environment variables carrying the process role and the master's IPC
// socket path into re-executed workers.
const (
	RoleEnv   = "IONRELAY_ROLE"
	SocketEnv = "IONRELAY_CLUSTER_SOCKET"
	SlotEnv   = "IONRELAY_WORKER_SLOT"

	roleWorker = "worker"
)

// minRespawnInterval is the crash-loop brake: a slot respawned less than
// this long after its previous spawn waits out the remainder first.
const minRespawnInterval = time.Second

// IsWorker reports whether this process was launched as a worker by a
// master.
func IsWorker() bool { return os.Getenv(RoleEnv) == roleWorker }

// SocketPath returns the master socket path handed to this worker.
func SocketPath() string { return os.Getenv(SocketEnv) }

// Hooks are the lifecycle callbacks; nil entries are skipped.
type Hooks struct {
	PreStart      func()
	BeforeFork    func()
	AfterFork     func() // master side, after each successful spawn
	EnterMaster   func()
	OnStart       func()
	OnChildCrush  func(slot int)
	OnParentCrush func()
	OnShutdown    func()
	OnStop        func()
	OnIdle        func()
	OnExit        func()
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// workerSlot tracks one worker process position across respawns.
type workerSlot struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	lastSpawn time.Time
	stopping  bool
}

// Supervisor is the master's process manager.
type Supervisor struct {
	cfg        *config.Config
	logger     zerolog.Logger
	hooks      Hooks
	socketPath string

	slots []*workerSlot
	wg    sync.WaitGroup
}

// New creates a supervisor that will hand socketPath to every worker.
func New(cfg *config.Config, logger zerolog.Logger, hooks Hooks, socketPath string) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		hooks:      hooks,
		socketPath: socketPath,
		slots:      make([]*workerSlot, cfg.Workers),
	}
	for i := range s.slots {
		s.slots[i] = &workerSlot{}
	}
	return s
}

// Run spawns the worker generation and supervises it until ctx ends or a
// termination signal arrives. Returns nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	fire(s.hooks.PreStart)
	fire(s.hooks.EnterMaster)

	if s.cfg.PidFile != "" {
		if err := os.WriteFile(s.cfg.PidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("supervisor: writing pidfile: %w", err)
		}
		defer os.Remove(s.cfg.PidFile)
	}

	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for slot := range s.slots {
		if err := s.spawn(slot); err != nil {
			s.stopAll()
			return err
		}
	}
	fire(s.hooks.OnStart)
	s.logger.Info().Int("workers", len(s.slots)).Msg("worker generation started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				s.logger.Info().Str("signal", sig.String()).Msg("graceful shutdown")
				s.shutdown()
				return nil
			case syscall.SIGUSR1:
				s.logger.Info().Msg("hot restart requested")
				s.hotRestart()
			}
		}
	}
}

// spawn launches a worker into slot and starts its reaper goroutine.
func (s *Supervisor) spawn(slot int) error {
	ws := s.slots[slot]
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if since := time.Since(ws.lastSpawn); since < minRespawnInterval {
		time.Sleep(minRespawnInterval - since)
	}

	fire(s.hooks.BeforeFork)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolving executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		RoleEnv+"="+roleWorker,
		SocketEnv+"="+s.socketPath,
		fmt.Sprintf("%s=%d", SlotEnv, slot),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawning worker %d: %w", slot, err)
	}
	ws.cmd = cmd
	ws.lastSpawn = time.Now()
	fire(s.hooks.AfterFork)

	s.logger.Info().Int("slot", slot).Int("pid", cmd.Process.Pid).Msg("worker spawned")

	s.wg.Add(1)
	go s.reap(slot, cmd)
	return nil
}

// reap waits for a worker to exit and respawns it unless the exit was
// requested.
func (s *Supervisor) reap(slot int, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()

	ws := s.slots[slot]
	ws.mu.Lock()
	stopping := ws.stopping
	current := ws.cmd == cmd
	ws.mu.Unlock()

	if stopping || !current {
		return
	}

	s.logger.Warn().Int("slot", slot).Err(err).Msg("worker exited unexpectedly")
	if s.hooks.OnChildCrush != nil {
		s.hooks.OnChildCrush(slot)
	}

	if err := s.spawn(slot); err != nil {
		s.logger.Error().Err(err).Int("slot", slot).Msg("respawn failed")
	}
}

// hotRestart replaces the worker generation one slot at a time: the new
// worker binds (SO_REUSEPORT) before the old one is told to drain, so no
// listening gap opens.
func (s *Supervisor) hotRestart() {
	for slot, ws := range s.slots {
		ws.mu.Lock()
		old := ws.cmd
		ws.stopping = true
		ws.mu.Unlock()

		if err := s.spawn(slot); err != nil {
			s.logger.Error().Err(err).Int("slot", slot).Msg("hot restart spawn failed")
			ws.mu.Lock()
			ws.stopping = false
			ws.mu.Unlock()
			continue
		}
		ws.mu.Lock()
		ws.stopping = false
		ws.mu.Unlock()

		if old != nil && old.Process != nil {
			_ = old.Process.Signal(syscall.SIGTERM)
		}
	}
}

// shutdown signals every worker, waits out the drain window, then
// force-kills stragglers.
func (s *Supervisor) shutdown() {
	fire(s.hooks.OnShutdown)
	s.stopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout + 2*time.Second):
		s.logger.Warn().Msg("drain window expired, killing remaining workers")
		for _, ws := range s.slots {
			ws.mu.Lock()
			if ws.cmd != nil && ws.cmd.Process != nil {
				_ = ws.cmd.Process.Kill()
			}
			ws.mu.Unlock()
		}
		<-done
	}

	fire(s.hooks.OnStop)
	fire(s.hooks.OnExit)
	s.logger.Info().Msg("supervisor stopped")
}

func (s *Supervisor) stopAll() {
	for _, ws := range s.slots {
		ws.mu.Lock()
		ws.stopping = true
		if ws.cmd != nil && ws.cmd.Process != nil {
			_ = ws.cmd.Process.Signal(syscall.SIGTERM)
		}
		ws.mu.Unlock()
	}
}
