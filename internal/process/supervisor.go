// Package process supervises the external p2pool sidecar: spawn with the
// right arguments, watch liveness and the stratum HTTP stats endpoint, and
// restart with backoff when it dies or stops answering.
package process

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/log"
)

const (
	maxRestartAttempts   = 5
	healthCheckInterval  = 5 * time.Second
	maxProbeFailures     = 3
	gracefulShutdownWait = 5 * time.Second
	maxBackoff           = 16 * time.Second
)

// Config holds p2pool sidecar configuration.
type Config struct {
	BinaryPath  string
	LogPath     string
	Host        string
	RPCPort     int
	RPCUser     string
	RPCPassword string
	Wallet      string
	StratumAddr string
	LightMode   bool
}

// BuildArgs constructs the p2pool command line. RandomX stays disabled in
// the sidecar; the node serves PoW hashing via calc_pow.
func BuildArgs(cfg *Config) []string {
	args := []string{
		"--host", cfg.Host,
		"--rpc-port", fmt.Sprintf("%d", cfg.RPCPort),
	}

	if cfg.RPCUser != "" {
		args = append(args, "--rpc-login", cfg.RPCUser+":"+cfg.RPCPassword)
	}

	args = append(args,
		"--wallet", cfg.Wallet,
		"--stratum", cfg.StratumAddr,
	)

	if cfg.LightMode {
		args = append(args, "--light-mode")
	}

	return args
}

// statsURL derives the sidecar's stats endpoint from its stratum listen
// address. Wildcard binds are probed over loopback.
func statsURL(stratumAddr string) string {
	host, port, err := net.SplitHostPort(stratumAddr)
	if err != nil {
		host, port = "127.0.0.1", "37889"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/stats", net.JoinHostPort(host, port))
}

// backoffDelay returns the wait before restart attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s capped.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << uint(attempt-1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Supervisor manages the p2pool process lifecycle.
type Supervisor struct {
	config *Config
	logger *log.Logger

	// statsURL is probed for liveness; derived from StratumAddr unless
	// overridden in tests.
	statsURL   string
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) bool

	mu              sync.Mutex
	cmd             *exec.Cmd
	exited          chan struct{}
	logFile         *os.File
	running         bool
	startTime       time.Time
	restartAttempts int
	probeFailures   int
}

// NewSupervisor creates a supervisor for the configured p2pool binary.
func NewSupervisor(config *Config, logger *log.Logger) *Supervisor {
	if config.StratumAddr == "" {
		config.StratumAddr = "0.0.0.0:37889"
	}
	return &Supervisor{
		config:     config,
		logger:     logger.WithComponent("p2pool_supervisor"),
		statsURL:   statsURL(config.StratumAddr),
		httpClient: &http.Client{Timeout: 3 * time.Second},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Start validates the configuration, spawns p2pool, and blocks monitoring
// it until the context is canceled or restarts are exhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.config.BinaryPath == "" {
		return errors.NewValidation("p2pool_start", "binary_path",
			"p2pool binary path not configured")
	}
	if _, err := os.Stat(s.config.BinaryPath); err != nil {
		return errors.NewValidation("p2pool_start", "binary_path",
			fmt.Sprintf("p2pool binary not found at %s", s.config.BinaryPath))
	}
	if s.config.Wallet == "" {
		return errors.NewValidation("p2pool_start", "wallet",
			"wallet address required")
	}

	if err := s.spawn(); err != nil {
		return err
	}

	return s.monitor(ctx)
}

func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := exec.Command(s.config.BinaryPath, BuildArgs(s.config)...)

	if s.config.LogPath != "" {
		f, err := os.OpenFile(s.config.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "p2pool_spawn",
				"failed to open p2pool log file")
		}
		cmd.Stdout = f
		cmd.Stderr = f
		s.logFile = f
	}

	if err := cmd.Start(); err != nil {
		if s.logFile != nil {
			_ = s.logFile.Close()
			s.logFile = nil
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, "p2pool_spawn",
			"failed to spawn p2pool process")
	}

	// One reaper per spawn: collects the exit status so a dead child
	// never lingers as a zombie, and gives liveness checks a channel to
	// select on.
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	s.cmd = cmd
	s.exited = exited
	s.running = true
	s.startTime = time.Now()
	s.probeFailures = 0

	s.logger.Info("p2pool started", "pid", cmd.Process.Pid, "args", BuildArgs(s.config))
	return nil
}

// monitor loops liveness and stats probes every healthCheckInterval,
// restarting on death or repeated probe failures.
func (s *Supervisor) monitor(ctx context.Context) error {
	for {
		if !s.sleep(ctx, healthCheckInterval) {
			s.Stop()
			return nil
		}

		if !s.processAlive() {
			s.logger.Warn("p2pool process died, attempting restart")
			if err := s.restart(ctx); err != nil {
				return err
			}
			continue
		}

		if s.probeStats() {
			s.mu.Lock()
			if s.probeFailures > 0 {
				s.logger.Info("p2pool stats probe recovered")
			}
			s.probeFailures = 0
			s.restartAttempts = 0
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.probeFailures++
		failures := s.probeFailures
		s.mu.Unlock()

		s.logger.Warn("p2pool stats probe failed",
			"failures", failures, "max", maxProbeFailures)
		if failures >= maxProbeFailures {
			s.logger.Warn("p2pool unresponsive, restarting")
			if err := s.restart(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) restart(ctx context.Context) error {
	s.mu.Lock()
	s.restartAttempts++
	attempt := s.restartAttempts
	s.mu.Unlock()

	if attempt > maxRestartAttempts {
		s.Stop()
		return errors.New(errors.ErrorTypeInternal, "p2pool_restart",
			"max restart attempts reached, giving up").
			WithContext("attempts", maxRestartAttempts)
	}

	delay := backoffDelay(attempt)
	s.logger.Info("waiting before p2pool restart",
		"delay", delay.String(), "attempt", attempt, "max", maxRestartAttempts)
	if !s.sleep(ctx, delay) {
		s.Stop()
		return nil
	}

	s.killProcess()
	return s.spawn()
}

func (s *Supervisor) processAlive() bool {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

func (s *Supervisor) probeStats() bool {
	resp, err := s.httpClient.Get(s.statsURL)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

// Stop terminates the p2pool process: SIGTERM, a graceful wait, then
// SIGKILL.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.killProcess()

	s.mu.Lock()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
	s.mu.Unlock()

	s.logger.Info("p2pool stopped")
}

func (s *Supervisor) killProcess() {
	s.mu.Lock()
	cmd, exited := s.cmd, s.exited
	s.cmd, s.exited = nil, nil
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	select {
	case <-exited:
		// Already dead and reaped.
		return
	default:
	}

	s.logger.Info("terminating p2pool", "pid", pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-exited:
			s.logger.Info("p2pool exited gracefully", "pid", pid)
			return
		case <-time.After(gracefulShutdownWait):
		}
	}

	s.logger.Warn("p2pool did not exit, sending SIGKILL", "pid", pid)
	_ = cmd.Process.Kill()
	<-exited
}

// Status describes the supervised process for /stats reporting.
type Status struct {
	Running         bool          `json:"running"`
	PID             int           `json:"pid"`
	Uptime          time.Duration `json:"uptime"`
	RestartAttempts int           `json:"restart_attempts"`
	Healthy         bool          `json:"healthy"`
}

// Status returns the current process state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:         s.running,
		RestartAttempts: s.restartAttempts,
		Healthy:         s.running && s.probeFailures < maxProbeFailures,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	if s.running && !s.startTime.IsZero() {
		st.Uptime = time.Since(s.startTime)
	}
	return st
}
