// Package session owns one instrumented server run: building the server
// binary with coverage instrumentation, launching it in its own process
// group with profile output wired up, waiting for it to become reachable,
// and tearing it down with the port handed back.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-coverage/llvmcov"
	"github.com/ethereum-optimism/infra/op-coverage/probe"
	"github.com/ethereum-optimism/infra/op-coverage/proc"
)

const (
	// ServerLogName is the log file the server's combined output is
	// redirected to, inside the session's log directory.
	ServerLogName = "hyperspot-server.log"

	// TCPReadyBudget bounds the TCP phase of the readiness wait.
	TCPReadyBudget = 30 * time.Second

	// DefaultHTTPReadyBudget bounds the HTTP phase of the readiness wait
	// when the session config does not override it.
	DefaultHTTPReadyBudget = 90 * time.Second

	// TeardownGrace is how long the server process group gets to exit after
	// the stop signal before it is killed.
	TeardownGrace = 15 * time.Second

	// portSettleDelay is the pause between process exit and the port
	// recheck; listeners in TIME_WAIT need a moment to clear.
	portSettleDelay = time.Second
)

// State tracks a session through its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateBuilding
	StateLaunching
	StateWaitingReady
	StateReady
	StateTesting
	StateTearingDown
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateBuilding:
		return "building"
	case StateLaunching:
		return "launching"
	case StateWaitingReady:
		return "waiting_ready"
	case StateReady:
		return "ready"
	case StateTesting:
		return "testing"
	case StateTearingDown:
		return "tearing_down"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Config configures a Session.
type Config struct {
	Log          log.Logger
	WorkspaceDir string
	// ConfigFile is the server's YAML config document, workspace-relative
	// or absolute.
	ConfigFile string
	// LogDir receives the server log file.
	LogDir string
	// Features is the cargo feature list for the server build; empty builds
	// the default feature set.
	Features string
	// Port overrides the bind port; 0 resolves it from the config document.
	Port int
	// TCPBudget and HTTPBudget bound the two readiness phases; zero values
	// take the defaults.
	TCPBudget  time.Duration
	HTTPBudget time.Duration

	Tool llvmcov.Tool
}

// Session is one instrumented server run. Methods are safe for the
// concurrent Teardown a lifecycle stop may issue while a wait is in flight.
type Session struct {
	log log.Logger
	cfg Config

	mu      sync.Mutex
	state   State
	env     []string
	port    int
	handle  *proc.Handle
	logFile *os.File
	logPath string
}

// New validates the config and returns a Session in StateNotStarted.
func New(cfg Config) (*Session, error) {
	if cfg.WorkspaceDir == "" {
		return nil, errors.New("workspace directory is required")
	}
	if cfg.ConfigFile == "" {
		return nil, errors.New("server config file is required")
	}
	if cfg.LogDir == "" {
		return nil, errors.New("log directory is required")
	}
	if cfg.Tool == nil {
		return nil, errors.New("toolchain is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.TCPBudget == 0 {
		cfg.TCPBudget = TCPReadyBudget
	}
	if cfg.HTTPBudget == 0 {
		cfg.HTTPBudget = DefaultHTTPReadyBudget
	}
	return &Session{
		log:   cfg.Log,
		cfg:   cfg,
		state: StateNotStarted,
	}, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// ConfigPath is the absolute path of the server config document.
func (s *Session) ConfigPath() string {
	if filepath.IsAbs(s.cfg.ConfigFile) {
		return s.cfg.ConfigFile
	}
	return filepath.Join(s.cfg.WorkspaceDir, s.cfg.ConfigFile)
}

// ResolveBindPort determines the port the server will listen on: an explicit
// config override wins, otherwise the workspace config document decides.
func (s *Session) ResolveBindPort() (int, error) {
	if s.cfg.Port != 0 {
		s.setPort(s.cfg.Port)
		return s.cfg.Port, nil
	}
	port, err := resolveBindPort(s.ConfigPath())
	if err != nil {
		return 0, err
	}
	s.setPort(port)
	return port, nil
}

func (s *Session) setPort(port int) {
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
}

// Port returns the resolved bind port, 0 before ResolveBindPort.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// BaseURL is the server's local base URL once the port is resolved.
func (s *Session) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.Port())
}

// LogPath is the server log file location, empty before Start.
func (s *Session) LogPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logPath
}

// Preflight proves the resolved port is free by binding it briefly. A server
// left over from an earlier run would otherwise absorb the readiness probes
// and silently serve the tests instead of the instrumented binary.
func (s *Session) Preflight() error {
	port := s.Port()
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return NewPortConflictError(port, err)
	}
	return ln.Close()
}

// Build compiles the instrumented server binary into the toolchain's target
// directory, under the instrumentation environment extended with the target
// and profile-file settings the report scan depends on.
func (s *Session) Build(ctx context.Context) error {
	s.setState(StateBuilding)

	envMap, err := s.cfg.Tool.InstrumentationEnv(ctx)
	if err != nil {
		return err
	}
	target := s.cfg.Tool.TargetDir()
	envMap["CARGO_TARGET_DIR"] = target
	envMap["LLVM_PROFILE_FILE"] = filepath.Join(target, llvmcov.ProfilePattern)

	env := llvmcov.MergeEnv(os.Environ(), envMap)
	s.mu.Lock()
	s.env = env
	s.mu.Unlock()

	s.log.Info("Building instrumented server", "features", s.cfg.Features, "target", target)
	return s.cfg.Tool.BuildServer(ctx, env, s.cfg.Features)
}

// Start launches the instrumented server and waits for it to accept TCP
// connections and then answer a health endpoint. On readiness failure the
// caller still owns Teardown.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateLaunching)

	binary := s.cfg.Tool.ServerBinary()
	if _, err := os.Stat(binary); err != nil {
		s.setState(StateCrashed)
		return NewSpawnError(binary, fmt.Errorf("instrumented server binary not found, run the build phase first: %w", err))
	}

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		s.setState(StateCrashed)
		return NewSpawnError(binary, err)
	}
	logPath := filepath.Join(s.cfg.LogDir, ServerLogName)
	logFile, err := os.Create(logPath)
	if err != nil {
		s.setState(StateCrashed)
		return NewSpawnError(binary, err)
	}

	command := []string{binary, "--config", s.ConfigPath(), "run"}
	s.log.Info("Starting instrumented server",
		"cmd", strings.Join(command, " "),
		"log", logPath)

	s.mu.Lock()
	env := s.env
	s.mu.Unlock()
	handle, err := proc.Launch(s.log, command, s.cfg.WorkspaceDir, env, logFile, logFile)
	if err != nil {
		_ = logFile.Close()
		s.setState(StateCrashed)
		return NewSpawnError(binary, err)
	}

	s.mu.Lock()
	s.handle = handle
	s.logFile = logFile
	s.logPath = logPath
	s.mu.Unlock()

	s.setState(StateWaitingReady)
	opts := probe.Opts{
		CrashCheck: func() bool { return !handle.Alive() },
		LogPath:    logPath,
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port()))
	tcpProber := probe.New(s.log, probe.TCPInterval, probe.TCPAttemptTimeout)
	if res := tcpProber.WaitTCP(ctx, addr, s.cfg.TCPBudget, opts); res != probe.Ready {
		if res == probe.Crashed {
			s.setState(StateCrashed)
		}
		return NewReadinessError("tcp", res, logPath)
	}

	httpProber := probe.New(s.log, probe.HTTPInterval, probe.HTTPAttemptTimeout)
	if res := httpProber.WaitHTTP(ctx, s.BaseURL(), s.cfg.HTTPBudget, opts); res != probe.Ready {
		if res == probe.Crashed {
			s.setState(StateCrashed)
		}
		return NewReadinessError("http", res, logPath)
	}

	s.setState(StateReady)
	return nil
}

// BeginTesting marks the session as serving the test suite.
func (s *Session) BeginTesting() {
	s.setState(StateTesting)
}

// Teardown stops the server process group, closes the log file and rechecks
// the port. Safe on every path Start can leave behind, and idempotent; a
// port still occupied afterwards is a logged warning, not an error.
func (s *Session) Teardown() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTearingDown
	handle := s.handle
	logFile := s.logFile
	s.logFile = nil
	port := s.port
	logPath := s.logPath
	s.mu.Unlock()

	if handle != nil {
		res, err := handle.Terminate(TeardownGrace)
		if err != nil {
			s.log.Error("Failed to stop server process group", "err", err)
		} else {
			s.log.Info("Server process group stopped", "result", res)
		}
	}
	if logFile != nil {
		_ = logFile.Close()
	}

	if handle != nil && port != 0 {
		time.Sleep(portSettleDelay)
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		if conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			s.log.Warn("Port still occupied after shutdown, remaining processes may need a manual kill", "port", port)
		}
	}

	s.setState(StateStopped)
	if logPath != "" {
		s.log.Info("Server stopped", "log", logPath)
	}
	return nil
}
