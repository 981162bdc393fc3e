package session

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-coverage/probe"
)

// ConfigError represents a problem with the workspace config document the
// server is started with.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid server config %s: %v", e.Path, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError
func NewConfigError(path string, err error) *ConfigError {
	return &ConfigError{Path: path, Err: err}
}

// IsConfigError checks if the error is or wraps a ConfigError
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return err != nil && errors.As(err, &configErr)
}

// PortConflictError means the server's port was occupied before launch.
type PortConflictError struct {
	Port int
	Err  error
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d is already in use; stop the process using it or choose a different port", e.Port)
}

// Unwrap implements the errors.Unwrap interface
func (e *PortConflictError) Unwrap() error {
	return e.Err
}

// NewPortConflictError creates a new PortConflictError
func NewPortConflictError(port int, err error) *PortConflictError {
	return &PortConflictError{Port: port, Err: err}
}

// IsPortConflictError checks if the error is or wraps a PortConflictError
func IsPortConflictError(err error) bool {
	var portErr *PortConflictError
	return err != nil && errors.As(err, &portErr)
}

// SpawnError means the instrumented server could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start instrumented server %s: %v", e.Binary, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// NewSpawnError creates a new SpawnError
func NewSpawnError(binary string, err error) *SpawnError {
	return &SpawnError{Binary: binary, Err: err}
}

// IsSpawnError checks if the error is or wraps a SpawnError
func IsSpawnError(err error) bool {
	var spawnErr *SpawnError
	return err != nil && errors.As(err, &spawnErr)
}

// ReadinessError means the server started but never became ready within the
// budget, or crashed while being waited on.
type ReadinessError struct {
	Phase   string
	Result  probe.Result
	LogPath string
}

func (e *ReadinessError) Error() string {
	return fmt.Sprintf("server did not become ready (%s wait: %s); see log %s", e.Phase, e.Result, e.LogPath)
}

// NewReadinessError creates a new ReadinessError
func NewReadinessError(phase string, result probe.Result, logPath string) *ReadinessError {
	return &ReadinessError{Phase: phase, Result: result, LogPath: logPath}
}

// IsReadinessError checks if the error is or wraps a ReadinessError
func IsReadinessError(err error) bool {
	var readyErr *ReadinessError
	return err != nil && errors.As(err, &readyErr)
}
