// Package exitcodes defines the standard exit codes used by op-coverage.
package exitcodes

// Exit code constants used by op-coverage
// These constants define the exit codes that the orchestrator uses to
// indicate various states when it exits:
//
// * Success (0): Used when coverage was collected and every report was written
// * TestFailure (1): Used when the test command fails without a usable exit code of its own
// * RuntimeErr (2): Used for orchestration errors such as bad config, missing tools or spawn failures
//
// A failing test command normally has its own exit code propagated unchanged,
// so values other than these three can surface at the process boundary.
const (
	Success     = 0 // Coverage collected, reports written
	TestFailure = 1 // Test command failed
	RuntimeErr  = 2 // Orchestration errors
)
