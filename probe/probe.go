// Package probe waits for a freshly started service to accept traffic. It
// polls a raw TCP endpoint or a set of HTTP health endpoints with short
// per-attempt timeouts, detects early process death through a caller-supplied
// crash check, and dumps a bounded tail of the captured server log when a
// wait fails so the failure is diagnosable from CI output alone.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

// Polling cadences. Per-attempt timeouts are deliberately much shorter than
// any overall wait budget so a single hung attempt cannot consume it.
const (
	TCPInterval       = 500 * time.Millisecond
	TCPAttemptTimeout = time.Second

	HTTPInterval       = time.Second
	HTTPAttemptTimeout = 2 * time.Second

	// LogTailLines bounds how much captured server log is replayed on failure.
	LogTailLines = 200

	// progressEvery is the attempt cadence for "still waiting" lines.
	progressEvery = 10
)

// healthPaths are tried in order on every HTTP attempt; the first 2xx wins.
var healthPaths = []string{"/healthz", "/health"}

// Result is the outcome of a readiness wait.
type Result int

const (
	// Ready means a probe attempt succeeded within the budget.
	Ready Result = iota
	// TimedOut means the budget elapsed without a successful attempt.
	TimedOut
	// Crashed means the crash check reported the process gone before any
	// attempt succeeded. Kept distinct from TimedOut so diagnostics name
	// the actual failure.
	Crashed
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed-out"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Opts carries the per-wait knobs shared by the TCP and HTTP probes.
type Opts struct {
	// CrashCheck reports whether the probed process has already exited.
	// Checked before every attempt; true short-circuits the remaining
	// budget and yields Crashed.
	CrashCheck func() bool
	// LogPath, when set, names the captured server log to tail on failure.
	LogPath string
}

// Prober polls an endpoint until it answers or a budget runs out.
type Prober struct {
	log            log.Logger
	interval       time.Duration
	attemptTimeout time.Duration

	// out receives replayed log tails; raw server output is not re-logged
	// through the structured logger.
	out io.Writer
}

// New returns a Prober sleeping interval between attempts and bounding each
// attempt to attemptTimeout.
func New(logger log.Logger, interval, attemptTimeout time.Duration) *Prober {
	return &Prober{
		log:            logger,
		interval:       interval,
		attemptTimeout: attemptTimeout,
		out:            os.Stdout,
	}
}

// WaitTCP polls addr with plain connection attempts until one succeeds or
// budget elapses. Refused or reset connections during startup are expected
// and logged at debug level only.
func (p *Prober) WaitTCP(ctx context.Context, addr string, budget time.Duration, opts Opts) Result {
	p.log.Info("Waiting for TCP endpoint", "addr", addr, "budget", budget)
	return p.wait(ctx, budget, opts, func() (bool, string) {
		conn, err := net.DialTimeout("tcp", addr, p.attemptTimeout)
		if err != nil {
			return false, shortErr(err)
		}
		conn.Close()
		return true, ""
	})
}

// WaitHTTP polls the health endpoints under baseURL (in fixed fallback
// order) until one returns a 2xx status or budget elapses.
func (p *Prober) WaitHTTP(ctx context.Context, baseURL string, budget time.Duration, opts Opts) Result {
	p.log.Info("Waiting for HTTP health endpoint", "base_url", baseURL, "budget", budget)
	client := &http.Client{Timeout: p.attemptTimeout}
	base := strings.TrimRight(baseURL, "/")
	return p.wait(ctx, budget, opts, func() (bool, string) {
		problem := "no attempt made"
		for _, path := range healthPaths {
			resp, err := client.Get(base + path)
			if err != nil {
				problem = shortErr(err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return true, ""
			}
			problem = fmt.Sprintf("status %d on %s", resp.StatusCode, path)
		}
		return false, problem
	})
}

// wait runs the shared polling loop: crash check, one attempt, success or
// deadline check, progress line every Nth attempt, fixed sleep. Deadlines
// use the monotonic clock carried by time.Time.
func (p *Prober) wait(ctx context.Context, budget time.Duration, opts Opts, attempt func() (bool, string)) Result {
	deadline := time.Now().Add(budget)
	attempts := 0
	for {
		if opts.CrashCheck != nil && opts.CrashCheck() {
			p.log.Error("Server process exited before becoming ready", "attempts", attempts)
			p.DumpTail(opts.LogPath)
			return Crashed
		}

		attempts++
		ok, problem := attempt()
		if ok {
			p.log.Info("Endpoint is ready", "attempts", attempts)
			return Ready
		}
		p.log.Debug("Probe attempt failed", "attempt", attempts, "problem", problem)

		if time.Now().After(deadline) {
			p.log.Error("Timed out waiting for endpoint", "budget", budget, "attempts", attempts, "last_problem", problem)
			p.DumpTail(opts.LogPath)
			return TimedOut
		}

		if attempts%progressEvery == 0 {
			p.log.Info("Still waiting for endpoint", "attempts", attempts, "last_problem", problem)
		}

		select {
		case <-ctx.Done():
			p.log.Warn("Readiness wait canceled", "attempts", attempts)
			return TimedOut
		case <-time.After(p.interval):
		}
	}
}

// DumpTail replays the last LogTailLines lines of the file at path to the
// prober's output, with ANSI escapes stripped so CI logs stay readable.
func (p *Prober) DumpTail(path string) {
	if path == "" {
		return
	}
	lines, err := tailLines(path, LogTailLines)
	if err != nil {
		p.log.Warn("Could not read server log", "path", path, "err", err)
		return
	}
	fmt.Fprintf(p.out, "--- last %d lines of %s ---\n", len(lines), path)
	for _, line := range lines {
		fmt.Fprintln(p.out, stripansi.Strip(line))
	}
	fmt.Fprintf(p.out, "--- end of %s ---\n", path)
}

// tailLines returns up to n trailing lines of the file at path.
func tailLines(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// shortErr compacts an error for progress lines; probe errors repeat every
// attempt and do not deserve full stack context.
func shortErr(err error) string {
	s := err.Error()
	if idx := strings.LastIndex(s, ": "); idx >= 0 && idx+2 < len(s) {
		return s[idx+2:]
	}
	return s
}
