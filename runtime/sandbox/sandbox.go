// Package sandbox runs step commands in isolated per-execution workspaces.
// Each run gets a fresh directory seeded with its input files, a hard
// deadline enforced by SIGTERM then SIGKILL, a best-effort resource monitor,
// and streaming output scanning that stops the command on the first policy
// violation. Outputs are collected from an outputs.json file the command
// writes into its workspace, plus any produced files when filesystem
// isolation is off.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/runtime/fault"
	"github.com/loomworks/loom/runtime/telemetry"
)

const (
	// outputsFile is the workspace file commands write their results to.
	outputsFile = "outputs.json"
	// killGrace is how long a command gets between SIGTERM and SIGKILL.
	killGrace = 5 * time.Second
	// monitorInterval is the resource sampling period.
	monitorInterval = time.Second
	// userHZ is the linux clock tick rate /proc CPU times are reported in.
	userHZ = 100
)

type (
	// Config bounds one sandboxed execution.
	Config struct {
		// Command and Args name the program to run.
		Command string
		Args    []string
		// Env is the extra environment, KEY=VALUE pairs. The sandbox never
		// inherits the host environment.
		Env []string
		// InputFiles maps workspace-relative paths to file contents written
		// before the command starts.
		InputFiles map[string][]byte
		// Timeout bounds the attempt wall clock. Required.
		Timeout time.Duration
		// MaxMemoryMB caps resident memory. Zero means unmonitored.
		MaxMemoryMB int
		// MaxCPUPercent caps sampled CPU usage. Zero means unmonitored.
		MaxCPUPercent int
		// NetworkIsolated points the proxy variables at an unroutable address
		// so well-behaved tools fail fast. Kernel-level isolation is the
		// host's job.
		NetworkIsolated bool
		// FilesystemIsolated restricts output collection to outputs.json.
		// When off, files the command creates in its workspace are returned
		// in Result.Files.
		FilesystemIsolated bool
		// AllowedPaths are host paths linked into the workspace under their
		// base names.
		AllowedPaths []string
		// BlockedPaths are host paths whose appearance in command output
		// trips a filesystem_access violation.
		BlockedPaths []string
		// BaseDir is where workspaces are created. Defaults to the OS temp dir.
		BaseDir string
	}

	// Result is the outcome of one sandboxed run.
	Result struct {
		// SandboxID names the workspace the run used.
		SandboxID string
		// ExitCode is the command's exit code, -1 when it never ran.
		ExitCode int
		// Stdout and Stderr are the captured streams.
		Stdout string
		Stderr string
		// Outputs holds the decoded outputs.json contents, if written.
		Outputs map[string]any
		// Files holds workspace files the command produced, keyed by
		// workspace-relative path, when filesystem isolation is off.
		Files map[string][]byte
		// Violations lists tripped policy patterns.
		Violations []Violation
		// Duration is the observed wall clock.
		Duration time.Duration
		// Resources summarizes the run's observed consumption.
		Resources ResourceUsage
	}

	// ResourceUsage summarizes one run's resource consumption.
	ResourceUsage struct {
		// PeakRSSMB is the highest sampled resident set size. Zero when the
		// run was too short to sample.
		PeakRSSMB int
		// CPUTimeMS is user plus system CPU time.
		CPUTimeMS int64
	}

	// Runner executes sandboxed commands.
	Runner struct {
		scanner *Scanner
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// RunnerOption customizes a runner.
	RunnerOption func(*Runner)
)

// WithLogger wires the logger.
func WithLogger(logger telemetry.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics wires the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = metrics }
}

// WithScanner replaces the default violation scanner.
func WithScanner(s *Scanner) RunnerOption {
	return func(r *Runner) { r.scanner = s }
}

// NewRunner constructs a runner with the default violation scanner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		scanner: NewScanner(),
		logger:  telemetry.NopLogger(),
		metrics: telemetry.NopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the command in a fresh workspace. The workspace is removed on
// every path, including panics in the monitor. Output is scanned as it
// streams: the first tripped pattern stops the command and yields a terminal
// sandbox_violation fault. A deadline hit yields execution_timeout; a nonzero
// exit yields execution_error.
func (r *Runner) Run(ctx context.Context, cfg *Config) (*Result, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, fault.Validation("command", "command is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fault.Validation("timeout", "timeout must be positive")
	}

	id := uuid.NewString()
	base := cfg.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	workspace := filepath.Join(base, "sandbox-"+id)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "create workspace", err)
	}
	defer os.RemoveAll(workspace)

	for rel, content := range cfg.InputFiles {
		path := filepath.Join(workspace, filepath.Clean(rel))
		if !strings.HasPrefix(path, workspace) {
			return nil, fault.Validation("input_files", "path %q escapes the workspace", rel)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "seed workspace", err)
		}
		if err := os.WriteFile(path, content, 0o600); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "seed workspace", err)
		}
	}
	for _, hostPath := range cfg.AllowedPaths {
		link := filepath.Join(workspace, filepath.Base(hostPath))
		if err := os.Symlink(hostPath, link); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "link allowed path", err)
		}
	}

	scanner := r.scanner
	if len(cfg.BlockedPaths) > 0 {
		scanner = scanner.clone()
		for _, p := range cfg.BlockedPaths {
			_ = scanner.Add("filesystem_access", "blocked path "+p, regexp.QuoteMeta(p))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	outW := &scanWriter{scanner: scanner, cancel: cancel}
	errW := &scanWriter{scanner: scanner, cancel: cancel}
	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.Args...)
	cmd.Dir = workspace
	env := []string{"HOME=" + workspace, "TMPDIR=" + workspace}
	if cfg.NetworkIsolated {
		const blackhole = "http://127.0.0.1:1"
		env = append(env,
			"HTTP_PROXY="+blackhole, "HTTPS_PROXY="+blackhole,
			"http_proxy="+blackhole, "https_proxy="+blackhole,
			"NO_PROXY=", "no_proxy=")
	}
	cmd.Env = append(env, cfg.Env...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Cancel = func() error {
		// Graceful stop first; CommandContext falls back to Kill via WaitDelay.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fault.Wrap(fault.KindExecution, "start command", err)
	}

	var peakRSS atomic.Int64
	monitorDone := make(chan struct{})
	go r.monitor(runCtx, cmd.Process.Pid, cfg, &peakRSS, cancel, monitorDone)

	waitErr := cmd.Wait()
	cancel()
	<-monitorDone
	outW.flush()
	errW.flush()

	result := &Result{
		SandboxID: id,
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    outW.String(),
		Stderr:    errW.String(),
		Duration:  time.Since(start),
		Resources: ResourceUsage{
			PeakRSSMB: int(peakRSS.Load()),
			CPUTimeMS: (cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Milliseconds(),
		},
	}
	r.metrics.RecordTimer("sandbox.run", result.Duration, "command", cfg.Command)

	result.Violations = append(outW.takeViolations(), errW.takeViolations()...)
	if len(result.Violations) > 0 {
		r.logger.Warn(ctx, "sandbox violation detected",
			"sandbox_id", id, "violations", len(result.Violations))
		r.metrics.IncCounter("sandbox.violations", float64(len(result.Violations)))
		return result, fault.Errorf(fault.KindSandboxViolation,
			"%d policy pattern(s) tripped: %s", len(result.Violations), result.Violations[0].Pattern)
	}

	if raw, readErr := os.ReadFile(filepath.Join(workspace, outputsFile)); readErr == nil {
		var outputs map[string]any
		if jsonErr := json.Unmarshal(raw, &outputs); jsonErr != nil {
			return result, fault.Wrap(fault.KindExecution, "decode outputs.json", jsonErr)
		}
		result.Outputs = outputs
	}
	if !cfg.FilesystemIsolated {
		if files, collectErr := collectFiles(workspace, cfg); collectErr == nil {
			result.Files = files
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fault.Errorf(fault.KindTimeout, "command exceeded %s deadline", cfg.Timeout)
	}
	if waitErr != nil {
		return result, fault.Wrap(fault.KindExecution,
			fmt.Sprintf("command exited %d", result.ExitCode), waitErr)
	}
	return result, nil
}

// scanWriter tees a command stream into a buffer while scanning each
// completed line. The first tripped rule cancels the run.
type scanWriter struct {
	scanner *Scanner
	cancel  context.CancelFunc

	mu         sync.Mutex
	buf        bytes.Buffer
	tail       []byte
	violations []Violation
}

func (w *scanWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	w.tail = append(w.tail, p...)
	for {
		i := bytes.IndexByte(w.tail, '\n')
		if i < 0 {
			break
		}
		w.scanLine(string(w.tail[:i]))
		w.tail = w.tail[i+1:]
	}
	return len(p), nil
}

// flush scans the unterminated trailing line once the command has exited.
func (w *scanWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.tail) > 0 {
		w.scanLine(string(w.tail))
		w.tail = nil
	}
}

// scanLine runs under w.mu.
func (w *scanWriter) scanLine(line string) {
	hits := w.scanner.ScanLine(line)
	if len(hits) == 0 {
		return
	}
	first := len(w.violations) == 0
	w.violations = append(w.violations, hits...)
	if first && w.cancel != nil {
		w.cancel()
	}
}

func (w *scanWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *scanWriter) takeViolations() []Violation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.violations
}

// collectFiles gathers regular files the command created in its workspace,
// skipping seeded inputs, the outputs file, and linked allowed paths.
func collectFiles(workspace string, cfg *Config) (map[string][]byte, error) {
	seeded := make(map[string]struct{}, len(cfg.InputFiles)+1)
	seeded[outputsFile] = struct{}{}
	for rel := range cfg.InputFiles {
		seeded[filepath.Clean(rel)] = struct{}{}
	}
	var out map[string][]byte
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return relErr
		}
		if _, skip := seeded[rel]; skip {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		if out == nil {
			out = make(map[string][]byte)
		}
		out[rel] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// monitor samples the process at 1Hz, tracks peak resident memory, and
// cancels the run when the memory or CPU cap is breached. Sampling reads
// /proc and is best-effort; platforms without it are simply unmonitored.
func (r *Runner) monitor(ctx context.Context, pid int, cfg *Config, peakRSS *atomic.Int64, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	prevTicks := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rssMB, ok := residentMB(pid); ok {
				if int64(rssMB) > peakRSS.Load() {
					peakRSS.Store(int64(rssMB))
				}
				r.metrics.RecordGauge("sandbox.rss_mb", float64(rssMB), "pid", strconv.Itoa(pid))
				if cfg.MaxMemoryMB > 0 && rssMB > cfg.MaxMemoryMB {
					r.logger.Warn(ctx, "memory cap exceeded, stopping command",
						"pid", pid, "rss_mb", rssMB, "cap_mb", cfg.MaxMemoryMB)
					cancel()
					return
				}
			}
			if cfg.MaxCPUPercent > 0 {
				ticks, ok := cpuTicks(pid)
				if !ok {
					continue
				}
				if prevTicks >= 0 {
					pct := float64(ticks-prevTicks) / (monitorInterval.Seconds() * userHZ) * 100
					if int(pct) > cfg.MaxCPUPercent {
						r.logger.Warn(ctx, "cpu cap exceeded, stopping command",
							"pid", pid, "cpu_pct", int(pct), "cap_pct", cfg.MaxCPUPercent)
						cancel()
						return
					}
				}
				prevTicks = ticks
			}
		}
	}
}

// cpuTicks reads the process user+system CPU ticks from /proc/<pid>/stat.
func cpuTicks(pid int) (int64, bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	// Skip past the parenthesized command name; utime and stime are the 12th
	// and 13th fields after it.
	s := string(raw)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(s[i+1:])
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// residentMB reads the process resident set size from /proc/<pid>/statm.
func residentMB(pid int) (int, bool) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return int(pages * int64(os.Getpagesize()) / (1 << 20)), true
}
