package sandbox

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/fault"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunCollectsOutputs(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", `echo '{"answer": 42}' > outputs.json && echo done`},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "done")
	require.NotNil(t, res.Outputs)
	assert.EqualValues(t, 42, res.Outputs["answer"])
}

func TestRunSeedsInputFiles(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command:    "cat",
		Args:       []string{"input/data.txt"},
		InputFiles: map[string][]byte{"input/data.txt": []byte("hello")},
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
}

func TestRunRejectsEscapingInputPath(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), &Config{
		Command:    "true",
		InputFiles: map[string][]byte{"../../etc/passwd": []byte("x")},
		Timeout:    time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	start := time.Now()
	_, err := r.Run(context.Background(), &Config{
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunNonzeroExit(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
		Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindExecution, fault.KindOf(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestRunViolationIsTerminal(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", "echo 'sudo rm -rf /tmp/x'"},
		Timeout: 10 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSandboxViolation, fault.KindOf(err))
	assert.True(t, fault.Terminal(err))
	require.NotEmpty(t, res.Violations)
}

func TestRunViolationStopsCommandEarly(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	start := time.Now()
	res, err := r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", "echo 'sudo rm -rf /tmp/x'; sleep 60"},
		Timeout: 60 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSandboxViolation, fault.KindOf(err))
	require.NotEmpty(t, res.Violations)
	assert.Less(t, time.Since(start), 30*time.Second, "stopped on the first violation, not the deadline")
}

func TestRunBlockedPathTripsViolation(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command:      "sh",
		Args:         []string{"-c", "echo reading /etc/shadow"},
		BlockedPaths: []string{"/etc/shadow"},
		Timeout:      10 * time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindSandboxViolation, fault.KindOf(err))
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "filesystem_access", res.Violations[0].Category)

	// The same command is clean without the per-run rule.
	_, err = r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", "echo reading /etc/shadow"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
}

func TestRunCollectsProducedFiles(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command:    "sh",
		Args:       []string{"-c", "echo artifact > result.txt"},
		InputFiles: map[string][]byte{"seed.txt": []byte("seed")},
		Timeout:    10 * time.Second,
	})
	require.NoError(t, err)
	require.Contains(t, res.Files, "result.txt")
	assert.Equal(t, "artifact\n", string(res.Files["result.txt"]))
	assert.NotContains(t, res.Files, "seed.txt", "seeded inputs are not collected")
}

func TestRunFilesystemIsolationSkipsProducedFiles(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command:            "sh",
		Args:               []string{"-c", `echo artifact > result.txt && echo '{"ok": true}' > outputs.json`},
		FilesystemIsolated: true,
		Timeout:            10 * time.Second,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Files)
	require.NotNil(t, res.Outputs, "outputs.json is still collected")
}

func TestRunNetworkIsolationSetsProxyEnv(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command:         "sh",
		Args:            []string{"-c", "echo $HTTPS_PROXY"},
		NetworkIsolated: true,
		Timeout:         10 * time.Second,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "127.0.0.1:1")
}

func TestRunReportsResourceUsage(t *testing.T) {
	requireShell(t)
	r := NewRunner()
	res, err := r.Run(context.Background(), &Config{
		Command: "sh",
		Args:    []string{"-c", "true"},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Resources.CPUTimeMS, int64(0))
	assert.GreaterOrEqual(t, res.Resources.PeakRSSMB, 0)
}

func TestRunValidatesConfig(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), &Config{Timeout: time.Second})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	_, err = r.Run(context.Background(), &Config{Command: "true"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	var f *fault.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "timeout", f.Field)
}
