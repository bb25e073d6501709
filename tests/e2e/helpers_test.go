//go:build linux

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/easzlab/ezwatch/pkg/reconcile"
)

// testEnv is a state directory plus a file-backed rule export.
type testEnv struct {
	dir        string
	configPath string
	rulesPath  string
}

// newTestEnv writes a config that reads rules from an export file in a temp dir.
func newTestEnv(t *testing.T, rulesYAML string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "ezwatch.yaml"),
		rulesPath:  filepath.Join(dir, "rules.yaml"),
	}
	env.writeRules(t, rulesYAML)

	configYAML := fmt.Sprintf(`
global:
  log_level: info
  state_dir: %s
source:
  type: file
  file_path: %s
  owned_tag_suffix: ezwatch
trigger:
  native: true
  poll_interval: "0"
`, filepath.Join(dir, "state"), env.rulesPath)
	if err := os.WriteFile(env.configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return env
}

// writeRules replaces the rule export.
func (e *testEnv) writeRules(t *testing.T, rulesYAML string) {
	t.Helper()
	if err := os.WriteFile(e.rulesPath, []byte(rulesYAML), 0644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
}

// run executes ezwatch with -c and asserts a successful exit. Returns stdout
// and stderr separately.
func (e *testEnv) run(t *testing.T, args ...string) (string, string) {
	t.Helper()
	stdout, stderr, err := e.exec(args...)
	if err != nil {
		t.Fatalf("ezwatch %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}
	return stdout, stderr
}

// runExpectFailure executes ezwatch and expects a non-zero exit code.
func (e *testEnv) runExpectFailure(t *testing.T, args ...string) (string, string) {
	t.Helper()
	stdout, stderr, err := e.exec(args...)
	if err == nil {
		t.Fatalf("expected ezwatch %v to fail, but it succeeded\nstdout: %s\nstderr: %s", args, stdout, stderr)
	}
	return stdout, stderr
}

func (e *testEnv) exec(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(ezwatchBinary, append(args, "-c", e.configPath)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// once runs `ezwatch once --json` and decodes the pass result.
func (e *testEnv) once(t *testing.T) *reconcile.Result {
	t.Helper()
	stdout, stderr := e.run(t, "once", "--json")
	var result reconcile.Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("failed to decode pass result: %v\nstdout: %s\nstderr: %s", err, stdout, stderr)
	}
	return &result
}

// startDaemon starts ezwatch in daemon mode. The caller is responsible for
// stopping the process.
func (e *testEnv) startDaemon(t *testing.T) (*exec.Cmd, *syncBuffer) {
	t.Helper()
	output := &syncBuffer{}
	cmd := exec.Command(ezwatchBinary, "-c", e.configPath)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start ezwatch daemon: %v", err)
	}
	return cmd, output
}

// idsOfKind collects the identifiers of records of kind.
func idsOfKind(result *reconcile.Result, kind reconcile.Kind) []string {
	var ids []string
	for _, c := range result.Changes {
		if c.Kind == kind {
			ids = append(ids, c.ID())
		}
	}
	return ids
}

// syncBuffer is a bytes.Buffer safe for a child process to write while the
// test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
