//go:build !windows

package process

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestHelperProcess is not a real test. It stands in for the browser
// executable when re-invoked through the script written by fakeBrowser.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if f := os.Getenv("FAKE_BROWSER_ARGS_FILE"); f != "" {
		_ = os.WriteFile(f, []byte(strings.Join(args, "\n")), 0o644)
	}

	switch os.Getenv("FAKE_BROWSER_MODE") {
	case "exit":
		fmt.Fprintln(os.Stderr, "fake browser: cannot open display")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
	}

	if os.Getenv("FAKE_BROWSER_IGNORE_TERM") == "1" {
		signal.Ignore(syscall.SIGTERM)
	} else {
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		go func() {
			<-term
			os.Exit(0)
		}()
	}

	var port string
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--remote-debugging-port="); ok {
			port = v
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fake browser:", err)
		os.Exit(4)
	}
	_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Browser":"HeadlessChrome/131.0.0.0","webSocketDebuggerUrl":"ws://127.0.0.1:%s/devtools/browser/fake"}`, port)
	}))
}

// fakeBrowser writes an executable script that re-runs the test binary as
// the browser, with the given environment for TestHelperProcess.
func fakeBrowser(t *testing.T, env map[string]string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("GO_WANT_HELPER_PROCESS=1\nexport GO_WANT_HELPER_PROCESS\n")
	for k, v := range env {
		fmt.Fprintf(&b, "%s='%s'\nexport %s\n", k, v, k)
	}
	fmt.Fprintf(&b, "exec '%s' -test.run='^TestHelperProcess$' -- \"$@\"\n", os.Args[0])

	path := filepath.Join(t.TempDir(), "fake-chrome")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o755))
	return path
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestLaunchAndShutdown(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	exe := fakeBrowser(t, map[string]string{"FAKE_BROWSER_ARGS_FILE": argsFile})

	b, err := Launch(context.Background(), Config{
		Executable:     exe,
		Headless:       true,
		WindowWidth:    800,
		WindowHeight:   600,
		StartupTimeout: 10 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, b.Owned())
	assert.True(t, strings.HasPrefix(b.WebSocketURL, "ws://127.0.0.1:"))
	assert.Equal(t, "HeadlessChrome/131.0.0.0", b.Version)
	assert.DirExists(t, b.userDataDir)

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "--headless=new")
	assert.Contains(t, string(recorded), "--window-size=800,600")
	assert.Contains(t, string(recorded), "--user-data-dir="+b.userDataDir)

	pid := b.cmd.Process.Pid
	start := time.Now()
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), DefaultShutdownGrace, "a cooperative browser exits on SIGTERM")

	select {
	case <-b.Exited():
	default:
		t.Fatal("process must have exited")
	}
	assert.False(t, processAlive(pid))
	assert.NoDirExists(t, b.userDataDir)
	assert.NoError(t, b.Shutdown(context.Background()), "Shutdown is idempotent")
}

func TestShutdownForceKillsAfterGrace(t *testing.T) {
	exe := fakeBrowser(t, map[string]string{"FAKE_BROWSER_IGNORE_TERM": "1"})

	b, err := Launch(context.Background(), Config{
		Executable:     exe,
		StartupTimeout: 10 * time.Second,
		ShutdownGrace:  300 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	pid := b.cmd.Process.Pid
	start := time.Now()
	require.NoError(t, b.Shutdown(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond, "SIGKILL only after the grace period")
	assert.Less(t, elapsed, 300*time.Millisecond+killWait+time.Second)
	assert.False(t, processAlive(pid))
	assert.NoDirExists(t, b.userDataDir)
}

func TestLaunchProcessExits(t *testing.T) {
	exe := fakeBrowser(t, map[string]string{"FAKE_BROWSER_MODE": "exit"})
	before := profileDirs(t)

	_, err := Launch(context.Background(), Config{Executable: exe, StartupTimeout: 10 * time.Second}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrProcessExited)
	assert.Contains(t, err.Error(), "cannot open display")
	assert.Equal(t, before, profileDirs(t), "the profile dir is removed on failed startup")
}

func TestLaunchStartupTimeout(t *testing.T) {
	exe := fakeBrowser(t, map[string]string{"FAKE_BROWSER_MODE": "hang"})

	start := time.Now()
	_, err := Launch(context.Background(), Config{
		Executable:     exe,
		StartupTimeout: 500 * time.Millisecond,
		ShutdownGrace:  200 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrStartupTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLaunchCancelled(t *testing.T) {
	exe := fakeBrowser(t, map[string]string{"FAKE_BROWSER_MODE": "hang"})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	_, err := Launch(ctx, Config{Executable: exe, StartupTimeout: 10 * time.Second, ShutdownGrace: 200 * time.Millisecond}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
}
