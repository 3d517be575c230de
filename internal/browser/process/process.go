// Package process owns the lifecycle of the browser executable: discovery,
// launch with a private profile, readiness polling and group teardown.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

var (
	// ErrExecutableNotFound means no usable browser binary was found.
	ErrExecutableNotFound = errors.New("browser executable not found")
	// ErrStartupTimeout means the debugging endpoint never became ready.
	ErrStartupTimeout = errors.New("browser did not expose a debugging endpoint in time")
	// ErrProcessExited means the browser exited before becoming ready.
	ErrProcessExited = errors.New("browser exited during startup")
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultShutdownGrace  = 5 * time.Second

	// killWait bounds the wait for the process after SIGKILL.
	killWait      = 2 * time.Second
	stderrTailMax = 4 << 10
)

// executableNames are probed on PATH in order when no explicit path is given.
var executableNames = []string{
	"chromium",
	"chromium-browser",
	"chrome",
	"chrome-browser",
	"google-chrome",
	"google-chrome-stable",
}

// Config describes how to start the browser.
type Config struct {
	Executable     string
	Headless       bool
	Port           int
	WindowWidth    int
	WindowHeight   int
	UserAgent      string
	Proxy          string
	ExtraArgs      []string
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
}

// Browser is a running (or attached) browser exposing a debugging endpoint.
type Browser struct {
	// Endpoint is the HTTP debugging endpoint, e.g. http://127.0.0.1:9222.
	Endpoint string
	// WebSocketURL is the browser-level debugger URL to dial.
	WebSocketURL string
	// Version is the product string reported by the endpoint.
	Version    string
	Executable string

	logger      *zap.Logger
	cmd         *exec.Cmd
	userDataDir string
	grace       time.Duration
	stderr      *tailBuffer

	exited  chan struct{}
	waitErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

// FindExecutable resolves the browser binary. A custom path must exist;
// otherwise well-known names are searched on PATH.
func FindExecutable(custom string) (string, error) {
	if custom != "" {
		path, err := homedir.Expand(custom)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, path)
		}
		return path, nil
	}
	for _, name := range executableNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s on PATH", ErrExecutableNotFound, strings.Join(executableNames, ", "))
}

// BuildArgs assembles the command line for a capture browser.
func BuildArgs(cfg Config, port int, userDataDir string) []string {
	args := []string{
		"--disable-features=MediaRouter",
		"--disable-client-side-phishing-detection",
		"--disable-default-apps",
		"--disable-background-timer-throttling",
		"--disable-session-crashed-bubble",
		"--disable-restore-session-state",
		"--disable-infobars",
		"--hide-scrollbars",
		"--mute-audio",
		"--no-default-browser-check",
		"--no-first-run",
		"--deny-permission-prompts",
		"--enable-automation",
		"--ignore-certificate-errors",
		"--remote-debugging-address=127.0.0.1",
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + userDataDir,
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.UserAgent != "" {
		args = append(args, "--user-agent="+cfg.UserAgent)
	}
	if cfg.Proxy != "" {
		args = append(args, "--proxy-server="+cfg.Proxy)
	}
	// The sandbox refuses to start as root.
	if os.Geteuid() == 0 {
		args = append(args, "--no-sandbox")
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, "about:blank")
}

// Launch starts the browser in its own process group with a private profile
// and waits until the debugging endpoint answers. Any failure leaves no
// process or profile behind.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	logger = logger.Named("process")
	exe, err := FindExecutable(cfg.Executable)
	if err != nil {
		return nil, err
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	port := cfg.Port
	if port == 0 {
		if port, err = freePort(); err != nil {
			return nil, fmt.Errorf("pick debugging port: %w", err)
		}
	}

	dir := filepath.Join(os.TempDir(), "pagecap-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	b := &Browser{
		Endpoint:    "http://127.0.0.1:" + strconv.Itoa(port),
		Executable:  exe,
		logger:      logger,
		userDataDir: dir,
		grace:       cfg.ShutdownGrace,
		stderr:      &tailBuffer{max: stderrTailMax},
		exited:      make(chan struct{}),
	}

	b.cmd = exec.Command(exe, BuildArgs(cfg, port, dir)...)
	b.cmd.Stdout = io.Discard
	b.cmd.Stderr = b.stderr
	setProcessGroup(b.cmd)

	if err := b.cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("start %s: %w", exe, err)
	}
	go func() {
		b.waitErr = b.cmd.Wait()
		close(b.exited)
	}()

	logger.Info("Browser process started.",
		zap.String("executable", exe),
		zap.Int("pid", b.cmd.Process.Pid),
		zap.Int("port", port))

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()
	info, err := waitForEndpoint(startCtx, b.Endpoint, b.exited)
	if err != nil {
		switch {
		case errors.Is(err, ErrProcessExited):
			err = fmt.Errorf("%w (%v): %s", ErrProcessExited, b.waitErr, b.stderr.String())
		case ctx.Err() != nil:
			err = ctx.Err()
		}
		_ = b.Shutdown(context.Background())
		return nil, err
	}
	b.WebSocketURL = info.WebSocketDebuggerURL
	b.Version = info.Browser
	logger.Info("Browser ready.", zap.String("version", b.Version), zap.String("ws_url", b.WebSocketURL))
	return b, nil
}

// Attach connects to a browser that is already running. A ws:// or wss://
// endpoint is used as is; an http endpoint is polled for its debugger URL.
func Attach(ctx context.Context, endpoint string, timeout time.Duration, logger *zap.Logger) (*Browser, error) {
	logger = logger.Named("process")
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return &Browser{WebSocketURL: endpoint, logger: logger}, nil
	}
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	attachCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := waitForEndpoint(attachCtx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("attach to %s: %w", endpoint, err)
	}
	logger.Info("Attached to running browser.", zap.String("endpoint", endpoint), zap.String("version", info.Browser))
	return &Browser{
		Endpoint:     endpoint,
		WebSocketURL: info.WebSocketDebuggerURL,
		Version:      info.Browser,
		logger:       logger,
	}, nil
}

// Owned reports whether this Browser started the process it talks to.
func (b *Browser) Owned() bool { return b.cmd != nil }

// Exited is closed when an owned process terminates. Nil for attached browsers.
func (b *Browser) Exited() <-chan struct{} {
	if b.cmd == nil {
		return nil
	}
	return b.exited
}

// Shutdown terminates the process group: SIGTERM, then SIGKILL once the
// grace period or ctx runs out. The private profile is removed afterwards.
// Attached browsers are left running. Idempotent.
func (b *Browser) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		if b.cmd == nil {
			return
		}
		b.shutdownErr = b.terminate(ctx)
		if err := os.RemoveAll(b.userDataDir); err != nil {
			b.shutdownErr = errors.Join(b.shutdownErr, fmt.Errorf("remove profile dir: %w", err))
		}
	})
	return b.shutdownErr
}

func (b *Browser) terminate(ctx context.Context) error {
	select {
	case <-b.exited:
		return nil
	default:
	}

	signalGroup(b.cmd, false)
	grace := time.NewTimer(b.grace)
	defer grace.Stop()
	select {
	case <-b.exited:
		b.logger.Debug("Browser exited after SIGTERM.")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	b.logger.Warn("Browser ignored SIGTERM; killing process group.", zap.Duration("grace", b.grace))
	signalGroup(b.cmd, true)
	select {
	case <-b.exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("browser pid %d still running after SIGKILL", b.cmd.Process.Pid)
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written, for startup diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
