package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/browser/cdp"
	"github.com/xkilldash9x/pagecap/internal/browser/process"
	"github.com/xkilldash9x/pagecap/internal/capture"
	"github.com/xkilldash9x/pagecap/internal/config"
	"github.com/xkilldash9x/pagecap/internal/engine"
	"github.com/xkilldash9x/pagecap/internal/imagehash"
	"github.com/xkilldash9x/pagecap/internal/observability"
	"github.com/xkilldash9x/pagecap/internal/ocr"
	"github.com/xkilldash9x/pagecap/internal/output"
	"github.com/xkilldash9x/pagecap/internal/targets"
)

// shutdownTimeout bounds teardown of the connection and browser process.
const shutdownTimeout = 15 * time.Second

// ErrNoTargets means none of the inputs produced a valid URL.
var ErrNoTargets = errors.New("no valid http(s) URLs to capture")

// flagBindings maps scan flags directly onto config keys.
var flagBindings = map[string]string{
	"output":       "output.dir",
	"json":         "output.json",
	"resolution":   "capture.resolution",
	"full-page":    "capture.full_page",
	"threads":      "engine.worker_concurrency",
	"user-agent":   "browser.user_agent",
	"headers":      "capture.headers",
	"proxy":        "browser.proxy",
	"base64":       "capture.base64",
	"dom":          "capture.dom",
	"requests":     "capture.requests",
	"responses":    "capture.responses",
	"javascript":   "capture.javascript",
	"ignore-types": "capture.ignore_types",
	"ocr":          "capture.ocr",
	"chrome":       "browser.executable",
	"remote-url":   "browser.remote_url",
	"format":       "capture.format",
	"quality":      "capture.quality",
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd(v *viper.Viper) *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [urls or files...]",
		Short: "Capture one or more web pages",
		Long: `Capture screenshots and page data for each URL. An argument naming a
file is read as a list of URLs, one per line.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their config keys so flags override config file and env.
			for flag, key := range flagBindings {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return applyScanFlagOverrides(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg, args, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	f := scanCmd.Flags()
	f.StringP("output", "o", "", "Output directory (default ./screenshots)")
	f.BoolP("json", "j", false, "Print one JSON record per line")
	f.StringP("resolution", "r", "", "Viewport size, e.g. 1440x900")
	f.BoolP("full-page", "f", false, "Capture the full scrollable page")
	f.Bool("no-screenshots", false, "Do not write screenshot files")
	f.IntP("threads", "t", 0, "Number of pages captured concurrently")
	f.Float64("delay", 0, "Seconds to wait after the page loads (default 3)")
	f.Float64("timeout", 0, "Seconds to wait for the page to load (default 10)")
	f.StringP("user-agent", "U", "", "User agent")
	f.StringArrayP("headers", "H", nil, "Extra request header 'Name: Value' (repeatable)")
	f.StringP("proxy", "p", "", "HTTP proxy, e.g. http://127.0.0.1:8080")
	f.BoolP("base64", "b", false, "Include the screenshot as base64 in records")
	f.BoolP("dom", "d", false, "Capture the rendered DOM")
	f.Bool("requests", false, "Capture request bodies")
	f.Bool("responses", false, "Capture response bodies")
	f.BoolP("javascript", "J", false, "Capture script sources")
	f.StringSlice("ignore-types", nil, "Resource types to ignore (default Image,Media,Font,Stylesheet)")
	f.Bool("ocr", false, "Extract text from screenshots (requires tesseract)")
	f.StringP("chrome", "c", "", "Path to the browser executable")
	f.String("remote-url", "", "Attach to a running browser at this debugging endpoint")
	f.String("format", "", "Screenshot format: png, jpeg or webp")
	f.Int("quality", 0, "Screenshot quality for jpeg and webp (0-100)")

	return scanCmd
}

// applyScanFlagOverrides handles flags whose value needs translating before
// it reaches the config.
func applyScanFlagOverrides(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	if flags.Changed("no-screenshots") {
		off, err := flags.GetBool("no-screenshots")
		if err != nil {
			return err
		}
		v.Set("capture.screenshots", !off)
	}
	for flag, key := range map[string]string{"delay": "capture.delay", "timeout": "capture.navigation_timeout"} {
		if !flags.Changed(flag) {
			continue
		}
		secs, err := flags.GetFloat64(flag)
		if err != nil {
			return err
		}
		if secs < 0 {
			return fmt.Errorf("--%s must not be negative", flag)
		}
		v.Set(key, time.Duration(secs*float64(time.Second)))
	}
	return nil
}

// runScan launches (or attaches to) the browser, captures every target and
// writes the results. Teardown runs on every path.
func runScan(ctx context.Context, cfg *config.Config, inputs []string, stdout io.Writer, logger *zap.Logger) (err error) {
	captureCfg := cfg.Capture()
	opts, err := captureCfg.TaskOptions()
	if err != nil {
		return err
	}

	expanded, err := targets.Expand(inputs)
	if err != nil {
		return err
	}
	urls := targets.Filter(expanded, logger)
	if len(urls) == 0 {
		return ErrNoTargets
	}

	var recognizer capture.TextRecognizer
	if opts.OCR {
		tess := ocr.New(ocr.DefaultBinary, "", logger)
		if err := tess.Available(); err != nil {
			return err
		}
		recognizer = tess
	}
	var hasher capture.Hasher
	if opts.PerceptualHash {
		hasher = imagehash.Hasher{}
	}

	if addr := cfg.Metrics().Addr; addr != "" {
		if err := observability.ServeMetrics(ctx, addr, logger); err != nil {
			return fmt.Errorf("failed to serve metrics on %s: %w", addr, err)
		}
	}

	browser, err := startBrowser(ctx, cfg.Browser(), opts.Resolution, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := browser.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("Error during browser shutdown", zap.Error(serr))
		}
	}()

	conn, err := cdp.Dial(ctx, browser.WebSocketURL, cdp.Options{CommandTimeout: cfg.Browser().CommandTimeout}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	defer conn.Close()

	// Directories are only created once the browser is known to be up.
	outCfg := cfg.Output()
	sink, err := output.New(stdout, output.Options{
		Dir:           outCfg.Dir,
		JSON:          outCfg.JSON,
		NoColor:       outCfg.NoColor,
		Screenshots:   opts.Screenshots,
		IndexInterval: outCfg.IndexInterval,
	}, logger)
	if err != nil {
		return err
	}
	if err := sink.Prepare(); err != nil {
		_ = sink.Close()
		return err
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	runner := capture.NewRunner(conn, capture.NewAssembler(hasher, recognizer, logger), logger,
		capture.WithFocusLock(&sync.Mutex{}))
	scheduler, err := engine.New(cfg, runner, conn, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting capture.", zap.Int("urls", len(urls)), zap.Int("threads", cfg.Engine().WorkerConcurrency))
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()

	var captured, failed int
	for res := range scheduler.Run(ctx, feedTasks(feedCtx, urls, opts, cfg.Engine().QueueSize)) {
		captured++
		if res.Failed() {
			failed++
		}
		if werr := sink.Write(res, opts); werr != nil {
			logger.Warn("Failed to write result", zap.String("url", res.URL), zap.Error(werr))
		}
	}
	logger.Info("Capture finished.", zap.Int("captured", captured), zap.Int("failed", failed))

	if serr := scheduler.Err(); serr != nil {
		return fmt.Errorf("capture aborted: %w", serr)
	}
	return ctx.Err()
}

func startBrowser(ctx context.Context, bc config.BrowserConfig, res schemas.Resolution, logger *zap.Logger) (*process.Browser, error) {
	if bc.RemoteURL != "" {
		return process.Attach(ctx, bc.RemoteURL, bc.StartupTimeout, logger)
	}
	exe, err := process.FindExecutable(bc.Executable)
	if err != nil {
		return nil, err
	}
	return process.Launch(ctx, process.Config{
		Executable:     exe,
		Headless:       bc.Headless,
		Port:           bc.Port,
		WindowWidth:    res.Width,
		WindowHeight:   res.Height,
		UserAgent:      bc.UserAgent,
		Proxy:          bc.Proxy,
		ExtraArgs:      bc.Args,
		StartupTimeout: bc.StartupTimeout,
		ShutdownGrace:  bc.ShutdownGrace,
	}, logger)
}

// feedTasks turns urls into tasks on a channel that closes once every url
// has been queued or ctx is done.
func feedTasks(ctx context.Context, urls []string, opts schemas.CaptureOptions, queueSize int) <-chan schemas.CaptureTask {
	if queueSize <= 0 || queueSize > len(urls) {
		queueSize = len(urls)
	}
	tasks := make(chan schemas.CaptureTask, queueSize)
	go func() {
		defer close(tasks)
		for _, u := range urls {
			task := schemas.CaptureTask{ID: uuid.NewString(), URL: u, Options: opts.Clone()}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return
			}
		}
	}()
	return tasks
}
