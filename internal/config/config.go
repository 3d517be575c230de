// File: internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/pagecap/api/schemas"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Capture() CaptureConfig
	Output() OutputConfig
	Metrics() MetricsConfig

	// Setters used by the CLI after flag parsing.
	SetEngineWorkerConcurrency(int)
	SetBrowserExecutable(string)
	SetCaptureOCR(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	EngineCfg  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	CaptureCfg CaptureConfig `mapstructure:"capture" yaml:"capture"`
	OutputCfg  OutputConfig  `mapstructure:"output" yaml:"output"`
	MetricsCfg MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig   { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Capture() CaptureConfig { return c.CaptureCfg }
func (c *Config) Output() OutputConfig   { return c.OutputCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetBrowserExecutable(p string)    { c.BrowserCfg.Executable = p }
func (c *Config) SetCaptureOCR(b bool)             { c.CaptureCfg.OCR = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	NoColor     bool        `mapstructure:"no_color" yaml:"no_color"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig configures the capture scheduler.
type EngineConfig struct {
	QueueSize         int `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
}

// BrowserConfig holds settings for the browser process and the protocol connection.
type BrowserConfig struct {
	Executable     string        `mapstructure:"executable" yaml:"executable"`
	RemoteURL      string        `mapstructure:"remote_url" yaml:"remote_url"`
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	Port           int           `mapstructure:"port" yaml:"port"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy          string        `mapstructure:"proxy" yaml:"proxy"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// CaptureConfig holds the defaults applied to every capture task.
type CaptureConfig struct {
	Resolution        string        `mapstructure:"resolution" yaml:"resolution"`
	FullPage          bool          `mapstructure:"full_page" yaml:"full_page"`
	Screenshots       bool          `mapstructure:"screenshots" yaml:"screenshots"`
	Format            string        `mapstructure:"format" yaml:"format"`
	Quality           int           `mapstructure:"quality" yaml:"quality"`
	Delay             time.Duration `mapstructure:"delay" yaml:"delay"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	Headers           []string      `mapstructure:"headers" yaml:"headers"`
	IgnoreTypes       []string      `mapstructure:"ignore_types" yaml:"ignore_types"`
	DOM               bool          `mapstructure:"dom" yaml:"dom"`
	JavaScript        bool          `mapstructure:"javascript" yaml:"javascript"`
	Requests          bool          `mapstructure:"requests" yaml:"requests"`
	Responses         bool          `mapstructure:"responses" yaml:"responses"`
	Base64            bool          `mapstructure:"base64" yaml:"base64"`
	OCR               bool          `mapstructure:"ocr" yaml:"ocr"`
	PerceptualHash    bool          `mapstructure:"perceptual_hash" yaml:"perceptual_hash"`
}

// OutputConfig controls where and how results are written.
type OutputConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	JSON          bool          `mapstructure:"json" yaml:"json"`
	Silent        bool          `mapstructure:"silent" yaml:"silent"`
	NoColor       bool          `mapstructure:"no_color" yaml:"no_color"`
	IndexInterval time.Duration `mapstructure:"index_interval" yaml:"index_interval"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagecap")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.queue_size", 1000)
	v.SetDefault("engine.worker_concurrency", 15)

	// -- Browser --
	v.SetDefault("browser.executable", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.port", 0)
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.shutdown_grace", "5s")
	v.SetDefault("browser.command_timeout", "30s")

	// -- Capture --
	v.SetDefault("capture.resolution", "1440x900")
	v.SetDefault("capture.full_page", false)
	v.SetDefault("capture.screenshots", true)
	v.SetDefault("capture.format", string(schemas.FormatPNG))
	v.SetDefault("capture.quality", 100)
	v.SetDefault("capture.delay", "3s")
	v.SetDefault("capture.navigation_timeout", "10s")
	v.SetDefault("capture.task_timeout", "60s")
	v.SetDefault("capture.ignore_types", []string{"Image", "Media", "Font", "Stylesheet"})
	v.SetDefault("capture.perceptual_hash", true)

	// -- Output --
	v.SetDefault("output.dir", "screenshots")
	v.SetDefault("output.index_interval", "10s")

	// -- Metrics --
	v.SetDefault("metrics.addr", "")
}

// EnvKeyReplacer maps nested keys to env names, e.g. capture.delay to PAGECAP_CAPTURE_DELAY.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.BrowserCfg.StartupTimeout <= 0 {
		return fmt.Errorf("browser.startup_timeout must be a positive duration")
	}
	if c.BrowserCfg.CommandTimeout <= 0 {
		return fmt.Errorf("browser.command_timeout must be a positive duration")
	}
	if c.BrowserCfg.Port < 0 || c.BrowserCfg.Port > 65535 {
		return fmt.Errorf("browser.port must be between 0 and 65535")
	}
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the capture defaults.
func (c *CaptureConfig) Validate() error {
	if _, err := ParseResolution(c.Resolution); err != nil {
		return err
	}
	switch schemas.ImageFormat(strings.ToLower(c.Format)) {
	case schemas.FormatPNG, schemas.FormatJPEG, schemas.FormatWebP:
	default:
		return fmt.Errorf("format must be one of png, jpeg, webp (got %q)", c.Format)
	}
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("quality must be between 0 and 100")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation_timeout must be a positive duration")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be a positive duration")
	}
	if _, err := ParseHeaders(c.Headers); err != nil {
		return err
	}
	return nil
}

// TaskOptions converts the capture defaults into the options carried by each task.
func (c *CaptureConfig) TaskOptions() (schemas.CaptureOptions, error) {
	res, err := ParseResolution(c.Resolution)
	if err != nil {
		return schemas.CaptureOptions{}, err
	}
	headers, err := ParseHeaders(c.Headers)
	if err != nil {
		return schemas.CaptureOptions{}, err
	}
	return schemas.CaptureOptions{
		Resolution:        res,
		FullPage:          c.FullPage,
		Screenshots:       c.Screenshots,
		Format:            schemas.ImageFormat(strings.ToLower(c.Format)),
		Quality:           c.Quality,
		Delay:             c.Delay,
		NavigationTimeout: c.NavigationTimeout,
		TaskTimeout:       c.TaskTimeout,
		Headers:           headers,
		IgnoreTypes:       append([]string(nil), c.IgnoreTypes...),
		DOM:               c.DOM,
		JavaScript:        c.JavaScript,
		Requests:          c.Requests,
		Responses:         c.Responses,
		Base64:            c.Base64,
		OCR:               c.OCR,
		PerceptualHash:    c.PerceptualHash,
	}, nil
}

// ParseResolution parses a "WIDTHxHEIGHT" string.
func ParseResolution(s string) (schemas.Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return schemas.Resolution{}, fmt.Errorf("resolution %q must look like 1440x900", s)
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return schemas.Resolution{}, fmt.Errorf("resolution %q must have positive integer dimensions", s)
	}
	return schemas.Resolution{Width: width, Height: height}, nil
}

// ParseHeaders turns "Name: Value" entries into a header map.
func ParseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("header %q must look like 'Name: Value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}
