// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/pagecap/internal/config"
)

// -- Test Helper Functions --

// lockedBuffer is a goroutine-safe sink for the console core.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Sync() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func initForTest(t *testing.T, cfg config.LoggerConfig) *lockedBuffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	buf := &lockedBuffer{}
	Initialize(cfg, zapcore.AddSync(buf))
	return buf
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Run("console logger colorizes levels", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "pagecap",
			Colors:      config.ColorConfig{Info: "blue"},
		})
		GetLogger().Named("transport").Info("connected to browser")
		Sync()

		out := buf.String()
		assert.Contains(t, out, colorBlue+"INFO"+colorReset)
		assert.Contains(t, out, "pagecap.transport.")
		assert.Contains(t, out, "connected to browser")
	})

	t.Run("console logger falls back to default colors", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "info", Format: "console"})
		GetLogger().Warn("slow page")
		assert.Contains(t, buf.String(), colorYellow+"WARN"+colorReset)
	})

	t.Run("no_color disables escape codes", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "info", Format: "console", NoColor: true})
		GetLogger().Error("launch failed")
		out := buf.String()
		assert.Contains(t, out, "ERROR")
		assert.NotContains(t, out, "\x1b[")
	})

	t.Run("json logger emits structured entries", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})
		GetLogger().Warn("navigation timed out", zap.String("url", "https://example.com"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(buf.String()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "navigation timed out", entry["msg"])
		assert.Equal(t, "https://example.com", entry["url"])
	})

	t.Run("level filters lower entries", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "warn", Format: "json"})
		GetLogger().Info("hidden")
		GetLogger().Debug("hidden too")
		assert.Empty(t, buf.String())
	})

	t.Run("invalid level defaults to info", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "loud", Format: "json"})
		GetLogger().Debug("hidden")
		GetLogger().Info("visible")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("writes json lines to the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "pagecap.log")
		initForTest(t, config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		})
		GetLogger().Error("this goes to the file")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"this goes to the file"`)
	})

	t.Run("initializes only once", func(t *testing.T) {
		buf := initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&lockedBuffer{}))
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		assert.Contains(t, buf.String(), `"logger":"First"`)
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Info("fallback works") })
	assert.NotPanics(t, Sync)
}
