// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagecap/api/schemas"
	"github.com/xkilldash9x/pagecap/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Capture() config.CaptureConfig {
	args := m.Called()
	return args.Get(0).(config.CaptureConfig)
}

func (m *MockConfig) Output() config.OutputConfig {
	args := m.Called()
	return args.Get(0).(config.OutputConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// Setters

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetBrowserExecutable(p string) {
	m.Called(p)
}

func (m *MockConfig) SetCaptureOCR(b bool) {
	m.Called(b)
}

// -- Capturer Mock --

// MockCapturer mocks the scheduler's Capturer. It records the order in which
// tasks were started.
type MockCapturer struct {
	mock.Mock

	mu      sync.Mutex
	started []string
}

// Capture returns the configured result, or a plain result for the task when
// the expectation returns nil.
func (m *MockCapturer) Capture(ctx context.Context, task schemas.CaptureTask) *schemas.CaptureResult {
	m.mu.Lock()
	m.started = append(m.started, task.URL)
	m.mu.Unlock()

	args := m.Called(ctx, task)
	if res, ok := args.Get(0).(*schemas.CaptureResult); ok && res != nil {
		return res
	}
	return &schemas.CaptureResult{TaskID: task.ID, URL: task.URL}
}

// Started lists task URLs in the order Capture was entered.
func (m *MockCapturer) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

// -- Image Analysis Mocks --

// MockHasher mocks the perceptual hash function.
type MockHasher struct {
	mock.Mock
}

func (m *MockHasher) Hash(img []byte) (string, error) {
	args := m.Called(img)
	return args.String(0), args.Error(1)
}

// MockRecognizer mocks the OCR function.
type MockRecognizer struct {
	mock.Mock
}

func (m *MockRecognizer) Recognize(ctx context.Context, img []byte) (string, error) {
	args := m.Called(ctx, img)
	return args.String(0), args.Error(1)
}
