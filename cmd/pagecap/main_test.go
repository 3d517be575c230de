// File: cmd/pagecap/main_test.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetMocks restores the original function implementations.
func resetMocks(t *testing.T) {
	origWrite, origExit, origExecute := osWriteFile, osExit, execute
	t.Cleanup(func() {
		osWriteFile, osExit, execute = origWrite, origExit, origExecute
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 0, exitCode(fmt.Errorf("scan: %w", context.Canceled)))
	assert.Equal(t, 1, exitCode(errors.New("browser executable not found")))
}

func TestMainUsesCommandResult(t *testing.T) {
	resetMocks(t)
	var code = -1
	osExit = func(c int) { code = c }
	execute = func(ctx context.Context) error {
		require.NotNil(t, ctx)
		return errors.New("launch failed")
	}

	main()
	assert.Equal(t, 1, code)
}

func TestHandlePanicWritesLog(t *testing.T) {
	resetMocks(t)
	var written string
	var code int
	osWriteFile = func(name string, data []byte, perm os.FileMode) error {
		assert.Equal(t, panicLogFile, name)
		written = string(data)
		return nil
	}
	osExit = func(c int) { code = c }

	func() {
		defer handlePanic()
		panic("boom")
	}()

	assert.Contains(t, written, "panic: boom")
	assert.Contains(t, written, "goroutine")
	assert.Equal(t, 2, code)
}

func TestHandlePanicLogFailure(t *testing.T) {
	resetMocks(t)
	var code int
	osWriteFile = func(string, []byte, os.FileMode) error { return errors.New("read-only fs") }
	osExit = func(c int) { code = c }

	func() {
		defer handlePanic()
		panic("boom")
	}()
	assert.Equal(t, 2, code)
}

func TestHandlePanicNoPanic(t *testing.T) {
	resetMocks(t)
	called := false
	osExit = func(int) { called = true }
	handlePanic()
	assert.False(t, called)
}

func TestEntryPointHeader(t *testing.T) {
	src, err := os.ReadFile("main.go")
	require.NoError(t, err)
	header, _, found := strings.Cut(string(src), "package main")
	require.True(t, found)
	assert.Contains(t, header, "Copyright © 2025 Kyle McAllister")
}
