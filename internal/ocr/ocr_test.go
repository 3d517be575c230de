//go:build !windows

package ocr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTesseract writes a script standing in for tesseract.
func fakeTesseract(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tesseract")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRecognize(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeTesseract(t, `echo "$@" > `+argsFile+`
cat > /dev/null
printf '\n  Example Domain\n\n'`)

	text, err := New(bin, "eng", zaptest.NewLogger(t)).Recognize(context.Background(), []byte("png bytes"))
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", text)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "stdin stdout -l eng\n", string(args))
}

func TestRecognizeFailure(t *testing.T) {
	bin := fakeTesseract(t, `echo "Error in pixReadStream" >&2; exit 1`)
	_, err := New(bin, "", zaptest.NewLogger(t)).Recognize(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pixReadStream")
}

func TestRecognizeEmptyImage(t *testing.T) {
	_, err := New("", "", zaptest.NewLogger(t)).Recognize(context.Background(), nil)
	assert.Error(t, err)
}

func TestRecognizeHonorsContext(t *testing.T) {
	bin := fakeTesseract(t, `exec sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New(bin, "", zaptest.NewLogger(t)).Recognize(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAvailable(t *testing.T) {
	bin := fakeTesseract(t, "exit 0")
	assert.NoError(t, New(bin, "", zaptest.NewLogger(t)).Available())

	t.Setenv("PATH", t.TempDir())
	assert.ErrorIs(t, New("", "", zaptest.NewLogger(t)).Available(), ErrUnavailable)
}
