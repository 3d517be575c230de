package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte("http://b.test/\n\n  http://c.test/  \nhttp://a.test/\n"), 0o644))

	got, err := Expand([]string{"http://a.test/", list, "http://d.test/", "http://b.test/", dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.test/", "http://b.test/", "http://c.test/", "http://d.test/", dir}, got,
		"files are inlined, duplicates dropped, directories kept as literals")
}

func TestExpandEmpty(t *testing.T) {
	got, err := Expand([]string{"", "   "})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"http://example.com", true},
		{"https://example.com:8443/path?q=1", true},
		{"http://127.0.0.1/", true},
		{"ftp://example.com/", false},
		{"example.com", false},
		{"http://", false},
		{"javascript:alert(1)", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := Validate(tt.url)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFilterLogsSkipped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	got := Filter([]string{"http://ok.test/", "nope", "https://ok2.test/"}, zap.New(core))

	assert.Equal(t, []string{"http://ok.test/", "https://ok2.test/"}, got)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "nope", logs.All()[0].ContextMap()["url"])
}
