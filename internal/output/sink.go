// Package output writes capture results to disk and to stdout.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
)

const (
	// DefaultIndexInterval is how often index.json is rewritten while a run is in progress.
	DefaultIndexInterval = 10 * time.Second

	indexFile     = "index.json"
	recordsDir    = "json"
	maxNameLength = 240
	titleWidth    = 30
)

// Options configures a Sink.
type Options struct {
	// Dir is the output directory. Empty disables all file output.
	Dir           string
	JSON          bool
	NoColor       bool
	Screenshots   bool
	IndexInterval time.Duration
}

// IndexEntry is one line of index.json.
type IndexEntry struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Title      string `json:"title"`
}

// Sink persists results. It is safe for concurrent use.
type Sink struct {
	out    io.Writer
	opts   Options
	logger *zap.Logger
	styles statusStyles

	mu       sync.Mutex
	dir      string
	prepared bool
	index    map[string]IndexEntry
	dirty    bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a Sink writing record lines to out. No directory is touched
// until Prepare or the first Write.
func New(out io.Writer, opts Options, logger *zap.Logger) (*Sink, error) {
	dir := opts.Dir
	if dir != "" {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return nil, fmt.Errorf("could not expand output dir %q: %w", dir, err)
		}
		dir = expanded
	}
	if opts.IndexInterval <= 0 {
		opts.IndexInterval = DefaultIndexInterval
	}

	s := &Sink{
		out:    out,
		opts:   opts,
		logger: logger.Named("output"),
		styles: newStatusStyles(out, opts.NoColor),
		dir:    dir,
		index:  make(map[string]IndexEntry),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if dir == "" {
		close(s.done)
		return s, nil
	}
	go s.syncLoop()
	return s, nil
}

// Prepare creates the output directories.
func (s *Sink) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareLocked()
}

func (s *Sink) prepareLocked() error {
	if s.prepared || s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(s.dir, recordsDir), 0o755); err != nil {
		return fmt.Errorf("problem with output directory: %w", err)
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("problem with output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path is not a directory: %s", s.dir)
	}
	s.prepared = true
	return nil
}

// Write emits res. opts are the options the task ran with and decide which
// optional sections the record carries.
func (s *Sink) Write(res *schemas.CaptureResult, opts schemas.CaptureOptions) error {
	rec := schemas.NewRecord(res, opts)
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", res.URL, err)
	}

	var errs []error
	if s.dir != "" {
		errs = append(errs, s.persist(res, payload))
	}

	var line string
	if s.opts.JSON {
		line = string(payload)
	} else {
		line = s.formatLine(res)
	}

	s.mu.Lock()
	_, werr := fmt.Fprintln(s.out, line)
	s.mu.Unlock()
	if werr != nil {
		errs = append(errs, fmt.Errorf("failed to write record line: %w", werr))
	}
	return errors.Join(errs...)
}

func (s *Sink) persist(res *schemas.CaptureResult, payload []byte) error {
	format := res.Format
	if format == "" {
		format = schemas.FormatPNG
	}
	id := ID(res.URL, format)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.prepareLocked(); err != nil {
		return err
	}

	s.index[id] = IndexEntry{URL: res.URL, StatusCode: res.Status, Title: res.Title}
	s.dirty = true

	var errs []error
	if err := os.WriteFile(filepath.Join(s.dir, recordsDir, id+".json"), payload, 0o644); err != nil {
		errs = append(errs, fmt.Errorf("failed to write record file: %w", err))
	}
	if s.opts.Screenshots && len(res.Screenshot) > 0 {
		if err := os.WriteFile(filepath.Join(s.dir, id), res.Screenshot, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("failed to write screenshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) syncLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.IndexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.syncIndexLocked()
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn("Failed to sync index.", zap.Error(err))
			}
		}
	}
}

func (s *Sink) syncIndexLocked() error {
	if !s.dirty || !s.prepared {
		return nil
	}
	data, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close stops the periodic sync and writes the final index. Idempotent.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.syncIndexLocked(); err != nil {
			s.closeErr = fmt.Errorf("failed to write index: %w", err)
		}
	})
	return s.closeErr
}

// Index returns a copy of the entries written so far.
func (s *Sink) Index() map[string]IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]IndexEntry, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// -- Naming --

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	dashRuns    = regexp.MustCompile(`-+`)
)

// SanitizeFilename maps s onto a filesystem-safe name.
func SanitizeFilename(s string) string {
	s = unsafeChars.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	if len(s) > maxNameLength {
		s = s[:maxNameLength]
	}
	return s
}

// ID is the record id and screenshot filename for a URL.
func ID(url string, format schemas.ImageFormat) string {
	return SanitizeFilename(url) + "." + string(format)
}

// -- Text Lines --

type statusStyles struct {
	notFound, success, redirect, clientErr, other lipgloss.Style
	plain                                         bool
}

func newStatusStyles(out io.Writer, noColor bool) statusStyles {
	r := lipgloss.NewRenderer(out)
	bold := r.NewStyle().Bold(true)
	return statusStyles{
		notFound:  bold.Foreground(lipgloss.Color("15")),
		success:   bold.Foreground(lipgloss.Color("10")),
		redirect:  bold.Foreground(lipgloss.Color("5")),
		clientErr: bold.Foreground(lipgloss.Color("1")),
		other:     bold.Foreground(lipgloss.Color("208")),
		plain:     noColor,
	}
}

func (st statusStyles) render(status int) string {
	code := strconv.Itoa(status)
	if st.plain {
		return code
	}
	switch {
	case status == 404:
		return st.notFound.Render(code)
	case strings.HasPrefix(code, "2"):
		return st.success.Render(code)
	case strings.HasPrefix(code, "3"):
		return st.redirect.Render(code)
	case strings.HasPrefix(code, "4"):
		return st.clientErr.Render(code)
	default:
		return st.other.Render(code)
	}
}

func (s *Sink) formatLine(res *schemas.CaptureResult) string {
	title := []rune(res.Title)
	if len(title) > titleWidth {
		title = title[:titleWidth]
	}
	line := fmt.Sprintf("[%s]\t%-*s\t%s", s.styles.render(res.Status), titleWidth, string(title), s.urlChain(res))
	if res.Failed() {
		line += "\t" + res.Error
	}
	return line
}

// urlChain renders a redirect chain as "a -[301]-> b".
func (s *Sink) urlChain(res *schemas.CaptureResult) string {
	if len(res.History) <= 1 {
		return res.FinalURL()
	}
	parts := make([]string, 0, 2*len(res.History)-1)
	for i, step := range res.History {
		parts = append(parts, step.URL)
		if i < len(res.History)-1 {
			parts = append(parts, fmt.Sprintf("-[%s]->", s.styles.render(step.Status)))
		}
	}
	return strings.Join(parts, " ")
}

