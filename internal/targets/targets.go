// Package targets turns command-line inputs into the list of URLs to capture.
package targets

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// Expand resolves each input to URLs. An input naming a readable file
// contributes one URL per non-empty line; anything else is taken literally.
// Duplicates are dropped while keeping first-seen order.
func Expand(inputs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, in := range inputs {
		in = strings.TrimSpace(in)
		path, err := homedir.Expand(in)
		if err != nil {
			path = in
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			add(in)
			continue
		}
		lines, err := readLines(path)
		if err != nil {
			return nil, fmt.Errorf("read targets from %s: %w", path, err)
		}
		for _, l := range lines {
			add(l)
		}
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// Validate checks that raw is an absolute http or https URL with a host.
func Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Filter keeps the valid URLs and logs a warning for each one skipped.
func Filter(urls []string, logger *zap.Logger) []string {
	valid := make([]string, 0, len(urls))
	for _, u := range urls {
		if err := Validate(u); err != nil {
			logger.Warn("Skipping invalid URL.", zap.String("url", u), zap.Error(err))
			continue
		}
		valid = append(valid, u)
	}
	return valid
}
