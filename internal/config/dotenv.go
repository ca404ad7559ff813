package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// envEntry is one KEY=value assignment from a .env file.
type envEntry struct {
	key, value string
}

// LoadDotenv exports the variables of a .env file that are not already set.
// A missing file is not an error.
func LoadDotenv(path string) error {
	_, err := applyDotenv(path, false)
	return err
}

// ReloadDotenv exports every variable of a .env file, replacing current
// values so edits take effect on reload.
func ReloadDotenv(path string) error {
	_, err := applyDotenv(path, true)
	return err
}

func applyDotenv(path string, override bool) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	entries, err := parseDotenv(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	applied := 0
	for _, e := range entries {
		if _, set := os.LookupEnv(e.key); set && !override {
			continue
		}
		if err := os.Setenv(e.key, e.value); err != nil {
			return applied, fmt.Errorf("set %s: %w", e.key, err)
		}
		applied++
	}
	return applied, nil
}

// parseDotenv reads KEY=value lines. Blank lines, comments and lines
// without '=' are skipped. Unquoted values lose trailing " #" comments;
// double-quoted values expand \n and \t.
func parseDotenv(r io.Reader) ([]envEntry, error) {
	var entries []envEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		entries = append(entries, envEntry{key: key, value: dotenvValue(strings.TrimSpace(raw))})
	}
	return entries, sc.Err()
}

func dotenvValue(raw string) string {
	if n := len(raw); n >= 2 {
		switch {
		case raw[0] == '\'' && raw[n-1] == '\'':
			return raw[1 : n-1]
		case raw[0] == '"' && raw[n-1] == '"':
			return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`).Replace(raw[1 : n-1])
		}
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw
}
