package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// pathEnv locates the taskhub home, and with it the .env file itself.
const pathEnv = "TASKHUB_PATH"

// LoadDotenv reads a .env file and sets environment variables that are not already defined.
// Missing file is silently ignored. Existing env vars are never overridden.
func LoadDotenv(path string) error {
	_, err := loadDotenv(path, false)
	return err
}

// ReloadDotenv is LoadDotenv, except that values from the file replace
// existing env vars. It returns the names of the variables whose value
// changed.
func ReloadDotenv(path string) ([]string, error) {
	return loadDotenv(path, true)
}

func loadDotenv(path string, override bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var changed []string
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !validEnvKey(key) {
			return changed, fmt.Errorf("%s:%d: invalid variable name %q", path, n, key)
		}
		if key == pathEnv {
			slog.Warn("ignoring "+pathEnv+" in .env, set it in the process environment", "path", path)
			continue
		}
		value = parseValue(strings.TrimSpace(value))

		old, exists := os.LookupEnv(key)
		if exists && (!override || old == value) {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return changed, err
		}
		changed = append(changed, key)
	}
	return changed, scanner.Err()
}

// parseValue strips matching surrounding quotes (single or double). An
// unquoted value ends at " #".
func parseValue(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	if i := strings.Index(s, " #"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

func validEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
