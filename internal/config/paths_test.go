package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTaskhubPath_Default(t *testing.T) {
	t.Setenv("TASKHUB_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := TaskhubPath()
	want := filepath.Join(home, ".taskhub")
	if got != want {
		t.Errorf("TaskhubPath() = %q, want %q", got, want)
	}
}

func TestTaskhubPath_EnvOverride(t *testing.T) {
	t.Setenv("TASKHUB_PATH", "/tmp/custom-taskhub")

	if got := TaskhubPath(); got != "/tmp/custom-taskhub" {
		t.Errorf("TaskhubPath() = %q, want %q", got, "/tmp/custom-taskhub")
	}
}

func TestDerivedPaths(t *testing.T) {
	t.Setenv("TASKHUB_PATH", "/tmp/test-taskhub")

	cases := map[string]struct{ got, want string }{
		"config":    {ConfigPath(), "/tmp/test-taskhub/config.jsonc"},
		"dotenv":    {DotenvPath(), "/tmp/test-taskhub/.env"},
		"heartbeat": {HeartbeatPath(), "/tmp/test-taskhub/heartbeat.json"},
	}
	for name, c := range cases {
		if c.got != c.want {
			t.Errorf("%s path = %q, want %q", name, c.got, c.want)
		}
	}
}
