//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// ProjectsFixture creates a projects root with one folder "web" whose
// playbooks are shell scripts, run through /bin/sh by the test config.
func ProjectsFixture(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "projects")

	files := map[string]string{
		"web/ok.yml":        "echo PLAY [all]\necho \"ok: [$(cat vars.yml 2>/dev/null | head -1)]\"\n",
		"web/fail.yml":      "echo fatal: unreachable\nexit 2\n",
		"web/inventory.ini": "[web]\nweb1 ansible_host=10.0.0.1\n",
		"web/vars.yml":      "app_port: 8080\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create fixture dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write fixture: %v", err)
		}
	}
	return root
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}
