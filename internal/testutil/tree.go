// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTree creates files under root. Keys are slash-separated relative
// paths; parent directories are created as needed.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create parent of %s: %v", rel, err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
	}
}

// ModuleTree writes a minimal module working tree and returns its root.
// The manifest declares the script it ships.
func ModuleTree(t testing.TB, id, version string) string {
	t.Helper()
	root := t.TempDir()
	WriteTree(t, root, map[string]string{
		"module.json": `{
  "id": "` + id + `",
  "title": "Test Module",
  "version": "` + version + `",
  "esmodules": ["` + id + `.js"]
}
`,
		id + ".js": "console.log('" + id + "');\n",
	})
	return root
}

// ReadFile returns the content of root/rel or fails the test
func ReadFile(t testing.TB, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("failed to read %s: %v", rel, err)
	}
	return string(data)
}
