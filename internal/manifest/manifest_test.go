package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const moduleJSON = `{
  "id": "my-module",
  "title": "My Module",
  "version": "1.0.0",
  "compatibility": {"minimum": "11", "verified": "12"},
  "esmodules": ["scripts/main.js"],
  "styles": ["styles/module.css"],
  "languages": [
    {"lang": "en", "name": "English", "path": "languages/en.json"}
  ],
  "packs": [
    {"name": "items", "label": "Items", "path": "packs/items", "type": "Item"}
  ],
  "manifest": "https://example.com/module.json"
}
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRead(t *testing.T) {
	path := writeManifest(t, "module.json", moduleJSON)

	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if m.ID != "my-module" {
		t.Errorf("expected id my-module, got %s", m.ID)
	}
	if m.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", m.Version)
	}
	if m.Title != "My Module" {
		t.Errorf("expected title My Module, got %s", m.Title)
	}
	if m.Format != FormatJSON {
		t.Errorf("expected json format, got %s", m.Format)
	}

	want := []string{
		"module.json",
		"scripts/main.js",
		"styles/module.css",
		"languages/en.json",
		"packs/items",
	}
	if diff := cmp.Diff(want, m.DeclaredFiles); diff != "" {
		t.Errorf("declared files mismatch (-want +got):\n%s", diff)
	}
}

func TestRead_LegacyNameField(t *testing.T) {
	path := writeManifest(t, "module.json", `{"name": "legacy", "version": "0.9"}`)

	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if m.ID != "legacy" {
		t.Errorf("expected id legacy, got %s", m.ID)
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "not json", content: "this is not json", wantErr: ErrManifestParse},
		{name: "top level array", content: `["a"]`, wantErr: ErrManifestParse},
		{name: "truncated", content: `{"id": "x", "version": "1.0.0"`, wantErr: ErrManifestParse},
		{name: "trailing data", content: `{"id": "x", "version": "1.0.0"} {}`, wantErr: ErrManifestParse},
		{name: "missing id", content: `{"version": "1.0.0"}`, wantErr: ErrManifestSchema},
		{name: "missing version", content: `{"id": "x"}`, wantErr: ErrManifestSchema},
		{name: "numeric version", content: `{"id": "x", "version": 1}`, wantErr: ErrManifestSchema},
		{name: "empty version", content: `{"id": "x", "version": "  "}`, wantErr: ErrManifestSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, "module.json", tt.content)
			_, err := Read(path)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRead_NotFound(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestRead_JSONC(t *testing.T) {
	content := `{
  // bumped by CI
  "id": "commented",
  "version": "2.0.0", /* keep */
}
`
	path := writeManifest(t, "module.jsonc", content)

	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if m.ID != "commented" || m.Version != "2.0.0" {
		t.Errorf("unexpected manifest %s@%s", m.ID, m.Version)
	}

	updated, err := WriteVersion(m, "2.1.0")
	if err != nil {
		t.Fatalf("WriteVersion failed: %v", err)
	}
	got := string(updated.Bytes())
	want := strings.Replace(content, `"2.0.0"`, `"2.1.0"`, 1)
	if got != want {
		t.Errorf("comments not preserved:\n%s", got)
	}
}

func TestWriteVersion_RoundTrip(t *testing.T) {
	path := writeManifest(t, "module.json", moduleJSON)
	m, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := WriteVersion(m, "v1.2.0"); err != nil {
		t.Fatalf("WriteVersion failed: %v", err)
	}

	reread, err := Read(path)
	if err != nil {
		t.Fatalf("Read after write failed: %v", err)
	}
	if reread.Version != "1.2.0" {
		t.Errorf("expected version 1.2.0, got %s", reread.Version)
	}

	// Everything except the version line is byte-for-byte unchanged.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Replace(moduleJSON, `"version": "1.0.0"`, `"version": "1.2.0"`, 1)
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("persisted manifest mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(m.DeclaredFiles, reread.DeclaredFiles); diff != "" {
		t.Errorf("declared files changed (-before +after):\n%s", diff)
	}
	if reread.ID != m.ID || reread.Title != m.Title || reread.ManifestURL != m.ManifestURL {
		t.Error("non-version fields changed after WriteVersion")
	}
}

func TestWriteVersion_Invalid(t *testing.T) {
	path := writeManifest(t, "module.json", moduleJSON)
	m, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"", "v", "   ", "not-a-version", "1.x.y"} {
		t.Run(v, func(t *testing.T) {
			if _, err := WriteVersion(m, v); !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("expected ErrInvalidVersion for %q, got %v", v, err)
			}
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != moduleJSON {
		t.Error("manifest was modified by a rejected version")
	}
}

func TestWithReleaseURLs(t *testing.T) {
	m, err := Parse([]byte(moduleJSON), FormatJSON)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := m.WithReleaseURLs(
		"https://github.com/o/r/releases/latest/download/module.json",
		"https://github.com/o/r/releases/download/v1.0.0/module.zip?a=1&b=2",
	)
	if err != nil {
		t.Fatalf("WithReleaseURLs failed: %v", err)
	}

	if updated.ManifestURL != "https://github.com/o/r/releases/latest/download/module.json" {
		t.Errorf("unexpected manifest url %s", updated.ManifestURL)
	}
	if !strings.HasSuffix(updated.DownloadURL, "a=1&b=2") {
		t.Errorf("unexpected download url %s", updated.DownloadURL)
	}

	// download did not exist, so it is appended after the last key with
	// matching indentation.
	if !strings.Contains(string(updated.Bytes()), ",\n  \"download\": \"https://github.com/o/r/releases/download/v1.0.0/module.zip?a=1&b=2\"\n}") {
		t.Errorf("download key not appended as expected:\n%s", updated.Bytes())
	}

	// The original is untouched.
	if m.DownloadURL != "" {
		t.Error("WithReleaseURLs modified its receiver")
	}
}

func TestYAMLManifest(t *testing.T) {
	content := `# module descriptor
id: yaml-module
version: "1.0"
esmodules:
  - scripts/init.js
title: YAML Module
`
	path := writeManifest(t, "module.yaml", content)

	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if m.Format != FormatYAML {
		t.Errorf("expected yaml format, got %s", m.Format)
	}
	if m.Version != "1.0" {
		t.Errorf("expected version 1.0, got %s", m.Version)
	}

	if _, err := WriteVersion(m, "1.1"); err != nil {
		t.Fatalf("WriteVersion failed: %v", err)
	}

	reread, err := Read(path)
	if err != nil {
		t.Fatalf("Read after write failed: %v", err)
	}
	if reread.Version != "1.1" {
		t.Errorf("expected version 1.1, got %s", reread.Version)
	}
	if reread.Title != "YAML Module" || reread.ID != "yaml-module" {
		t.Error("non-version fields changed after WriteVersion")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# module descriptor") {
		t.Errorf("comment not preserved:\n%s", data)
	}
	if !strings.Contains(string(data), "id: yaml-module\nversion: \"1.1\"\n") {
		t.Errorf("key order not preserved:\n%s", data)
	}
}

func TestYAMLManifest_PlainVersionStaysString(t *testing.T) {
	m, err := Parse([]byte("id: plain\nversion: 1.0.0\n"), FormatYAML)
	if err != nil {
		t.Fatal(err)
	}

	updated, err := m.WithVersion("2.0")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != "2.0" {
		t.Errorf("expected version 2.0, got %s", updated.Version)
	}
	if !strings.Contains(string(updated.Bytes()), `version: "2.0"`) {
		t.Errorf("ambiguous version not quoted:\n%s", updated.Bytes())
	}
}
