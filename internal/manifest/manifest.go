// Package manifest reads and rewrites Foundry VTT module manifests.
//
// The persisted form of a manifest is never re-serialized from a struct.
// Edits are spliced into the original document so that key order,
// indentation and (for JSONC) comments survive, and a version bump shows
// up as a one-line diff.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/vttrelease/internal/fsutil"
)

// Format identifies the on-disk encoding of a manifest
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrManifestParse    = errors.New("manifest is not well-formed")
	ErrManifestSchema   = errors.New("manifest schema violation")
	ErrInvalidVersion   = errors.New("invalid version")
	ErrInvalidTag       = errors.New("invalid release tag")
)

// Manifest is a parsed module descriptor
type Manifest struct {
	ID          string
	Version     string
	Title       string
	ManifestURL string
	DownloadURL string

	// DeclaredFiles lists the manifest itself followed by every local path
	// the manifest references, in document order, without duplicates.
	DeclaredFiles []string

	Path   string
	Format Format

	doc document
}

// document is the format-specific persisted form of a manifest
type document interface {
	// values decodes the document into generic values
	values() (map[string]any, error)
	// withString returns a copy of the document with key set to value
	withString(key, value string) (document, error)
	bytes() []byte
}

// FormatFromPath picks the manifest format from the file extension.
// Anything that is not YAML is treated as JSON (JSONC is a superset).
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Read loads and validates the manifest at path
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	m.DeclaredFiles = append([]string{filepath.ToSlash(filepath.Base(path))}, m.DeclaredFiles...)
	m.DeclaredFiles = dedupe(m.DeclaredFiles)
	return m, nil
}

// Parse decodes manifest bytes without touching the filesystem
func Parse(data []byte, format Format) (*Manifest, error) {
	var (
		doc document
		err error
	)
	switch format {
	case FormatYAML:
		doc, err = parseYAML(data)
	case FormatJSON, "":
		format = FormatJSON
		doc, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	m := &Manifest{Format: format, doc: doc}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load populates the typed fields from the document
func (m *Manifest) load() error {
	values, err := m.doc.values()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrManifestParse, err)
	}

	// Foundry v10 renamed "name" to "id"; older manifests still use "name".
	id, err := stringField(values, "id")
	if err != nil {
		return err
	}
	if id == "" {
		if id, err = stringField(values, "name"); err != nil {
			return err
		}
	}
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrManifestSchema)
	}

	version, err := stringField(values, "version")
	if err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("%w: version is required", ErrManifestSchema)
	}

	m.ID = id
	m.Version = version
	m.Title, _ = stringField(values, "title")
	m.ManifestURL, _ = stringField(values, "manifest")
	m.DownloadURL, _ = stringField(values, "download")
	m.DeclaredFiles = referencedFiles(values)
	return nil
}

// Bytes returns the persisted form of the manifest, including any
// unsaved edits.
func (m *Manifest) Bytes() []byte {
	return m.doc.bytes()
}

// WithVersion returns a copy of m with its version replaced. The version
// is normalized first (see NormalizeVersion).
func (m *Manifest) WithVersion(version string) (*Manifest, error) {
	normalized, err := NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	return m.withString("version", normalized)
}

// WithReleaseURLs returns a copy of m whose manifest and download URLs
// point at the given locations. Empty arguments leave the field alone.
func (m *Manifest) WithReleaseURLs(manifestURL, downloadURL string) (*Manifest, error) {
	out := m
	var err error
	if manifestURL != "" {
		if out, err = out.withString("manifest", manifestURL); err != nil {
			return nil, err
		}
	}
	if downloadURL != "" {
		if out, err = out.withString("download", downloadURL); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Manifest) withString(key, value string) (*Manifest, error) {
	doc, err := m.doc.withString(key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to set %s: %w", key, err)
	}

	out := &Manifest{Path: m.Path, Format: m.Format, doc: doc}
	if err := out.load(); err != nil {
		return nil, err
	}
	out.DeclaredFiles = m.DeclaredFiles
	return out, nil
}

// Save writes the manifest back to its path atomically
func (m *Manifest) Save() error {
	if m.Path == "" {
		return fmt.Errorf("manifest has no path")
	}
	return fsutil.WriteFileAtomic(m.Path, m.Bytes(), fsutil.FileMode(m.Path, 0644))
}

// WriteVersion sets the manifest version and persists the result
func WriteVersion(m *Manifest, newVersion string) (*Manifest, error) {
	updated, err := m.WithVersion(newVersion)
	if err != nil {
		return nil, err
	}
	if err := updated.Save(); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return updated, nil
}

// stringField returns the string at key. A missing key yields "", a
// non-string value is a schema error.
func stringField(values map[string]any, key string) (string, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrManifestSchema, key)
	}
	return strings.TrimSpace(s), nil
}

// referencedFiles collects the local paths a module manifest points at
func referencedFiles(values map[string]any) []string {
	var files []string

	for _, key := range []string{"esmodules", "scripts", "styles"} {
		list, _ := values[key].([]any)
		for _, item := range list {
			if s, ok := item.(string); ok {
				files = append(files, s)
			}
		}
	}

	for _, key := range []string{"languages", "packs"} {
		list, _ := values[key].([]any)
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := entry["path"].(string); ok {
				files = append(files, s)
			}
		}
	}

	local := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || strings.Contains(f, "://") {
			continue
		}
		f = strings.TrimPrefix(filepath.ToSlash(f), "./")
		f = strings.TrimLeft(f, "/")
		local = append(local, f)
	}
	return dedupe(local)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
