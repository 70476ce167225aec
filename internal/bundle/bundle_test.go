package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/vttrelease/internal/manifest"
	"github.com/schaermu/vttrelease/internal/testutil"
)

func readManifest(t *testing.T, root string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Read(filepath.Join(root, "module.json"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func moduleTree(t *testing.T) string {
	t.Helper()
	root := testutil.ModuleTree(t, "my-module", "1.0.0")
	testutil.WriteTree(t, root, map[string]string{
		"styles/module.css":        "body {}\n",
		"templates/sheet.hbs":      "<div></div>\n",
		"templates/parts/head.hbs": "<h1></h1>\n",
		"templates/.draft.hbs":     "hidden\n",
		"lang/en.json":             "{}\n",
		"README.md":                "# readme\n",
	})
	return root
}

func TestBuild_DefaultsToManifestFiles(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	b, err := Build(m, nil, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []string{"module.json", "my-module.js"}
	if diff := cmp.Diff(want, b.Paths()); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if b.ModuleID != "my-module" || b.Version != "1.0.0" {
		t.Errorf("unexpected identity %s@%s", b.ModuleID, b.Version)
	}
}

func TestBuild_ResolvesGlobsAndDirectories(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	declared := []string{
		"module.json",
		"my-module.js",
		"styles/*.css",
		"templates/",
		"?packs/",
	}
	b, err := Build(m, declared, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []string{
		"module.json",
		"my-module.js",
		"styles/module.css",
		"templates/parts/head.hbs",
		"templates/sheet.hbs",
	}
	if diff := cmp.Diff(want, b.Paths()); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_DoubleStarGlob(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	b, err := Build(m, []string{"templates/**.hbs"}, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []string{"templates/parts/head.hbs", "templates/sheet.hbs"}
	if diff := cmp.Diff(want, b.Paths()); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_MissingDeclaredFile(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	tests := []struct {
		name     string
		declared []string
	}{
		{name: "literal", declared: []string{"module.json", "missing.js"}},
		{name: "glob with no match", declared: []string{"scripts/*.js"}},
		{name: "absent directory", declared: []string{"packs/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(m, tt.declared, root, Options{})
			if !errors.Is(err, ErrMissingDeclaredFile) {
				t.Errorf("expected ErrMissingDeclaredFile, got %v", err)
			}
		})
	}
}

func TestBuild_OptionalMayBeAbsent(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	b, err := Build(m, []string{"module.json", "?CHANGELOG.md", "?scripts/*.js"}, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(b.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(b.Entries))
	}
}

func TestBuild_InvalidPattern(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	for _, p := range []string{"../outside.js", "/etc/passwd", "", "a/../../b"} {
		t.Run(p, func(t *testing.T) {
			_, err := Build(m, []string{p}, root, Options{})
			if !errors.Is(err, ErrInvalidPattern) {
				t.Errorf("expected ErrInvalidPattern for %q, got %v", p, err)
			}
		})
	}
}

func TestBuild_SkipsSymlinks(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	outside := t.TempDir()
	testutil.WriteTree(t, outside, map[string]string{"secret.txt": "secret\n"})
	if err := os.Symlink(outside, filepath.Join(root, "templates", "linked")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "secret.txt")); err != nil {
		t.Fatal(err)
	}

	b, err := Build(m, []string{"templates/"}, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, p := range b.Paths() {
		if filepath.Base(filepath.Dir(p)) == "linked" {
			t.Errorf("symlinked directory was followed: %s", p)
		}
	}

	if _, err := Build(m, []string{"secret.txt"}, root, Options{}); !errors.Is(err, ErrMissingDeclaredFile) {
		t.Errorf("expected symlinked file to count as missing, got %v", err)
	}
}

func TestBuild_SkipsFilesBelowSymlinkedDirectory(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	outside := t.TempDir()
	testutil.WriteTree(t, outside, map[string]string{
		"secret.txt":        "secret\n",
		"nested/secret.txt": "secret\n",
	})
	if err := os.Symlink(outside, filepath.Join(root, "linked")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	for _, declared := range []string{"linked/secret.txt", "linked/nested/secret.txt", "linked/nested"} {
		b, err := Build(m, []string{declared}, root, Options{})
		if !errors.Is(err, ErrMissingDeclaredFile) {
			var paths []string
			if b != nil {
				paths = b.Paths()
			}
			t.Errorf("%s: expected ErrMissingDeclaredFile, got err=%v paths=%v", declared, err, paths)
		}
	}

	b, err := Build(m, []string{"?linked/secret.txt"}, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, p := range b.Paths() {
		if strings.HasPrefix(p, "linked/") {
			t.Errorf("file read through a symlinked directory: %s", p)
		}
	}
}

func TestBuild_Exclude(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)
	testutil.WriteTree(t, root, map[string]string{
		"dist/module.zip":  "previous build\n",
		"dist/module.json": "{}\n",
	})

	tests := []struct {
		name     string
		declared []string
		exclude  []string
		want     []string
		wantErr  error
	}{
		{
			name:     "glob skips excluded directory",
			declared: []string{"?**.zip", "templates/**"},
			exclude:  []string{"dist"},
			want:     []string{"templates/parts/head.hbs", "templates/sheet.hbs"},
		},
		{
			name:     "excluded directory declared directly",
			declared: []string{"dist"},
			exclude:  []string{"./dist/"},
			wantErr:  ErrMissingDeclaredFile,
		},
		{
			name:     "exclusions outside the root are ignored",
			declared: []string{"dist"},
			exclude:  []string{"../dist", "/dist", "."},
			want:     []string{"dist/module.json", "dist/module.zip"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Build(m, tt.declared, root, Options{Exclude: tt.exclude})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, b.Paths()); diff != "" {
				t.Errorf("paths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuild_BraceGlob(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	b, err := Build(m, []string{"{styles,lang}/**"}, root, Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := []string{"lang/en.json", "styles/module.css"}
	if diff := cmp.Diff(want, b.Paths()); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_Overrides(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	override := []byte(`{"id": "my-module", "version": "9.9.9"}`)
	b, err := Build(m, nil, root, Options{Overrides: map[string][]byte{"module.json": override}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !bytes.Equal(b.Entries[0].Content, override) {
		t.Errorf("override not applied, got %s", b.Entries[0].Content)
	}
}

func TestArchive_Deterministic(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)
	declared := []string{"module.json", "my-module.js", "templates/", "styles/"}

	first, err := Build(m, declared, root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	firstZip, err := first.Archive()
	if err != nil {
		t.Fatal(err)
	}

	// Touch every file's mtime and permissions without changing content.
	for _, p := range first.Paths() {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.Chmod(full, 0600); err != nil {
			t.Fatal(err)
		}
	}

	second, err := Build(m, declared, root, Options{})
	if err != nil {
		t.Fatal(err)
	}
	secondZip, err := second.Archive()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(firstZip, secondZip) {
		t.Error("archives of an unchanged tree differ")
	}
	if first.Digest() != second.Digest() {
		t.Error("digests of an unchanged tree differ")
	}
}

func TestArchive_Contents(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	b, err := Build(m, nil, root, Options{Prefix: "my-module"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := b.Archive()
	if err != nil {
		t.Fatal(err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("archive is not a valid zip: %v", err)
	}

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if !f.Modified.Equal(archiveModTime) {
			t.Errorf("%s: unexpected mtime %v", f.Name, f.Modified)
		}
	}
	if diff := cmp.Diff([]string{"my-module/module.json", "my-module/my-module.js"}, names); diff != "" {
		t.Errorf("archive names mismatch (-want +got):\n%s", diff)
	}

	rc, err := zr.File[1].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = rc.Close()
	}()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "console.log('my-module');\n" {
		t.Errorf("unexpected content %q", content)
	}
}

func TestDigest_ChangesWithContent(t *testing.T) {
	root := moduleTree(t)
	m := readManifest(t, root)

	before, err := Build(m, nil, root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	testutil.WriteTree(t, root, map[string]string{"my-module.js": "console.log('changed');\n"})
	after, err := Build(m, nil, root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if before.Digest() == after.Digest() {
		t.Error("digest did not change when content changed")
	}
	if len(before.Digest().String()) != 64 {
		t.Errorf("unexpected digest length %d", len(before.Digest().String()))
	}
}
