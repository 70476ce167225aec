// Package bundle collects the files a module declares into a single,
// reproducible zip archive.
//
// Identical source trees always produce byte-identical archives: entries
// are sorted by path, timestamps and permissions are normalized, and the
// compressor runs at a fixed level. Release reconciliation relies on this
// to make re-uploads of an unchanged module a no-op.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/schaermu/vttrelease/internal/manifest"
)

var (
	ErrMissingDeclaredFile = errors.New("declared file is missing")
	ErrInvalidPattern      = errors.New("invalid declared file pattern")
)

// OptionalPrefix marks a declared entry that is allowed to match nothing,
// e.g. "?languages/".
const OptionalPrefix = "?"

// Entry is a single file in a bundle
type Entry struct {
	Path    string // slash-separated, relative to the bundle root
	Mode    fs.FileMode
	Content []byte
}

// Bundle is the resolved, sorted file set of one module build
type Bundle struct {
	ModuleID string
	Version  string
	Prefix   string
	Entries  []Entry
}

// Options tune how a bundle is built
type Options struct {
	// Overrides replace the on-disk content of the named entries. Keys
	// are slash-separated paths relative to the working root. Used to
	// bundle an in-memory manifest that has not been written to disk.
	Overrides map[string][]byte

	// Prefix nests every archive entry under this directory
	Prefix string

	// Exclude lists directories, relative to the working root, whose
	// files are never selected. Output directories go here.
	Exclude []string
}

// Build resolves declared against root and reads every matched file.
// When declared is empty the manifest's own declared files are used.
func Build(m *manifest.Manifest, declared []string, root string, opts Options) (*Bundle, error) {
	if len(declared) == 0 {
		declared = m.DeclaredFiles
	}

	prefix := strings.Trim(filepath.ToSlash(opts.Prefix), "/")
	if prefix != "" {
		if err := validatePattern(prefix); err != nil {
			return nil, fmt.Errorf("archive prefix: %w", err)
		}
	}

	r := &resolver{root: root, selected: make(map[string]fs.FileMode)}
	for _, dir := range opts.Exclude {
		dir = path.Clean(filepath.ToSlash(dir))
		if dir != "." && dir != ".." && !strings.HasPrefix(dir, "../") && !path.IsAbs(dir) {
			r.exclude = append(r.exclude, dir)
		}
	}
	for _, raw := range declared {
		if err := r.resolve(raw); err != nil {
			return nil, err
		}
	}

	paths := make([]string, 0, len(r.selected))
	for p := range r.selected {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	b := &Bundle{
		ModuleID: m.ID,
		Version:  m.Version,
		Prefix:   prefix,
		Entries:  make([]Entry, 0, len(paths)),
	}
	for _, p := range paths {
		content, ok := opts.Overrides[p]
		if !ok {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(p)))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", p, err)
			}
			content = data
		}
		b.Entries = append(b.Entries, Entry{
			Path:    p,
			Mode:    normalizeMode(r.selected[p]),
			Content: content,
		})
	}

	return b, nil
}

// Paths returns the entry paths in archive order
func (b *Bundle) Paths() []string {
	paths := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		paths[i] = e.Path
	}
	return paths
}

// archivePath returns the name an entry is stored under
func (b *Bundle) archivePath(p string) string {
	if b.Prefix == "" {
		return p
	}
	return b.Prefix + "/" + p
}

// resolver accumulates the selected file set for one build
type resolver struct {
	root     string
	exclude  []string
	selected map[string]fs.FileMode
	tree     []treeFile // lazily walked, only needed for globs
	walked   bool
}

// add selects p unless it lies in an excluded directory
func (r *resolver) add(p string, mode fs.FileMode) bool {
	for _, dir := range r.exclude {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return false
		}
	}
	r.selected[p] = mode
	return true
}

type treeFile struct {
	path string
	mode fs.FileMode
}

func (r *resolver) resolve(raw string) error {
	pattern, optional := strings.CutPrefix(strings.TrimSpace(raw), OptionalPrefix)
	pattern = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), "./")
	pattern = strings.TrimSuffix(pattern, "/")

	if err := validatePattern(pattern); err != nil {
		return fmt.Errorf("%q: %w", raw, err)
	}

	var (
		matched int
		err     error
	)
	if isGlob(pattern) {
		matched, err = r.resolveGlob(pattern)
	} else {
		pattern = path.Clean(pattern)
		matched, err = r.resolveLiteral(pattern)
	}
	if err != nil {
		return err
	}

	if matched == 0 && !optional {
		return fmt.Errorf("%w: %s", ErrMissingDeclaredFile, pattern)
	}
	return nil
}

// resolveLiteral selects a single file, or every file under a directory.
// Symlinks are treated as absent, including symlinked parent directories.
func (r *resolver) resolveLiteral(rel string) (int, error) {
	linked, err := underSymlink(r.root, rel)
	if err != nil || linked {
		return 0, err
	}

	full := filepath.Join(r.root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return 0, nil
	case info.IsDir():
		files, err := walkFiles(r.root, rel)
		if err != nil {
			return 0, err
		}
		matched := 0
		for _, f := range files {
			if r.add(f.path, f.mode) {
				matched++
			}
		}
		return matched, nil
	case info.Mode().IsRegular():
		if !r.add(rel, info.Mode()) {
			return 0, nil
		}
		return 1, nil
	default:
		return 0, nil
	}
}

// underSymlink reports whether any directory between root and rel is a
// symlink. A missing directory is not an error.
func underSymlink(root, rel string) (bool, error) {
	dir := root
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("failed to stat %s: %w", dir, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return true, nil
		}
	}
	return false, nil
}

// resolveGlob matches pattern against every non-hidden file under root.
// A pattern that matches a directory selects the directory's contents.
func (r *resolver) resolveGlob(pattern string) (int, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}

	if !r.walked {
		r.tree, err = walkFiles(r.root, ".")
		if err != nil {
			return 0, err
		}
		r.walked = true
	}

	matched := 0
	for _, f := range r.tree {
		if (g.Match(f.path) || matchesAncestor(g, f.path)) && r.add(f.path, f.mode) {
			matched++
		}
	}
	return matched, nil
}

// matchesAncestor reports whether any parent directory of p matches g
func matchesAncestor(g glob.Glob, p string) bool {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if g.Match(dir) {
			return true
		}
	}
	return false
}

// walkFiles lists regular files under root/rel. Hidden files and
// directories below the starting point are skipped, and symlinks are
// never followed.
func walkFiles(root, rel string) ([]treeFile, error) {
	start := filepath.Join(root, filepath.FromSlash(rel))
	var files []treeFile

	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p != start && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, treeFile{path: filepath.ToSlash(relPath), mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", rel, err)
	}
	return files, nil
}

// validatePattern rejects patterns that could select files outside root
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if path.IsAbs(pattern) || filepath.IsAbs(pattern) || filepath.VolumeName(pattern) != "" {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidPattern, pattern)
	}
	cleaned := path.Clean(pattern)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %q escapes the working root", ErrInvalidPattern, pattern)
	}
	return nil
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// normalizeMode collapses permissions to 0755 for anything executable
// and 0644 otherwise, so umask differences between machines do not leak
// into the archive.
func normalizeMode(mode fs.FileMode) fs.FileMode {
	if mode&0111 != 0 {
		return 0755
	}
	return 0644
}
