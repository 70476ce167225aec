// Package dirstore is a release store backed by a local directory.
//
// Layout:
//
//	<root>/releases/<tag>.json   one record per release
//	<root>/blobs/<sha256>        asset content, addressed by digest
//
// Blobs are written before the record that references them, and records
// are replaced by rename, so a reader sees either the old asset set or
// the new one.
package dirstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/vttrelease/internal/fsutil"
	"github.com/schaermu/vttrelease/internal/release"
)

var (
	_ release.Store     = (*Store)(nil)
	_ release.Publisher = (*Store)(nil)
)

// Store implements release.Store and release.Publisher on a directory
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// record is the on-disk form of a release
type record struct {
	ID          int64       `json:"id"`
	Tag         string      `json:"tag"`
	Name        string      `json:"name"`
	Draft       bool        `json:"draft"`
	Prerelease  bool        `json:"prerelease"`
	Body        string      `json:"body,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Assets      []assetFile `json:"assets"`
}

type assetFile struct {
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Digest      string    `json:"digest"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New creates a store rooted at dir, creating the directory if needed
func New(dir string, logger *slog.Logger) (*Store, error) {
	for _, sub := range []string{"releases", "blobs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{root: dir, logger: logger, now: time.Now}, nil
}

// Root returns the store directory
func (s *Store) Root() string {
	return s.root
}

// FindRelease returns the release for tag, or nil if there is none
func (s *Store) FindRelease(ctx context.Context, tag string) (*release.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(tag)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.toRecord(rec), nil
}

// CreateRelease creates an empty release. It fails if the tag is taken.
func (s *Store) CreateRelease(ctx context.Context, spec release.ReleaseSpec) (*release.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(spec.Tag)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("release %s already exists", spec.Tag)
	}

	id, err := s.nextID()
	if err != nil {
		return nil, err
	}

	rec := &record{
		ID:         id,
		Tag:        spec.Tag,
		Name:       spec.Name,
		Draft:      spec.Draft,
		Prerelease: spec.Prerelease,
		Body:       spec.Body,
		CreatedAt:  s.now().UTC(),
		Assets:     []assetFile{},
	}
	if !rec.Draft {
		published := rec.CreatedAt
		rec.PublishedAt = &published
	}
	if err := s.save(rec); err != nil {
		return nil, err
	}

	s.logger.Debug("created release record", "tag", spec.Tag, "id", id)
	return s.toRecord(rec), nil
}

// UpsertAssets stores the asset contents and swaps in a record listing
// them. Blobs already present are not rewritten.
func (s *Store) UpsertAssets(ctx context.Context, rel *release.Record, assets []release.Asset) (*release.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// blobs are immutable and content addressed; write them unlocked
	for _, a := range assets {
		if err := s.writeBlob(a); err != nil {
			return nil, fmt.Errorf("failed to store asset %s: %w", a.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(rel.Tag)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("release %s not found", rel.Tag)
	}

	byName := make(map[string]assetFile, len(rec.Assets)+len(assets))
	for _, a := range rec.Assets {
		byName[a.Name] = a
	}
	now := s.now().UTC()
	for _, a := range assets {
		if prev, ok := byName[a.Name]; ok && prev.Digest == a.Digest {
			s.logger.Debug("asset unchanged", "tag", rel.Tag, "asset", a.Name)
			continue
		}
		byName[a.Name] = assetFile{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        int64(len(a.Content)),
			Digest:      a.Digest,
			UpdatedAt:   now,
		}
	}

	rec.Assets = rec.Assets[:0]
	for _, a := range byName {
		rec.Assets = append(rec.Assets, a)
	}
	sort.Slice(rec.Assets, func(i, j int) bool { return rec.Assets[i].Name < rec.Assets[j].Name })

	if err := s.save(rec); err != nil {
		return nil, err
	}
	return s.toRecord(rec), nil
}

// PublishRelease marks a draft release as published
func (s *Store) PublishRelease(ctx context.Context, rel *release.Record) (*release.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(rel.Tag)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("release %s not found", rel.Tag)
	}
	if rec.Draft {
		now := s.now().UTC()
		rec.Draft = false
		rec.PublishedAt = &now
		if err := s.save(rec); err != nil {
			return nil, err
		}
	}
	return s.toRecord(rec), nil
}

// ReadAsset returns the content of a release asset
func (s *Store) ReadAsset(a release.Asset) ([]byte, error) {
	path, err := s.blobPath(a.Digest)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Releases lists the tags of all releases, sorted
func (s *Store) Releases() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "releases"))
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		tag, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *Store) recordPath(tag string) string {
	return filepath.Join(s.root, "releases", url.PathEscape(tag)+".json")
}

func (s *Store) blobPath(digest string) (string, error) {
	hex, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || len(hex) != 64 || strings.ContainsAny(hex, "/\\.") {
		return "", fmt.Errorf("invalid asset digest %q", digest)
	}
	return filepath.Join(s.root, "blobs", hex), nil
}

func (s *Store) load(tag string) (*record, error) {
	data, err := os.ReadFile(s.recordPath(tag))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read release %s: %w", tag, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse release %s: %w", tag, err)
	}
	return &rec, nil
}

func (s *Store) save(rec *record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.recordPath(rec.Tag), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write release %s: %w", rec.Tag, err)
	}
	return nil
}

func (s *Store) writeBlob(a release.Asset) error {
	if release.SHA256Digest(a.Content) != a.Digest {
		return fmt.Errorf("digest mismatch for %s", a.Name)
	}
	path, err := s.blobPath(a.Digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return fsutil.WriteFileAtomic(path, a.Content, 0644)
}

func (s *Store) nextID() (int64, error) {
	tags, err := s.Releases()
	if err != nil {
		return 0, err
	}
	var highest int64
	for _, tag := range tags {
		rec, err := s.load(tag)
		if err != nil {
			return 0, err
		}
		if rec != nil && rec.ID > highest {
			highest = rec.ID
		}
	}
	return highest + 1, nil
}

func (s *Store) toRecord(rec *record) *release.Record {
	out := &release.Record{
		ID:         rec.ID,
		Tag:        rec.Tag,
		Name:       rec.Name,
		Draft:      rec.Draft,
		Prerelease: rec.Prerelease,
		URL:        "file://" + filepath.ToSlash(s.recordPath(rec.Tag)),
	}
	for _, a := range rec.Assets {
		out.Assets = append(out.Assets, release.Asset{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			Digest:      a.Digest,
		})
	}
	return out
}
