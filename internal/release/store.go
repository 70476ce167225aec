// Package release reconciles built module artifacts against release
// records in a release store.
//
// Each channel (the rolling "latest" release, or a version tag) is
// reconciled on its own: a release is created when absent and has its
// assets replaced when present. A failure on one channel never blocks or
// rolls back another. The store only has to implement three operations,
// see Store.
package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Store is the release-hosting API the reconciler drives
type Store interface {
	// FindRelease returns the release for tag, or nil if there is none.
	// Draft releases are included.
	FindRelease(ctx context.Context, tag string) (*Record, error)
	// CreateRelease creates an empty release
	CreateRelease(ctx context.Context, spec ReleaseSpec) (*Record, error)
	// UpsertAssets makes the release's asset set contain exactly assets
	// by name, replacing same-named ones. No asset is replaced before
	// every changed one has been uploaded. Assets not named in the call
	// are left alone.
	UpsertAssets(ctx context.Context, rec *Record, assets []Asset) (*Record, error)
}

// Publisher is implemented by stores that can flip a draft release to
// published. When available, new releases are created as drafts and only
// published after their assets are in place.
type Publisher interface {
	PublishRelease(ctx context.Context, rec *Record) (*Record, error)
}

// ReleaseSpec describes a release to create
type ReleaseSpec struct {
	Tag        string
	Name       string
	Body       string
	Draft      bool
	Prerelease bool
}

// Record is a release as known to the store
type Record struct {
	ID         int64
	Tag        string
	Name       string
	Draft      bool
	Prerelease bool
	URL        string
	Assets     []Asset
}

// Asset returns the asset with the given name
func (r *Record) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// Asset is a file attached to a release
type Asset struct {
	ID          int64
	Name        string
	ContentType string
	Size        int64
	// Digest is "sha256:<hex>", the format GitHub reports
	Digest string
	// Content is set on assets being uploaded. Stores may leave it nil on
	// records they return.
	Content []byte
}

// NewAsset builds an upload asset and computes its size and digest
func NewAsset(name, contentType string, content []byte) Asset {
	return Asset{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(content)),
		Digest:      SHA256Digest(content),
		Content:     content,
	}
}

// SHA256Digest formats the sha256 of content as "sha256:<hex>"
func SHA256Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Artifacts is what every channel of one build receives
type Artifacts struct {
	ModuleID string
	Title    string
	Version  string
	// Digest is the bundle content digest, used for logging and run state
	Digest string
	Assets []Asset
}

// SortedAssets returns the assets ordered by name
func (a Artifacts) SortedAssets() []Asset {
	assets := append([]Asset(nil), a.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	return assets
}
