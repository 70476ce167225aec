package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/schaermu/vttrelease/internal/release"
)

var (
	_ release.Store     = (*Client)(nil)
	_ release.Publisher = (*Client)(nil)
)

// stagingPrefix marks assets uploaded but not yet swapped into place
const stagingPrefix = "vttrelease-staging."

type wireRelease struct {
	ID         int64       `json:"id"`
	TagName    string      `json:"tag_name"`
	Name       string      `json:"name"`
	Draft      bool        `json:"draft"`
	Prerelease bool        `json:"prerelease"`
	HTMLURL    string      `json:"html_url"`
	UploadURL  string      `json:"upload_url"`
	Assets     []wireAsset `json:"assets"`
}

type wireAsset struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest"`
}

func (r *wireRelease) record() *release.Record {
	rec := &release.Record{
		ID:         r.ID,
		Tag:        r.TagName,
		Name:       r.Name,
		Draft:      r.Draft,
		Prerelease: r.Prerelease,
		URL:        r.HTMLURL,
	}
	for _, a := range r.Assets {
		if strings.HasPrefix(a.Name, stagingPrefix) {
			continue
		}
		rec.Assets = append(rec.Assets, a.asset())
	}
	return rec
}

func (a wireAsset) asset() release.Asset {
	return release.Asset{
		ID:          a.ID,
		Name:        a.Name,
		ContentType: a.ContentType,
		Size:        a.Size,
		Digest:      a.Digest,
	}
}

// FindRelease looks the tag up, falling back to listing releases because
// the by-tag endpoint does not return drafts.
func (c *Client) FindRelease(ctx context.Context, tag string) (*release.Record, error) {
	rel, err := c.findRelease(ctx, tag)
	if err != nil || rel == nil {
		return nil, err
	}
	return rel.record(), nil
}

func (c *Client) findRelease(ctx context.Context, tag string) (*wireRelease, error) {
	var rel wireRelease
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.repoPath("/releases/tags/%s", url.PathEscape(tag)),
	}, &rel)
	if err == nil {
		return &rel, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	next := c.repoPath("/releases?per_page=100")
	for next != "" {
		var page []wireRelease
		header, err := c.do(ctx, request{method: http.MethodGet, url: next}, &page)
		if err != nil {
			return nil, err
		}
		for i := range page {
			if page[i].TagName == tag {
				return &page[i], nil
			}
		}
		next = parseLinkNext(header.Get("Link"))
	}
	return nil, nil
}

func (c *Client) getRelease(ctx context.Context, id int64) (*wireRelease, error) {
	var rel wireRelease
	if _, err := c.do(ctx, request{method: http.MethodGet, url: c.repoPath("/releases/%d", id)}, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// CreateRelease creates a release for spec.Tag. GitHub creates the tag
// from the default branch if it does not exist yet.
func (c *Client) CreateRelease(ctx context.Context, spec release.ReleaseSpec) (*release.Record, error) {
	body := map[string]any{
		"tag_name":   spec.Tag,
		"name":       spec.Name,
		"body":       spec.Body,
		"draft":      spec.Draft,
		"prerelease": spec.Prerelease,
	}

	var rel wireRelease
	if _, err := c.do(ctx, request{method: http.MethodPost, url: c.repoPath("/releases"), jsonBody: body}, &rel); err != nil {
		return nil, err
	}
	c.logger.Debug("created github release", "tag", spec.Tag, "id", rel.ID, "draft", rel.Draft)
	return rel.record(), nil
}

// PublishRelease flips a draft release to published
func (c *Client) PublishRelease(ctx context.Context, rec *release.Record) (*release.Record, error) {
	var rel wireRelease
	_, err := c.do(ctx, request{
		method:   http.MethodPatch,
		url:      c.repoPath("/releases/%d", rec.ID),
		jsonBody: map[string]any{"draft": false},
	}, &rel)
	if err != nil {
		return nil, err
	}
	return rel.record(), nil
}

// UpsertAssets uploads every asset whose digest differs from the one on
// the release. All changed assets are uploaded under staging names first;
// only when every upload succeeded are the old assets deleted and the
// staged ones renamed. A failed upload removes the staged assets and
// leaves the release as it was.
//
// The swap itself is one delete and one rename per asset, and the API has
// no way to group them. If it fails part way, earlier assets are already
// replaced and the release mixes old and new assets until the next run
// uploads the rest and removes leftover staged assets.
func (c *Client) UpsertAssets(ctx context.Context, rec *release.Record, assets []release.Asset) (*release.Record, error) {
	rel, err := c.getRelease(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]wireAsset, len(rel.Assets))
	for _, a := range rel.Assets {
		if strings.HasPrefix(a.Name, stagingPrefix) {
			// left behind by an interrupted run
			c.logger.Info("removing stale staged asset", "tag", rel.TagName, "asset", a.Name)
			if err := c.deleteAsset(ctx, a.ID); err != nil && !IsNotFound(err) {
				return nil, err
			}
			continue
		}
		existing[a.Name] = a
	}

	type swap struct {
		staged wireAsset
		old    *wireAsset
		name   string
	}
	var swaps []swap

	rollback := func() {
		for _, s := range swaps {
			if err := c.deleteAsset(context.WithoutCancel(ctx), s.staged.ID); err != nil {
				c.logger.Warn("failed to remove staged asset", "asset", s.staged.Name, "error", err)
			}
		}
	}

	for _, a := range assets {
		prev, ok := existing[a.Name]
		if ok && prev.Digest != "" && prev.Digest == a.Digest {
			c.logger.Debug("asset unchanged, skipping upload", "tag", rel.TagName, "asset", a.Name)
			continue
		}

		staged, err := c.uploadAsset(ctx, rel.UploadURL, stagingName(a), a)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("upload %s: %w", a.Name, err)
		}

		s := swap{staged: *staged, name: a.Name}
		if ok {
			old := prev
			s.old = &old
		}
		swaps = append(swaps, s)
	}

	for _, s := range swaps {
		if s.old != nil {
			if err := c.deleteAsset(ctx, s.old.ID); err != nil && !IsNotFound(err) {
				return nil, fmt.Errorf("replace %s: %w", s.name, err)
			}
		}
		if err := c.renameAsset(ctx, s.staged.ID, s.name); err != nil {
			return nil, fmt.Errorf("rename %s: %w", s.name, err)
		}
	}

	updated, err := c.getRelease(ctx, rel.ID)
	if err != nil {
		return nil, err
	}
	return updated.record(), nil
}

func stagingName(a release.Asset) string {
	digest := strings.TrimPrefix(a.Digest, "sha256:")
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return stagingPrefix + digest + "." + a.Name
}

func (c *Client) uploadAsset(ctx context.Context, uploadURL, name string, a release.Asset) (*wireAsset, error) {
	// upload_url is a URI template: ".../assets{?name,label}"
	if i := strings.Index(uploadURL, "{"); i >= 0 {
		uploadURL = uploadURL[:i]
	}
	if uploadURL == "" {
		return nil, fmt.Errorf("github: release has no upload URL")
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	content := a.Content
	if content == nil {
		content = []byte{}
	}

	var out wireAsset
	_, err := c.do(ctx, request{
		method:      http.MethodPost,
		url:         uploadURL + "?name=" + url.QueryEscape(name),
		rawBody:     content,
		contentType: contentType,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) renameAsset(ctx context.Context, id int64, name string) error {
	_, err := c.do(ctx, request{
		method:   http.MethodPatch,
		url:      c.repoPath("/releases/assets/%d", id),
		jsonBody: map[string]any{"name": name},
	}, nil)
	return err
}

func (c *Client) deleteAsset(ctx context.Context, id int64) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, url: c.repoPath("/releases/assets/%d", id)}, nil)
	return err
}
