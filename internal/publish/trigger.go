package publish

import (
	"strings"

	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/manifest"
	"github.com/schaermu/vttrelease/internal/release"
)

// Trigger is the event a release run answers to
type Trigger struct {
	// Ref is the fully qualified ref, empty when unknown
	Ref    string
	Tag    string
	Branch string
	Commit string
	// Stable gates the latest channel
	Stable   bool
	Channels []release.Channel
}

// TriggerFromRef maps a git ref to the channels it releases.
//
// A version tag ("v1.2.0") releases its own versioned channel and, when
// release.latest_on_tag is set, the latest channel. Other tags release
// nothing. A branch releases the latest channel, which only transitions
// when the branch is one of release.stable_branches. Unqualified names
// are treated as tags when they parse as a version tag.
func TriggerFromRef(cfg *config.Config, ref string) Trigger {
	ref = strings.TrimSpace(ref)
	t := Trigger{Ref: ref}

	switch {
	case ref == "":
		return t
	case strings.HasPrefix(ref, "refs/tags/"):
		t.Tag = strings.TrimPrefix(ref, "refs/tags/")
	case strings.HasPrefix(ref, "refs/heads/"):
		t.Branch = strings.TrimPrefix(ref, "refs/heads/")
	default:
		if _, err := manifest.ExtractVersionWithPrefix(ref, cfg.Versioning.TagPrefix); err == nil {
			t.Tag = ref
			t.Ref = "refs/tags/" + ref
		} else {
			t.Branch = ref
			t.Ref = "refs/heads/" + ref
		}
	}

	if t.Tag != "" {
		if _, err := manifest.ExtractVersionWithPrefix(t.Tag, cfg.Versioning.TagPrefix); err != nil {
			return t
		}
		t.Stable = cfg.LatestOnTag()
		t.Channels = []release.Channel{release.Versioned(t.Tag), release.Latest()}
		return t
	}

	t.Stable = cfg.IsStableBranch(t.Branch)
	t.Channels = []release.Channel{release.Latest()}
	return t
}

// IsVersionTag reports whether the trigger is a tag carrying a version
func (t Trigger) IsVersionTag() bool {
	return t.Tag != "" && len(t.Channels) > 0
}
