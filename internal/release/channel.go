package release

import (
	"fmt"
	"strings"
)

// ChannelKind distinguishes the rolling latest release from versioned ones
type ChannelKind int

const (
	KindLatest ChannelKind = iota
	KindVersioned
)

// Channel is a release target with its own lifecycle
type Channel struct {
	Kind ChannelKind
	// Tag is the release tag of a versioned channel. Empty means the tag
	// is derived from the artifacts' version.
	Tag string
}

// Latest returns the rolling "latest" channel
func Latest() Channel {
	return Channel{Kind: KindLatest}
}

// Versioned returns the channel for a fixed release tag
func Versioned(tag string) Channel {
	return Channel{Kind: KindVersioned, Tag: tag}
}

// VersionKeyword selects a versioned channel whose tag comes from the
// manifest version.
const VersionKeyword = "version"

// ParseChannel parses a CLI channel argument: "latest", "version", or a tag
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return Channel{}, fmt.Errorf("empty channel")
	case "latest":
		return Latest(), nil
	case VersionKeyword:
		return Versioned(""), nil
	default:
		return Versioned(strings.TrimPrefix(s, "refs/tags/")), nil
	}
}

func (c Channel) String() string {
	switch {
	case c.Kind == KindLatest:
		return "latest"
	case c.Tag == "":
		return VersionKeyword
	default:
		return c.Tag
	}
}

// State is the outcome of reconciling one channel
type State string

const (
	// StateCreated means no release existed and one was created
	StateCreated State = "created"
	// StateUpdated means an existing release had its assets replaced
	StateUpdated State = "updated"
	// StateSkipped means the channel's policy predicate was false
	StateSkipped State = "skipped"
	// StateFailed means the channel hit a policy or store error
	StateFailed State = "error"
	// StateTimeout means the overall deadline passed before the channel finished
	StateTimeout State = "timeout"
)

// Result reports what happened to one channel
type Result struct {
	Channel Channel
	Tag     string
	State   State
	Record  *Record
	Err     error
	// Planned is set on results of a dry run; no store mutation happened
	Planned bool
}

// Failed reports whether the channel did not reach its target state
func (r Result) Failed() bool {
	return r.State == StateFailed || r.State == StateTimeout
}

// AnyFailed reports whether at least one result failed
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Failed() {
			return true
		}
	}
	return false
}
