package manifest

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// DefaultTagPrefix is the prefix release tags carry in front of the version
const DefaultTagPrefix = "v"

// NormalizeVersion strips a leading "v" or "V" and checks that what
// remains is a semver-like version. Short forms such as "1.2" are
// accepted and kept as written.
func NormalizeVersion(version string) (string, error) {
	v := strings.TrimSpace(version)
	if hasVersionPrefix(v) {
		v = v[1:]
	}
	if v == "" {
		return "", fmt.Errorf("%w: version must not be empty", ErrInvalidVersion)
	}
	if hasVersionPrefix(v) {
		return "", fmt.Errorf("%w: %q has more than one leading \"v\"", ErrInvalidVersion, version)
	}
	if _, err := semver.NewVersion(v); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	return v, nil
}

// ExtractVersionFromTag returns the version encoded in a tag that uses
// DefaultTagPrefix, e.g. "v1.2.0" -> "1.2.0".
func ExtractVersionFromTag(tag string) (string, error) {
	return ExtractVersionWithPrefix(tag, DefaultTagPrefix)
}

// ExtractVersionWithPrefix returns the version encoded in tag. Fully
// qualified refs ("refs/tags/v1.2.0") are accepted.
func ExtractVersionWithPrefix(tag, prefix string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(tag), "refs/tags/")
	if name == "" {
		return "", fmt.Errorf("%w: empty tag", ErrInvalidTag)
	}
	if !strings.HasPrefix(name, prefix) {
		return "", fmt.Errorf("%w: %q does not start with %q", ErrInvalidTag, tag, prefix)
	}

	version := strings.TrimPrefix(name, prefix)
	if version == "" {
		return "", fmt.Errorf("%w: %q has no version after the prefix", ErrInvalidTag, tag)
	}
	// semver itself accepts a leading "v", which would end up stored
	if hasVersionPrefix(version) {
		return "", fmt.Errorf("%w: %q has a \"v\" after the prefix", ErrInvalidTag, tag)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidTag, tag, err)
	}
	return version, nil
}

func hasVersionPrefix(v string) bool {
	return strings.HasPrefix(v, "v") || strings.HasPrefix(v, "V")
}

// IsAdvance reports whether next is strictly greater than prev. Versions
// that do not parse are never an advance.
func IsAdvance(prev, next string) bool {
	p, err := semver.NewVersion(prev)
	if err != nil {
		return false
	}
	n, err := semver.NewVersion(next)
	if err != nil {
		return false
	}
	return n.GreaterThan(p)
}
