package release

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrReleaseExists is returned when a release exists and updates are disabled
	ErrReleaseExists = errors.New("release already exists and updates are disabled")
	// ErrInvalidTag marks a tag that is not a valid git tag name
	ErrInvalidTag = errors.New("invalid release tag")
	// ErrVersionMismatch marks a versioned tag that does not match the artifacts
	ErrVersionMismatch = errors.New("tag version does not match module version")
	// ErrDuplicateTag marks a second channel targeting an already claimed tag
	ErrDuplicateTag = errors.New("tag targeted by more than one channel")
	// ErrTimeout marks a channel abandoned because the deadline passed
	ErrTimeout = errors.New("reconciliation deadline exceeded")
	// ErrTransient can be wrapped by stores to mark a retryable failure
	ErrTransient = errors.New("transient store failure")
)

// ChannelError is a store failure on one channel
type ChannelError struct {
	Tag string
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("release %s: %s: %v", e.Tag, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PolicyError is a channel rejected before any store call, because its
// tag or version has the wrong shape.
type PolicyError struct {
	Tag string
	Err error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Tag, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: errors wrapping
// ErrTransient, errors whose Transient method returns true, and network
// timeouts. Everything else (auth, validation, not found) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var classified interface{ Transient() bool }
	if errors.As(err, &classified) {
		return classified.Transient()
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ValidateTag applies the git ref name rules that matter for tags
func ValidateTag(tag string) error {
	switch {
	case tag == "":
		return fmt.Errorf("%w: empty", ErrInvalidTag)
	case tag == "@":
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	case strings.HasPrefix(tag, "-"), strings.HasPrefix(tag, "/"), strings.HasSuffix(tag, "/"):
		return fmt.Errorf("%w: %q has a leading dash or a leading/trailing slash", ErrInvalidTag, tag)
	case strings.HasSuffix(tag, "."), strings.HasSuffix(tag, ".lock"):
		return fmt.Errorf("%w: %q has a forbidden suffix", ErrInvalidTag, tag)
	case strings.Contains(tag, ".."), strings.Contains(tag, "@{"), strings.Contains(tag, "//"):
		return fmt.Errorf("%w: %q contains a forbidden sequence", ErrInvalidTag, tag)
	}

	for _, r := range tag {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTag, tag, r)
		}
	}
	for _, component := range strings.Split(tag, "/") {
		if strings.HasPrefix(component, ".") {
			return fmt.Errorf("%w: %q has a component starting with a dot", ErrInvalidTag, tag)
		}
	}
	return nil
}
