package manifest

import (
	"errors"
	"testing"
)

func TestExtractVersionFromTag(t *testing.T) {
	tests := []struct {
		tag     string
		want    string
		wantErr bool
	}{
		{tag: "v1.2.0", want: "1.2.0"},
		{tag: "refs/tags/v1.2.0", want: "1.2.0"},
		{tag: "v2.0.0-beta.1", want: "2.0.0-beta.1"},
		{tag: "v1.0", want: "1.0"},
		{tag: "1.2.0", wantErr: true},
		{tag: "v", wantErr: true},
		{tag: "", wantErr: true},
		{tag: "vnext", wantErr: true},
		{tag: "release-1.2.0", wantErr: true},
		{tag: "vv1.2.0", wantErr: true},
		{tag: "refs/tags/vV1.2.0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ExtractVersionFromTag(tt.tag)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTag) {
					t.Errorf("expected ErrInvalidTag, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExtractVersionMatchesManifest(t *testing.T) {
	m, err := Parse([]byte(`{"id": "my-module", "version": "1.2.0"}`), FormatJSON)
	if err != nil {
		t.Fatal(err)
	}

	version, err := ExtractVersionFromTag("v1.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if version != m.Version {
		t.Errorf("tag version %s does not equal manifest version %s", version, m.Version)
	}
}

func TestExtractVersionWithPrefix(t *testing.T) {
	got, err := ExtractVersionWithPrefix("release-3.1.4", "release-")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3.1.4" {
		t.Errorf("expected 3.1.4, got %s", got)
	}
}

func TestNormalizeVersion(t *testing.T) {
	for in, want := range map[string]string{
		"1.2.3":  "1.2.3",
		"v1.2.3": "1.2.3",
		"V1.2.3": "1.2.3",
		" 1.2 ":  "1.2",
	} {
		got, err := NormalizeVersion(in)
		if err != nil {
			t.Errorf("NormalizeVersion(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeVersion_Invalid(t *testing.T) {
	for _, in := range []string{"", "  ", "v", "vv1.0.0", "Vv1.0.0", "vV1.0.0", "next", "1.x"} {
		got, err := NormalizeVersion(in)
		if !errors.Is(err, ErrInvalidVersion) {
			t.Errorf("NormalizeVersion(%q) = %q, %v; want ErrInvalidVersion", in, got, err)
		}
	}
}

func TestIsAdvance(t *testing.T) {
	tests := []struct {
		prev, next string
		want       bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.0", "1.0.0", false},
		{"1.2.0", "1.1.9", false},
		{"1.0.0-beta", "1.0.0", true},
		{"garbage", "1.0.0", false},
	}
	for _, tt := range tests {
		if got := IsAdvance(tt.prev, tt.next); got != tt.want {
			t.Errorf("IsAdvance(%s, %s) = %v, want %v", tt.prev, tt.next, got, tt.want)
		}
	}
}
