// Package manifest parses and verifies release manifests. A manifest is
// untrusted input until both its signature and the artifact checksum it
// names have been verified.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Artifact is one downloadable bundle.
type Artifact struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size,omitempty"`
}

// Manifest describes the latest release on a channel.
type Manifest struct {
	Version             string              `json:"version"`
	Channel             string              `json:"channel"`
	ArtifactURL         string              `json:"artifact_url"`
	SHA256              string              `json:"sha256"`
	MinSupportedVersion string              `json:"min_supported_version,omitempty"`
	ReleaseDate         string              `json:"release_date,omitempty"`
	Changelog           string              `json:"changelog,omitempty"`
	Platforms           map[string]Artifact `json:"platforms,omitempty"`
	Signature           string              `json:"signature"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode manifest"), errors.ErrManifestInvalid)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the fields every manifest must carry.
func (m *Manifest) Validate() error {
	var problems []string

	if _, err := goversion.NewVersion(m.Version); err != nil {
		problems = append(problems, fmt.Sprintf("version %q: %v", m.Version, err))
	}
	if m.Channel == "" {
		problems = append(problems, "channel is required")
	}
	if m.ArtifactURL == "" && len(m.Platforms) == 0 {
		problems = append(problems, "artifact_url or platforms is required")
	}
	if m.ArtifactURL != "" && !isSHA256(m.SHA256) {
		problems = append(problems, fmt.Sprintf("sha256 %q is not a hex digest", m.SHA256))
	}
	if m.MinSupportedVersion != "" {
		if _, err := goversion.NewVersion(m.MinSupportedVersion); err != nil {
			problems = append(problems, fmt.Sprintf("min_supported_version %q: %v", m.MinSupportedVersion, err))
		}
	}
	for platform, a := range m.Platforms {
		if a.URL == "" || !isSHA256(a.SHA256) {
			problems = append(problems, fmt.Sprintf("platform %s: url and sha256 are required", platform))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errors.ErrManifestInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// SigningPayload is the byte sequence the release signature covers: the
// manifest encoded with an empty signature field.
func (m *Manifest) SigningPayload() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	return json.Marshal(&clone)
}

// AppliesTo reports whether the manifest was published for channel.
func (m *Manifest) AppliesTo(channel string) bool {
	return m.Channel == channel
}

// ArtifactFor picks the platform-specific artifact when one is listed and
// falls back to the top-level artifact.
func (m *Manifest) ArtifactFor(goos, goarch string) (Artifact, error) {
	if a, ok := m.Platforms[goos+"-"+goarch]; ok {
		return a, nil
	}
	if m.ArtifactURL == "" {
		return Artifact{}, fmt.Errorf("%w: no artifact for %s-%s", errors.ErrManifestInvalid, goos, goarch)
	}
	return Artifact{URL: m.ArtifactURL, SHA256: m.SHA256}, nil
}

// IsNewerThan reports whether the manifest version is above current.
func (m *Manifest) IsNewerThan(current string) (bool, error) {
	return IsNewer(m.Version, current)
}

// CanUpgradeFrom reports whether current is at or above the manifest's
// minimum supported version.
func (m *Manifest) CanUpgradeFrom(current string) (bool, error) {
	if m.MinSupportedVersion == "" || current == "" {
		return true, nil
	}
	cur, err := goversion.NewVersion(current)
	if err != nil {
		return false, errors.Wrap(err, "invalid current version")
	}
	floor, err := goversion.NewVersion(m.MinSupportedVersion)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "invalid min_supported_version"), errors.ErrManifestInvalid)
	}
	return cur.GreaterThanOrEqual(floor), nil
}

// IsNewer compares two version strings. Any valid candidate is newer than
// an empty current version.
func IsNewer(candidate, current string) (bool, error) {
	c, err := goversion.NewVersion(candidate)
	if err != nil {
		return false, errors.Mark(errors.Wrap(err, "invalid candidate version"), errors.ErrManifestInvalid)
	}
	if current == "" {
		return true, nil
	}
	cur, err := goversion.NewVersion(current)
	if err != nil {
		return false, errors.Wrap(err, "invalid current version")
	}
	return c.GreaterThan(cur), nil
}

func isSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
