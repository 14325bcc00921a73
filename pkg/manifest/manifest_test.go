package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/stagehand/pkg/errors"
)

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sample() *Manifest {
	return &Manifest{
		Version:             "1.3.0",
		Channel:             "stable",
		ArtifactURL:         "https://releases.example.com/app-1.3.0.tar.gz",
		SHA256:              digest("bundle"),
		MinSupportedVersion: "1.0.0",
		Changelog:           "https://releases.example.com/1.3.0.md",
	}
}

func sign(t *testing.T, m *Manifest, priv ed25519.PrivateKey) {
	t.Helper()
	payload, err := m.SigningPayload()
	require.NoError(t, err)
	m.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
}

func TestParse(t *testing.T) {
	data, err := json.Marshal(sample())
	require.NoError(t, err)

	m, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", m.Version)
	assert.True(t, m.AppliesTo("stable"))
	assert.False(t, m.AppliesTo("beta"))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", "<html>"},
		{"missing version", `{"channel":"stable","artifact_url":"x","sha256":"` + digest("a") + `"}`},
		{"bad version", `{"version":"one","channel":"stable","artifact_url":"x","sha256":"` + digest("a") + `"}`},
		{"missing channel", `{"version":"1.0.0","artifact_url":"x","sha256":"` + digest("a") + `"}`},
		{"missing artifact", `{"version":"1.0.0","channel":"stable"}`},
		{"bad digest", `{"version":"1.0.0","channel":"stable","artifact_url":"x","sha256":"abc"}`},
		{"bad min version", `{"version":"1.0.0","channel":"stable","artifact_url":"x","sha256":"` + digest("a") + `","min_supported_version":"?"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrManifestInvalid), "got %v", err)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v, err := NewVerifier([]string{hex.EncodeToString(otherPub), hex.EncodeToString(pub)}, false)
	require.NoError(t, err)

	m := sample()
	sign(t, m, priv)
	require.NoError(t, v.VerifySignature(m))

	t.Run("tampered", func(t *testing.T) {
		tampered := *m
		tampered.ArtifactURL = "https://evil.example.com/app.tar.gz"
		err := v.VerifySignature(&tampered)
		assert.True(t, errors.Is(err, errors.ErrVerificationFailed))
	})

	t.Run("unsigned", func(t *testing.T) {
		unsigned := *m
		unsigned.Signature = ""
		err := v.VerifySignature(&unsigned)
		assert.True(t, errors.Is(err, errors.ErrVerificationFailed))
	})

	t.Run("malformed", func(t *testing.T) {
		bad := *m
		bad.Signature = "zz"
		err := v.VerifySignature(&bad)
		assert.True(t, errors.Is(err, errors.ErrVerificationFailed))
	})

	t.Run("signature survives a round trip", func(t *testing.T) {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		parsed, err := Parse(data)
		require.NoError(t, err)
		assert.NoError(t, v.VerifySignature(parsed))
	})
}

func TestVerifier_NoKeys(t *testing.T) {
	strict, err := NewVerifier(nil, false)
	require.NoError(t, err)
	assert.True(t, errors.Is(strict.VerifySignature(sample()), errors.ErrVerificationFailed))

	lax, err := NewVerifier([]string{" "}, true)
	require.NoError(t, err)
	assert.NoError(t, lax.VerifySignature(sample()))
}

func TestNewVerifier_BadKeys(t *testing.T) {
	_, err := NewVerifier([]string{"not-hex"}, false)
	assert.Error(t, err)
	_, err = NewVerifier([]string{"abcd"}, false)
	assert.Error(t, err)
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, []byte("bundle"), 0644))

	sum, err := FileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, digest("bundle"), sum)

	assert.NoError(t, VerifyChecksum(sample().SHA256, sum))
	assert.NoError(t, VerifyChecksum(sample().SHA256, "  "+sum))
	err = VerifyChecksum(digest("other"), sum)
	assert.True(t, errors.Is(err, errors.ErrVerificationFailed))
}

func TestVersionComparisons(t *testing.T) {
	m := sample()

	tests := []struct {
		current    string
		newer      bool
		upgradable bool
	}{
		{"1.2.9", true, true},
		{"1.3.0", false, true},
		{"1.10.0", false, true},
		{"0.9.0", true, false},
		{"1.0.0", true, true},
	}
	for _, tt := range tests {
		newer, err := m.IsNewerThan(tt.current)
		require.NoError(t, err)
		assert.Equal(t, tt.newer, newer, tt.current)

		ok, err := m.CanUpgradeFrom(tt.current)
		require.NoError(t, err)
		assert.Equal(t, tt.upgradable, ok, tt.current)
	}

	newer, err := IsNewer("2.0.0-beta.1", "1.9.0")
	require.NoError(t, err)
	assert.True(t, newer)

	_, err = IsNewer("garbage", "1.0.0")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid))
}

func TestArtifactFor(t *testing.T) {
	m := sample()
	m.Platforms = map[string]Artifact{
		"linux-arm64": {URL: "https://releases.example.com/app-arm64.tar.gz", SHA256: digest("arm")},
	}

	a, err := m.ArtifactFor("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, digest("arm"), a.SHA256)

	a, err = m.ArtifactFor("linux", "amd64")
	require.NoError(t, err)
	assert.Equal(t, m.ArtifactURL, a.URL)

	m.ArtifactURL = ""
	_, err = m.ArtifactFor("darwin", "arm64")
	assert.True(t, errors.Is(err, errors.ErrManifestInvalid))
}
