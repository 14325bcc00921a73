package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fly-io/stagehand/pkg/errors"
)

// Verifier checks manifest signatures against a set of trusted ed25519 keys.
// More than one key is accepted so a signing key can be rotated.
type Verifier struct {
	keys          []ed25519.PublicKey
	allowUnsigned bool
}

// NewVerifier parses hex-encoded public keys. With allowUnsigned and no keys
// configured, signature checks are skipped.
func NewVerifier(hexKeys []string, allowUnsigned bool) (*Verifier, error) {
	v := &Verifier{allowUnsigned: allowUnsigned}
	for _, k := range hexKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		raw, err := hex.DecodeString(k)
		if err != nil {
			return nil, errors.Wrap(err, "invalid public key encoding")
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length %d", len(raw))
		}
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}
	return v, nil
}

// VerifySignature checks the manifest signature. Failures match
// ErrVerificationFailed.
func (v *Verifier) VerifySignature(m *Manifest) error {
	if len(v.keys) == 0 {
		if v.allowUnsigned {
			slog.Warn("manifest_signature_skipped", "version", m.Version, "reason", "no_public_keys")
			return nil
		}
		return fmt.Errorf("%w: no trusted public keys configured", errors.ErrVerificationFailed)
	}

	if m.Signature == "" {
		return fmt.Errorf("%w: manifest %s is unsigned", errors.ErrVerificationFailed, m.Version)
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", errors.ErrVerificationFailed)
	}

	payload, err := m.SigningPayload()
	if err != nil {
		return errors.Wrap(err, "failed to encode signing payload")
	}

	for _, key := range v.keys {
		if ed25519.Verify(key, payload, sig) {
			slog.Debug("manifest_signature_verified", "version", m.Version)
			return nil
		}
	}
	slog.Error("manifest_signature_invalid", "version", m.Version)
	return fmt.Errorf("%w: signature does not match any trusted key", errors.ErrVerificationFailed)
}

// VerifyChecksum compares a computed digest with the expected one.
func VerifyChecksum(expected, actual string) error {
	if !strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(actual)) {
		return fmt.Errorf("%w: checksum mismatch: expected %s, got %s", errors.ErrVerificationFailed, expected, actual)
	}
	return nil
}

// FileSHA256 returns the hex digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open artifact")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "failed to hash artifact")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
