package backup

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// ChecksumVerifier computes and checks SHA-256 digests over artifact bytes
type ChecksumVerifier struct{}

// NewChecksumVerifier creates a new checksum verifier
func NewChecksumVerifier() *ChecksumVerifier {
	return &ChecksumVerifier{}
}

// Calculate returns the lowercase hex SHA-256 digest of data
func (v *ChecksumVerifier) Calculate(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Verify reports whether data matches the expected digest
func (v *ChecksumVerifier) Verify(data []byte, expected string) bool {
	actual := v.Calculate(data)
	expected = strings.ToLower(strings.TrimSpace(expected))
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// VerifyOrError returns a corruption error when data does not match expected
func (v *ChecksumVerifier) VerifyOrError(data []byte, expected string) error {
	if expected == "" {
		return NewCorruptionError("backup has no recorded checksum", nil)
	}
	if !v.Verify(data, expected) {
		return NewCorruptionError("checksum mismatch", nil).
			WithContext("expected", expected).
			WithContext("actual", v.Calculate(data))
	}
	return nil
}
