package backup

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastKDF keeps Argon2id cheap in tests
var fastKDF = KDFParams{Time: 1, MemoryKiB: 8 * 1024, Threads: 1}

func TestEncryptionCodec_RoundTrip(t *testing.T) {
	codec := NewEncryptionCodec(fastKDF)
	data := []byte(`{"metadata":{"version":"1.0"},"data":{"audits":[]}}`)

	envelope, stats, err := codec.Encrypt(data, "correct horse")
	require.NoError(t, err)
	require.NotNil(t, stats)

	assert.True(t, IsEnvelope(envelope))
	assert.Equal(t, KDFArgon2id, stats.KeyDerivation)
	assert.Equal(t, int64(len(envelope)), stats.EncryptedSize)
	assert.False(t, bytes.Contains(envelope, data))

	plaintext, err := codec.Decrypt(envelope, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, data, plaintext)
}

func TestEncryptionCodec_FreshSaltAndNonce(t *testing.T) {
	codec := NewEncryptionCodec(fastKDF)
	data := []byte("same plaintext")

	first, _, err := codec.Encrypt(data, "pw")
	require.NoError(t, err)
	second, _, err := codec.Encrypt(data, "pw")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestEncryptionCodec_WrongPassword(t *testing.T) {
	codec := NewEncryptionCodec(fastKDF)

	envelope, _, err := codec.Encrypt([]byte("secret"), "right")
	require.NoError(t, err)

	_, err = codec.Decrypt(envelope, "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncryption))
}

func TestEncryptionCodec_TamperedHeader(t *testing.T) {
	codec := NewEncryptionCodec(fastKDF)

	envelope, _, err := codec.Encrypt([]byte("secret"), "pw")
	require.NoError(t, err)

	// flip one salt byte; the header is authenticated
	tampered := append([]byte(nil), envelope...)
	tampered[envelopeHeaderSize-1] ^= 0xFF

	_, err = codec.Decrypt(tampered, "pw")
	assert.True(t, errors.Is(err, ErrEncryption))
}

func TestEncryptionCodec_DecryptUsesEnvelopeParams(t *testing.T) {
	envelope, _, err := NewEncryptionCodec(fastKDF).Encrypt([]byte("payload"), "pw")
	require.NoError(t, err)

	other := NewEncryptionCodec(KDFParams{Time: 2, MemoryKiB: 16 * 1024, Threads: 2})
	plaintext, err := other.Decrypt(envelope, "pw")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)
}

func TestEncryptionCodec_InvalidInput(t *testing.T) {
	codec := NewEncryptionCodec(fastKDF)

	tests := []struct {
		name     string
		data     []byte
		password string
	}{
		{name: "empty password", data: []byte("CBK1"), password: ""},
		{name: "too short", data: []byte("CBK1"), password: "pw"},
		{name: "bad magic", data: bytes.Repeat([]byte{0x01}, 80), password: "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decrypt(tt.data, tt.password)
			assert.True(t, errors.Is(err, ErrEncryption))
		})
	}

	_, _, err := codec.Encrypt([]byte("x"), "")
	assert.True(t, errors.Is(err, ErrEncryption))
}

func TestChecksumVerifier(t *testing.T) {
	v := NewChecksumVerifier()
	data := []byte("artifact bytes")

	sum := v.Calculate(data)
	assert.Len(t, sum, 64)
	assert.True(t, v.Verify(data, sum))
	assert.True(t, v.Verify(data, " "+string(bytes.ToUpper([]byte(sum)))+" "))
	assert.False(t, v.Verify([]byte("other"), sum))

	assert.NoError(t, v.VerifyOrError(data, sum))
	assert.True(t, errors.Is(v.VerifyOrError([]byte("other"), sum), ErrCorruption))
	assert.True(t, errors.Is(v.VerifyOrError(data, ""), ErrCorruption))
}
