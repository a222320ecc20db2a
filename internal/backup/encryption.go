package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	envelopeMagic   = "CBK1"
	envelopeVersion = 1
	saltSize        = 16
	keySize         = 32
	// magic | version | time | memory | threads | salt | nonce
	envelopeHeaderSize = len(envelopeMagic) + 1 + 4 + 4 + 1 + saltSize

	// KDFArgon2id identifies the key derivation recorded on encrypted backups
	KDFArgon2id = "argon2id"
)

// KDFParams tunes Argon2id key derivation
type KDFParams struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultKDFParams follows the RFC 9106 second recommended option
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// EncryptionStats contains statistics about encryption operations
type EncryptionStats struct {
	OriginalSize  int64         `json:"original_size"`
	EncryptedSize int64         `json:"encrypted_size"`
	Algorithm     string        `json:"algorithm"`
	KeyDerivation string        `json:"key_derivation"`
	Duration      time.Duration `json:"duration"`
}

// EncryptionCodec is a password-based AES-256-GCM transform. Each call to
// Encrypt draws a fresh salt and nonce; the header carrying them is
// authenticated as additional data.
type EncryptionCodec struct {
	params KDFParams
	random io.Reader
}

// NewEncryptionCodec creates a codec with the given KDF parameters
func NewEncryptionCodec(params KDFParams) *EncryptionCodec {
	if params.Time == 0 {
		params.Time = DefaultKDFParams().Time
	}
	if params.MemoryKiB == 0 {
		params.MemoryKiB = DefaultKDFParams().MemoryKiB
	}
	if params.Threads == 0 {
		params.Threads = DefaultKDFParams().Threads
	}
	return &EncryptionCodec{params: params, random: rand.Reader}
}

// Encrypt seals data under a key derived from password
func (ec *EncryptionCodec) Encrypt(data []byte, password string) ([]byte, *EncryptionStats, error) {
	if password == "" {
		return nil, nil, NewEncryptionError("encryption password is required", nil)
	}
	start := time.Now()

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(ec.random, salt); err != nil {
		return nil, nil, NewEncryptionError("failed to generate salt", err)
	}

	header := ec.encodeHeader(ec.params, salt)
	gcm, err := newGCM(deriveKey(password, salt, ec.params))
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(ec.random, nonce); err != nil {
		return nil, nil, NewEncryptionError("failed to generate nonce", err)
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, data, header)

	return out, &EncryptionStats{
		OriginalSize:  int64(len(data)),
		EncryptedSize: int64(len(out)),
		Algorithm:     "AES-256-GCM",
		KeyDerivation: KDFArgon2id,
		Duration:      time.Since(start),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt. KDF parameters are read
// from the envelope, not from the codec.
func (ec *EncryptionCodec) Decrypt(envelope []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, NewEncryptionError("decryption password is required", nil)
	}

	params, salt, err := decodeHeader(envelope)
	if err != nil {
		return nil, err
	}
	header := envelope[:envelopeHeaderSize]

	gcm, err := newGCM(deriveKey(password, salt, params))
	if err != nil {
		return nil, err
	}

	rest := envelope[envelopeHeaderSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, NewEncryptionError("failed to decrypt data: wrong password or tampered artifact", err)
	}
	return plaintext, nil
}

// IsEnvelope reports whether data starts with the envelope magic
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(data, []byte(envelopeMagic))
}

func (ec *EncryptionCodec) encodeHeader(p KDFParams, salt []byte) []byte {
	h := make([]byte, 0, envelopeHeaderSize)
	h = append(h, envelopeMagic...)
	h = append(h, envelopeVersion)
	h = binary.BigEndian.AppendUint32(h, p.Time)
	h = binary.BigEndian.AppendUint32(h, p.MemoryKiB)
	h = append(h, p.Threads)
	h = append(h, salt...)
	return h
}

func decodeHeader(envelope []byte) (KDFParams, []byte, error) {
	if len(envelope) < envelopeHeaderSize {
		return KDFParams{}, nil, NewEncryptionError("encrypted data too short", nil)
	}
	if !IsEnvelope(envelope) {
		return KDFParams{}, nil, NewEncryptionError("not an encrypted backup artifact", nil)
	}

	off := len(envelopeMagic)
	if v := envelope[off]; v != envelopeVersion {
		return KDFParams{}, nil, NewEncryptionError("unsupported envelope version", nil).WithContext("version", v)
	}
	off++

	p := KDFParams{
		Time:      binary.BigEndian.Uint32(envelope[off:]),
		MemoryKiB: binary.BigEndian.Uint32(envelope[off+4:]),
		Threads:   envelope[off+8],
	}
	off += 9
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 || p.MemoryKiB > 4*1024*1024 {
		return KDFParams{}, nil, NewEncryptionError("invalid key derivation parameters", nil)
	}
	return p, envelope[off : off+saltSize], nil
}

func deriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}
