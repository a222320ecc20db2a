package backup

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionManager_SupportedAlgorithms(t *testing.T) {
	cm := NewCompressionManager()

	assert.ElementsMatch(t, []CompressionType{
		CompressionTypeNone,
		CompressionTypeGzip,
		CompressionTypeZip,
		CompressionTypeZstd,
		CompressionTypeLZ4,
	}, cm.SupportedAlgorithms())
}

func TestCompressionManager_RoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	data := []byte(strings.Repeat(`{"id":"a1","status":"OPEN","factory":"f-01"}`, 200))

	for _, algorithm := range []CompressionType{CompressionTypeNone, CompressionTypeGzip, CompressionTypeZstd, CompressionTypeLZ4} {
		t.Run(string(algorithm), func(t *testing.T) {
			compressed, stats, err := cm.Compress(data, algorithm, -100)
			require.NoError(t, err)
			require.NotNil(t, stats)

			assert.Equal(t, algorithm, stats.Algorithm)
			assert.Equal(t, int64(len(data)), stats.OriginalSize)
			assert.Equal(t, int64(len(compressed)), stats.CompressedSize)
			if algorithm != CompressionTypeNone {
				assert.Less(t, len(compressed), len(data))
			}

			decompressed, err := cm.Decompress(compressed, algorithm)
			require.NoError(t, err)
			assert.Equal(t, data, decompressed)
		})
	}
}

func TestCompressionManager_RandomAndEmptyData(t *testing.T) {
	cm := NewCompressionManager()

	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	cases := map[CompressionType][][]byte{
		CompressionTypeGzip: {random, {}},
		CompressionTypeLZ4:  {random, {}},
		CompressionTypeZstd: {random},
	}
	for algorithm, inputs := range cases {
		for _, data := range inputs {
			compressed, _, err := cm.Compress(data, algorithm, 0)
			require.NoError(t, err, algorithm)

			decompressed, err := cm.Decompress(compressed, algorithm)
			require.NoError(t, err, algorithm)
			assert.True(t, bytes.Equal(data, decompressed), algorithm)
		}
	}
}

func TestCompressionManager_Unsupported(t *testing.T) {
	cm := NewCompressionManager()

	_, _, err := cm.Compress([]byte("x"), "brotli", 0)
	assert.Error(t, err)

	_, err = cm.Decompress([]byte("x"), "brotli")
	assert.Error(t, err)
}

func TestZipCompressor_WritesSingleEntry(t *testing.T) {
	cm := NewCompressionManager()
	data := []byte(`{"metadata":{"version":"1.0"}}`)

	compressed, _, err := cm.Compress(data, CompressionTypeZip, 0)
	require.NoError(t, err)

	reader, err := zip.NewReader(bytes.NewReader(compressed), int64(len(compressed)))
	require.NoError(t, err)
	require.Len(t, reader.File, 1)
	assert.Equal(t, ZipEntryName, reader.File[0].Name)
}

func TestZipCompressor_DecompressNotImplemented(t *testing.T) {
	cm := NewCompressionManager()

	compressed, _, err := cm.Compress([]byte("{}"), CompressionTypeZip, 0)
	require.NoError(t, err)

	_, err = cm.Decompress(compressed, CompressionTypeZip)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestCompressionManager_LevelFallback(t *testing.T) {
	cm := NewCompressionManager()

	_, stats, err := cm.Compress([]byte("level test"), CompressionTypeZstd, 99)
	require.NoError(t, err)
	assert.Equal(t, (&ZstdCompressor{}).DefaultLevel(), stats.Level)

	_, stats, err = cm.Compress([]byte("level test"), CompressionTypeLZ4, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Level)
}

func TestCalculateCompressionRatio(t *testing.T) {
	assert.Equal(t, 1.0, CalculateCompressionRatio(0, 0))
	assert.Equal(t, 0.5, CalculateCompressionRatio(100, 50))
}

func TestGzipCompressor_CorruptInput(t *testing.T) {
	_, err := (&GzipCompressor{}).Decompress([]byte("not gzip"))
	assert.Error(t, err)
}
