package backup

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ZipEntryName is the single entry written into zip artifacts
const ZipEntryName = "backup.json"

// CompressionStats contains statistics about compression operations
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor is one reversible compression strategy
type Compressor interface {
	Compress(data []byte, level int) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() CompressionType
	DefaultLevel() int
	LevelRange() (min, max int)
}

// CompressionManager dispatches to the registered compressors
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a manager with every built-in strategy registered
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}
	cm.Register(noneCompressor{})
	cm.Register(&GzipCompressor{})
	cm.Register(&ZipCompressor{})
	cm.Register(&ZstdCompressor{})
	cm.Register(&LZ4Compressor{})
	return cm
}

// Register adds or replaces a compressor
func (cm *CompressionManager) Register(c Compressor) {
	cm.compressors[c.Algorithm()] = c
}

// Compress compresses data with algorithm. Out-of-range levels fall back to the default.
func (cm *CompressionManager) Compress(data []byte, algorithm CompressionType, level int) ([]byte, *CompressionStats, error) {
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, nil, err
	}

	if lo, hi := compressor.LevelRange(); level < lo || level > hi {
		level = compressor.DefaultLevel()
	}

	start := time.Now()
	out, err := compressor.Compress(data, level)
	if err != nil {
		return nil, nil, err
	}

	return out, &CompressionStats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(out)),
		CompressionRatio: CalculateCompressionRatio(int64(len(data)), int64(len(out))),
		Algorithm:        algorithm,
		Level:            level,
		Duration:         time.Since(start),
	}, nil
}

// Decompress reverses Compress for algorithm
func (cm *CompressionManager) Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	compressor, err := cm.GetCompressor(algorithm)
	if err != nil {
		return nil, err
	}
	return compressor.Decompress(data)
}

// GetCompressor returns a compressor for the specified algorithm
func (cm *CompressionManager) GetCompressor(algorithm CompressionType) (Compressor, error) {
	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}
	return compressor, nil
}

// SupportedAlgorithms returns the registered algorithms in sorted order
func (cm *CompressionManager) SupportedAlgorithms() []CompressionType {
	algorithms := make([]CompressionType, 0, len(cm.compressors))
	for algorithm := range cm.compressors {
		algorithms = append(algorithms, algorithm)
	}
	sort.Slice(algorithms, func(i, j int) bool { return algorithms[i] < algorithms[j] })
	return algorithms
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte, _ int) ([]byte, error) { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error)      { return data, nil }
func (noneCompressor) Algorithm() CompressionType                  { return CompressionTypeNone }
func (noneCompressor) DefaultLevel() int                           { return 0 }
func (noneCompressor) LevelRange() (int, int)                      { return 0, 0 }

// GzipCompressor deflates the whole document as one gzip stream
type GzipCompressor struct{}

func (gc *GzipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, NewCompressionError("failed to create gzip writer", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, NewCompressionError("failed to write data to gzip writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, NewCompressionError("failed to close gzip writer", err)
	}
	return buf.Bytes(), nil
}

func (gc *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, NewCompressionError("failed to create gzip reader", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewCompressionError("failed to decompress gzip data", err)
	}
	return decompressed, nil
}

func (gc *GzipCompressor) Algorithm() CompressionType { return CompressionTypeGzip }
func (gc *GzipCompressor) DefaultLevel() int          { return gzip.DefaultCompression }
func (gc *GzipCompressor) LevelRange() (int, int)     { return gzip.DefaultCompression, gzip.BestCompression }

// ZipCompressor writes a single-entry zip archive. Reading archives back
// is not supported yet.
type ZipCompressor struct{}

func (zc *ZipCompressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	archive := zip.NewWriter(&buf)

	entry, err := archive.CreateHeader(&zip.FileHeader{
		Name:     ZipEntryName,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		archive.Close()
		return nil, NewCompressionError("failed to create zip entry", err)
	}
	if _, err := entry.Write(data); err != nil {
		archive.Close()
		return nil, NewCompressionError("failed to write zip entry", err)
	}
	if err := archive.Close(); err != nil {
		return nil, NewCompressionError("failed to close zip archive", err)
	}
	return buf.Bytes(), nil
}

func (zc *ZipCompressor) Decompress(data []byte) ([]byte, error) {
	return nil, NewNotImplementedError("zip decompression is not implemented").
		WithContext("algorithm", string(CompressionTypeZip))
}

func (zc *ZipCompressor) Algorithm() CompressionType { return CompressionTypeZip }
func (zc *ZipCompressor) DefaultLevel() int          { return 0 }
func (zc *ZipCompressor) LevelRange() (int, int)     { return 0, 0 }

// LZ4Compressor implements LZ4 frame compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, NewCompressionError("failed to set LZ4 compression level", err)
		}
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, NewCompressionError("failed to write data to LZ4 writer", err)
	}
	if err := writer.Close(); err != nil {
		return nil, NewCompressionError("failed to close LZ4 writer", err)
	}
	return buf.Bytes(), nil
}

func (lc *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, NewCompressionError("failed to decompress LZ4 data", err)
	}
	return decompressed, nil
}

func (lc *LZ4Compressor) Algorithm() CompressionType { return CompressionTypeLZ4 }
func (lc *LZ4Compressor) DefaultLevel() int          { return 1 }
func (lc *LZ4Compressor) LevelRange() (int, int)     { return 1, 12 }

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) Compress(data []byte, level int) ([]byte, error) {
	var encoderLevel zstd.EncoderLevel
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, NewCompressionError("failed to create zstd encoder", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (zc *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, NewCompressionError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	decompressed, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, NewCompressionError("failed to decompress zstd data", err)
	}
	return decompressed, nil
}

func (zc *ZstdCompressor) Algorithm() CompressionType { return CompressionTypeZstd }
func (zc *ZstdCompressor) DefaultLevel() int          { return 3 }
func (zc *ZstdCompressor) LevelRange() (int, int)     { return 1, 22 }
