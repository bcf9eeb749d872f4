package registration

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image/png"
	"io"
)

// DecodeFrame decodes a frame payload in any of the supported formats:
//   - PCD document (ascii, binary or binary_compressed)
//   - PNG depth image, back-projected with the depth settings of cfg
//   - zlib-compressed PCD
func DecodeFrame(data []byte, cfg *Config) (PointCloud, error) {
	if len(data) == 0 {
		return PointCloud{}, fmt.Errorf("empty frame payload")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch {
	case IsPNG(data):
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return PointCloud{}, fmt.Errorf("decoding depth image: %w", err)
		}
		b := img.Bounds()
		return DepthImageToCloud(img, cfg.Intrinsics(b.Dx(), b.Dy()), cfg.Depth.Scale, cfg.Depth.Stride), nil
	case IsPCD(data):
		return ReadPCD(bytes.NewReader(data))
	}

	inflated, err := inflateZlib(data)
	if err != nil {
		return PointCloud{}, fmt.Errorf("unknown format: not PCD, PNG, or zlib-compressed PCD")
	}
	if !IsPCD(inflated) {
		return PointCloud{}, fmt.Errorf("zlib payload is not a PCD document")
	}
	return ReadPCD(bytes.NewReader(inflated))
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// IsPCD checks if data starts like a PCD header: a comment line, the
// VERSION or FIELDS entry, or a FIELDS line within the first kilobyte
func IsPCD(data []byte) bool {
	data = bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(data, []byte("#")) || bytes.HasPrefix(data, []byte("VERSION")) || bytes.HasPrefix(data, []byte("FIELDS")) {
		return true
	}
	return bytes.Contains(data[:min(len(data), 1024)], []byte("\nFIELDS "))
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}
