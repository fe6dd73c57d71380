package compression

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// TwoDimensionalIndexCount is the number of block columns in a 2D chunk (16x16).
const TwoDimensionalIndexCount = 256

// TwoDimensionalIndices is the static index list shared by every 2D chunk.
var TwoDimensionalIndices = IndexSequence(TwoDimensionalIndexCount)

// CompressedTwoDimensionalIndices is TwoDimensionalIndices as stored in a snapshot.
var CompressedTwoDimensionalIndices = CompressText(TwoDimensionalIndices)

// CompressText gzips the UTF-8 bytes of input and returns them base64 encoded.
// Empty input is returned as is. If compression fails the original input is
// returned unchanged.
func CompressText(input string) string {
	if input == "" {
		return input
	}
	encoded, err := gzipBase64([]byte(input))
	if err != nil {
		return input
	}
	return encoded
}

// CompressBytes is CompressText for raw payloads such as height maps. On
// failure it falls back to reading the bytes as text.
func CompressBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	encoded, err := gzipBase64(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return encoded
}

// DecompressText reverses CompressText. Empty input decodes to empty output.
func DecompressText(encoded string) (string, error) {
	data, err := DecompressBytes(encoded)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecompressBytes decodes base64 and gunzips the result.
func DecompressBytes(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 payload: %w", err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip payload: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate gzip payload: %w", err)
	}
	return data, nil
}

// IndexSequence returns "0,1,...,count-1". A non-positive count yields "".
func IndexSequence(count int) string {
	if count <= 0 {
		return ""
	}
	var b strings.Builder
	// Roughly 4 bytes per index for the sizes we use.
	b.Grow(count * 4)
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(i))
	}
	return b.String()
}

func gzipBase64(data []byte) (string, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
