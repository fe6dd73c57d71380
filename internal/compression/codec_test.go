package compression

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestCompressText_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"single character", "a"},
		{"block list", "stone,stone,dirt,grass,water"},
		{"unicode", "höhe: 64 – ☃"},
		{"long repetitive", strings.Repeat("minecraft:air,", 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compressed := CompressText(tt.input)
			if compressed == tt.input {
				t.Fatalf("CompressText returned the input unchanged")
			}
			if _, err := base64.StdEncoding.DecodeString(compressed); err != nil {
				t.Fatalf("compressed output is not base64: %v", err)
			}

			decompressed, err := DecompressText(compressed)
			if err != nil {
				t.Fatalf("DecompressText failed: %v", err)
			}
			if decompressed != tt.input {
				t.Errorf("round trip mismatch: got %q, want %q", decompressed, tt.input)
			}
		})
	}
}

func TestCompressText_Empty(t *testing.T) {
	if got := CompressText(""); got != "" {
		t.Errorf("CompressText(\"\") = %q, want empty string", got)
	}
	if got := CompressBytes(nil); got != "" {
		t.Errorf("CompressBytes(nil) = %q, want empty string", got)
	}
	if got := CompressBytes([]byte{}); got != "" {
		t.Errorf("CompressBytes([]) = %q, want empty string", got)
	}
}

func TestCompressText_Deterministic(t *testing.T) {
	input := strings.Repeat("64,65,66,", 256)
	first := CompressText(input)
	second := CompressText(input)
	if first != second {
		t.Error("CompressText is not deterministic for identical input")
	}
}

func TestCompressBytes_RoundTrip(t *testing.T) {
	heights := make([]byte, 256)
	for i := range heights {
		heights[i] = byte(60 + i%8)
	}

	compressed := CompressBytes(heights)
	decompressed, err := DecompressBytes(compressed)
	if err != nil {
		t.Fatalf("DecompressBytes failed: %v", err)
	}
	if string(decompressed) != string(heights) {
		t.Error("height data did not survive the round trip")
	}
}

func TestDecompressText_Malformed(t *testing.T) {
	if _, err := DecompressText("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	notGzip := base64.StdEncoding.EncodeToString([]byte("plain text"))
	if _, err := DecompressText(notGzip); err == nil {
		t.Error("expected error for non-gzip payload")
	}
}

func TestIndexSequence(t *testing.T) {
	tests := []struct {
		count int
		want  string
	}{
		{0, ""},
		{-3, ""},
		{1, "0"},
		{5, "0,1,2,3,4"},
	}
	for _, tt := range tests {
		if got := IndexSequence(tt.count); got != tt.want {
			t.Errorf("IndexSequence(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestTwoDimensionalIndices(t *testing.T) {
	parts := strings.Split(TwoDimensionalIndices, ",")
	if len(parts) != TwoDimensionalIndexCount {
		t.Fatalf("expected %d indices, got %d", TwoDimensionalIndexCount, len(parts))
	}
	if parts[0] != "0" || parts[len(parts)-1] != "255" {
		t.Errorf("unexpected bounds: first=%s last=%s", parts[0], parts[len(parts)-1])
	}
	if strings.HasSuffix(TwoDimensionalIndices, ",") {
		t.Error("index sequence has a trailing separator")
	}
}
