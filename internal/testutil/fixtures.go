package testutil

import (
	"math/rand/v2"

	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/compression"
	"github.com/google/uuid"
)

// RandomString generates a random string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}
	return string(b)
}

// RandomWorldID returns a fresh world id in the form game servers use.
func RandomWorldID() string {
	return uuid.NewString()
}

// NewSnapshot builds a snapshot of the requested generation with compressed
// payloads derived from seed, so distinct seeds give distinct chunks.
func NewSnapshot(version chunk.SchemaVersion, generationTime int64, seed string) chunk.Snapshot {
	block := compression.CompressText("blocks:" + seed)
	height := compression.CompressText("heights:" + seed)
	if version == chunk.SchemaV1 {
		return chunk.NewV1(generationTime, block, height)
	}
	return chunk.NewTwoDimensional(generationTime, block, height, compression.CompressText("biomes:"+seed))
}
