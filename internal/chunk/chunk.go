package chunk

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/glmap/server/internal/compression"
)

// Coordinate identifies a chunk inside a world. The 2D format keeps Y at 0.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Flat returns the y=0 coordinate used by the 2D chunk format.
func Flat(x, z int) Coordinate {
	return Coordinate{X: x, Z: z}
}

// Key returns the cache key for the coordinate ("x:y:z").
func (c Coordinate) Key() string {
	return strconv.Itoa(c.X) + ":" + strconv.Itoa(c.Y) + ":" + strconv.Itoa(c.Z)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Coordinate, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Coordinate{}, fmt.Errorf("invalid chunk key %q: expected x:y:z", key)
	}
	var values [3]int
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return Coordinate{}, fmt.Errorf("invalid chunk key %q: %w", key, err)
		}
		values[i] = v
	}
	return Coordinate{X: values[0], Y: values[1], Z: values[2]}, nil
}

// Type is the wire/storage identifier of a chunk representation.
type Type string

const (
	TwoDimensional   Type = "two_dimensional_gzip"
	ThreeDimensional Type = "three_dimensional_gzip"
)

// Valid reports whether t is a known chunk type.
func (t Type) Valid() bool {
	return t == TwoDimensional || t == ThreeDimensional
}

// ParseType converts a stored or requested type string.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown chunk type %q", s)
	}
	return t, nil
}

// SchemaVersion is the persisted chunk row generation.
type SchemaVersion int

const (
	// SchemaV1 rows hold generation time, block data and height data.
	SchemaV1 SchemaVersion = 1
	// SchemaV2 rows add chunk type, biome data and index data.
	SchemaV2 SchemaVersion = 2
)

// Valid reports whether v is a supported schema generation.
func (v SchemaVersion) Valid() bool {
	return v == SchemaV1 || v == SchemaV2
}

// Snapshot is one compressed chunk capture. Version tags which generation of
// fields is populated; V1 snapshots leave Type, BiomeData and BlockIndices empty.
type Snapshot struct {
	Version        SchemaVersion `json:"version"`
	Type           Type          `json:"type,omitempty"`
	GenerationTime int64         `json:"generation_time"`
	BlockData      string        `json:"block_data"`
	HeightData     string        `json:"height_data"`
	BiomeData      string        `json:"biome_data,omitempty"`
	BlockIndices   string        `json:"block_indices,omitempty"`
}

// NewV1 builds a simple snapshot.
func NewV1(generationTime int64, blockData, heightData string) Snapshot {
	return Snapshot{
		Version:        SchemaV1,
		GenerationTime: generationTime,
		BlockData:      blockData,
		HeightData:     heightData,
	}
}

// NewV2 builds an extended snapshot.
func NewV2(chunkType Type, generationTime int64, blockData, heightData, biomeData, blockIndices string) Snapshot {
	return Snapshot{
		Version:        SchemaV2,
		Type:           chunkType,
		GenerationTime: generationTime,
		BlockData:      blockData,
		HeightData:     heightData,
		BiomeData:      biomeData,
		BlockIndices:   blockIndices,
	}
}

// NewTwoDimensional builds an extended 2D snapshot carrying the shared index list.
func NewTwoDimensional(generationTime int64, blockData, heightData, biomeData string) Snapshot {
	return NewV2(TwoDimensional, generationTime, blockData, heightData, biomeData, compression.CompressedTwoDimensionalIndices)
}

// Project converts s to the field set of version v. Moving down to V1 drops
// the extended fields; moving up to V2 assumes the 2D type with the given indices.
func (s Snapshot) Project(v SchemaVersion, twoDimensionalIndices string) Snapshot {
	if s.Version == v {
		return s
	}
	if v == SchemaV1 {
		return NewV1(s.GenerationTime, s.BlockData, s.HeightData)
	}
	return NewV2(TwoDimensional, s.GenerationTime, s.BlockData, s.HeightData, "", twoDimensionalIndices)
}

// ForSchema shapes s for storage generation v. Under V2 the row's chunk type
// t replaces whatever type s carried; an untagged snapshot counts as V1.
func (s Snapshot) ForSchema(v SchemaVersion, t Type) Snapshot {
	if s.Version == 0 {
		s.Version = SchemaV1
	}
	s = s.Project(v, compression.CompressedTwoDimensionalIndices)
	if v == SchemaV2 && t != "" {
		s.Type = t
	}
	return s
}
