package api

import (
	"time"

	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/worldsource"
)

// IngestChunkRequest is the body of POST /api/worlds/{world}/chunks. Data
// fields are raw text unless Compressed is set, in which case they are
// already in codec form.
type IngestChunkRequest struct {
	X              *int   `json:"x" validate:"required"`
	Z              *int   `json:"z" validate:"required"`
	Type           string `json:"type" validate:"omitempty,oneof=two_dimensional_gzip three_dimensional_gzip"`
	GenerationTime int64  `json:"generation_time" validate:"gte=0"`
	BlockData      string `json:"block_data" validate:"required"`
	HeightData     string `json:"height_data"`
	BiomeData      string `json:"biome_data"`
	BlockIndices   string `json:"block_indices"`
	Compressed     bool   `json:"compressed"`
}

func (req IngestChunkRequest) chunkType() chunk.Type {
	if req.Type == "" {
		return chunk.TwoDimensional
	}
	return chunk.Type(req.Type)
}

// snapshot builds a V2 snapshot; the service narrows it to the store's
// schema. A zero generation time means now.
func (req IngestChunkRequest) snapshot(now time.Time) chunk.Snapshot {
	genTime := req.GenerationTime
	if genTime == 0 {
		genTime = now.UnixMilli()
	}
	chunkType := req.chunkType()

	if !req.Compressed {
		raw := worldsource.RawChunk{
			Type:           string(chunkType),
			GenerationTime: genTime,
			BlockData:      req.BlockData,
			HeightData:     req.HeightData,
			BiomeData:      req.BiomeData,
		}
		return raw.Snapshot(chunk.SchemaV2)
	}
	if chunkType == chunk.TwoDimensional && req.BlockIndices == "" {
		return chunk.NewTwoDimensional(genTime, req.BlockData, req.HeightData, req.BiomeData)
	}
	return chunk.NewV2(chunkType, genTime, req.BlockData, req.HeightData, req.BiomeData, req.BlockIndices)
}

// IngestChunkResponse acknowledges an ingested chunk.
type IngestChunkResponse struct {
	Success        bool   `json:"success"`
	World          string `json:"world"`
	X              int    `json:"x"`
	Z              int    `json:"z"`
	Type           string `json:"type,omitempty"`
	Version        int    `json:"version"`
	GenerationTime int64  `json:"generation_time"`
}

// PurgeRequest is the body of POST /api/worlds/{world}/purge: the half-open
// rectangle [x1,x2) x [z1,z2).
type PurgeRequest struct {
	X1 *int `json:"x1" validate:"required"`
	Z1 *int `json:"z1" validate:"required"`
	X2 *int `json:"x2" validate:"required"`
	Z2 *int `json:"z2" validate:"required"`
}

// PurgeResponse reports how many chunks went from each layer.
type PurgeResponse struct {
	Success bool   `json:"success"`
	World   string `json:"world"`
	Cached  int    `json:"cached"`
	Stored  int64  `json:"stored"`
}

// BanRequest is the body of POST and DELETE /api/bans.
type BanRequest struct {
	IPAddress string `json:"ip_address" validate:"omitempty,ip"`
	ClientID  string `json:"client_id" validate:"omitempty,max=128"`
}
