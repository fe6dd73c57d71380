package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glmap/server/internal/cache"
	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/database"
	"github.com/glmap/server/internal/performance"
	"github.com/glmap/server/internal/protocol"
	"github.com/glmap/server/internal/registrar"
	"github.com/glmap/server/internal/worldsource"
	"github.com/go-playground/validator/v10"
)

// Command names served by the chunk service.
const (
	CommandGetChunk  = "get_chunk"
	CommandGetChunks = "get_chunks"
	CommandStats     = "stats"
)

// DefaultIntervals are the minimum intervals between two calls of a command
// by one connection.
var DefaultIntervals = map[string]time.Duration{
	CommandGetChunk:  0,
	CommandGetChunks: 250 * time.Millisecond,
	CommandStats:     time.Second,
}

// Store is the part of the persistence adapter the service uses.
type Store interface {
	SchemaVersion() chunk.SchemaVersion
	FetchOne(ctx context.Context, worldID string, chunkType chunk.Type, x, z int) (chunk.Snapshot, bool, error)
	FetchMany(ctx context.Context, worldID string, chunkType chunk.Type, positions []int) ([]database.StoredChunk, error)
	Upsert(ctx context.Context, worldID string, chunkType chunk.Type, x, z int, snap chunk.Snapshot) error
	CountAll(ctx context.Context) (int, error)
	CountForWorld(ctx context.Context, worldID string) (int, error)
	DeleteRectangle(ctx context.Context, worldID string, x1, z1, x2, z2 int) (int64, error)
}

// Source generates chunks the store does not have yet.
type Source interface {
	Enabled() bool
	FetchChunk(ctx context.Context, worldID string, x, z int) (*worldsource.RawChunk, error)
}

// ChunkService answers chunk requests from the cache, falling back to the
// store and then to the world source, and keeps the cache populated.
type ChunkService struct {
	cache       *cache.WorldCache
	store       Store
	source      Source
	capacity    cache.Capacity
	connections func() int
	profiler    *performance.Profiler
	validate    *validator.Validate
}

// Options configures a ChunkService. Source and Connections may be nil.
type Options struct {
	Cache       *cache.WorldCache
	Store       Store
	Source      Source
	Capacity    cache.Capacity
	Connections func() int
	Profiler    *performance.Profiler
}

// New creates a chunk service.
func New(opts Options) (*ChunkService, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.Connections == nil {
		opts.Connections = func() int { return 0 }
	}
	return &ChunkService{
		cache:       opts.Cache,
		store:       opts.Store,
		source:      opts.Source,
		capacity:    opts.Capacity,
		connections: opts.Connections,
		profiler:    opts.Profiler,
		validate:    validator.New(),
	}, nil
}

// Register binds the service's commands. overrides replaces the default
// interval of a command by name.
func (s *ChunkService) Register(r *registrar.Registrar, overrides map[string]time.Duration) error {
	handlers := map[string]registrar.HandlerFunc{
		CommandGetChunk:  s.handleGetChunk,
		CommandGetChunks: s.handleGetChunks,
		CommandStats:     s.handleStats,
	}
	for name := range overrides {
		if _, ok := handlers[name]; !ok {
			return fmt.Errorf("interval override for unknown command %q", name)
		}
	}

	for _, name := range []string{CommandGetChunk, CommandGetChunks, CommandStats} {
		interval := DefaultIntervals[name]
		if override, ok := overrides[name]; ok {
			interval = override
		}
		if !r.RegisterCommand(name, registrar.Func(interval, handlers[name])) {
			return fmt.Errorf("command %q is already registered", name)
		}
		log.Printf("[Service] Registered %s (min interval %v)", name, interval)
	}
	return nil
}

type chunkRequest struct {
	World string `json:"world" validate:"required,max=36"`
	X     *int   `json:"x" validate:"required"`
	Z     *int   `json:"z" validate:"required"`
	Type  string `json:"type" validate:"omitempty,oneof=two_dimensional_gzip three_dimensional_gzip"`
}

type chunksRequest struct {
	World     string `json:"world" validate:"required,max=36"`
	Positions []int  `json:"positions" validate:"required,min=2,max=2048"`
	Type      string `json:"type" validate:"omitempty,oneof=two_dimensional_gzip three_dimensional_gzip"`
}

type statsRequest struct {
	World string `json:"world" validate:"omitempty,max=36"`
}

func (s *ChunkService) handleGetChunk(conn registrar.Connection, env protocol.Envelope) {
	var req chunkRequest
	if !s.bind(conn, env, &req) {
		return
	}
	chunkType := requestType(req.Type)
	x, z := *req.X, *req.Z

	snap, found, err := s.Lookup(context.Background(), req.World, chunkType, x, z)
	if err != nil {
		log.Printf("[Service] get_chunk %s (%d,%d) failed for %s: %v", req.World, x, z, conn.ID(), err)
		sendError(conn, protocol.ErrInternal)
		return
	}

	reply := protocol.ChunkMessage{Cmd: protocol.ReplyChunk, World: req.World, X: x, Z: z}
	if found {
		payload := toPayload(x, z, snap)
		reply.Chunk = &payload
	}
	send(conn, reply)
}

// Lookup finds one chunk in the cache, then the store, then the world source.
// Store and source hits are cached; source hits are also persisted.
func (s *ChunkService) Lookup(ctx context.Context, worldID string, chunkType chunk.Type, x, z int) (chunk.Snapshot, bool, error) {
	coord := chunk.Flat(x, z)
	if snap, ok := s.cache.Get(worldID, coord); ok && matchesType(snap, chunkType) {
		s.profiler.Record("cache.hit", 0)
		return snap, true, nil
	}
	s.profiler.Record("cache.miss", 0)

	snap, found, err := s.store.FetchOne(ctx, worldID, chunkType, x, z)
	if err != nil {
		return chunk.Snapshot{}, false, err
	}
	if found {
		s.cache.Put(worldID, coord, snap, s.capacity)
		return snap, true, nil
	}

	if s.source == nil || !s.source.Enabled() {
		return chunk.Snapshot{}, false, nil
	}
	raw, err := s.source.FetchChunk(ctx, worldID, x, z)
	if errors.Is(err, worldsource.ErrChunkNotFound) {
		return chunk.Snapshot{}, false, nil
	}
	if err != nil {
		return chunk.Snapshot{}, false, fmt.Errorf("failed to fetch chunk from world source: %w", err)
	}

	snap = raw.Snapshot(s.store.SchemaVersion())
	if snap, err = s.Ingest(ctx, worldID, chunkType, x, z, snap); err != nil {
		return chunk.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *ChunkService) handleGetChunks(conn registrar.Connection, env protocol.Envelope) {
	var req chunksRequest
	if !s.bind(conn, env, &req) {
		return
	}
	if len(req.Positions)%2 != 0 {
		sendError(conn, protocol.ErrInvalidDataFormat)
		return
	}

	chunks, err := s.LookupMany(context.Background(), req.World, requestType(req.Type), req.Positions)
	if err != nil {
		log.Printf("[Service] get_chunks %s (%d positions) failed for %s: %v", req.World, len(req.Positions)/2, conn.ID(), err)
		sendError(conn, protocol.ErrInternal)
		return
	}
	send(conn, protocol.ChunksMessage{Cmd: protocol.ReplyChunks, World: req.World, Chunks: chunks})
}

// LookupMany serves cached coordinates directly and loads every miss with a
// single store query. Repeated coordinates are answered once.
func (s *ChunkService) LookupMany(ctx context.Context, worldID string, chunkType chunk.Type, positions []int) ([]protocol.ChunkPayload, error) {
	if len(positions)%2 != 0 {
		return nil, database.ErrInvalidCoordinates
	}

	chunks := make([]protocol.ChunkPayload, 0, len(positions)/2)
	seen := make(map[chunk.Coordinate]bool, len(positions)/2)
	var misses []int
	for i := 0; i+1 < len(positions); i += 2 {
		coord := chunk.Flat(positions[i], positions[i+1])
		if seen[coord] {
			continue
		}
		seen[coord] = true

		if snap, ok := s.cache.Get(worldID, coord); ok && matchesType(snap, chunkType) {
			chunks = append(chunks, toPayload(coord.X, coord.Z, snap))
			continue
		}
		misses = append(misses, coord.X, coord.Z)
	}

	if len(misses) == 0 {
		return chunks, nil
	}
	rows, err := s.store.FetchMany(ctx, worldID, chunkType, misses)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.cache.Put(worldID, chunk.Flat(row.X, row.Z), row.Snapshot, s.capacity)
		chunks = append(chunks, toPayload(row.X, row.Z, row.Snapshot))
	}
	return chunks, nil
}

func (s *ChunkService) handleStats(conn registrar.Connection, env protocol.Envelope) {
	var req statsRequest
	if !s.bind(conn, env, &req) {
		return
	}

	stats, err := s.Stats(context.Background(), req.World)
	if err != nil {
		log.Printf("[Service] stats failed for %s: %v", conn.ID(), err)
		sendError(conn, protocol.ErrInternal)
		return
	}
	send(conn, stats)
}

// Stats reports connection, cache and store counts; the per-world counts
// are filled only when worldID is set.
func (s *ChunkService) Stats(ctx context.Context, worldID string) (protocol.StatsMessage, error) {
	stats := protocol.StatsMessage{
		Cmd:         protocol.ReplyStats,
		Connections: s.connections(),
		CachedTotal: s.cache.TotalSize(),
	}

	var err error
	if stats.StoredTotal, err = s.store.CountAll(ctx); err != nil {
		return protocol.StatsMessage{}, err
	}
	if worldID != "" {
		stats.CachedWorld = s.cache.SizeForWorld(worldID)
		if stats.StoredWorld, err = s.store.CountForWorld(ctx, worldID); err != nil {
			return protocol.StatsMessage{}, err
		}
	}
	return stats, nil
}

// Ingest records a chunk pushed by the game-world server: the snapshot is
// shaped for the store's schema, persisted, and cached under the capacity
// policy once the store has accepted it. The shaped snapshot is returned.
func (s *ChunkService) Ingest(ctx context.Context, worldID string, chunkType chunk.Type, x, z int, snap chunk.Snapshot) (chunk.Snapshot, error) {
	snap = snap.ForSchema(s.store.SchemaVersion(), chunkType)
	if err := s.store.Upsert(ctx, worldID, chunkType, x, z, snap); err != nil {
		return snap, err
	}
	s.cache.Put(worldID, chunk.Flat(x, z), snap, s.capacity)
	return snap, nil
}

// Purge drops the half-open rectangle [x1,x2) x [z1,z2) of a world from the
// cache and the store.
func (s *ChunkService) Purge(ctx context.Context, worldID string, x1, z1, x2, z2 int) (cached int, stored int64, err error) {
	cached = s.cache.PurgeRectangle(worldID, x1, z1, x2, z2)
	stored, err = s.store.DeleteRectangle(ctx, worldID, x1, z1, x2, z2)
	if err != nil {
		return cached, 0, err
	}
	log.Printf("[Service] Purged %s [%d,%d)x[%d,%d): %d cached, %d stored", worldID, x1, x2, z1, z2, cached, stored)
	return cached, stored, nil
}

// bind decodes and validates a request, answering Invalid data format on failure.
func (s *ChunkService) bind(conn registrar.Connection, env protocol.Envelope, req any) bool {
	if err := env.Bind(req); err != nil {
		sendError(conn, protocol.ErrInvalidDataFormat)
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		sendError(conn, protocol.ErrInvalidDataFormat)
		return false
	}
	return true
}

func requestType(t string) chunk.Type {
	if t == "" {
		return chunk.TwoDimensional
	}
	return chunk.Type(t)
}

// matchesType accepts untyped (V1) snapshots for any requested type.
func matchesType(snap chunk.Snapshot, t chunk.Type) bool {
	return snap.Type == "" || snap.Type == t
}

func toPayload(x, z int, snap chunk.Snapshot) protocol.ChunkPayload {
	return protocol.ChunkPayload{
		X:              x,
		Z:              z,
		Type:           string(snap.Type),
		GenerationTime: snap.GenerationTime,
		BlockData:      snap.BlockData,
		HeightData:     snap.HeightData,
		BiomeData:      snap.BiomeData,
		BlockIndices:   snap.BlockIndices,
	}
}

func send(conn registrar.Connection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Service] Failed to encode reply for %s: %v", conn.ID(), err)
		return
	}
	if err := conn.Send(b); err != nil {
		log.Printf("[Service] Failed to reply to %s: %v", conn.ID(), err)
	}
}

func sendError(conn registrar.Connection, msg string) {
	if err := conn.Send(protocol.ErrorMessage(msg)); err != nil {
		log.Printf("[Service] Failed to send %q to %s: %v", msg, conn.ID(), err)
	}
}
