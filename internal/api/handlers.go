package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/glmap/server/internal/auth"
	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/database"
	"github.com/glmap/server/internal/performance"
	"github.com/glmap/server/internal/protocol"
)

// maxBodyBytes bounds request bodies; a chunk carries a few hundred KiB at most.
const maxBodyBytes = 4 << 20

// ChunkService is the part of the chunk service the HTTP surface drives.
type ChunkService interface {
	Stats(ctx context.Context, worldID string) (protocol.StatsMessage, error)
	Ingest(ctx context.Context, worldID string, chunkType chunk.Type, x, z int, snap chunk.Snapshot) (chunk.Snapshot, error)
	Purge(ctx context.Context, worldID string, x1, z1, x2, z2 int) (int, int64, error)
}

// BanStore manages the ban list.
type BanStore interface {
	InsertBan(ctx context.Context, ipAddress, clientID string) error
	RemoveBan(ctx context.Context, ipAddress, clientID string) (int64, error)
}

// Handlers serves the HTTP API.
type Handlers struct {
	chunks   ChunkService
	bans     BanStore
	profiler *performance.Profiler
	validate *validator.Validate
	now      func() time.Time
}

// NewHandlers creates the API handlers. bans may be nil, which disables the
// ban endpoints.
func NewHandlers(chunks ChunkService, bans BanStore, profiler *performance.Profiler) *Handlers {
	return &Handlers{
		chunks:   chunks,
		bans:     bans,
		profiler: profiler,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "glm-server"})
}

// Stats handles GET /api/stats?world=ID
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	world := r.URL.Query().Get("world")
	if len(world) > 36 {
		respondWithError(w, http.StatusBadRequest, "Invalid world id")
		return
	}

	stats, err := h.chunks.Stats(r.Context(), world)
	if err != nil {
		respondWithStoreError(w, "stats", err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
		"profile": h.profiler.Report(),
	})
}

// IngestChunk handles POST /api/worlds/{world}/chunks
func (h *Handlers) IngestChunk(w http.ResponseWriter, r *http.Request) {
	world, ok := h.world(w, r)
	if !ok {
		return
	}
	var req IngestChunkRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.chunks.Ingest(r.Context(), world, req.chunkType(), *req.X, *req.Z, req.snapshot(h.now()))
	if err != nil {
		respondWithStoreError(w, "ingest", err)
		return
	}

	respondWithJSON(w, http.StatusOK, IngestChunkResponse{
		Success:        true,
		World:          world,
		X:              *req.X,
		Z:              *req.Z,
		Type:           string(snap.Type),
		Version:        int(snap.Version),
		GenerationTime: snap.GenerationTime,
	})
}

// PurgeChunks handles POST /api/worlds/{world}/purge
func (h *Handlers) PurgeChunks(w http.ResponseWriter, r *http.Request) {
	world, ok := h.world(w, r)
	if !ok {
		return
	}
	var req PurgeRequest
	if !h.decode(w, r, &req) {
		return
	}

	cached, stored, err := h.chunks.Purge(r.Context(), world, *req.X1, *req.Z1, *req.X2, *req.Z2)
	if err != nil {
		respondWithStoreError(w, "purge", err)
		return
	}
	log.Printf("[API] Purged [%d,%d)x[%d,%d) of %s: %d cached, %d stored, by %s",
		*req.X1, *req.X2, *req.Z1, *req.Z2, world, cached, stored, caller(r))
	respondWithJSON(w, http.StatusOK, PurgeResponse{Success: true, World: world, Cached: cached, Stored: stored})
}

// caller names the service whose token authorized r.
func caller(r *http.Request) string {
	if service, ok := auth.ServiceFromContext(r.Context()); ok {
		return service
	}
	return "unknown"
}

// CreateBan handles POST /api/bans
func (h *Handlers) CreateBan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.banRequest(w, r)
	if !ok {
		return
	}
	if err := h.bans.InsertBan(r.Context(), req.IPAddress, req.ClientID); err != nil {
		respondWithStoreError(w, "insert ban", err)
		return
	}
	log.Printf("[API] Banned ip=%q client_id=%q by %s", req.IPAddress, req.ClientID, caller(r))
	respondWithJSON(w, http.StatusCreated, map[string]any{"success": true})
}

// DeleteBan handles DELETE /api/bans
func (h *Handlers) DeleteBan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.banRequest(w, r)
	if !ok {
		return
	}
	removed, err := h.bans.RemoveBan(r.Context(), req.IPAddress, req.ClientID)
	if err != nil {
		respondWithStoreError(w, "remove ban", err)
		return
	}
	log.Printf("[API] Unbanned ip=%q client_id=%q (%d removed) by %s", req.IPAddress, req.ClientID, removed, caller(r))
	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (h *Handlers) banRequest(w http.ResponseWriter, r *http.Request) (BanRequest, bool) {
	var req BanRequest
	if h.bans == nil {
		respondWithError(w, http.StatusNotImplemented, "Ban list is not available")
		return req, false
	}
	if !h.decode(w, r, &req) {
		return req, false
	}
	if req.IPAddress == "" && req.ClientID == "" {
		respondWithError(w, http.StatusBadRequest, "ip_address or client_id is required")
		return req, false
	}
	return req, true
}

func (h *Handlers) world(w http.ResponseWriter, r *http.Request) (string, bool) {
	world := r.PathValue("world")
	if world == "" || len(world) > 36 {
		respondWithError(w, http.StatusBadRequest, "Invalid world id")
		return "", false
	}
	return world, true
}

// decode reads and validates a JSON body.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid field: "+verrs[0].Field())
			return false
		}
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// respondWithStoreError hides store detail from the client; a timeout is
// reported as retryable.
func respondWithStoreError(w http.ResponseWriter, action string, err error) {
	log.Printf("[API] %s failed: %v", action, err)
	switch {
	case errors.Is(err, database.ErrBanKeyRequired):
		respondWithError(w, http.StatusBadRequest, "ip_address or client_id is required")
	case errors.Is(err, database.ErrStoreTimeout):
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, "Store timed out")
	default:
		respondWithError(w, http.StatusInternalServerError, protocol.ErrInternal)
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, protocol.ErrorResponse{Error: message})
}
