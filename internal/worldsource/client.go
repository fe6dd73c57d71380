package worldsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/compression"
	"github.com/glmap/server/internal/config"
)

// ErrChunkNotFound is returned when the game-world server has no chunk at the
// requested coordinate. It is not retried.
var ErrChunkNotFound = errors.New("chunk not found at world source")

// Client fetches freshly generated chunks from the game-world server.
type Client struct {
	baseURL    string
	timeout    time.Duration
	retryCount int
	client     *http.Client
}

// NewClient creates a world source client. It returns nil when no base URL
// is configured; a nil *Client reports itself disabled.
func NewClient(cfg config.SourceConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		timeout:    cfg.Timeout,
		retryCount: cfg.RetryCount,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Enabled reports whether chunks can be requested.
func (c *Client) Enabled() bool {
	return c != nil
}

// RawChunk is a chunk as the game-world server sends it, uncompressed.
type RawChunk struct {
	Type           string `json:"type"`
	GenerationTime int64  `json:"generation_time"`
	BlockData      string `json:"block_data"`
	HeightData     string `json:"height_data"`
	BiomeData      string `json:"biome_data"`
}

// ChunkResponse is the body of a chunk request.
type ChunkResponse struct {
	Success bool      `json:"success"`
	Chunk   *RawChunk `json:"chunk,omitempty"`
	Message *string   `json:"message,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Snapshot compresses the raw payloads into a snapshot of the given generation.
// An unknown or missing type is treated as two-dimensional.
func (r RawChunk) Snapshot(version chunk.SchemaVersion) chunk.Snapshot {
	block := compression.CompressText(r.BlockData)
	height := compression.CompressText(r.HeightData)
	if version == chunk.SchemaV1 {
		return chunk.NewV1(r.GenerationTime, block, height)
	}

	chunkType, err := chunk.ParseType(r.Type)
	if err != nil || chunkType == chunk.TwoDimensional {
		return chunk.NewTwoDimensional(r.GenerationTime, block, height, compression.CompressText(r.BiomeData))
	}
	// 3D chunks carry no static index list.
	return chunk.NewV2(chunkType, r.GenerationTime, block, height, compression.CompressText(r.BiomeData), "")
}

// HealthCheck checks if the game-world server is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("world source is disabled")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close world source health response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "ok" {
		return fmt.Errorf("service reported unhealthy status: %s", health.Status)
	}

	return nil
}

// FetchChunk requests the chunk at (x, z) of worldID, retrying transport
// errors and non-404 failures with exponential backoff.
func (c *Client) FetchChunk(ctx context.Context, worldID string, x, z int) (*RawChunk, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("world source is disabled")
	}

	endpoint := fmt.Sprintf("%s/api/v1/worlds/%s/chunks/%s/%s",
		c.baseURL, url.PathEscape(worldID), strconv.Itoa(x), strconv.Itoa(z))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms, 400ms
			backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("chunk request cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		raw, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, ErrChunkNotFound) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("chunk request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (*RawChunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		log.Printf("Warning: failed to close world source response body: %v", closeErr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrChunkNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("chunk request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var response ChunkResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !response.Success {
		msg := "no message"
		if response.Message != nil {
			msg = *response.Message
		}
		return nil, fmt.Errorf("chunk generation failed: %s", msg)
	}
	if response.Chunk == nil {
		return nil, ErrChunkNotFound
	}
	return response.Chunk, nil
}
