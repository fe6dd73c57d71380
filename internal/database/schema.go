package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/glmap/server/internal/chunk"
)

// EnsureSchema creates the version, chunk and ban tables when missing and
// records the schema version. A version already recorded in the store wins
// over the configured one, so a deployment never mixes generations. It is
// safe to call repeatedly and returns the version in effect.
func (s *ChunkStorage) EnsureSchema(ctx context.Context) (chunk.SchemaVersion, error) {
	configured := s.current()

	if err := s.exec(ctx, "create schema version table", configured.createVersion); err != nil {
		return 0, err
	}

	version := configured.version
	recorded, found, err := s.recordedVersion(ctx, configured)
	if err != nil {
		return 0, err
	}
	if found {
		if recorded != version {
			log.Printf("[Store] Schema version %d is recorded in %s; ignoring configured version %d",
				recorded, configured.versionTable, version)
		}
		version = recorded
	}

	q := buildQueries(s.dialect, s.prefix, version)
	for _, stmt := range append(append([]string{}, q.createChunkTable...), q.createBanTable...) {
		if err := s.exec(ctx, "create tables", stmt); err != nil {
			if s.dialect == Postgres && strings.Contains(strings.ToLower(err.Error()), "postgis") {
				return 0, fmt.Errorf("PostGIS extension is not available - install it to use the postgres driver: %w", err)
			}
			return 0, err
		}
	}
	if err := s.exec(ctx, "record schema version", q.setVersion, schemaVersionKey, strconv.Itoa(int(version))); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.queries = q
	s.mu.Unlock()

	log.Printf("[Store] Schema ready: dialect=%s version=%d chunks=%s bans=%s", s.dialect, version, q.chunkTable, q.banTable)
	return version, nil
}

func (s *ChunkStorage) recordedVersion(ctx context.Context, q *querySet) (chunk.SchemaVersion, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, q.getVersion, schemaVersionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeError(ctx, "read schema version", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || !chunk.SchemaVersion(n).Valid() {
		return 0, false, fmt.Errorf("recorded schema version %q is not supported", value)
	}
	return chunk.SchemaVersion(n), true, nil
}

func (s *ChunkStorage) exec(ctx context.Context, action, query string, args ...any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storeError(ctx, action, err)
	}
	return nil
}
