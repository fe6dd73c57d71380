package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/performance"
)

// DefaultQueryTimeout bounds a round trip when Options leaves it unset.
const DefaultQueryTimeout = 5 * time.Second

// maxPointsPerQuery caps the IN-list of one FetchMany round trip so that the
// bound parameters stay well below every driver's limit.
const maxPointsPerQuery = 400

var tablePrefixFormat = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Options configures a ChunkStorage.
type Options struct {
	Dialect       Dialect
	TablePrefix   string
	SchemaVersion chunk.SchemaVersion
	QueryTimeout  time.Duration
	Profiler      *performance.Profiler
}

// StoredChunk is one row returned by FetchMany.
type StoredChunk struct {
	X        int
	Z        int
	Snapshot chunk.Snapshot
}

// ChunkStorage handles chunk and ban storage in the relational store. The
// query set follows the schema version; EnsureSchema replaces the configured
// version with the one recorded in the store.
type ChunkStorage struct {
	db       *sql.DB
	dialect  Dialect
	prefix   string
	timeout  time.Duration
	profiler *performance.Profiler

	mu      sync.RWMutex
	queries *querySet

	// Upserts of one world are serialized in-process.
	worldLocks sync.Map
}

// NewChunkStorage creates a new chunk storage instance
func NewChunkStorage(db *sql.DB, opts Options) (*ChunkStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if opts.Dialect != Postgres && opts.Dialect != SQLite {
		return nil, fmt.Errorf("unsupported dialect %q", opts.Dialect)
	}
	if !tablePrefixFormat.MatchString(opts.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", opts.TablePrefix)
	}
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = chunk.SchemaV2
	}
	if !opts.SchemaVersion.Valid() {
		return nil, fmt.Errorf("unsupported schema version %d", opts.SchemaVersion)
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}

	return &ChunkStorage{
		db:       db,
		dialect:  opts.Dialect,
		prefix:   opts.TablePrefix,
		timeout:  opts.QueryTimeout,
		profiler: opts.Profiler,
		queries:  buildQueries(opts.Dialect, opts.TablePrefix, opts.SchemaVersion),
	}, nil
}

// SchemaVersion reports the generation the storage reads and writes.
func (s *ChunkStorage) SchemaVersion() chunk.SchemaVersion {
	return s.current().version
}

// Dialect reports the SQL flavour in use.
func (s *ChunkStorage) Dialect() Dialect {
	return s.dialect
}

// Exists reports whether a chunk row is stored for the key. chunkType is
// ignored by schema v1.
func (s *ChunkStorage) Exists(ctx context.Context, worldID string, chunkType chunk.Type, x, z int) (bool, error) {
	q := s.current()
	timer := s.profiler.Start("store.exists")

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, q.chunkExists, q.keyArgs(worldID, chunkType, x, z)...).Scan(&exists)
	if err != nil {
		err = storeError(ctx, "check chunk existence", err)
	}
	timer.EndWithError(err)
	return exists, err
}

// Upsert writes snap under the key: an update when the row exists, an insert
// otherwise. The check and the write are separate round trips; upserts of the
// same world are serialized within this process only.
func (s *ChunkStorage) Upsert(ctx context.Context, worldID string, chunkType chunk.Type, x, z int, snap chunk.Snapshot) error {
	q := s.current()
	snap = snap.ForSchema(q.version, chunkType)

	unlock := s.lockWorld(worldID)
	defer unlock()

	exists, err := s.Exists(ctx, worldID, chunkType, x, z)
	if err != nil {
		return err
	}

	timer := s.profiler.Start("store.upsert")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var query string
	var args []any
	if exists {
		query = q.chunkUpdate
		if q.version == chunk.SchemaV1 {
			args = []any{snap.GenerationTime, snap.BlockData, snap.HeightData, int(q.version)}
		} else {
			args = []any{snap.GenerationTime, snap.BlockData, snap.HeightData, snap.BiomeData, snap.BlockIndices, int(q.version)}
		}
		args = append(args, q.keyArgs(worldID, chunkType, x, z)...)
	} else {
		query = q.chunkInsert
		if q.version == chunk.SchemaV1 {
			args = []any{worldID, x, z, snap.GenerationTime, snap.BlockData, snap.HeightData, int(q.version)}
		} else {
			args = []any{worldID, string(chunkType), x, z, snap.GenerationTime, snap.BlockData, snap.HeightData, snap.BiomeData, snap.BlockIndices, int(q.version)}
		}
	}

	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		err = storeError(ctx, "store chunk", err)
	}
	timer.EndWithError(err)
	return err
}

// FetchOne loads the chunk stored under the key. found is false when no row
// matches.
func (s *ChunkStorage) FetchOne(ctx context.Context, worldID string, chunkType chunk.Type, x, z int) (snap chunk.Snapshot, found bool, err error) {
	q := s.current()
	timer := s.profiler.Start("store.fetch_one")
	defer func() { timer.EndWithError(err) }()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, q.getChunk, q.keyArgs(worldID, chunkType, x, z)...)
	snap, err = scanSnapshot(q, chunkType, row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return chunk.Snapshot{}, false, nil
	}
	if err != nil {
		return chunk.Snapshot{}, false, storeError(ctx, "get chunk", err)
	}
	return snap, true, nil
}

// FetchMany loads every stored chunk among positions, a flat x,z,x,z,...
// list. Only listed coordinates are returned, in no particular order.
func (s *ChunkStorage) FetchMany(ctx context.Context, worldID string, chunkType chunk.Type, positions []int) (result []StoredChunk, err error) {
	if len(positions) == 0 || len(positions)%2 != 0 {
		return nil, ErrInvalidCoordinates
	}

	q := s.current()
	timer := s.profiler.Start("store.fetch_many")
	defer func() { timer.EndWithError(err) }()

	for start := 0; start < len(positions); start += 2 * maxPointsPerQuery {
		end := min(start+2*maxPointsPerQuery, len(positions))
		batch, err := s.fetchBatch(ctx, q, worldID, chunkType, positions[start:end])
		if err != nil {
			return nil, err
		}
		result = append(result, batch...)
	}
	return result, nil
}

func (s *ChunkStorage) fetchBatch(ctx context.Context, q *querySet, worldID string, chunkType chunk.Type, positions []int) ([]StoredChunk, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args := q.getChunks(worldID, chunkType, positions)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(ctx, "get chunks", err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var stored StoredChunk
		snap, err := scanSnapshot(q, chunkType, func(dest ...any) error {
			return rows.Scan(append([]any{&stored.X, &stored.Z}, dest...)...)
		})
		if err != nil {
			return nil, storeError(ctx, "scan chunk row", err)
		}
		stored.Snapshot = snap
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(ctx, "iterate chunk rows", err)
	}
	return out, nil
}

// CountAll returns the number of stored chunk rows.
func (s *ChunkStorage) CountAll(ctx context.Context) (int, error) {
	return s.count(ctx, "store.count_all", s.current().countTotal)
}

// CountForWorld returns the number of stored chunk rows of one world.
func (s *ChunkStorage) CountForWorld(ctx context.Context, worldID string) (int, error) {
	return s.count(ctx, "store.count_world", s.current().countWorld, worldID)
}

func (s *ChunkStorage) count(ctx context.Context, op, query string, args ...any) (int, error) {
	timer := s.profiler.Start(op)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil {
		err = storeError(ctx, "count chunks", err)
	}
	timer.EndWithError(err)
	return n, err
}

// DeleteRectangle removes every stored chunk of the world with x in [x1,x2)
// and z in [z1,z2), of any type, and returns how many rows went.
func (s *ChunkStorage) DeleteRectangle(ctx context.Context, worldID string, x1, z1, x2, z2 int) (int64, error) {
	q := s.current()
	timer := s.profiler.Start("store.delete_rectangle")
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, q.deleteRect, worldID, x1, x2, z1, z2)
	if err != nil {
		err = storeError(ctx, "delete chunks", err)
		timer.EndWithError(err)
		return 0, err
	}
	timer.End()
	n, _ := res.RowsAffected()
	return n, nil
}

// scanSnapshot reads the data columns of q into a snapshot of q's generation.
func scanSnapshot(q *querySet, chunkType chunk.Type, scan func(dest ...any) error) (chunk.Snapshot, error) {
	var genTime int64
	var block, height string
	if q.version == chunk.SchemaV1 {
		if err := scan(&genTime, &block, &height); err != nil {
			return chunk.Snapshot{}, err
		}
		return chunk.NewV1(genTime, block, height), nil
	}

	var biome, indices string
	if err := scan(&genTime, &block, &height, &biome, &indices); err != nil {
		return chunk.Snapshot{}, err
	}
	return chunk.NewV2(chunkType, genTime, block, height, biome, indices), nil
}

func (s *ChunkStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *ChunkStorage) current() *querySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries
}

func (s *ChunkStorage) lockWorld(worldID string) func() {
	v, _ := s.worldLocks.LoadOrStore(worldID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
