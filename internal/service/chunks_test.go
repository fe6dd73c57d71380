package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glmap/server/internal/cache"
	"github.com/glmap/server/internal/chunk"
	"github.com/glmap/server/internal/database"
	"github.com/glmap/server/internal/protocol"
	"github.com/glmap/server/internal/registrar"
	"github.com/glmap/server/internal/worldsource"
)

type fakeStore struct {
	mu        sync.Mutex
	version   chunk.SchemaVersion
	rows      map[string]chunk.Snapshot
	fail      error
	manyCalls [][]int
	upserts   int
}

func newFakeStore(version chunk.SchemaVersion) *fakeStore {
	return &fakeStore{version: version, rows: make(map[string]chunk.Snapshot)}
}

func rowKey(world string, x, z int) string {
	return world + "/" + chunk.Flat(x, z).Key()
}

func (f *fakeStore) SchemaVersion() chunk.SchemaVersion { return f.version }

func (f *fakeStore) FetchOne(_ context.Context, world string, _ chunk.Type, x, z int) (chunk.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return chunk.Snapshot{}, false, f.fail
	}
	snap, ok := f.rows[rowKey(world, x, z)]
	return snap, ok, nil
}

func (f *fakeStore) FetchMany(_ context.Context, world string, _ chunk.Type, positions []int) ([]database.StoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manyCalls = append(f.manyCalls, append([]int(nil), positions...))
	if f.fail != nil {
		return nil, f.fail
	}
	var out []database.StoredChunk
	for i := 0; i+1 < len(positions); i += 2 {
		if snap, ok := f.rows[rowKey(world, positions[i], positions[i+1])]; ok {
			out = append(out, database.StoredChunk{X: positions[i], Z: positions[i+1], Snapshot: snap})
		}
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, world string, _ chunk.Type, x, z int, snap chunk.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.upserts++
	f.rows[rowKey(world, x, z)] = snap
	return nil
}

func (f *fakeStore) CountAll(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	return len(f.rows), nil
}

func (f *fakeStore) CountForWorld(_ context.Context, world string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for key := range f.rows {
		if strings.HasPrefix(key, world+"/") {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteRectangle(_ context.Context, world string, x1, z1, x2, z2 int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for x := x1; x < x2; x++ {
		for z := z1; z < z2; z++ {
			if _, ok := f.rows[rowKey(world, x, z)]; ok {
				delete(f.rows, rowKey(world, x, z))
				n++
			}
		}
	}
	return n, nil
}

type fakeSource struct {
	chunks map[string]*worldsource.RawChunk
	err    error
	calls  int
}

func (s *fakeSource) Enabled() bool { return s != nil }

func (s *fakeSource) FetchChunk(_ context.Context, world string, x, z int) (*worldsource.RawChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	raw, ok := s.chunks[rowKey(world, x, z)]
	if !ok {
		return nil, worldsource.ErrChunkNotFound
	}
	return raw, nil
}

var connSeq atomic.Int64

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []string
}

func newConn() *fakeConn {
	return &fakeConn{id: fmt.Sprintf("conn-%d", connSeq.Add(1))}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "10.0.0.1" }
func (c *fakeConn) ClientID() string   { return "client-1" }
func (c *fakeConn) Close() error       { return nil }

func (c *fakeConn) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(message))
	return nil
}

func (c *fakeConn) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(c.sent[len(c.sent)-1]), &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	return out
}

type fixture struct {
	cache    *cache.WorldCache
	store    *fakeStore
	source   *fakeSource
	service  *ChunkService
	registry *registrar.Registrar
}

func newFixture(t *testing.T, capacity cache.Capacity, source *fakeSource) *fixture {
	t.Helper()
	f := &fixture{cache: cache.New(), store: newFakeStore(chunk.SchemaV2), source: source}
	opts := Options{Cache: f.cache, Store: f.store, Capacity: capacity, Connections: func() int { return 3 }}
	if source != nil {
		opts.Source = source
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.service = svc
	f.registry = registrar.New(nil)
	if err := svc.Register(f.registry, nil); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return f
}

func (f *fixture) call(t *testing.T, payload string) map[string]any {
	t.Helper()
	env, err := protocol.Decode([]byte(payload))
	if err != nil {
		t.Fatalf("Decode(%s) failed: %v", payload, err)
	}
	conn := newConn()
	f.registry.HandleCommand(conn, env)
	return conn.last(t)
}

func snapshot(seed string, genTime int64) chunk.Snapshot {
	return chunk.NewTwoDimensional(genTime, "block-"+seed, "height-"+seed, "biome-"+seed)
}

func TestNew_RequiresCacheAndStore(t *testing.T) {
	if _, err := New(Options{Store: newFakeStore(chunk.SchemaV2)}); err == nil {
		t.Error("missing cache should fail")
	}
	if _, err := New(Options{Cache: cache.New()}); err == nil {
		t.Error("missing store should fail")
	}
}

func TestRegister(t *testing.T) {
	svc, _ := New(Options{Cache: cache.New(), Store: newFakeStore(chunk.SchemaV2)})

	r := registrar.New(nil)
	if err := svc.Register(r, map[string]time.Duration{CommandStats: 5 * time.Second}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if r.Commands() != 3 {
		t.Errorf("Commands() = %d, want 3", r.Commands())
	}
	stats, _ := r.Lookup(CommandStats)
	if stats.Interval() != 5*time.Second {
		t.Errorf("stats interval = %v, want the override", stats.Interval())
	}
	batch, _ := r.Lookup(CommandGetChunks)
	if batch.Interval() != 250*time.Millisecond {
		t.Errorf("get_chunks interval = %v, want the default", batch.Interval())
	}

	if err := svc.Register(r, nil); err == nil {
		t.Error("registering twice should fail")
	}
	if err := svc.Register(registrar.New(nil), map[string]time.Duration{"teleport": time.Second}); err == nil {
		t.Error("an override for an unknown command should fail")
	}
}

func TestGetChunk(t *testing.T) {
	t.Run("cache hit", func(t *testing.T) {
		f := newFixture(t, cache.Unlimited(), nil)
		f.cache.Put("w", chunk.Flat(1, 2), snapshot("c", 7), cache.Unlimited())

		reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":1,"z":2}`)
		if reply["cmd"] != "chunk" || reply["world"] != "w" {
			t.Fatalf("unexpected reply %v", reply)
		}
		payload := reply["chunk"].(map[string]any)
		if payload["block_data"] != "block-c" || payload["generation_time"] != float64(7) {
			t.Errorf("unexpected payload %v", payload)
		}
	})

	t.Run("store hit repopulates the cache", func(t *testing.T) {
		f := newFixture(t, cache.Unlimited(), nil)
		f.store.rows[rowKey("w", 4, 4)] = snapshot("s", 1)

		reply := f.call(t, `{"command":"get_chunk","world":"w","x":4,"z":4}`)
		if reply["chunk"] == nil {
			t.Fatalf("expected a chunk, got %v", reply)
		}
		if !f.cache.Contains("w", chunk.Flat(4, 4)) {
			t.Error("store hit was not cached")
		}
	})

	t.Run("store hit honors the capacity", func(t *testing.T) {
		f := newFixture(t, cache.Limit(1), nil)
		f.cache.Put("w", chunk.Flat(0, 0), snapshot("a", 1), cache.Unlimited())
		f.store.rows[rowKey("w", 4, 4)] = snapshot("s", 1)

		if reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":4,"z":4}`); reply["chunk"] == nil {
			t.Fatalf("a full cache must not hide the stored chunk: %v", reply)
		}
		if f.cache.SizeForWorld("w") != 1 {
			t.Errorf("cache grew past its capacity: %d", f.cache.SizeForWorld("w"))
		}
	})

	t.Run("source hit is cached and persisted", func(t *testing.T) {
		source := &fakeSource{chunks: map[string]*worldsource.RawChunk{
			rowKey("w", 9, 9): {Type: string(chunk.TwoDimensional), GenerationTime: 55, BlockData: "raw"},
		}}
		f := newFixture(t, cache.Unlimited(), source)

		reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":9,"z":9}`)
		payload, ok := reply["chunk"].(map[string]any)
		if !ok || payload["generation_time"] != float64(55) {
			t.Fatalf("unexpected reply %v", reply)
		}
		if f.store.upserts != 1 || !f.cache.Contains("w", chunk.Flat(9, 9)) {
			t.Errorf("upserts=%d cached=%v", f.store.upserts, f.cache.Contains("w", chunk.Flat(9, 9)))
		}
	})

	t.Run("unknown chunk", func(t *testing.T) {
		f := newFixture(t, cache.Unlimited(), &fakeSource{})
		reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":0,"z":0}`)
		if v, ok := reply["chunk"]; !ok || v != nil {
			t.Errorf("expected chunk:null, got %v", reply)
		}
	})

	t.Run("store failure is generic", func(t *testing.T) {
		f := newFixture(t, cache.Unlimited(), nil)
		f.store.fail = errors.New("pq: connection refused at 10.1.1.1")
		reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":0,"z":0}`)
		if reply["error"] != protocol.ErrInternal {
			t.Errorf("expected a generic error, got %v", reply)
		}
	})

	t.Run("source failure is generic", func(t *testing.T) {
		f := newFixture(t, cache.Unlimited(), &fakeSource{err: errors.New("503")})
		reply := f.call(t, `{"cmd":"get_chunk","world":"w","x":0,"z":0}`)
		if reply["error"] != protocol.ErrInternal {
			t.Errorf("expected a generic error, got %v", reply)
		}
	})
}

func TestGetChunk_InvalidPayloads(t *testing.T) {
	f := newFixture(t, cache.Unlimited(), nil)
	for _, payload := range []string{
		`{"cmd":"get_chunk","world":"w","x":1}`,
		`{"cmd":"get_chunk","x":1,"z":1}`,
		`{"cmd":"get_chunk","world":"w","x":"one","z":1}`,
		`{"cmd":"get_chunk","world":"` + strings.Repeat("w", 37) + `","x":1,"z":1}`,
		`{"cmd":"get_chunk","world":"w","x":1,"z":1,"type":"four_dimensional"}`,
	} {
		if reply := f.call(t, payload); reply["error"] != protocol.ErrInvalidDataFormat {
			t.Errorf("%s: expected Invalid data format, got %v", payload, reply)
		}
	}
}

func TestGetChunks(t *testing.T) {
	f := newFixture(t, cache.Unlimited(), nil)
	f.cache.Put("w", chunk.Flat(0, 0), snapshot("cached", 1), cache.Unlimited())
	f.store.rows[rowKey("w", 1, 1)] = snapshot("stored", 2)
	f.store.rows[rowKey("w", 5, 5)] = snapshot("not asked", 3)

	reply := f.call(t, `{"cmd":"get_chunks","world":"w","positions":[0,0,1,1,2,2,0,0]}`)
	if reply["cmd"] != "chunks" {
		t.Fatalf("unexpected reply %v", reply)
	}

	var got []string
	for _, c := range reply["chunks"].([]any) {
		got = append(got, c.(map[string]any)["block_data"].(string))
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "block-cached,block-stored" {
		t.Errorf("chunks = %v", got)
	}

	if len(f.store.manyCalls) != 1 {
		t.Fatalf("expected one FetchMany, got %d", len(f.store.manyCalls))
	}
	if misses := f.store.manyCalls[0]; len(misses) != 4 || misses[0] != 1 || misses[2] != 2 {
		t.Errorf("FetchMany should only see the misses, got %v", misses)
	}
	if !f.cache.Contains("w", chunk.Flat(1, 1)) {
		t.Error("batch misses found in the store should be cached")
	}

	// All hits: no store round trip.
	f.cache.Put("h", chunk.Flat(3, 3), snapshot("h", 1), cache.Unlimited())
	calls := len(f.store.manyCalls)
	f.call(t, `{"cmd":"get_chunks","world":"h","positions":[3,3]}`)
	if len(f.store.manyCalls) != calls {
		t.Error("a fully cached batch should not query the store")
	}
}

func TestGetChunks_InvalidPayloads(t *testing.T) {
	f := newFixture(t, cache.Unlimited(), nil)
	for _, payload := range []string{
		`{"cmd":"get_chunks","world":"w","positions":[0,0,1]}`,
		`{"cmd":"get_chunks","world":"w","positions":[]}`,
		`{"cmd":"get_chunks","world":"w"}`,
		`{"cmd":"get_chunks","world":"w","positions":"0,0"}`,
	} {
		if reply := f.call(t, payload); reply["error"] != protocol.ErrInvalidDataFormat {
			t.Errorf("%s: expected Invalid data format, got %v", payload, reply)
		}
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, cache.Unlimited(), nil)
	f.cache.Put("w", chunk.Flat(0, 0), snapshot("a", 1), cache.Unlimited())
	f.cache.Put("v", chunk.Flat(0, 0), snapshot("b", 1), cache.Unlimited())
	f.store.rows[rowKey("w", 0, 0)] = snapshot("a", 1)

	reply := f.call(t, `{"cmd":"stats","world":"w"}`)
	want := map[string]float64{"connections": 3, "cached_total": 2, "cached_world": 1, "stored_total": 1, "stored_world": 1}
	for key, value := range want {
		if reply[key] != value {
			t.Errorf("%s = %v, want %v", key, reply[key], value)
		}
	}

	f.store.fail = errors.New("down")
	if reply := f.call(t, `{"cmd":"stats"}`); reply["error"] != protocol.ErrInternal {
		t.Errorf("store failure should be generic, got %v", reply)
	}
}

func TestIngestAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cache.Unlimited(), nil)

	v1 := chunk.NewV1(10, "b", "h")
	stored, err := f.service.Ingest(ctx, "w", chunk.TwoDimensional, 0, 0, v1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if stored.Version != chunk.SchemaV2 || stored.BlockIndices == "" {
		t.Errorf("Ingest should shape the snapshot for the store, got %+v", stored)
	}
	cached, _ := f.cache.Get("w", chunk.Flat(0, 0))
	if cached != stored || f.store.rows[rowKey("w", 0, 0)] != stored {
		t.Error("cache and store must hold the same shaped snapshot")
	}

	for x := 0; x < 3; x++ {
		_, _ = f.service.Ingest(ctx, "w", chunk.TwoDimensional, x, 1, snapshot("p", 1))
	}

	cachedRemoved, storedRemoved, err := f.service.Purge(ctx, "w", 0, 0, 2, 2)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if cachedRemoved != 3 || storedRemoved != 3 {
		t.Errorf("Purge removed cached=%d stored=%d, want 3 and 3", cachedRemoved, storedRemoved)
	}
	if !f.cache.Contains("w", chunk.Flat(2, 1)) {
		t.Error("(2,1) lies outside the rectangle")
	}

	f.store.fail = errors.New("down")
	if _, err := f.service.Ingest(ctx, "w", chunk.TwoDimensional, 7, 7, v1); err == nil {
		t.Error("Ingest should report store failures")
	}
	if f.cache.Contains("w", chunk.Flat(7, 7)) {
		t.Error("a chunk the store rejected must not be cached")
	}
}
