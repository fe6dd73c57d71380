package database

import (
	"fmt"
	"strings"

	"github.com/glmap/server/internal/chunk"
)

// Dialect selects the SQL flavour of the chunk store.
type Dialect string

const (
	// Postgres stores positions as PostGIS points.
	Postgres Dialect = "postgres"
	// SQLite stores positions as two integer columns.
	SQLite Dialect = "sqlite"
)

// ParseDialect validates a configured driver name.
func ParseDialect(name string) (Dialect, error) {
	switch Dialect(strings.ToLower(name)) {
	case Postgres:
		return Postgres, nil
	case SQLite:
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", name)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	return string(d)
}

// Parameter placeholder n (1-based).
func (d Dialect) param(n int) string {
	if d == SQLite {
		return fmt.Sprintf("?%d", n)
	}
	return fmt.Sprintf("$%d", n)
}

// point renders the stored form of (x, z) from parameters xArg and xArg+1.
func (d Dialect) point(xArg int) string {
	if d == SQLite {
		return d.param(xArg) + ", " + d.param(xArg+1)
	}
	return fmt.Sprintf("ST_MakePoint(%s::float8, %s::float8)", d.param(xArg), d.param(xArg+1))
}

// pointColumns lists the position column(s) for INSERT.
func (d Dialect) pointColumns() string {
	if d == SQLite {
		return "pos_x, pos_z"
	}
	return "position"
}

// selectPoint reads the position back as two integers.
func (d Dialect) selectPoint() string {
	if d == SQLite {
		return "pos_x, pos_z"
	}
	return "CAST(ST_X(position) AS INTEGER) AS x, CAST(ST_Y(position) AS INTEGER) AS z"
}

// pointEquals matches the row at (x, z) bound to xArg and xArg+1.
func (d Dialect) pointEquals(xArg int) string {
	if d == SQLite {
		return fmt.Sprintf("pos_x = %s AND pos_z = %s", d.param(xArg), d.param(xArg+1))
	}
	return "position = " + d.point(xArg)
}

// pointIn matches any of count points bound from firstArg on, x and z interleaved.
func (d Dialect) pointIn(firstArg, count int) string {
	items := make([]string, count)
	for i := range items {
		arg := firstArg + 2*i
		if d == SQLite {
			items[i] = fmt.Sprintf("(%s, %s)", d.param(arg), d.param(arg+1))
		} else {
			items[i] = d.point(arg)
		}
	}
	if d == SQLite {
		return "(pos_x, pos_z) IN (VALUES " + strings.Join(items, ", ") + ")"
	}
	return "position IN (" + strings.Join(items, ", ") + ")"
}

// pointInRect matches x in [$a,$a+1) and z in [$a+2,$a+3).
func (d Dialect) pointInRect(firstArg int) string {
	x, z := "pos_x", "pos_z"
	if d == Postgres {
		x, z = "ST_X(position)", "ST_Y(position)"
	}
	return fmt.Sprintf("%s >= %s AND %s < %s AND %s >= %s AND %s < %s",
		x, d.param(firstArg), x, d.param(firstArg+1),
		z, d.param(firstArg+2), z, d.param(firstArg+3))
}

// Table names, each behind the configured prefix.
const (
	chunkTableName   = "glm_chunks"
	banTableName     = "glm_bans"
	versionTableName = "glm_meta"

	// schemaVersionKey is the row of the version table holding the schema generation.
	schemaVersionKey = "schema_version"
)

// querySet is every statement the adapter issues for one dialect and schema
// generation. Statements taking a variable number of points are built per call.
type querySet struct {
	dialect Dialect
	version chunk.SchemaVersion

	chunkTable   string
	banTable     string
	versionTable string

	createChunkTable []string
	createBanTable   []string
	createVersion    string
	getVersion       string
	setVersion       string

	chunkExists string
	chunkInsert string
	chunkUpdate string
	getChunk    string
	countTotal  string
	countWorld  string
	deleteRect  string

	insertBan string
	isBanned  string
}

func buildQueries(d Dialect, prefix string, v chunk.SchemaVersion) *querySet {
	q := &querySet{
		dialect:      d,
		version:      v,
		chunkTable:   prefix + chunkTableName,
		banTable:     prefix + banTableName,
		versionTable: prefix + versionTableName,
	}

	q.createVersion = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name VARCHAR(64) NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`, q.versionTable)
	q.getVersion = fmt.Sprintf(`SELECT value FROM %s WHERE name = %s`, q.versionTable, d.param(1))
	q.setVersion = fmt.Sprintf(`INSERT INTO %s (name, value) VALUES (%s, %s)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`, q.versionTable, d.param(1), d.param(2))

	q.createChunkTable = q.chunkTableDDL()
	q.createBanTable = q.banTableDDL()

	key := q.keyClause(1)

	q.chunkExists = fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s)`, q.chunkTable, key)
	q.getChunk = fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, q.dataColumns(), q.chunkTable, key)

	if v == chunk.SchemaV1 {
		q.chunkInsert = fmt.Sprintf(`INSERT INTO %s (world_id, %s, generation_time, chunk_data, height_data, version)
			VALUES (%s, %s, %s, %s, %s, %s)`,
			q.chunkTable, d.pointColumns(),
			d.param(1), d.point(2), d.param(4), d.param(5), d.param(6), d.param(7))
		q.chunkUpdate = fmt.Sprintf(`UPDATE %s SET generation_time = %s, chunk_data = %s, height_data = %s, version = %s
			WHERE %s`,
			q.chunkTable, d.param(1), d.param(2), d.param(3), d.param(4), q.keyClause(5))
	} else {
		q.chunkInsert = fmt.Sprintf(`INSERT INTO %s (world_id, chunk_type, %s, generation_time, block_data, height_data, biome_data, index_data, version)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			q.chunkTable, d.pointColumns(),
			d.param(1), d.param(2), d.point(3), d.param(5), d.param(6), d.param(7), d.param(8), d.param(9), d.param(10))
		q.chunkUpdate = fmt.Sprintf(`UPDATE %s SET generation_time = %s, block_data = %s, height_data = %s, biome_data = %s, index_data = %s, version = %s
			WHERE %s`,
			q.chunkTable, d.param(1), d.param(2), d.param(3), d.param(4), d.param(5), d.param(6), q.keyClause(7))
	}

	q.countTotal = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, q.chunkTable)
	q.countWorld = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE world_id = %s`, q.chunkTable, d.param(1))
	q.deleteRect = fmt.Sprintf(`DELETE FROM %s WHERE world_id = %s AND %s`, q.chunkTable, d.param(1), d.pointInRect(2))

	q.insertBan = fmt.Sprintf(`INSERT INTO %s (ip_address, client_id) VALUES (%s, %s)`, q.banTable, d.param(1), d.param(2))
	q.isBanned = fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE (ip_address <> '' AND ip_address = %s) OR (client_id <> '' AND client_id = %s))`,
		q.banTable, d.param(1), d.param(2))

	return q
}

// keyClause matches one chunk row from firstArg on: world, [type,] x, z.
func (q *querySet) keyClause(firstArg int) string {
	d := q.dialect
	if q.version == chunk.SchemaV1 {
		return fmt.Sprintf("world_id = %s AND %s", d.param(firstArg), d.pointEquals(firstArg+1))
	}
	return fmt.Sprintf("world_id = %s AND chunk_type = %s AND %s", d.param(firstArg), d.param(firstArg+1), d.pointEquals(firstArg+2))
}

// keyArgs orders the key parameters to match keyClause.
func (q *querySet) keyArgs(worldID string, chunkType chunk.Type, x, z int) []any {
	if q.version == chunk.SchemaV1 {
		return []any{worldID, x, z}
	}
	return []any{worldID, string(chunkType), x, z}
}

// dataColumns are the snapshot columns read back by getChunk.
func (q *querySet) dataColumns() string {
	if q.version == chunk.SchemaV1 {
		return "generation_time, chunk_data, height_data"
	}
	return "generation_time, block_data, height_data, biome_data, index_data"
}

// getChunks selects every listed point of one world (and type, for v2).
// positions holds count x,z pairs.
func (q *querySet) getChunks(worldID string, chunkType chunk.Type, positions []int) (string, []any) {
	d := q.dialect
	args := []any{worldID}
	where := fmt.Sprintf("world_id = %s", d.param(1))
	if q.version == chunk.SchemaV2 {
		args = append(args, string(chunkType))
		where += fmt.Sprintf(" AND chunk_type = %s", d.param(2))
	}
	first := len(args) + 1
	for _, p := range positions {
		args = append(args, p)
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s AND %s`,
		d.selectPoint(), q.dataColumns(), q.chunkTable, where, d.pointIn(first, len(positions)/2))
	return query, args
}

// removeBan deletes by whichever of ip and client id is non-empty.
func (q *querySet) removeBan(ipAddress, clientID string) (string, []any) {
	d := q.dialect
	var conds []string
	var args []any
	if ipAddress != "" {
		args = append(args, ipAddress)
		conds = append(conds, "ip_address = "+d.param(len(args)))
	}
	if clientID != "" {
		args = append(args, clientID)
		conds = append(conds, "client_id = "+d.param(len(args)))
	}
	return fmt.Sprintf(`DELETE FROM %s WHERE %s`, q.banTable, strings.Join(conds, " AND ")), args
}

func (q *querySet) chunkTableDDL() []string {
	d := q.dialect
	t := q.chunkTable

	position := "position geometry(Point) NOT NULL"
	positionIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_position_idx ON %s USING GIST (position)`, t, t)
	text := "TEXT"
	if d == SQLite {
		position = "pos_x INTEGER NOT NULL,\n\t\tpos_z INTEGER NOT NULL"
		positionIndex = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_position_idx ON %s (pos_x, pos_z)`, t, t)
	}

	var create string
	if q.version == chunk.SchemaV1 {
		create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		world_id CHAR(36) NOT NULL,
		%s,
		generation_time BIGINT NOT NULL,
		chunk_data %s NOT NULL,
		height_data %s NOT NULL,
		version SMALLINT NOT NULL
	)`, t, position, text, text)
	} else {
		create = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		world_id CHAR(36) NOT NULL,
		chunk_type VARCHAR(32) NOT NULL,
		%s,
		generation_time BIGINT NOT NULL,
		block_data %s NOT NULL,
		height_data %s NOT NULL,
		biome_data %s NOT NULL,
		index_data %s NOT NULL,
		version SMALLINT NOT NULL
	)`, t, position, text, text, text, text)
	}

	stmts := []string{}
	if d == Postgres {
		stmts = append(stmts, `CREATE EXTENSION IF NOT EXISTS postgis`)
	}
	stmts = append(stmts,
		create,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_world_id_idx ON %s (world_id)`, t, t),
		positionIndex,
	)
	if q.version == chunk.SchemaV2 {
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_chunk_type_idx ON %s (chunk_type)`, t, t))
	}
	return stmts
}

func (q *querySet) banTableDDL() []string {
	t := q.banTable
	if q.version == chunk.SchemaV1 {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ip_address VARCHAR(45) NOT NULL PRIMARY KEY,
		client_id VARCHAR(36) NOT NULL
	)`, t),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_client_id_idx ON %s (client_id)`, t, t),
		}
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ip_address VARCHAR(45) NOT NULL,
		client_id VARCHAR(36) NOT NULL
	)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ip_address_idx ON %s (ip_address)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_client_id_idx ON %s (client_id)`, t, t),
	}
}
