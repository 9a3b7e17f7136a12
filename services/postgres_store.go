package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flashbots/techmap/protocol"
	_ "github.com/lib/pq"
)

// queryTimeout bounds a single statement.
const queryTimeout = 5 * time.Second

// PostgresStore implements protocol.Store and ProducerStore with PostgreSQL
// persistence. Aggregates are stored as JSON documents of ciphertexts.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ protocol.Store = (*PostgresStore)(nil)
	_ ProducerStore  = (*PostgresStore)(nil)
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects and migrates the schema.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS maps (
		id VARCHAR(64) PRIMARY KEY,
		machine VARCHAR(128) NOT NULL,
		material VARCHAR(128) NOT NULL,
		tool VARCHAR(128) NOT NULL,
		salt VARCHAR(128) NOT NULL,
		tool_type VARCHAR(128) NOT NULL DEFAULT '',
		tool_diameter DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE (machine, material, tool)
	);

	CREATE TABLE IF NOT EXISTS points (
		map_id VARCHAR(64) NOT NULL REFERENCES maps(id) ON DELETE CASCADE,
		coord VARCHAR(512) NOT NULL,
		params JSONB NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (map_id, coord)
	);

	CREATE TABLE IF NOT EXISTS candidates (
		producer VARCHAR(128) NOT NULL,
		map_id VARCHAR(64) NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (producer, map_id)
	);

	CREATE TABLE IF NOT EXISTS access_log (
		id BIGSERIAL PRIMARY KEY,
		producer VARCHAR(128) NOT NULL,
		map_id VARCHAR(64) NOT NULL DEFAULT '',
		kind VARCHAR(32) NOT NULL,
		point_count INTEGER NOT NULL,
		at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS producers (
		public_key VARCHAR(128) PRIMARY KEY,
		name VARCHAR(256) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_maps_created ON maps(created_at);
	CREATE INDEX IF NOT EXISTS idx_access_producer ON access_log(producer);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const mapColumns = `id, machine, material, tool, salt, tool_type, tool_diameter, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMap(row rowScanner) (*protocol.MapInfo, error) {
	var info protocol.MapInfo
	var id string
	err := row.Scan(&id, &info.Label.Machine, &info.Label.Material, &info.Label.Tool,
		&info.Salt, &info.Tool.Type, &info.Tool.Diameter, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	info.ID = protocol.MapID(id)
	info.CreatedAt = info.CreatedAt.UTC()
	return &info, nil
}

func (s *PostgresStore) GetMapByLabel(ctx context.Context, label protocol.MapLabel) (*protocol.MapInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+mapColumns+` FROM maps WHERE machine = $1 AND material = $2 AND tool = $3`,
		label.Machine, label.Material, label.Tool)
	return scanMap(row)
}

func (s *PostgresStore) GetMap(ctx context.Context, id protocol.MapID) (*protocol.MapInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+mapColumns+` FROM maps WHERE id = $1`, string(id))
	return scanMap(row)
}

// CreateMap relies on the label uniqueness constraint, so concurrent
// creators converge on the first insert.
func (s *PostgresStore) CreateMap(ctx context.Context, info *protocol.MapInfo) (*protocol.MapInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO maps (`+mapColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (machine, material, tool) DO NOTHING
	`,
		string(info.ID), info.Label.Machine, info.Label.Material, info.Label.Tool,
		info.Salt, info.Tool.Type, info.Tool.Diameter, info.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+mapColumns+` FROM maps WHERE machine = $1 AND material = $2 AND tool = $3`,
		info.Label.Machine, info.Label.Material, info.Label.Tool)
	return scanMap(row)
}

// likePattern builds a substring ILIKE pattern. Empty matches everything.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(s)) + "%"
}

// FindMaps narrows candidates in SQL and applies the remaining filter terms
// in process.
func (s *PostgresStore) FindMaps(ctx context.Context, filter *protocol.ReverseQueryFilter, limit int) ([]*protocol.MapInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+mapColumns+` FROM maps
	WHERE machine ILIKE $1 AND material ILIKE $2 AND tool ILIKE $3 AND tool_type ILIKE $4
	ORDER BY created_at, id
	`,
		likePattern(filter.Machine), likePattern(filter.Material),
		likePattern(filter.Tool), likePattern(filter.ToolType),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.MapInfo
	for rows.Next() && len(out) < limit {
		info, err := scanMap(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(info) {
			out = append(out, info)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadAggregate(ctx context.Context, id protocol.MapID, coord protocol.Coordinate) (*protocol.AggregateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var raw []byte
	rec := &protocol.AggregateRecord{MapID: id, Coordinate: append(protocol.Coordinate(nil), coord...)}
	err := s.db.QueryRowContext(ctx,
		`SELECT params, version, updated_at FROM points WHERE map_id = $1 AND coord = $2`,
		string(id), coord.Key(),
	).Scan(&raw, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &rec.Params); err != nil {
		return nil, fmt.Errorf("decoding aggregate %s/%s: %w", id, coord.Key(), err)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// StoreAggregate inserts when expectedVersion is zero and otherwise updates
// only the expected version. Zero affected rows is a lost race.
func (s *PostgresStore) StoreAggregate(ctx context.Context, rec *protocol.AggregateRecord, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("encoding aggregate: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
		INSERT INTO points (map_id, coord, params, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (map_id, coord) DO NOTHING
		`, string(rec.MapID), rec.Coordinate.Key(), params, rec.Version, rec.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
		UPDATE points SET params = $3, version = $4, updated_at = $5
		WHERE map_id = $1 AND coord = $2 AND version = $6
		`, string(rec.MapID), rec.Coordinate.Key(), params, rec.Version, rec.UpdatedAt, expectedVersion)
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return protocol.ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListPoints(ctx context.Context, id protocol.MapID) ([]protocol.Coordinate, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT coord FROM points WHERE map_id = $1 ORDER BY coord`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []protocol.Coordinate{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		c, err := protocol.ParseCoordinate(key)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountPoints(ctx context.Context, id protocol.MapID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points WHERE map_id = $1`, string(id)).Scan(&n)
	return n, err
}

func (s *PostgresStore) SaveCandidates(ctx context.Context, producer string, ids []protocol.MapID, expires time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO candidates (producer, map_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (producer, map_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
		`, producer, string(id), expires)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) TakeCandidate(ctx context.Context, producer string, id protocol.MapID, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM candidates WHERE producer = $1 AND map_id = $2 RETURNING expires_at`,
		producer, string(id),
	).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ErrNotFound
	}
	if err != nil {
		return err
	}
	if now.After(expires) {
		return protocol.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordAccess(ctx context.Context, rec *protocol.AccessRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (producer, map_id, kind, point_count, at) VALUES ($1, $2, $3, $4, $5)`,
		rec.Producer, string(rec.MapID), string(rec.Kind), rec.PointCount, rec.At)
	return err
}

func (s *PostgresStore) ListAccess(ctx context.Context, producer string) ([]*protocol.AccessRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
	SELECT producer, map_id, kind, point_count, at FROM access_log
	WHERE $1 = '' OR producer = $1
	ORDER BY id
	`, producer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.AccessRecord
	for rows.Next() {
		var rec protocol.AccessRecord
		var mapID, kind string
		if err := rows.Scan(&rec.Producer, &mapID, &kind, &rec.PointCount, &rec.At); err != nil {
			return nil, err
		}
		rec.MapID = protocol.MapID(mapID)
		rec.Kind = protocol.AccessKind(kind)
		rec.At = rec.At.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveProducer upserts a producer account.
func (s *PostgresStore) SaveProducer(ctx context.Context, p *Producer) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO producers (public_key, name, created_at) VALUES ($1, $2, $3)
	ON CONFLICT (public_key) DO UPDATE SET name = EXCLUDED.name
	`, p.PublicKey, p.Name, p.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteProducer(ctx context.Context, publicKey string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM producers WHERE public_key = $1", publicKey)
	return err
}

func (s *PostgresStore) GetProducer(ctx context.Context, publicKey string) (*Producer, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Producer
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key, name, created_at FROM producers WHERE public_key = $1`, publicKey,
	).Scan(&p.PublicKey, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProducerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListProducers(ctx context.Context) ([]*Producer, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT public_key, name, created_at FROM producers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Producer
	for rows.Next() {
		var p Producer
		if err := rows.Scan(&p.PublicKey, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
