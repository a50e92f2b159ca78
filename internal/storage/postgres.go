// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signalapi/signal-service/internal/model"
)

// postgres provides persistent storage for signals, types and user regions.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool, initializes the schema and loads seed.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//   - seed: Reference data inserted if missing
func NewPostgres(dsn string, seed Seed) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := loadSeed(ctx, pool, seed); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to seed reference data: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Signal categories, looked up by name
		CREATE TABLE IF NOT EXISTS type_signals (
		    id BIGSERIAL PRIMARY KEY,
		    type TEXT NOT NULL UNIQUE
		);

		-- Incident reports
		CREATE TABLE IF NOT EXISTS signals (
		    id BIGSERIAL PRIMARY KEY,                -- Never reused
		    image TEXT NOT NULL,                     -- Blob key
		    description TEXT NOT NULL,
		    latitude DOUBLE PRECISION NOT NULL,
		    longitude DOUBLE PRECISION NOT NULL,
		    status TEXT NOT NULL,
		    date DATE NOT NULL,                      -- Caller-supplied report date
		    username TEXT NOT NULL,
		    region TEXT,                             -- NULL until assigned by an admin
		    seen INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_signals_region ON signals(region);
		CREATE INDEX IF NOT EXISTS idx_signals_username ON signals(username);

		-- Signal <-> type association
		CREATE TABLE IF NOT EXISTS signal_type_links (
		    signal_id BIGINT NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
		    type_id BIGINT NOT NULL REFERENCES type_signals(id),
		    PRIMARY KEY (signal_id, type_id)
		);

		-- Username -> region mapping, read-only for the service
		CREATE TABLE IF NOT EXISTS user_regions (
		    username TEXT PRIMARY KEY,
		    region TEXT NOT NULL
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// loadSeed inserts missing types and upserts user regions in one batch
func loadSeed(ctx context.Context, db *pgxpool.Pool, seed Seed) error {
	batch := &pgx.Batch{}
	for _, name := range seed.Types {
		batch.Queue(`INSERT INTO type_signals (type) VALUES ($1) ON CONFLICT (type) DO NOTHING`, name)
	}
	for user, region := range seed.UserRegions {
		batch.Queue(`INSERT INTO user_regions (username, region) VALUES ($1, $2)
		             ON CONFLICT (username) DO UPDATE SET region = EXCLUDED.region`, user, region)
	}
	if batch.Len() == 0 {
		return nil
	}
	return db.SendBatch(ctx, batch).Close()
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// CreateSignal inserts the signal and its type links in a single transaction
func (p *postgres) CreateSignal(ctx context.Context, s *model.Signal) error {
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		query := `INSERT INTO signals (image, description, latitude, longitude, status, date, username, region, seen)
		          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		          RETURNING id`

		err := tx.QueryRow(ctx, query,
			s.Image,
			s.Description,
			s.Latitude,
			s.Longitude,
			string(s.Status),
			s.Date,
			s.Username,
			s.Region,
			s.Seen,
		).Scan(&s.ID)
		if err != nil {
			return err
		}

		for _, t := range s.TypeSignal {
			if _, err := tx.Exec(ctx, `INSERT INTO signal_type_links (signal_id, type_id) VALUES ($1, $2)`, s.ID, t.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.ID = 0
		return fmt.Errorf("failed to create signal: %w", err)
	}
	return nil
}

// selectSignals reads signals together with their types aggregated as JSON
const selectSignals = `
	SELECT s.id, s.image, s.description, s.latitude, s.longitude, s.status, s.date,
	       s.username, s.region, s.seen,
	       COALESCE(json_agg(json_build_object('id', t.id, 'type', t.type) ORDER BY t.id)
	                FILTER (WHERE t.id IS NOT NULL), '[]')
	FROM signals s
	LEFT JOIN signal_type_links l ON l.signal_id = s.id
	LEFT JOIN type_signals t ON t.id = l.type_id`

// GetSignal retrieves a signal by id
func (p *postgres) GetSignal(ctx context.Context, id int64) (*model.Signal, error) {
	signals, err := p.querySignals(ctx, selectSignals+` WHERE s.id = $1 GROUP BY s.id`, id)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, ErrNotFound
	}
	return &signals[0], nil
}

// ListSignals lists every signal ordered by id
func (p *postgres) ListSignals(ctx context.Context) ([]model.Signal, error) {
	return p.querySignals(ctx, selectSignals+` GROUP BY s.id ORDER BY s.id`)
}

// ListSignalsByRegion lists signals assigned to region
func (p *postgres) ListSignalsByRegion(ctx context.Context, region string) ([]model.Signal, error) {
	return p.querySignals(ctx, selectSignals+` WHERE s.region = $1 GROUP BY s.id ORDER BY s.id`, region)
}

// ListSignalsByUsername lists signals reported by username
func (p *postgres) ListSignalsByUsername(ctx context.Context, username string) ([]model.Signal, error) {
	return p.querySignals(ctx, selectSignals+` WHERE s.username = $1 GROUP BY s.id ORDER BY s.id`, username)
}

func (p *postgres) querySignals(ctx context.Context, query string, args ...interface{}) ([]model.Signal, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	signals := make([]model.Signal, 0)
	for rows.Next() {
		var s model.Signal
		var status string
		var typesJSON []byte

		err := rows.Scan(
			&s.ID,
			&s.Image,
			&s.Description,
			&s.Latitude,
			&s.Longitude,
			&status,
			&s.Date,
			&s.Username,
			&s.Region,
			&s.Seen,
			&typesJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		s.Status = model.Status(status)

		if err := json.Unmarshal(typesJSON, &s.TypeSignal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal types: %w", err)
		}
		signals = append(signals, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return signals, nil
}

// UpdateSignalStatus sets the status of one signal without touching other columns
func (p *postgres) UpdateSignalStatus(ctx context.Context, id int64, status model.Status) error {
	result, err := p.db.Exec(ctx, `UPDATE signals SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSignalRegion sets the region of one signal without touching other columns
func (p *postgres) UpdateSignalRegion(ctx context.Context, id int64, region string) error {
	result, err := p.db.Exec(ctx, `UPDATE signals SET region = $1 WHERE id = $2`, region, id)
	if err != nil {
		return fmt.Errorf("failed to update signal region: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSignal removes a signal; its type links cascade
func (p *postgres) DeleteSignal(ctx context.Context, id int64) error {
	result, err := p.db.Exec(ctx, `DELETE FROM signals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete signal: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTypeByName looks up a type by its name
func (p *postgres) GetTypeByName(ctx context.Context, name string) (*model.TypeSignal, error) {
	var t model.TypeSignal
	err := p.db.QueryRow(ctx, `SELECT id, type FROM type_signals WHERE type = $1`, name).Scan(&t.ID, &t.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get type: %w", err)
	}
	return &t, nil
}

// ListTypes lists the type catalog ordered by id
func (p *postgres) ListTypes(ctx context.Context) ([]model.TypeSignal, error) {
	rows, err := p.db.Query(ctx, `SELECT id, type FROM type_signals ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list types: %w", err)
	}
	types, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.TypeSignal])
	if err != nil {
		return nil, fmt.Errorf("failed to scan types: %w", err)
	}
	return types, nil
}

// GetRegionForUser returns the region mapped to username
func (p *postgres) GetRegionForUser(ctx context.Context, username string) (string, error) {
	var region string
	err := p.db.QueryRow(ctx, `SELECT region FROM user_regions WHERE username = $1`, username).Scan(&region)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get region: %w", err)
	}
	return region, nil
}
