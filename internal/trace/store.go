package trace

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	maxConnections = 500
	// writeTimeout bounds each trace write; the Writer interface carries no
	// context because writes happen off the call path.
	writeTimeout = 5 * time.Second
)

// ErrNotFound is returned by lookups for unknown connections or runs.
var ErrNotFound = errors.New("trace: not found")

// Store persists trace data to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to a PostgreSQL trace database at connStr and applies
// pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// migrate applies each embedded migration newer than schema_version in its
// own transaction.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for i := current + 1; i < len(entries); i++ {
		sql, err := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if err != nil {
			return fmt.Errorf("read migration %d: %w", i, err)
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", entries[i].Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) exec(sql string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, sql, args...)
	return err
}

// CreateConnection inserts a connection and prunes the oldest beyond maxConnections.
func (s *Store) CreateConnection(id, remoteAddr string) error {
	if err := s.exec(
		`INSERT INTO connections (id, remote_addr, started_at) VALUES ($1, $2, $3)`,
		id, remoteAddr, time.Now().UTC(),
	); err != nil {
		return err
	}
	return s.exec(
		`DELETE FROM connections WHERE id NOT IN (SELECT id FROM connections ORDER BY started_at DESC LIMIT $1)`,
		maxConnections,
	)
}

func (s *Store) EndConnection(id string) error {
	return s.exec(`UPDATE connections SET ended_at = $1 WHERE id = $2`, time.Now().UTC(), id)
}

func (s *Store) CreateRun(id, connectionID string) error {
	return s.exec(
		`INSERT INTO runs (id, connection_id, started_at, status) VALUES ($1, $2, $3, 'running')`,
		id, connectionID, time.Now().UTC(),
	)
}

// UpdateRun sets the run's final fields.
func (s *Store) UpdateRun(id string, durationMs float64, transcript, response, status string) error {
	return s.exec(
		`UPDATE runs SET duration_ms = $1, transcript = $2, response = $3, status = $4 WHERE id = $5`,
		durationMs, transcript, response, status, id,
	)
}

func (s *Store) CreateSpan(sp Span) error {
	return s.exec(
		`INSERT INTO spans (id, run_id, name, started_at, duration_ms, input, output, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.RunID, sp.Name, sp.StartedAt.UTC(),
		sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
}

// ListConnections returns connections newest first, with run counts.
func (s *Store) ListConnections(ctx context.Context, limit, offset int) ([]Connection, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM connections`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.remote_addr, c.started_at, c.ended_at, COUNT(r.id)::int AS run_count
		FROM connections c
		LEFT JOIN runs r ON r.connection_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	conns, err := pgx.CollectRows(rows, pgx.RowToStructByName[Connection])
	return conns, total, err
}

// GetConnection returns a single connection with its runs.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, []Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, remote_addr, started_at, ended_at, 0 AS run_count FROM connections WHERE id = $1`, id)
	if err != nil {
		return nil, nil, err
	}
	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Connection])
	if err != nil {
		return nil, nil, notFound(err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT r.id, r.connection_id, r.started_at, r.duration_ms, r.transcript, r.response, r.status,
		       COUNT(sp.id)::int AS span_count
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE r.connection_id = $1
		GROUP BY r.id
		ORDER BY r.started_at ASC
	`, id)
	if err != nil {
		return nil, nil, err
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToStructByName[Run])
	c.RunCount = len(runs)
	return c, runs, err
}

// GetRun returns a single run with its spans.
func (s *Store) GetRun(ctx context.Context, connectionID, runID string) (*Run, []Span, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, connection_id, started_at, duration_ms, transcript, response, status, 0 AS span_count
		FROM runs WHERE id = $1 AND connection_id = $2
	`, runID, connectionID)
	if err != nil {
		return nil, nil, err
	}
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Run])
	if err != nil {
		return nil, nil, notFound(err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, run_id, name, started_at, duration_ms, input, output, status, error_msg
		FROM spans WHERE run_id = $1 ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, nil, err
	}
	spans, err := pgx.CollectRows(rows, pgx.RowToStructByName[Span])
	r.SpanCount = len(spans)
	return r, spans, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
