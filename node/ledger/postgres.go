package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"isolate/core/environment"
)

const schema = `CREATE TABLE IF NOT EXISTS environment_transitions (
	id          BIGSERIAL PRIMARY KEY,
	handle_id   TEXT NOT NULL,
	env_key     TEXT NOT NULL,
	backend     TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	locator     TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS environment_transitions_handle ON environment_transitions (handle_id, id)`

// PostgresStore keeps records in the environment_transitions table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver and creates the table when missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(
		ctx,
		`INSERT INTO environment_transitions (
			handle_id, env_key, backend, from_status, to_status, locator, detail, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.HandleID,
		string(rec.Key),
		rec.Backend,
		string(rec.From),
		string(rec.To),
		rec.Locator,
		rec.Detail,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, handleID string) ([]Record, error) {
	rows, err := p.db.QueryContext(
		ctx,
		`SELECT handle_id, env_key, backend, from_status, to_status, locator, detail, at
		 FROM environment_transitions
		 WHERE handle_id = $1
		 ORDER BY id ASC`,
		handleID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return scanRecords(rows)
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(
		ctx,
		`SELECT handle_id, env_key, backend, from_status, to_status, locator, detail, at
		 FROM environment_transitions
		 ORDER BY id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec      Record
			key      string
			from, to string
		)
		if err := rows.Scan(&rec.HandleID, &key, &rec.Backend, &from, &to, &rec.Locator, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.Key = environment.Key(key)
		rec.From = environment.Status(from)
		rec.To = environment.Status(to)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transitions: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

var _ Store = (*PostgresStore)(nil)
