package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error code used by MapError.
const pgForeignKeyViolation = "23503"

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) ColumnType(kind string) string {
	switch kind {
	case "int":
		return "INTEGER"
	case "bool":
		return "BOOLEAN"
	case "time":
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = current_schema()`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) JSONArrayContains(column, ph string) string {
	return fmt.Sprintf("%s @> jsonb_build_array(%s::text)", column, ph)
}

func (d *PostgresDialect) TimeParam(t time.Time) any {
	return t.UTC()
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

// payload is JSON rather than JSONB so the stored bytes are replayed verbatim.
const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS webhook_targets (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    service_type   TEXT NOT NULL,
    auth_header    TEXT,
    is_active      BOOLEAN NOT NULL DEFAULT true,
    events         JSONB NOT NULL,
    condition_expr TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_targets_created ON webhook_targets (created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id                TEXT PRIMARY KEY,
    target_id         TEXT NOT NULL REFERENCES webhook_targets(id),
    event             TEXT NOT NULL,
    payload           JSON NOT NULL,
    response_status   INTEGER,
    response_body     TEXT,
    attempt           INTEGER NOT NULL DEFAULT 1,
    success           BOOLEAN NOT NULL DEFAULT false,
    duration_ms       INTEGER,
    retried           BOOLEAN NOT NULL DEFAULT false,
    retry_delivery_id TEXT REFERENCES webhook_deliveries(id),
    retry_of          TEXT REFERENCES webhook_deliveries(id),
    chain_id          TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_target ON webhook_deliveries (target_id);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_event ON webhook_deliveries (event);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_pending ON webhook_deliveries (created_at) WHERE response_status IS NULL;
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
