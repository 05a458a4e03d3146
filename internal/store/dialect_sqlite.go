package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so TEXT ordering matches chronological ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) ColumnType(kind string) string {
	switch kind {
	case "int", "bool":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

func (d *SQLiteDialect) JSONArrayContains(column, ph string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = %s)", column, ph)
}

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %w", ErrForeignKeyViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS webhook_targets (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    url            TEXT NOT NULL,
    service_type   TEXT NOT NULL,
    auth_header    TEXT,
    is_active      INTEGER NOT NULL DEFAULT 1,
    events         TEXT NOT NULL,
    condition_expr TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_targets_created ON webhook_targets (created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id                TEXT PRIMARY KEY,
    target_id         TEXT NOT NULL REFERENCES webhook_targets(id),
    event             TEXT NOT NULL,
    payload           TEXT NOT NULL,
    response_status   INTEGER,
    response_body     TEXT,
    attempt           INTEGER NOT NULL DEFAULT 1,
    success           INTEGER NOT NULL DEFAULT 0,
    duration_ms       INTEGER,
    retried           INTEGER NOT NULL DEFAULT 0,
    retry_delivery_id TEXT REFERENCES webhook_deliveries(id),
    retry_of          TEXT REFERENCES webhook_deliveries(id),
    chain_id          TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_created ON webhook_deliveries (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_target ON webhook_deliveries (target_id);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_event ON webhook_deliveries (event);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_pending ON webhook_deliveries (created_at) WHERE response_status IS NULL;
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
