package store

import (
	"context"
	"fmt"
	"strings"
)

// column describes a column added after the first schema release. Existing
// databases get it through ALTER TABLE; fresh ones through SystemTablesSQL.
type column struct {
	Name    string
	Kind    string
	Default string // SQL literal, empty for NULL
}

var addedColumns = map[string][]column{
	"webhook_targets": {
		{Name: "condition_expr", Kind: "text", Default: "''"},
	},
	"webhook_deliveries": {
		{Name: "duration_ms", Kind: "int"},
		{Name: "retried", Kind: "bool", Default: "false"},
		{Name: "retry_delivery_id", Kind: "text"},
		{Name: "retry_of", Kind: "text"},
		{Name: "chain_id", Kind: "text", Default: "''"},
		{Name: "completed_at", Kind: "time"},
	},
}

// tableOrder keeps migrations deterministic.
var tableOrder = []string{"webhook_targets", "webhook_deliveries"}

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// Migrate creates the relay tables if they don't exist and adds any columns
// missing from tables created by an older release.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("create relay tables: %w", err)
	}

	for _, table := range tableOrder {
		if err := m.alterTable(ctx, table, addedColumns[table]); err != nil {
			return err
		}
	}

	// Rows written before retry chains existed are their own chain root.
	if _, err := m.store.DB.ExecContext(ctx, "UPDATE webhook_deliveries SET chain_id = id WHERE chain_id = ''"); err != nil {
		return fmt.Errorf("backfill chain ids: %w", err)
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, table string, cols []column) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", table, err)
	}

	for _, c := range cols {
		if _, ok := existing[c.Name]; ok {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.Name, m.store.Dialect.ColumnType(c.Kind))
		if c.Default != "" {
			sql += " DEFAULT " + m.defaultLiteral(c)
		}
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (m *Migrator) defaultLiteral(c column) string {
	if c.Kind == "bool" && m.store.Dialect.Name() == "sqlite" {
		if strings.EqualFold(c.Default, "true") {
			return "1"
		}
		return "0"
	}
	return c.Default
}
