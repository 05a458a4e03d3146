package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/expr-lang/expr"

	"webhook-relay/internal/metadata"
	"webhook-relay/internal/store"
)

// TargetInput is the client-supplied form of a target. An empty ID inserts,
// a non-empty ID updates.
type TargetInput struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	ServiceType string   `json:"service_type"`
	AuthHeader  *string  `json:"auth_header"`
	IsActive    *bool    `json:"is_active"` // nil defaults to true
	Events      []string `json:"events"`
	Condition   string   `json:"condition"`
}

// Validate checks the fields a target needs to be deliverable.
func (in *TargetInput) Validate() error {
	var errs []FieldError
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if strings.TrimSpace(in.URL) == "" {
		errs = append(errs, FieldError{Field: "url", Message: "is required"})
	} else if u, err := url.Parse(in.URL); err != nil || !u.IsAbs() || u.Host == "" ||
		(u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, FieldError{Field: "url", Message: "must be an absolute http or https URL"})
	}
	if strings.TrimSpace(in.ServiceType) == "" {
		errs = append(errs, FieldError{Field: "service_type", Message: "is required"})
	}
	if len(in.Events) == 0 {
		errs = append(errs, FieldError{Field: "events", Message: "must contain at least one event"})
	}
	for i, e := range in.Events {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("events[%d]", i), Message: "must not be blank"})
		}
	}
	if in.Condition != "" {
		if _, err := expr.Compile(in.Condition, expr.AsBool()); err != nil {
			errs = append(errs, FieldError{Field: "condition", Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

const targetColumns = `id, name, url, service_type, auth_header, is_active, events, condition_expr, created_at, updated_at`

// UpsertTarget inserts a new target or updates an existing one, refreshing
// updated_at. Updating an unknown id fails with ErrNotFound.
func (l *Ledger) UpsertTarget(ctx context.Context, in TargetInput) (*metadata.WebhookTarget, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	eventsJSON, err := json.Marshal(in.Events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	now := l.now()
	d := l.store.Dialect

	var target *metadata.WebhookTarget
	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		id := in.ID
		pb := d.NewParamBuilder()
		if id == "" {
			id = store.NewID()
			q := fmt.Sprintf(`INSERT INTO webhook_targets (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
				targetColumns,
				pb.Add(id), pb.Add(in.Name), pb.Add(in.URL), pb.Add(in.ServiceType), pb.Add(in.AuthHeader),
				pb.Add(active), pb.Add(string(eventsJSON)), pb.Add(in.Condition),
				pb.Add(d.TimeParam(now)), pb.Add(d.TimeParam(now)))
			if _, err := tx.ExecContext(ctx, q, pb.Params()...); err != nil {
				return l.wrap("insert target", err)
			}
		} else {
			q := fmt.Sprintf(`UPDATE webhook_targets
				SET name = %s, url = %s, service_type = %s, auth_header = %s, is_active = %s,
				    events = %s, condition_expr = %s, updated_at = %s
				WHERE id = %s`,
				pb.Add(in.Name), pb.Add(in.URL), pb.Add(in.ServiceType), pb.Add(in.AuthHeader), pb.Add(active),
				pb.Add(string(eventsJSON)), pb.Add(in.Condition), pb.Add(d.TimeParam(now)), pb.Add(id))
			n, err := store.Exec(ctx, tx, q, pb.Params()...)
			if err != nil {
				return l.wrap("update target", err)
			}
			if n == 0 {
				return fmt.Errorf("target %s: %w", id, ErrNotFound)
			}
		}
		t, err := l.getTarget(ctx, tx, id)
		if err != nil {
			return err
		}
		target = t
		return nil
	})
	if err != nil {
		return nil, l.wrap("upsert target", err)
	}
	return target, nil
}

// ListTargets returns every target, most recently created first.
func (l *Ledger) ListTargets(ctx context.Context) ([]*metadata.WebhookTarget, error) {
	q := `SELECT ` + targetColumns + ` FROM webhook_targets ORDER BY created_at DESC, id DESC`
	return l.queryTargets(ctx, q)
}

// GetTarget loads one target by id.
func (l *Ledger) GetTarget(ctx context.Context, id string) (*metadata.WebhookTarget, error) {
	t, err := l.getTarget(ctx, l.store.DB, id)
	if err != nil {
		return nil, l.wrap("get target", err)
	}
	return t, nil
}

// ActiveTargetsForEvent returns the active targets whose events list contains
// event, newest first.
func (l *Ledger) ActiveTargetsForEvent(ctx context.Context, event string) ([]*metadata.WebhookTarget, error) {
	d := l.store.Dialect
	pb := d.NewParamBuilder()
	q := fmt.Sprintf(`SELECT %s FROM webhook_targets WHERE is_active = %s AND %s ORDER BY created_at DESC, id DESC`,
		targetColumns, pb.Add(true), d.JSONArrayContains("events", pb.Add(event)))
	return l.queryTargets(ctx, q, pb.Params()...)
}

func (l *Ledger) getTarget(ctx context.Context, q store.Querier, id string) (*metadata.WebhookTarget, error) {
	pb := l.store.Dialect.NewParamBuilder()
	row := q.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM webhook_targets WHERE id = `+pb.Add(id), pb.Params()...)
	t, err := scanTarget(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, l.wrap("scan target", err)
	}
	return t, nil
}

func (l *Ledger) queryTargets(ctx context.Context, q string, args ...any) ([]*metadata.WebhookTarget, error) {
	rows, err := l.store.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, l.wrap("query targets", err)
	}
	defer rows.Close()

	targets := []*metadata.WebhookTarget{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, l.wrap("scan target", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, l.wrap("query targets", err)
	}
	return targets, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(s scanner) (*metadata.WebhookTarget, error) {
	var (
		t          metadata.WebhookTarget
		authHeader sql.NullString
		events     []byte
		created    store.Time
		updated    store.Time
	)
	if err := s.Scan(&t.ID, &t.Name, &t.URL, &t.ServiceType, &authHeader, &t.IsActive,
		&events, &t.Condition, &created, &updated); err != nil {
		return nil, err
	}
	if authHeader.Valid {
		v := authHeader.String
		t.AuthHeader = &v
	}
	if err := json.Unmarshal(events, &t.Events); err != nil {
		return nil, fmt.Errorf("decode events of target %s: %w", t.ID, err)
	}
	t.CreatedAt = created.Time
	t.UpdatedAt = updated.Time
	return &t, nil
}
