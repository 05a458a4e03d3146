package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"webhook-relay/internal/metadata"
	"webhook-relay/internal/store"
)

const deliveryColumns = `d.id, d.target_id, d.event, d.payload, d.response_status, d.response_body, d.attempt,
	d.success, d.duration_ms, d.retried, d.retry_delivery_id, d.retry_of, d.chain_id, d.created_at,
	d.completed_at, t.name, t.url`

const deliveryFrom = ` FROM webhook_deliveries d JOIN webhook_targets t ON t.id = d.target_id`

// DeliveryFilter narrows ListDeliveries. Zero values match everything.
type DeliveryFilter struct {
	Event    string
	TargetID string
	Success  *bool
	State    string // pending, succeeded or failed
}

// RecordDeliveryStart inserts a pending delivery (attempt 1) and returns its id.
// An unknown target fails with ErrReferentialIntegrity.
func (l *Ledger) RecordDeliveryStart(ctx context.Context, targetID, event string, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", &ValidationError{Fields: []FieldError{{Field: "payload", Message: "must be valid JSON"}}}
	}
	id := store.NewID()
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := l.requireTarget(ctx, tx, targetID); err != nil {
			return err
		}
		return l.insertDelivery(ctx, tx, &metadata.WebhookDelivery{
			ID:       id,
			TargetID: targetID,
			Event:    event,
			Payload:  payload,
			Attempt:  1,
			ChainID:  id,
		})
	})
	if err != nil {
		return "", l.wrap("record delivery start", err)
	}
	return id, nil
}

// RecordRetryStart inserts a pending row that retries originalID and links
// the two: the new row carries retry_of and the next attempt number, the
// original is marked retried with retry_delivery_id pointing at the new row.
// A row that was already retried fails with ErrAlreadyRetried.
func (l *Ledger) RecordRetryStart(ctx context.Context, originalID string) (*metadata.WebhookDelivery, error) {
	var retry *metadata.WebhookDelivery
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		orig, err := l.getDelivery(ctx, tx, originalID)
		if err != nil {
			return err
		}
		if orig.Retried {
			return fmt.Errorf("delivery %s: %w", originalID, ErrAlreadyRetried)
		}
		id := store.NewID()
		if err := l.insertDelivery(ctx, tx, &metadata.WebhookDelivery{
			ID:       id,
			TargetID: orig.TargetID,
			Event:    orig.Event,
			Payload:  orig.Payload,
			Attempt:  orig.Attempt + 1,
			RetryOf:  &orig.ID,
			ChainID:  orig.ChainID,
		}); err != nil {
			return err
		}

		pb := l.store.Dialect.NewParamBuilder()
		q := fmt.Sprintf(`UPDATE webhook_deliveries SET retried = %s, retry_delivery_id = %s WHERE id = %s AND retried = %s`,
			pb.Add(true), pb.Add(id), pb.Add(orig.ID), pb.Add(false))
		n, err := store.Exec(ctx, tx, q, pb.Params()...)
		if err != nil {
			return l.wrap("mark delivery retried", err)
		}
		if n == 0 {
			return fmt.Errorf("delivery %s: %w", originalID, ErrAlreadyRetried)
		}

		retry, err = l.getDelivery(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, l.wrap("record retry start", err)
	}
	return retry, nil
}

// RecordDeliveryOutcome stores the result of an attempt. The body is
// truncated to MaxBodyLength characters and success is derived from status.
// If the write fails the row stays pending.
func (l *Ledger) RecordDeliveryOutcome(ctx context.Context, id string, status int, body string, duration time.Duration) error {
	d := l.store.Dialect
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		pb := d.NewParamBuilder()
		q := fmt.Sprintf(`UPDATE webhook_deliveries
			SET response_status = %s, response_body = %s, success = %s, duration_ms = %s, completed_at = %s
			WHERE id = %s`,
			pb.Add(status), pb.Add(TruncateBody(body)), pb.Add(metadata.IsSuccessStatus(status)),
			pb.Add(duration.Milliseconds()), pb.Add(d.TimeParam(l.now())), pb.Add(id))
		n, err := store.Exec(ctx, tx, q, pb.Params()...)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("delivery %s: %w", id, ErrNotFound)
		}
		return nil
	})
	return l.wrap("record delivery outcome", err)
}

// GetDelivery loads one delivery with its target's name and URL.
func (l *Ledger) GetDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error) {
	d, err := l.getDelivery(ctx, l.store.DB, id)
	if err != nil {
		return nil, l.wrap("get delivery", err)
	}
	return d, nil
}

// ListDeliveries returns deliveries matching f, newest first. limit <= 0
// selects DefaultListLimit; larger values are capped at MaxListLimit.
func (l *Ledger) ListDeliveries(ctx context.Context, f DeliveryFilter, limit int) ([]*metadata.WebhookDelivery, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	pb := l.store.Dialect.NewParamBuilder()
	var where []string
	if f.Event != "" {
		where = append(where, "d.event = "+pb.Add(f.Event))
	}
	if f.TargetID != "" {
		where = append(where, "d.target_id = "+pb.Add(f.TargetID))
	}
	if f.Success != nil {
		where = append(where, "d.success = "+pb.Add(*f.Success))
	}
	switch f.State {
	case "":
	case metadata.StatePending:
		where = append(where, "d.response_status IS NULL")
	case metadata.StateSucceeded:
		where = append(where, "d.success = "+pb.Add(true))
	case metadata.StateFailed:
		where = append(where, "d.response_status IS NOT NULL AND d.success = "+pb.Add(false))
	default:
		return nil, &ValidationError{Fields: []FieldError{{Field: "state", Message: "must be pending, succeeded or failed"}}}
	}

	q := `SELECT ` + deliveryColumns + deliveryFrom
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY d.created_at DESC, d.id DESC LIMIT " + pb.Add(limit)

	rows, err := l.store.DB.QueryContext(ctx, q, pb.Params()...)
	if err != nil {
		return nil, l.wrap("list deliveries", err)
	}
	defer rows.Close()

	deliveries := []*metadata.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, l.wrap("scan delivery", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, l.wrap("list deliveries", err)
	}
	return deliveries, nil
}

// CountStalePending counts deliveries still pending that were created before cutoff.
func (l *Ledger) CountStalePending(ctx context.Context, cutoff time.Time) (int, error) {
	pb := l.store.Dialect.NewParamBuilder()
	q := `SELECT COUNT(*) FROM webhook_deliveries WHERE response_status IS NULL AND created_at < ` +
		pb.Add(l.store.Dialect.TimeParam(cutoff))
	var n int
	if err := l.store.DB.QueryRowContext(ctx, q, pb.Params()...).Scan(&n); err != nil {
		return 0, l.wrap("count stale pending", err)
	}
	return n, nil
}

func (l *Ledger) requireTarget(ctx context.Context, q store.Querier, targetID string) error {
	pb := l.store.Dialect.NewParamBuilder()
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM webhook_targets WHERE id = `+pb.Add(targetID), pb.Params()...).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("target %s: %w", targetID, ErrReferentialIntegrity)
	}
	return err
}

func (l *Ledger) insertDelivery(ctx context.Context, q store.Querier, d *metadata.WebhookDelivery) error {
	dialect := l.store.Dialect
	pb := dialect.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO webhook_deliveries
		(id, target_id, event, payload, attempt, success, retried, retry_of, chain_id, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(d.ID), pb.Add(d.TargetID), pb.Add(d.Event), pb.Add(string(d.Payload)), pb.Add(d.Attempt),
		pb.Add(false), pb.Add(false), pb.Add(d.RetryOf), pb.Add(d.ChainID), pb.Add(dialect.TimeParam(l.now())))
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return l.wrap("insert delivery", err)
	}
	return nil
}

func (l *Ledger) getDelivery(ctx context.Context, q store.Querier, id string) (*metadata.WebhookDelivery, error) {
	pb := l.store.Dialect.NewParamBuilder()
	row := q.QueryRowContext(ctx, `SELECT `+deliveryColumns+deliveryFrom+` WHERE d.id = `+pb.Add(id), pb.Params()...)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, l.wrap("scan delivery", err)
	}
	return d, nil
}

func scanDelivery(s scanner) (*metadata.WebhookDelivery, error) {
	var (
		d          metadata.WebhookDelivery
		payload    []byte
		status     sql.NullInt64
		body       sql.NullString
		durationMs sql.NullInt64
		retryID    sql.NullString
		retryOf    sql.NullString
		created    store.Time
		completed  store.Time
	)
	if err := s.Scan(&d.ID, &d.TargetID, &d.Event, &payload, &status, &body, &d.Attempt,
		&d.Success, &durationMs, &d.Retried, &retryID, &retryOf, &d.ChainID, &created,
		&completed, &d.TargetName, &d.TargetURL); err != nil {
		return nil, err
	}
	d.Payload = payload
	if status.Valid {
		v := int(status.Int64)
		d.ResponseStatus = &v
	}
	if body.Valid {
		v := body.String
		d.ResponseBody = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		d.DurationMs = &v
	}
	if retryID.Valid {
		v := retryID.String
		d.RetryDeliveryID = &v
	}
	if retryOf.Valid {
		v := retryOf.String
		d.RetryOf = &v
	}
	d.CreatedAt = created.Time
	d.CompletedAt = completed.Ptr()
	d.State = metadata.DeliveryState(d.ResponseStatus)
	return &d, nil
}
