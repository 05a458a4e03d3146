// Package ledger is the durable record of webhook targets and every delivery
// attempt made against them.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"webhook-relay/internal/store"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrPersistence          = errors.New("persistence failure")
	ErrValidation           = errors.New("validation failed")
	ErrAlreadyRetried       = errors.New("delivery already retried")
)

// MaxBodyLength caps stored response bodies, in characters.
const MaxBodyLength = 1000

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a rejected input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Ledger reads and writes the relay tables. All writes run in transactions.
type Ledger struct {
	store *store.Store
	now   func() time.Time
}

func New(s *store.Store) *Ledger {
	return &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// TruncateBody limits body to MaxBodyLength characters. The result must be
// storable as text, so invalid UTF-8 sequences and NUL bytes are replaced
// with U+FFFD before counting; only those characters differ from the input
// within the kept prefix.
func TruncateBody(body string) string {
	body = strings.ToValidUTF8(body, "\uFFFD")
	body = strings.ReplaceAll(body, "\x00", "\uFFFD")
	n := 0
	for i := range body {
		if n == MaxBodyLength {
			return body[:i]
		}
		n++
	}
	return body
}

// wrap classifies a driver error into one of the ledger sentinels.
func (l *Ledger) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	mapped := store.MapError(l.store.Dialect, err)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrReferentialIntegrity),
		errors.Is(err, ErrValidation), errors.Is(err, ErrAlreadyRetried), errors.Is(err, ErrPersistence):
		return err
	case errors.Is(mapped, store.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(mapped, store.ErrForeignKeyViolation):
		return fmt.Errorf("%s: %w: %v", op, ErrReferentialIntegrity, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrPersistence, err)
	}
}
