package engine

import (
	"context"

	"webhook-relay/internal/metadata"
)

// TargetSource is the ledger read the matcher needs.
type TargetSource interface {
	ActiveTargetsForEvent(ctx context.Context, event string) ([]*metadata.WebhookTarget, error)
}

// Matcher selects the targets subscribed to an event.
type Matcher struct {
	source TargetSource
}

func NewMatcher(source TargetSource) *Matcher {
	return &Matcher{source: source}
}

// MatchTargets returns every active target listing event exactly. No
// subscribers is an empty slice, not an error.
func (m *Matcher) MatchTargets(ctx context.Context, event string) ([]*metadata.WebhookTarget, error) {
	candidates, err := m.source.ActiveTargetsForEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	matched := make([]*metadata.WebhookTarget, 0, len(candidates))
	for _, t := range candidates {
		if t.Subscribes(event) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}
