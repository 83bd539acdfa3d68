package sync

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type syncRunContextKey int

const (
	syncRunContextKeyForce syncRunContextKey = iota
	syncRunContextKeyIntegrationScope
)

// TriggerRequest is the wire form of a resync request. An empty request
// asks for a normal pass over everything due; a scoped request names one
// integration and runs it regardless of its schedule.
type TriggerRequest struct {
	IntegrationID string `json:"integration_id,omitempty"`
}

// Normalized parses and canonicalizes the integration id. Requests that
// do not carry a valid id normalize to the unscoped request.
func (r TriggerRequest) Normalized() TriggerRequest {
	raw := strings.ToLower(strings.TrimSpace(r.IntegrationID))
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return TriggerRequest{}
	}
	return TriggerRequest{IntegrationID: id.String()}
}

func (r TriggerRequest) HasIntegrationScope() bool {
	return r.Normalized().IntegrationID != ""
}

// WithForcedSync marks the pass as operator-triggered: due checks are
// skipped and every selected integration runs.
func WithForcedSync(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, syncRunContextKeyForce, true)
}

// WithIntegrationScope restricts the pass to one integration. A nil id
// leaves the context unscoped.
func WithIntegrationScope(ctx context.Context, integrationID uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if integrationID == uuid.Nil {
		return ctx
	}
	return context.WithValue(ctx, syncRunContextKeyIntegrationScope, integrationID)
}

func IsForcedSync(ctx context.Context) bool {
	v, ok := ctx.Value(syncRunContextKeyForce).(bool)
	return ok && v
}

func IntegrationScopeFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(syncRunContextKeyIntegrationScope).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
