// Package tenantctx carries the resolved subject of a request.
//
// Every metadata access takes the subject explicitly; there is no ambient
// session state. The subject is attached once by the auth middleware and
// flows through context.Context for the remainder of the call.
package tenantctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/classvault/backend/internal/models"
)

type subjectKey struct{}
type correlationKey struct{}

// Subject is the resolved (tenant, user, role) triple for an operation.
type Subject struct {
	UserID     uuid.UUID
	TenantID   uuid.UUID
	TenantType models.TenantType
	Role       models.Role
}

func WithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

func SubjectFrom(ctx context.Context) *Subject {
	if s, ok := ctx.Value(subjectKey{}).(*Subject); ok {
		return s
	}
	return nil
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the request correlation id, or an empty string when
// the operation did not originate from an HTTP request.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
