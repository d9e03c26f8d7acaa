package audit

import (
	"context"

	"github.com/mbd888/sendguard/internal/entity"
)

// Store is the durable, append-only backing of the log.
type Store interface {
	Append(ctx context.Context, r Record) error
	ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]Record, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]Record, error)
}

// Sink receives records after they are durably stored.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Record) error
}
