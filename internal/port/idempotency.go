package port

import "context"

type IdempotencyStore interface {
	// SetIdempotency claims key, returning false if it was already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)
	// ReleaseIdempotency frees a claimed key so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
