// Package ratelimit bounds per-client request rates on the attestation
// service's public endpoints.
package ratelimit

import (
	"context"
	"time"
)

// Info carries rate limit state for a single request decision.
type Info struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter decides whether a request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, Info, error)
}
