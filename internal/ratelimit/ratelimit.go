// Package ratelimit bounds repeated attempts per key, such as failed sign-ins
// for one email address, inside a fixed window.
package ratelimit

import "context"

// Limiter counts attempts per key. Allow records an attempt and reports
// whether it is still within the limit; Reset forgets the key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}
