package circuitbreaker

import "context"

// ExecuteTyped is a type-safe generic wrapper around Breaker.ExecuteWithResult.
//
// Usage:
//
//	val, err := circuitbreaker.ExecuteTyped(ctx, cb, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
func ExecuteTyped[T any](ctx context.Context, cb *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	_, err := cb.ExecuteWithResult(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		out = v
		return nil, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
