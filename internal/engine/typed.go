package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// GetAs decodes the cached payload for key into T. A payload that does not
// decode into T is reported as a miss.
func GetAs[T any](ctx context.Context, e *Engine, key string) (T, bool) {
	var out T
	raw, ok := e.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		e.log.Warn("[GET] cached payload does not match type", "key", key, "type", fmt.Sprintf("%T", out), "err", err)
		var zero T
		return zero, false
	}
	return out, true
}

// RememberAs is Remember for a typed loader
func RememberAs[T any](ctx context.Context, e *Engine, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var out T
	raw, err := e.Remember(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("engine: decode %q: %w", key, err)
	}
	return out, nil
}
