package commbus

import (
	"context"
	"fmt"
)

// Ask sends query and returns its answer as T.
// A nil answer yields the zero T; any other type mismatch is an UnexpectedResultError.
func Ask[T any](ctx context.Context, bus CommBus, query Query) (T, error) {
	var zero T
	result, err := bus.QuerySync(ctx, query)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, &UnexpectedResultError{
			MessageType: GetMessageType(query),
			Want:        fmt.Sprintf("%T", zero),
			Got:         result,
		}
	}
	return typed, nil
}
