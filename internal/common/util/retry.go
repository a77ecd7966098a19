package util

import (
	"context"
)

// RetryUntilSuccess runs performAction until it succeeds or ctx is done,
// invoking onError after each failed attempt.
func RetryUntilSuccess(ctx context.Context, performAction func() error, onError func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := performAction()
			if err == nil {
				return
			}
			onError(err)
		}
	}
}
