package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// connectTimeout bounds how long startup waits for a dependency that is
// still coming up, as in a compose stack.
const connectTimeout = 30 * time.Second

// pingWithRetry calls ping with exponential backoff until it succeeds,
// ctx ends, or connectTimeout elapses.
func pingWithRetry(ctx context.Context, name string, ping func(context.Context) error, log zerolog.Logger) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 250 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = connectTimeout

	return backoff.RetryNotify(
		func() error { return ping(ctx) },
		backoff.WithContext(exp, ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("dependency", name).Dur("retry_in", wait).Msg("Not reachable yet")
		},
	)
}
