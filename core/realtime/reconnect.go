package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
)

// ReconnectPolicy returns a fresh backoff for each resubscribe cycle.
type ReconnectPolicy func() backoff.BackOff

// ExponentialReconnect retries from 500ms up to 30s apart. maxElapsed 0 retries forever.
func ExponentialReconnect(maxElapsed time.Duration) ReconnectPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = reconnectInitialInterval
		b.MaxInterval = reconnectMaxInterval
		b.MaxElapsedTime = maxElapsed
		b.Reset()
		return b
	}
}

// NoReconnect leaves dropped subscriptions down.
func NoReconnect() backoff.BackOff {
	return &backoff.StopBackOff{}
}
