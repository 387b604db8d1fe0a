package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedsync/pkg/feed"
)

// Backoff configures the delay between reconnect attempts. Zero values keep
// the exponential defaults.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		bo.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		bo.MaxInterval = b.Max
	}
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

// reconnect retries connect until it succeeds, returns a permanent error or
// ctx is done.
func reconnect(ctx context.Context, logger *slog.Logger, transport string, b Backoff, connect func() error) error {
	return backoff.RetryNotify(connect, b.policy(ctx), func(err error, wait time.Duration) {
		subscriptionErrors.WithLabelValues(transport).Inc()
		logger.Warn("reconnect attempt failed", "err", err, "retry_in", wait)
	})
}

// deliver decodes one raw message and hands it to onEvent when it is in scope.
func deliver(logger *slog.Logger, transport string, scope Scope, data []byte, onEvent func(feed.Event)) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		messagesTotal.WithLabelValues(transport, "malformed").Inc()
		logger.Warn("dropping malformed message", "err", err)
		return
	}
	dispatch(logger, transport, scope, env, onEvent)
}

func dispatch(logger *slog.Logger, transport string, scope Scope, env Envelope, onEvent func(feed.Event)) {
	ev, err := env.Event()
	if err != nil {
		messagesTotal.WithLabelValues(transport, "malformed").Inc()
		logger.Warn("dropping undecodable change", "type", env.Type, "table", env.Table, "err", err)
		return
	}

	if !scope.Admits(env, ev) {
		messagesTotal.WithLabelValues(transport, "out_of_scope").Inc()
		return
	}

	messagesTotal.WithLabelValues(transport, "delivered").Inc()
	onEvent(ev)
}
