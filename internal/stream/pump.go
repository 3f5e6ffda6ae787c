package stream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/thruflo/bulkwatch/internal/job"
	"github.com/thruflo/bulkwatch/internal/logging"
)

// Reconnect defaults.
const (
	DefaultReconnectInterval = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 10 * time.Second
	DefaultMaxReconnectTime  = 2 * time.Minute
)

// ReconnectPolicy bounds how a lost push channel is re-established.
type ReconnectPolicy struct {
	// InitialInterval is the first delay before reconnecting.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
	// MaxElapsedTime is how long reconnecting is tried before the channel
	// is closed for good.
	MaxElapsedTime time.Duration
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: DefaultReconnectInterval,
		MaxInterval:     DefaultMaxReconnectDelay,
		MaxElapsedTime:  DefaultMaxReconnectTime,
	}
}

func (p ReconnectPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.MaxElapsedTime > 0 {
		b.MaxElapsedTime = p.MaxElapsedTime
	}
	b.Reset()
	return b
}

// conn is one established push connection.
type conn interface {
	// Next blocks for the next event. It fails once the connection ends.
	Next() (job.Event, error)
	Close() error
}

// errMalformed marks a frame that could not be decoded; the connection
// itself is still usable.
type errMalformed struct {
	err error
}

func (e errMalformed) Error() string { return e.err.Error() }
func (e errMalformed) Unwrap() error { return e.err }

type dialFunc func(ctx context.Context) (conn, error)

// subscribe connects once synchronously and then pumps events into the
// returned channel, reconnecting per policy. After every reconnect a
// job.EventReconnected is delivered ahead of the new connection's events.
// The channel is closed when ctx is done or reconnecting gives up. onState,
// if set, sees every connection going up and down.
func subscribe(ctx context.Context, dial dialFunc, policy ReconnectPolicy, onState func(bool), logger *logging.Logger) (<-chan job.Event, error) {
	setState := func(connected bool) {
		if onState != nil {
			onState(connected)
		}
	}

	c, err := dial(ctx)
	if err != nil {
		return nil, &job.TransportError{Op: "subscribe", Err: err}
	}
	setState(true)

	out := make(chan job.Event, 100)
	go func() {
		defer close(out)
		for {
			err := drain(ctx, c, out, logger)
			setState(false)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Push channel lost, reconnecting", "error", err)

			c = redial(ctx, dial, policy, logger)
			if c == nil {
				return
			}
			setState(true)
			logger.Info("Push channel reconnected")

			select {
			case out <- job.Event{Kind: job.EventReconnected}:
			case <-ctx.Done():
				c.Close()
				setState(false)
				return
			}
		}
	}()
	return out, nil
}

func drain(ctx context.Context, c conn, out chan<- job.Event, logger *logging.Logger) error {
	stop := make(chan struct{})
	defer close(stop)
	defer c.Close()

	// Unblock Next when the subscriber goes away.
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	for {
		ev, err := c.Next()
		if err != nil {
			var bad errMalformed
			switch {
			case errors.Is(err, ErrUnknownEvent):
				logger.Debug("Ignoring push event", "error", err)
				continue
			case errors.As(err, &bad):
				logger.Warn("Dropping malformed push event", "error", err)
				continue
			}
			return err
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func redial(ctx context.Context, dial dialFunc, policy ReconnectPolicy, logger *logging.Logger) conn {
	b := policy.backOff()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			logger.Error("Giving up on push channel", "max_elapsed", policy.MaxElapsedTime)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		c, err := dial(ctx)
		if err == nil {
			return c
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Debug("Reconnect attempt failed", "error", err)
	}
}
