package decisra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const (
	reconnectBaseDelay   = 750 * time.Millisecond
	reconnectMaxDelay    = 8 * time.Second
	reconnectFactor      = 1.6
	reconnectJitterMax   = 250 * time.Millisecond
	hiddenReconnectDelay = 15 * time.Second
)

// backoff computes reconnect delays: exponential growth from base up to
// max, plus random jitter in [0, jitterMax) so many clients dropping at
// once do not reconnect in lockstep.
type backoff struct {
	base      time.Duration
	max       time.Duration
	factor    float64
	jitterMax time.Duration
	jitterFn  func(time.Duration) time.Duration

	current time.Duration
}

func newReconnectBackoff() *backoff {
	return &backoff{
		base:      reconnectBaseDelay,
		max:       reconnectMaxDelay,
		factor:    reconnectFactor,
		jitterMax: reconnectJitterMax,
		jitterFn: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// next returns the delay for the upcoming attempt and advances the
// exponential schedule.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.base
	}
	delay := b.current + b.jitterFn(b.jitterMax)

	grown := time.Duration(float64(b.current) * b.factor)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown
	return delay
}

func (b *backoff) reset() { b.current = 0 }

// SubscribeOptions configures a resilient event subscription.
type SubscribeOptions struct {
	// Bearer is sent as an Authorization header when non-empty.
	Bearer string
	// OnEvent is invoked for every event, in arrival order.
	OnEvent func(StreamEvent)
	// OnReconnect, when set, is invoked before each reconnect attempt
	// after the first connection.
	OnReconnect func(attempt int)
}

// Subscribe maintains an auto-reconnecting subscription to a push
// endpoint until ctx is cancelled. Ordinary stream drops reconnect with
// exponential backoff; while the consumer is hidden the delay is pinned
// to a long interval, and regaining visibility reconnects immediately.
// A 404/405/501 response is a permanent capability error and is
// surfaced as ErrStreamingUnsupported without retrying.
func (c *Client) Subscribe(ctx context.Context, url string, opts SubscribeOptions) error {
	b := newReconnectBackoff()
	attempt := 0

	for {
		if attempt > 0 && opts.OnReconnect != nil {
			opts.OnReconnect(attempt)
		}

		err := c.streamOnce(ctx, url, opts.Bearer, opts.OnEvent)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrStreamingUnsupported) {
			return err
		}
		if err != nil {
			c.logger.Debug("event stream dropped", "url", url, "error", err)
		}

		attempt++
		delay := b.next()
		if c.visibility.Hidden() {
			delay = hiddenReconnectDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.visibility.Visible():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// streamOnce opens one push connection and dispatches events until the
// stream closes. A clean or dirty close both return nil; only permanent
// capability errors and context cancellation are surfaced.
func (c *Client) streamOnce(ctx context.Context, url, bearer string, onEvent func(StreamEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: http.MethodGet, URL: url, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if permanentStreamStatus(resp.StatusCode) {
			return fmt.Errorf("%w (status %d)", ErrStreamingUnsupported, resp.StatusCode)
		}
		return parseAPIError(resp.StatusCode, body)
	}

	reader := newSSEReader(resp.Body)
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			// Mid-stream read failure: treated like a drop.
			return nil
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
}
