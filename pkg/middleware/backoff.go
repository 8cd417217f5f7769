package middleware

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	InitialBackoff = 500 * time.Millisecond
	MaxBackoff     = 10 * time.Second
	MaxAttempts    = 5
)

type backoffRoundTripper struct {
	roundTripper               http.RoundTripper
	initialBackoff, maxBackoff time.Duration
	maxAttempts                int
	clock                      clockwork.Clock
}

// BackoffRoundTripper is a http.RoundTripper which adds an exponential
// backoff for throttling to requests. Rate-limited (429) and 5xx
// responses are retried, up to maxAttempts tries in total; anything
// else is returned as-is. To add a total request timeout, use
// Request.WithContext.
//
// r              -- upstream roundtripper
// initialBackoff -- initial length to backoff to when a request fails
// maxBackoff     -- maximum length to backoff to between request attempts
// maxAttempts    -- bound on tries before giving up and returning the response
func BackoffRoundTripper(r http.RoundTripper, initialBackoff, maxBackoff time.Duration, maxAttempts int, clock clockwork.Clock) http.RoundTripper {
	return &backoffRoundTripper{
		roundTripper:   r,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		maxAttempts:    maxAttempts,
		clock:          clock,
	}
}

func (c *backoffRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	b := &backoff{
		initial: c.initialBackoff,
		max:     c.maxBackoff,
	}
	for attempt := 1; ; attempt++ {
		resp, err := c.roundTripper.RoundTrip(r)
		switch {
		case err == nil && resp.StatusCode == http.StatusTooManyRequests:
			fallthrough
		case err == nil && resp.StatusCode >= 500:
			if attempt >= c.maxAttempts {
				return resp, err
			}
			// Request rate-limited or upstream briefly broken;
			// backoff and retry.
			resp.Body.Close()
			b.Failure()
			c.clock.Sleep(b.Wait())
			if r.Body != nil && r.GetBody != nil {
				// The body has been consumed; restore it for the retry.
				body, err := r.GetBody()
				if err != nil {
					return resp, err
				}
				r.Body = body
			}
		default:
			return resp, err
		}
	}
}

// backoff calculates an exponential backoff. This is used to
// calculate wait times for future requests.
type backoff struct {
	initial time.Duration
	max     time.Duration

	current time.Duration
}

// Failure should be called each time a request fails.
func (b *backoff) Failure() {
	b.current *= 2
	if b.current == 0 {
		b.current = b.initial
	} else if b.current > b.max {
		b.current = b.max
	}
}

// Wait how long to sleep before *actually* starting the request.
func (b *backoff) Wait() time.Duration {
	return b.current
}
