package capability

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedTransport throttles outbound requests through a shared token
// bucket before delegating to the underlying RoundTripper.
type rateLimitedTransport struct {
	limiter *rate.Limiter
	base    http.RoundTripper
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// NewRateLimitedClient returns an HTTP client whose requests are throttled
// to rps requests per second with the given burst. Every external plugin
// with the http permission gets its own limiter so one plugin cannot starve
// another.
func NewRateLimitedClient(rps float64, burst int, timeout time.Duration) *http.Client {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &rateLimitedTransport{
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			base:    http.DefaultTransport,
		},
	}
}
