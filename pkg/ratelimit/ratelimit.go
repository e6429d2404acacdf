package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/ratelimit"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusOK
	StatusOverLimit
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOverLimit:
		return "overlimit"
	default:
		return "unknown"
	}
}

// Description is the rate limit state reported by the remote API on a response.
type Description struct {
	Status    Status
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

var limitHeaders = []string{"X-Ratelimit-Limit", "X-HubSpot-RateLimit-Max"}
var remainingHeaders = []string{"X-Ratelimit-Remaining", "X-HubSpot-RateLimit-Remaining"}
var resetHeaders = []string{"X-Ratelimit-Reset", "X-HubSpot-RateLimit-Interval-Milliseconds", "Retry-After"}

func firstHeader(header *http.Header, names []string) (string, string) {
	for _, n := range names {
		if v := header.Get(n); v != "" {
			return n, v
		}
	}
	return "", ""
}

// ExtractRateLimitData reads the rate limit headers of a response. A 429 without headers is
// reported as over limit with a one minute reset.
func ExtractRateLimitData(statusCode int, header *http.Header) (*Description, error) {
	if header == nil {
		header = &http.Header{}
	}

	var l int64
	var err error
	if _, v := firstHeader(header, limitHeaders); v != "" {
		l, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
	}

	var r int64
	if _, v := firstHeader(header, remainingHeaders); v != "" {
		r, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
	}

	var resetAt time.Time
	if name, v := firstHeader(header, resetHeaders); v != "" {
		res, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		if name == "X-HubSpot-RateLimit-Interval-Milliseconds" {
			resetAt = time.Now().Add(time.Duration(res) * time.Millisecond)
		} else {
			resetAt = time.Now().Add(time.Duration(res) * time.Second)
		}
	}

	if statusCode == http.StatusTooManyRequests {
		if l == 0 {
			l = 1
		}
		r = 0
		if resetAt.IsZero() {
			resetAt = time.Now().Add(time.Minute)
		}
		return &Description{Status: StatusOverLimit, Limit: l, Remaining: r, ResetAt: resetAt}, nil
	}

	return &Description{Status: StatusOK, Limit: l, Remaining: r, ResetAt: resetAt}, nil
}

// Transport paces outgoing requests so the remote search API limit is never exceeded.
type Transport struct {
	Base    http.RoundTripper
	limiter ratelimit.Limiter
}

// NewTransport returns a RoundTripper allowing at most perSecond requests per second.
// A non-positive perSecond disables pacing.
func NewTransport(base http.RoundTripper, perSecond int) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	var l ratelimit.Limiter
	if perSecond > 0 {
		l = ratelimit.New(perSecond, ratelimit.WithSlack(0))
	} else {
		l = ratelimit.NewUnlimited()
	}
	return &Transport{Base: base, limiter: l}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.limiter.Take()
	return t.Base.RoundTrip(req)
}
