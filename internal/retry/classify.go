package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// StatusOverloaded is the status upstream generation APIs use when they shed load.
const StatusOverloaded = 529

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ClassifyUpstream maps errors from HTTP-backed upstreams: 429 is rate
// limited, 529 overloaded, other 5xx and connection failures transient,
// everything else non-retryable.
func ClassifyUpstream(err error) Classification {
	if err == nil {
		return Classification{Kind: NonRetryable}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: NonRetryable}
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatusCode(); {
		case code == http.StatusTooManyRequests:
			return Classification{Kind: RateLimited}
		case code == StatusOverloaded:
			return Classification{Kind: Overloaded}
		case code >= 500:
			return Classification{Kind: TransientServer}
		case code == 0:
			return Classification{Kind: TransientServer}
		default:
			return Classification{Kind: NonRetryable}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Kind: TransientServer}
	}
	return Classification{Kind: NonRetryable}
}
