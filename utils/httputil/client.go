package httputil

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
)

// RetriableStatus reports whether a response status is worth retrying:
// any 5xx, plus 408 (request timeout) and 429 (too many requests).
func RetriableStatus(statusCode int) bool {
	if statusCode < 400 {
		return false
	}
	if statusCode >= 500 {
		return true
	}
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// CloseResponse drains a little of the body before closing it so small
// responses keep the underlying TCP connection reusable. Errors are ignored:
// if draining fails the Transport won't reuse the connection anyway.
func CloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		const maxBodySlurpSize = 2 << 10 // 2KB
		_, _ = io.CopyN(io.Discard, resp.Body, maxBodySlurpSize)
		_ = resp.Body.Close()
	}
}

// IsTimeout reports whether err is a deadline or network timeout, as opposed
// to any other transport-level failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
