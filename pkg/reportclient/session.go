package reportclient

import (
	"net/http"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// SessionExpiry wraps next so that onExpired runs whenever a response
// carries 401 Unauthorized. The response is still returned to the caller.
// A nil next uses http.DefaultTransport.
func SessionExpiry(next http.RoundTripper, onExpired func()) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if onExpired == nil {
		return next
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(req)
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			onExpired()
		}
		return resp, err
	})
}
