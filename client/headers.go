package client

import (
	"net/http"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
)

// HeaderComposer maps a credential to the headers the backend requires.
type HeaderComposer func(credential string) http.Header

// BearerHeaders is the default HeaderComposer.
func BearerHeaders(credential string) http.Header {
	h := make(http.Header)
	h.Set(headerAuthorization, "Bearer "+credential)
	return h
}

// mergeHeaders overlays caller headers on the composed ones. The caller wins
// for everything except Authorization, which always comes from composed.
func mergeHeaders(composed, caller http.Header) http.Header {
	out := composed.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for k, v := range caller {
		if http.CanonicalHeaderKey(k) == headerAuthorization {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}
