package hlsproxy

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultUserAgent is sent upstream unless configured otherwise. Some CDNs
// reject requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// headerTransport sets a fixed header set on every outbound request.
type headerTransport struct {
	headers http.Header
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, vs := range t.headers {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	return t.base.RoundTrip(req)
}

// ClientOptions configures the outbound HTTP clients.
type ClientOptions struct {
	Headers http.Header

	// PlaylistTimeout bounds the whole playlist fetch, body included.
	PlaylistTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for relay response headers. The
	// body is governed by the relay idle timeout instead.
	ResponseHeaderTimeout time.Duration

	// Base is the underlying transport. Nil means a fresh clone of
	// http.DefaultTransport.
	Base http.RoundTripper
}

func (o ClientOptions) transport() http.RoundTripper {
	base := o.Base
	if base == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		t.ResponseHeaderTimeout = o.ResponseHeaderTimeout
		base = t
	}
	return &headerTransport{headers: o.Headers, base: base}
}

// NewPlaylistClient returns a client with a total request timeout.
func NewPlaylistClient(o ClientOptions) *http.Client {
	return &http.Client{Transport: o.transport(), Timeout: o.PlaylistTimeout}
}

// NewRelayClient returns a client without a total timeout so long segment
// bodies can stream.
func NewRelayClient(o ClientOptions) *http.Client {
	return &http.Client{Transport: o.transport()}
}

// ParseHeaders parses "Key: Value|Key: Value" into a header set. Malformed
// entries are skipped.
func ParseHeaders(s string) http.Header {
	h := make(http.Header)
	for _, entry := range strings.Split(s, "|") {
		k, v, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" {
			continue
		}
		h.Add(k, v)
	}
	return h
}
