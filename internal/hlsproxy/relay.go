package hlsproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RelayChunkSize is the size of each read from upstream and each flushed
// write downstream.
const RelayChunkSize = 32 << 10

// Request headers forwarded upstream and response headers forwarded back.
var (
	relayRequestHeaders  = []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since"}
	relayResponseHeaders = []string{"Content-Length", "Content-Range", "Accept-Ranges", "Cache-Control", "Last-Modified", "ETag", "Expires"}
)

// Relay streams upstream resources to downstream clients.
type Relay struct {
	client       *http.Client
	idleTimeout  time.Duration
	allowedHosts []string
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// IdleTimeout aborts a stream when upstream sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// AllowedHosts restricts relay targets. An entry "example.com" matches
	// that host only; ".example.com" matches any subdomain. Empty allows all.
	AllowedHosts []string
}

// maxRedirects matches net/http's default redirect limit.
const maxRedirects = 10

// NewRelay returns a Relay fetching with a copy of client (see
// NewRelayClient). Every redirect hop is held to the same scheme and host
// rules as the original target.
func NewRelay(client *http.Client, opts RelayOptions) *Relay {
	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		hosts = append(hosts, strings.ToLower(h))
	}
	rl := &Relay{idleTimeout: opts.IdleTimeout, allowedHosts: hosts}

	c := *client
	c.CheckRedirect = rl.checkRedirect
	rl.client = &c
	return rl
}

func (rl *Relay) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if reason := rl.targetProblem(req.URL); reason != "" {
		return &InvalidTargetError{Target: req.URL.String(), Reason: "redirect " + reason}
	}
	return nil
}

// ValidateTarget parses raw and checks it is an absolute http(s) URL on an
// allowed host.
func (rl *Relay) ValidateTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, &InvalidTargetError{Target: raw, Reason: "missing url"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidTargetError{Target: raw, Reason: "malformed url"}
	}
	if reason := rl.targetProblem(u); reason != "" {
		return nil, &InvalidTargetError{Target: raw, Reason: reason}
	}
	return u, nil
}

// targetProblem returns why u may not be fetched, or "" when it may.
func (rl *Relay) targetProblem(u *url.URL) string {
	if !u.IsAbs() {
		return "url is not absolute"
	}
	if err := checkHTTPURL(u); err != nil {
		return err.Error()
	}
	if u.User != nil {
		return "credentials in url"
	}
	if !rl.hostAllowed(u.Hostname()) {
		return "host not allowed"
	}
	return ""
}

func (rl *Relay) hostAllowed(host string) bool {
	if len(rl.allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range rl.allowedHosts {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) || host == allowed[1:] {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// Open issues the upstream request and returns as soon as response headers
// arrive. The request is bound to ctx, so cancelling ctx (the downstream
// client going away) aborts the upstream transfer. Any upstream status is
// returned as is; only transport failures are errors.
func (rl *Relay) Open(ctx context.Context, method string, target *url.URL, inbound http.Header) (*RelayResponse, error) {
	if method != http.MethodHead {
		method = http.MethodGet
	}
	src := target.String()

	ctx, cancel := context.WithCancelCause(ctx)
	req, err := http.NewRequestWithContext(ctx, method, src, nil)
	if err != nil {
		cancel(nil)
		return nil, upstreamError(src, fmt.Errorf("failed to create request: %w", err))
	}
	for _, k := range relayRequestHeaders {
		if v := inbound.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		cancel(nil)
		var targetErr *InvalidTargetError
		if errors.As(err, &targetErr) {
			return nil, targetErr
		}
		return nil, upstreamError(src, err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	header := make(http.Header)
	for _, k := range relayResponseHeaders {
		if v := resp.Header.Get(k); v != "" {
			header.Set(k, v)
		}
	}

	body := resp.Body
	stop := func() { cancel(nil) }
	if rl.idleTimeout > 0 {
		timer := time.AfterFunc(rl.idleTimeout, func() { cancel(errIdleTimeout) })
		timer.Stop()
		body = &idleReader{ReadCloser: resp.Body, ctx: ctx, timer: timer, idle: rl.idleTimeout}
		stop = func() {
			timer.Stop()
			cancel(nil)
		}
	}

	return &RelayResponse{
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Header:      header,
		Body:        body,
		cancel:      stop,
	}, nil
}

// idleReader arms timer only while blocked in Read, so a slow downstream
// client does not count against upstream. When the timer fires the request
// context is cancelled with errIdleTimeout, which Read then reports.
type idleReader struct {
	io.ReadCloser
	ctx   context.Context
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.idle)
	n, err := r.ReadCloser.Read(p)
	r.timer.Stop()
	if err != nil && err != io.EOF {
		if cause := context.Cause(r.ctx); errors.Is(cause, errIdleTimeout) {
			err = cause
		}
	}
	return n, err
}

// StreamError is returned by Stream when the copy stops early. Downstream is
// true when writing to the client failed rather than reading from upstream.
type StreamError struct {
	Downstream bool
	Err        error
}

func (e *StreamError) Error() string {
	if e.Downstream {
		return fmt.Sprintf("downstream write: %v", e.Err)
	}
	return fmt.Sprintf("upstream read: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Stream writes the status line, headers and body of rr to w, flushing after
// every chunk so nothing larger than RelayChunkSize is buffered. It returns
// the number of body bytes written.
func Stream(w http.ResponseWriter, rr *RelayResponse, head bool) (int64, error) {
	h := w.Header()
	for k, vs := range rr.Header {
		h[k] = vs
	}
	h.Set("Content-Type", rr.ContentType)
	w.WriteHeader(rr.StatusCode)
	if head {
		return 0, nil
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, RelayChunkSize)
	var written int64
	for {
		n, rerr := rr.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &StreamError{Downstream: true, Err: werr}
			}
			written += int64(n)
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, &StreamError{Downstream: true, Err: ferr}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &StreamError{Err: rerr}
		}
	}
}
