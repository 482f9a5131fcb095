package hlsproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// InvalidInputError reports a missing or malformed request parameter.
type InvalidInputError struct {
	Param  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// InvalidTargetError reports a relay target that failed scheme, shape or host
// validation. No outbound request is made for such a target.
type InvalidTargetError struct {
	Target string
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("relay target rejected: %s", e.Reason)
}

// UpstreamFetchError reports a network failure, timeout or unusable response
// from an upstream host. StatusCode is zero when no response was received.
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
	case e.Timeout:
		return fmt.Sprintf("upstream %s timed out: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
	}
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// Retryable is true for every upstream failure; the caller (a player) is
// expected to re-request.
func (e *UpstreamFetchError) Retryable() bool { return true }

// PlaylistLineError reports a media line that does not resolve to an absolute
// http(s) URL. The whole rewrite fails rather than emitting a broken entry.
type PlaylistLineError struct {
	Line int
	Text string
	Err  error
}

func (e *PlaylistLineError) Error() string {
	return fmt.Sprintf("playlist line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *PlaylistLineError) Unwrap() error { return e.Err }

var (
	// ErrNotPlaylist is wrapped by UpstreamFetchError when the upstream body
	// does not start with #EXTM3U.
	ErrNotPlaylist = errors.New("response is not an HLS playlist")

	// ErrPlaylistTooLarge is wrapped by UpstreamFetchError when the upstream
	// body exceeds MaxPlaylistBytes.
	ErrPlaylistTooLarge = errors.New("playlist exceeds size limit")

	errUnsupportedScheme = errors.New("scheme must be http or https")
	errMissingHost       = errors.New("host is empty")
	errIdleTimeout       = errors.New("upstream idle timeout")
)

// upstreamError wraps a transport error from client.Do or a body read.
func upstreamError(rawURL string, err error) *UpstreamFetchError {
	return &UpstreamFetchError{URL: rawURL, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errIdleTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// StatusFor maps an error to the HTTP status returned to the client.
func StatusFor(err error) int {
	var (
		inputErr  *InvalidInputError
		targetErr *InvalidTargetError
	)
	switch {
	case errors.As(err, &inputErr), errors.As(err, &targetErr):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
