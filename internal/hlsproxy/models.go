package hlsproxy

import (
	"io"
	"net/http"
)

// LineKind classifies a single playlist line.
type LineKind int

const (
	LineBlank LineKind = iota
	LineDirective
	LineComment
	LineMediaURI
)

func (k LineKind) String() string {
	switch k {
	case LineBlank:
		return "blank"
	case LineDirective:
		return "directive"
	case LineComment:
		return "comment"
	default:
		return "media"
	}
}

// Playlist kinds reported by ClassifyPlaylist.
const (
	KindMaster  = "master"
	KindMedia   = "media"
	KindUnknown = "unknown"
)

// RewrittenPlaylist is the result of fetching and rewriting one upstream playlist.
type RewrittenPlaylist struct {
	Source     string
	Body       string
	Kind       string
	MediaLines int
}

// RelayResponse is an open upstream response ready to be streamed downstream.
// Callers must Close it.
type RelayResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        io.ReadCloser

	cancel func()
}

// Close releases the upstream connection.
func (r *RelayResponse) Close() error {
	err := r.Body.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}
