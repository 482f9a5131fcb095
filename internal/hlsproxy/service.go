package hlsproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"hls-relay/internal/extractor"
)

// Service ties the rewriter, the relay and the optional extractor together.
// It holds no per-request state.
type Service struct {
	rewriter  *Rewriter
	relay     *Relay
	extractor extractor.Extractor
}

// NewService returns a Service. ex may be nil, in which case Watch fails.
func NewService(rw *Rewriter, rl *Relay, ex extractor.Extractor) *Service {
	return &Service{rewriter: rw, relay: rl, extractor: ex}
}

// ErrNoExtractor is returned by Watch when no extractor is configured.
var ErrNoExtractor = errors.New("source extraction is not configured")

// Playlist validates source and returns the rewritten upstream playlist.
func (s *Service) Playlist(ctx context.Context, source string) (*RewrittenPlaylist, error) {
	u, err := parseSource(source)
	if err != nil {
		return nil, err
	}
	return s.rewriter.Rewrite(ctx, u)
}

func parseSource(source string) (*url.URL, error) {
	if source == "" {
		return nil, &InvalidInputError{Param: "source", Reason: "missing"}
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, &InvalidInputError{Param: "source", Reason: "malformed url"}
	}
	if !u.IsAbs() {
		return nil, &InvalidInputError{Param: "source", Reason: "url is not absolute"}
	}
	if err := checkHTTPURL(u); err != nil {
		return nil, &InvalidInputError{Param: "source", Reason: err.Error()}
	}
	return u, nil
}

// OpenRelay validates target and opens the upstream response. Validation
// failures are *InvalidTargetError and never reach the network.
func (s *Service) OpenRelay(ctx context.Context, method, target string, inbound http.Header) (*RelayResponse, error) {
	u, err := s.relay.ValidateTarget(target)
	if err != nil {
		return nil, err
	}
	return s.relay.Open(ctx, method, u, inbound)
}

// Watch resolves id through the extractor and returns a one-entry M3U
// playlist whose link points back at this service.
func (s *Service) Watch(ctx context.Context, id string, links Links) (body string, res *extractor.ExtractionResult, err error) {
	if s.extractor == nil {
		return "", nil, ErrNoExtractor
	}
	if id == "" {
		return "", nil, &InvalidInputError{Param: "id", Reason: "missing"}
	}

	res, err = s.extractor.Extract(ctx, id)
	if err != nil {
		if errors.Is(err, extractor.ErrInvalidID) {
			return "", nil, &InvalidInputError{Param: "id", Reason: err.Error()}
		}
		return "", nil, fmt.Errorf("extract %q: %w", id, err)
	}

	link := links.Relay(res.MediaURL.String())
	if res.HLS {
		link = links.Playlist(res.MediaURL.String())
	}
	return BuildWatchPlaylist(res.Title, link), res, nil
}
