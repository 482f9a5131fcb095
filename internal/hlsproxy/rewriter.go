package hlsproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// MaxPlaylistBytes caps the size of an upstream playlist body.
const MaxPlaylistBytes = 8 << 20

// Rewriter fetches upstream playlists and rewrites their media references.
type Rewriter struct {
	client *http.Client
	opts   RewriteOptions
}

// NewRewriter returns a Rewriter that fetches with client. The client carries
// the outbound headers and the playlist timeout (see NewPlaylistClient).
func NewRewriter(client *http.Client, opts RewriteOptions) *Rewriter {
	return &Rewriter{client: client, opts: opts}
}

// Rewrite fetches playlistURL once and returns the rewritten playlist. Any
// fetch failure, non-2xx status, or non-playlist body is an
// *UpstreamFetchError; unresolvable media lines are a *PlaylistLineError.
func (rw *Rewriter) Rewrite(ctx context.Context, playlistURL *url.URL) (*RewrittenPlaylist, error) {
	body, err := rw.fetch(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	out, n, err := RewritePlaylist(string(body), playlistURL, rw.opts)
	if err != nil {
		return nil, err
	}

	return &RewrittenPlaylist{
		Source:     playlistURL.String(),
		Body:       out,
		Kind:       ClassifyPlaylist(body),
		MediaLines: n,
	}, nil
}

func (rw *Rewriter) fetch(ctx context.Context, playlistURL *url.URL) ([]byte, error) {
	src := playlistURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, upstreamError(src, fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := rw.client.Do(req)
	if err != nil {
		return nil, upstreamError(src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamFetchError{URL: src, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPlaylistBytes+1))
	if err != nil {
		return nil, upstreamError(src, fmt.Errorf("failed to read playlist: %w", err))
	}
	if len(body) > MaxPlaylistBytes {
		return nil, upstreamError(src, ErrPlaylistTooLarge)
	}
	if !HasPlaylistHeader(body) {
		return nil, upstreamError(src, ErrNotPlaylist)
	}
	return body, nil
}
