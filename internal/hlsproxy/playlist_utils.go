package hlsproxy

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	m3uContentType      = "audio/x-mpegurl"
	defaultContentType  = "application/octet-stream"
)

// Links builds ProxiedURIs. Base is an optional absolute origin such as
// "https://relay.example.com"; when empty the links are origin-relative.
type Links struct {
	Base string
}

// Relay returns the relay link for an absolute upstream URL.
func (l Links) Relay(target string) string {
	return l.Base + "/relay?url=" + url.QueryEscape(target)
}

// Playlist returns the rewriting link for an absolute upstream playlist URL.
func (l Links) Playlist(source string) string {
	return l.Base + "/playlist?source=" + url.QueryEscape(source)
}

// For picks the playlist link for nested playlists and the relay link for
// everything else (segments, keys, init sections).
func (l Links) For(target *url.URL) string {
	if isPlaylistPath(target.Path) {
		return l.Playlist(target.String())
	}
	return l.Relay(target.String())
}

func isPlaylistPath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".m3u":
		return true
	}
	return false
}

// ClassifyLine returns the kind of a single playlist line.
func ClassifyLine(line string) LineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return LineBlank
	case strings.HasPrefix(trimmed, "#EXT"):
		return LineDirective
	case strings.HasPrefix(trimmed, "#"):
		return LineComment
	default:
		return LineMediaURI
	}
}

// BaseURL returns playlistURL truncated after the last "/" of its path, with
// query and fragment removed. Relative media lines resolve against it.
func BaseURL(playlistURL *url.URL) *url.URL {
	base := *playlistURL
	base.RawQuery = ""
	base.ForceQuery = false
	base.Fragment = ""
	base.RawFragment = ""
	base.Path = truncateAfterSlash(base.Path)
	if base.RawPath != "" {
		base.RawPath = truncateAfterSlash(base.RawPath)
	}
	return &base
}

func truncateAfterSlash(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "/"
	}
	return p[:i+1]
}

// ResolveMediaURI joins a media line against base. The result must be an
// absolute http(s) URL with a host.
func ResolveMediaURI(base *url.URL, line string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return nil, err
	}
	resolved := base.ResolveReference(ref)
	if err := checkHTTPURL(resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func checkHTTPURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errUnsupportedScheme
	}
	if u.Host == "" {
		return errMissingHost
	}
	return nil
}

// uriAttr matches a quoted URI attribute inside a directive.
var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// RewriteOptions controls RewritePlaylist.
type RewriteOptions struct {
	Links Links

	// TagURIs also rewrites URI="..." attributes on directives such as
	// EXT-X-KEY, EXT-X-MAP and EXT-X-MEDIA. When false, every line starting
	// with "#" is emitted unchanged.
	TagURIs bool
}

// RewritePlaylist rewrites every media line of body into a proxied link. The
// output has exactly as many lines as the input, in the same order. A
// trailing "\r" is dropped from each line.
func RewritePlaylist(body string, playlistURL *url.URL, opts RewriteOptions) (out string, mediaLines int, err error) {
	base := BaseURL(playlistURL)
	lines := strings.Split(body, "\n")

	for i, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")
		switch ClassifyLine(line) {
		case LineBlank, LineComment:
			lines[i] = line
		case LineDirective:
			lines[i] = line
			if opts.TagURIs {
				rewritten, err := rewriteTagURIs(line, base, opts.Links)
				if err != nil {
					return "", 0, &PlaylistLineError{Line: i + 1, Text: line, Err: err}
				}
				lines[i] = rewritten
			}
		case LineMediaURI:
			resolved, err := ResolveMediaURI(base, line)
			if err != nil {
				return "", 0, &PlaylistLineError{Line: i + 1, Text: line, Err: err}
			}
			lines[i] = opts.Links.For(resolved)
			mediaLines++
		}
	}

	return strings.Join(lines, "\n"), mediaLines, nil
}

func rewriteTagURIs(line string, base *url.URL, links Links) (string, error) {
	matches := uriAttr.FindAllStringSubmatchIndex(line, -1)
	if matches == nil {
		return line, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		valStart, valEnd := m[2], m[3]
		val := line[valStart:valEnd]

		// data: URIs (inline keys) stay as they are.
		if strings.HasPrefix(strings.ToLower(val), "data:") {
			continue
		}
		resolved, err := ResolveMediaURI(base, val)
		if err != nil {
			return "", fmt.Errorf("URI attribute: %w", err)
		}
		b.WriteString(line[last:valStart])
		b.WriteString(links.For(resolved))
		last = valEnd
	}
	b.WriteString(line[last:])
	return b.String(), nil
}

// HasPlaylistHeader reports whether body starts with #EXTM3U, ignoring a
// UTF-8 byte order mark and leading whitespace.
func HasPlaylistHeader(body []byte) bool {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	return bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("#EXTM3U"))
}

// ClassifyPlaylist reports whether body is a master or media playlist.
// Parse failures yield KindUnknown; classification never blocks a rewrite.
func ClassifyPlaylist(body []byte) (kind string) {
	defer func() {
		if recover() != nil {
			kind = KindUnknown
		}
	}()

	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return KindUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return KindMaster
	case m3u8.MEDIA:
		return KindMedia
	default:
		return KindUnknown
	}
}

// BuildWatchPlaylist returns a one-entry M3U playlist pointing at link.
func BuildWatchPlaylist(title, link string) string {
	title = strings.NewReplacer("\r", " ", "\n", " ").Replace(strings.TrimSpace(title))

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString(fmt.Sprintf("#EXTINF:-1,%s\n", title))
	b.WriteString(link)
	b.WriteString("\n")
	return b.String()
}
