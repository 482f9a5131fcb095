package hlsproxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"hls-relay/internal/extractor"
	"hls-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, ex extractor.Extractor) (*Handler, *countingTransport) {
	t.Helper()
	ct := &countingTransport{base: http.DefaultTransport}
	opts := ClientOptions{
		Headers:         http.Header{"User-Agent": []string{"relay-test/1.0"}},
		PlaylistTimeout: 2 * time.Second,
		Base:            ct,
	}
	rw := NewRewriter(NewPlaylistClient(opts), RewriteOptions{})
	rl := NewRelay(NewRelayClient(opts), RelayOptions{IdleTimeout: 2 * time.Second})
	svc := NewService(rw, rl, ex)
	return NewHandler(svc, Links{}, logger.Discard(), nil), ct
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(logger.Discard()))
	r.Get("/healthz", h.Health)
	r.Get("/playlist", h.Playlist)
	r.Get("/relay", h.Relay)
	r.Head("/relay", h.Relay)
	r.Get("/watch/{id}", h.Watch)
	return r
}

func TestHandler_Playlist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "#EXTM3U\n#EXT-X-VERSION:3\nsegment0.ts\n\nhttps://cdn.example.com/other/segment1.ts")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	source := upstream.URL + "/path/playlist.m3u8"
	req := httptest.NewRequest(http.MethodGet, "/playlist?source="+url.QueryEscape(source), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/vnd.apple.mpegurl" {
		t.Errorf("expected playlist content type, got %s", rec.Header().Get("Content-Type"))
	}

	lines := strings.Split(rec.Body.String(), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %q", len(lines), rec.Body.String())
	}
	if lines[3] != "" {
		t.Errorf("blank line not preserved: %q", lines[3])
	}
	if got := decodeLink(t, lines[2]); got != upstream.URL+"/path/segment0.ts" {
		t.Errorf("unexpected segment0 url %s", got)
	}
	if got := decodeLink(t, lines[4]); got != "https://cdn.example.com/other/segment1.ts" {
		t.Errorf("unexpected segment1 url %s", got)
	}
}

func TestHandler_Playlist_bad_source(t *testing.T) {
	h, ct := newTestHandler(t, nil)
	r := newTestRouter(h)

	for _, q := range []string{"", "?source=", "?source=not-a-url", "?source=" + url.QueryEscape("ftp://cdn.example.com/a.m3u8")} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/playlist"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", q, rec.Code)
		}
	}
	if n := ct.calls.Load(); n != 0 {
		t.Errorf("expected no outbound requests, got %d", n)
	}
}

func TestHandler_Playlist_upstream_error(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "#EXTM3U\n#EXTINF:4,\nfake.ts\n")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/playlist?source="+url.QueryEscape(upstream.URL+"/a.m3u8"), nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Errorf("error body must not look like a playlist: %q", rec.Body.String())
	}
	if strings.Contains(rec.Header().Get("Content-Type"), "mpegurl") {
		t.Errorf("error response must not advertise a playlist: %s", rec.Header().Get("Content-Type"))
	}
}

func TestHandler_Relay_rejects_non_http_scheme(t *testing.T) {
	h, ct := newTestHandler(t, nil)
	r := newTestRouter(h)

	for _, target := range []string{"ftp://host/x", "file:///etc/passwd", "", "relative/seg.ts"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay?url="+url.QueryEscape(target), nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", target, rec.Code)
		}
	}
	if n := ct.calls.Load(); n != 0 {
		t.Errorf("expected no outbound fetch, got %d", n)
	}
}

func TestHandler_Relay_streams_segment(t *testing.T) {
	payload := strings.Repeat("0123456789", 10000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "relay-test/1.0" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "video/mp2t")
		io.WriteString(w, payload)
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay?url="+url.QueryEscape(upstream.URL+"/seg.ts"), nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "video/mp2t" {
		t.Errorf("content type not forwarded: %s", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != payload {
		t.Errorf("body mismatch: got %d bytes", rec.Body.Len())
	}
}

func TestHandler_Relay_mirrors_upstream_status(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay?url="+url.QueryEscape(upstream.URL+"/gone.ts"), nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected mirrored 404, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/octet-stream" {
		t.Errorf("expected default content type, got %s", rec.Header().Get("Content-Type"))
	}
}

func TestHandler_Relay_unreachable_upstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL + "/seg.ts"
	upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/relay?url="+url.QueryEscape(target), nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestHandler_Relay_head(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD upstream, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", "1234")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/relay?url="+url.QueryEscape(upstream.URL+"/seg.ts"), nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Length") != "1234" {
		t.Errorf("content length not forwarded: %q", rec.Header().Get("Content-Length"))
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD must not carry a body")
	}
}

type fakeExtractor struct {
	res *extractor.ExtractionResult
	err error
}

func (f *fakeExtractor) Extract(ctx context.Context, id string) (*extractor.ExtractionResult, error) {
	return f.res, f.err
}

func TestHandler_Watch(t *testing.T) {
	media, _ := url.Parse("https://manifest.example.com/api/master.m3u8")
	h, _ := newTestHandler(t, &fakeExtractor{res: &extractor.ExtractionResult{MediaURL: media, Title: "Morning News", HLS: true}})
	r := newTestRouter(h)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watch/dQw4w9WgXcQ.m3u", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "audio/x-mpegurl" {
		t.Errorf("unexpected content type %s", rec.Header().Get("Content-Type"))
	}
	want := "#EXTM3U\n#EXTINF:-1,Morning News\nhttp://example.com/playlist?source=" + url.QueryEscape(media.String()) + "\n"
	if rec.Body.String() != want {
		t.Errorf("got %q, want %q", rec.Body.String(), want)
	}
}

func TestHandler_Watch_progressive_goes_through_relay(t *testing.T) {
	media, _ := url.Parse("https://r1.example.com/video.mp4")
	h, _ := newTestHandler(t, &fakeExtractor{res: &extractor.ExtractionResult{MediaURL: media, Title: "Clip"}})
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/watch/dQw4w9WgXcQ?format=m3u8", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Type") != "application/vnd.apple.mpegurl" {
		t.Errorf("format=m3u8 should select HLS content type, got %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "https://example.com/relay?url="+url.QueryEscape(media.String())) {
		t.Errorf("expected relay link, got %q", rec.Body.String())
	}
}

func TestHandler_Watch_errors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"no stream", extractor.ErrNoStream, http.StatusBadGateway},
		{"invalid id", extractor.ErrInvalidID, http.StatusBadRequest},
		{"tool failure", io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &fakeExtractor{err: tc.err})
			r := newTestRouter(h)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watch/abc", nil))
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
			if strings.Contains(rec.Body.String(), "#EXTM3U") {
				t.Errorf("failure must not return a playlist: %q", rec.Body.String())
			}
		})
	}
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandler_Watch_public_base_ignores_request_origin(t *testing.T) {
	media, _ := url.Parse("https://manifest.example.com/api/master.m3u8")
	svc := NewService(nil, nil, &fakeExtractor{res: &extractor.ExtractionResult{MediaURL: media, Title: "News", HLS: true}})
	h := NewHandler(svc, Links{Base: "https://relay.example.net"}, logger.Discard(), nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/watch/dQw4w9WgXcQ", nil)
	req.Host = "attacker.example.org"
	req.Header.Set("X-Forwarded-Proto", "http")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	want := "https://relay.example.net/playlist?source=" + url.QueryEscape(media.String())
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("expected configured base link %q, got %q", want, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "attacker.example.org") {
		t.Errorf("request host leaked into links: %q", rec.Body.String())
	}
}
