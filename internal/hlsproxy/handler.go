package hlsproxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"hls-relay/internal/platform/logger"
	"hls-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the relay HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	links   Links
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. links.Base, when set, is used for the
// absolute links in watch playlists; otherwise they are derived from the
// request. Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, links Links, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, links: links, log: log, metrics: m}
}

// Playlist handles GET /playlist?source=<upstream playlist URL>.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	pl, err := h.svc.Playlist(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		h.fail(w, r, "playlist", err)
		return
	}

	logger.FromContext(r.Context(), h.log).Debug("playlist rewritten",
		slog.String("kind", pl.Kind),
		slog.Int("media_lines", pl.MediaLines))
	h.metrics.IncPlaylistsRewritten(pl.Kind)

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, pl.Body)
}

// Relay handles GET and HEAD /relay?url=<absolute upstream URL>. The upstream
// status is mirrored and the body streamed in chunks. If upstream fails
// mid-body the downstream response is aborted so the client sees a
// truncated transfer rather than a clean end.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	rr, err := h.svc.OpenRelay(r.Context(), r.Method, r.URL.Query().Get("url"), r.Header)
	if err != nil {
		h.fail(w, r, "relay", err)
		return
	}
	defer rr.Close()

	done := h.metrics.RelayStarted()
	defer done()

	n, err := Stream(w, rr, r.Method == http.MethodHead)
	h.metrics.AddRelayedBytes(n)
	if err == nil {
		return
	}

	h.metrics.IncRelaysTruncated()
	log := logger.FromContext(r.Context(), h.log)

	var se *StreamError
	if r.Context().Err() != nil || (errors.As(err, &se) && se.Downstream) {
		log.Debug("relay client went away", slog.Int64("bytes", n), slog.String("error", err.Error()))
		return
	}

	log.Warn("relay upstream dropped mid-stream",
		slog.Int64("bytes", n),
		slog.Bool("timeout", isTimeout(err)),
		slog.String("error", err.Error()))
	h.metrics.IncUpstreamFailures("relay")
	panic(http.ErrAbortHandler)
}

// Watch handles GET /watch/{id}. The response is an M3U playlist with a single
// entry; ?format=m3u8 switches the content type to the HLS one.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	id = strings.TrimSuffix(strings.TrimSuffix(id, ".m3u8"), ".m3u")

	body, res, err := h.svc.Watch(r.Context(), id, h.linksFor(r))
	if err != nil {
		h.metrics.IncExtractions("failed")
		h.fail(w, r, "extract", err)
		return
	}

	kind := "progressive"
	if res.HLS {
		kind = "hls"
	}
	h.metrics.IncExtractions(kind)
	logger.FromContext(r.Context(), h.log).Info("source resolved",
		slog.String("id", id),
		slog.String("title", res.Title),
		slog.String("kind", kind))

	ct := m3uContentType
	if r.URL.Query().Get("format") == "m3u8" || strings.HasSuffix(r.URL.Path, ".m3u8") {
		ct = playlistContentType
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// linksFor returns absolute links for r. IPTV clients fetch the watch
// playlist standalone, so origin-relative links would not resolve. Without a
// configured base the origin comes from Host and X-Forwarded-Proto, which any
// client can set; deployments behind untrusted proxies must set
// PUBLIC_BASE_URL.
func (h *Handler) linksFor(r *http.Request) Links {
	if h.links.Base != "" {
		return h.links
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return Links{Base: scheme + "://" + r.Host}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := logger.FromContext(r.Context(), h.log).With(slog.String("op", op))
	status := StatusFor(err)

	var (
		targetErr *InvalidTargetError
		inputErr  *InvalidInputError
	)
	switch {
	case errors.As(err, &targetErr):
		log.Warn("relay target rejected",
			slog.String("target", targetErr.Target),
			slog.String("reason", targetErr.Reason))
		h.metrics.IncRejectedTargets()
	case errors.As(err, &inputErr):
		log.Debug("invalid request", slog.String("error", err.Error()))
	case r.Context().Err() != nil:
		log.Debug("client went away before upstream answered", slog.String("error", err.Error()))
		return
	default:
		var upErr *UpstreamFetchError
		attrs := []any{slog.String("error", err.Error())}
		if errors.As(err, &upErr) {
			attrs = append(attrs, slog.Int("upstream_status", upErr.StatusCode), slog.Bool("timeout", upErr.Timeout))
		}
		log.Error("upstream fetch failed", attrs...)
		h.metrics.IncUpstreamFailures(op)
	}

	http.Error(w, err.Error(), status)
}
