package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-relay/internal/extractor"
	"hls-relay/internal/hlsproxy"
	"hls-relay/internal/platform/config"
	"hls-relay/internal/platform/logger"
	"hls-relay/internal/platform/metrics"
	"hls-relay/internal/platform/ratelimit"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	// Set PUBLIC_BASE_URL when running behind proxies that do not sanitise
	// Host or X-Forwarded-Proto; watch links are otherwise built from them.
	publicBase := config.GetEnv("PUBLIC_BASE_URL", "")
	rewriteTagURIs := config.GetEnvBool("REWRITE_TAG_URIS", false)
	allowProgressive := config.GetEnvBool("ALLOW_PROGRESSIVE_FALLBACK", false)
	enableWatch := config.GetEnvBool("ENABLE_WATCH", true)

	log := logger.New(logLevel, logFormat)

	headers := hlsproxy.ParseHeaders(config.GetEnv("UPSTREAM_HEADERS", ""))
	headers.Set("User-Agent", config.GetEnv("USER_AGENT", hlsproxy.DefaultUserAgent))

	clientOpts := hlsproxy.ClientOptions{
		Headers:               headers,
		PlaylistTimeout:       config.GetEnvDuration("PLAYLIST_TIMEOUT", 10*time.Second),
		ResponseHeaderTimeout: config.GetEnvDuration("RELAY_HEADER_TIMEOUT", 15*time.Second),
	}

	links := hlsproxy.Links{Base: publicBase}
	rewriter := hlsproxy.NewRewriter(hlsproxy.NewPlaylistClient(clientOpts), hlsproxy.RewriteOptions{
		Links:   links,
		TagURIs: rewriteTagURIs,
	})
	relay := hlsproxy.NewRelay(hlsproxy.NewRelayClient(clientOpts), hlsproxy.RelayOptions{
		IdleTimeout:  config.GetEnvDuration("RELAY_IDLE_TIMEOUT", 30*time.Second),
		AllowedHosts: config.GetEnvList("RELAY_ALLOWED_HOSTS"),
	})

	var ex extractor.Extractor
	if enableWatch {
		if config.GetEnvBool("YTDLP_AUTO_INSTALL", false) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := extractor.Install(ctx); err != nil {
				log.Error("yt-dlp install failed", "error", err)
			}
			cancel()
		}
		ex = extractor.NewYTDLP(log, extractor.YTDLPOptions{
			Attempts:         config.GetEnvInt("EXTRACT_ATTEMPTS", 3),
			Timeout:          config.GetEnvDuration("EXTRACT_TIMEOUT", 60*time.Second),
			AllowProgressive: allowProgressive,
		})
	}

	svc := hlsproxy.NewService(rewriter, relay, ex)
	met := metrics.New()
	h := hlsproxy.NewHandler(svc, links, log, met)
	limiter := ratelimit.New(
		config.GetEnvFloat("RELAY_RATE_LIMIT", 0),
		config.GetEnvInt("RELAY_RATE_BURST", 0),
	)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", met.Handler())
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter))
		r.Get("/playlist", h.Playlist)
		r.Get("/relay", h.Relay)
		r.Head("/relay", h.Relay)
		if ex != nil {
			r.Get("/watch/{id}", h.Watch)
		}
	})

	addr := ":" + port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"public_base_url", publicBase,
		"rewrite_tag_uris", rewriteTagURIs,
		"watch_enabled", ex != nil,
		"progressive_fallback", allowProgressive,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
