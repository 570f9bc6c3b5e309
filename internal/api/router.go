package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"live-orchestrator/internal/platform/logger"
	"live-orchestrator/internal/platform/metrics"
	"live-orchestrator/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// DefaultWebhookRateLimit is the per-IP webhook budget per minute.
const DefaultWebhookRateLimit = 120

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// WebhookRateLimit caps ingest webhook calls per client IP per minute.
	WebhookRateLimit int
	// UpdateGauges refreshes gauges before /metrics is rendered. May be nil.
	UpdateGauges func()
	// PublicBasePath is where rendition files are served from: HLSDir under
	// {PublicBasePath}/hls and DASHDir under {PublicBasePath}/dash. An empty
	// directory leaves its format unserved.
	PublicBasePath string
	HLSDir         string
	DASHDir        string
}

// NewRouter wires h behind request ID, logging, metrics and panic recovery.
func NewRouter(h *Handler, log *slog.Logger, met *metrics.Metrics, opts RouterOptions) http.Handler {
	if opts.WebhookRateLimit <= 0 {
		opts.WebhookRateLimit = DefaultWebhookRateLimit
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", met.Handler(opts.UpdateGauges))

	r.Route("/streams", func(r chi.Router) {
		r.Post("/", h.CreateStream)
		r.Get("/", h.ListStreams)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Put("/", h.UpdateStream)
			r.Post("/start", h.StartStream)
			r.Post("/stop", h.StopStream)
			r.Get("/status", h.GetStatus)
			r.Get("/stats", h.GetStats)
			r.Post("/destinations", h.UpdateDestinations)
			r.Get("/embed", h.GetEmbed)
			r.Get("/master.m3u8", h.GetMasterPlaylist)
		})
	})

	r.Route("/destinations", func(r chi.Router) {
		r.Get("/", h.ListDestinations)
		r.Post("/", h.SaveDestination)
		r.Delete("/{destination_id}", h.DeleteDestination)
	})

	if opts.PublicBasePath != "" {
		base := strings.TrimRight(opts.PublicBasePath, "/")
		for format, dir := range map[stream.Format]string{stream.FormatHLS: opts.HLSDir, stream.FormatDASH: opts.DASHDir} {
			if dir == "" {
				continue
			}
			prefix := base + "/" + string(format)
			r.Handle(prefix+"/*", http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
		}
	}

	r.Route("/ingest", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(webhookLimit(opts.WebhookRateLimit, time.Minute))
			r.Post("/publish", h.Publish)
			r.Post("/unpublish", h.Unpublish)
		})
		r.Get("/status", h.IngestStatus)
		r.Get("/sessions", h.IngestSessions)
	})

	return r
}

func webhookLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		}),
	)
}
