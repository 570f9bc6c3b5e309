// Package api exposes the stream lifecycle and the ingest webhooks over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"live-orchestrator/internal/ingest"
	"live-orchestrator/internal/orchestrator"
	"live-orchestrator/internal/stream"

	"github.com/go-chi/chi/v5"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the lifecycle API and the ingest webhooks.
type Handler struct {
	mgr     *orchestrator.Manager
	gateway *ingest.Gateway
	log     *slog.Logger
}

// NewHandler returns a Handler over the lifecycle manager and the ingest gateway.
func NewHandler(mgr *orchestrator.Manager, gw *ingest.Gateway, log *slog.Logger) *Handler {
	return &Handler{mgr: mgr, gateway: gw, log: log}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrPublishRejected):
		return http.StatusForbidden
	case errors.Is(err, stream.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrStreamNotFound), errors.Is(err, stream.ErrDestinationNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrAlreadyRunning), errors.Is(err, stream.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, stream.ErrLaunchFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error(op+" failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug(op+" rejected", slog.String("path", r.URL.Path), slog.Int("status", code), slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.Join(stream.ErrInvalidConfig, err)
	}
	return nil
}

func streamID(r *http.Request) (stream.ID, error) {
	return stream.ParseID(chi.URLParam(r, "stream_id"))
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateStream handles POST /streams.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ProvisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, "provision", err)
		return
	}
	s, err := h.mgr.Provision(r.Context(), req)
	if err != nil {
		h.fail(w, r, "provision", err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	all, err := h.mgr.List(r.Context())
	if err != nil {
		h.fail(w, r, "list streams", err)
		return
	}
	if all == nil {
		all = []*stream.Stream{}
	}
	writeJSON(w, http.StatusOK, all)
}

// UpdateStream handles PUT /streams/{stream_id}.
func (h *Handler) UpdateStream(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "reconfigure", err)
		return
	}
	var req orchestrator.ReconfigureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, "reconfigure", err)
		return
	}
	s, err := h.mgr.Reconfigure(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, "reconfigure", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// StartStream handles POST /streams/{stream_id}/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "start", err)
		return
	}
	if err := h.mgr.Start(r.Context(), id); err != nil {
		h.fail(w, r, "start", err)
		return
	}
	h.writeStatus(w, r, id)
}

// StopStream handles POST /streams/{stream_id}/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "stop", err)
		return
	}
	if err := h.mgr.Stop(r.Context(), id); err != nil {
		h.fail(w, r, "stop", err)
		return
	}
	h.writeStatus(w, r, id)
}

// GetStatus handles GET /streams/{stream_id}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	h.writeStatus(w, r, id)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, id stream.ID) {
	rep, err := h.mgr.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetStats handles GET /streams/{stream_id}/stats?limit=N.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
	}
	st, err := h.mgr.Stats(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type destinationsBody struct {
	Destinations []stream.Destination `json:"destinations"`
}

// UpdateDestinations handles POST /streams/{stream_id}/destinations.
func (h *Handler) UpdateDestinations(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "update destinations", err)
		return
	}
	var body destinationsBody
	if err := decodeJSON(w, r, &body); err != nil {
		h.fail(w, r, "update destinations", err)
		return
	}
	if err := h.mgr.UpdateDestinations(r.Context(), id, body.Destinations); err != nil {
		h.fail(w, r, "update destinations", err)
		return
	}
	h.writeStatus(w, r, id)
}

// GetEmbed handles GET /streams/{stream_id}/embed.
func (h *Handler) GetEmbed(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "embed", err)
		return
	}
	info, err := h.mgr.EmbedInfo(r.Context(), id)
	if err != nil {
		h.fail(w, r, "embed", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetMasterPlaylist handles GET /streams/{stream_id}/master.m3u8.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	id, err := streamID(r)
	if err != nil {
		h.fail(w, r, "master playlist", err)
		return
	}
	m3u8, err := h.mgr.MasterPlaylist(r.Context(), id)
	if err != nil {
		h.fail(w, r, "master playlist", err)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// ListDestinations handles GET /destinations.
func (h *Handler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListDestinations(r.Context())
	if err != nil {
		h.fail(w, r, "list destinations", err)
		return
	}
	if list == nil {
		list = []stream.CatalogDestination{}
	}
	writeJSON(w, http.StatusOK, list)
}

// SaveDestination handles POST /destinations.
func (h *Handler) SaveDestination(w http.ResponseWriter, r *http.Request) {
	var d stream.CatalogDestination
	if err := decodeJSON(w, r, &d); err != nil {
		h.fail(w, r, "save destination", err)
		return
	}
	saved, err := h.mgr.SaveDestination(r.Context(), d)
	if err != nil {
		h.fail(w, r, "save destination", err)
		return
	}
	code := http.StatusOK
	if d.ID == 0 {
		code = http.StatusCreated
	}
	writeJSON(w, code, saved)
}

// DeleteDestination handles DELETE /destinations/{destination_id}.
func (h *Handler) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "destination_id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid destination id"})
		return
	}
	if err := h.mgr.DeleteDestination(r.Context(), id); err != nil {
		h.fail(w, r, "delete destination", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// webhook is the body of an ingest notification. Ingest servers post forms
// with the stream key in "name" and the client address in "addr".
type webhook struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Addr string `json:"addr"`
}

func (wh webhook) key() string {
	if wh.Key != "" {
		return wh.Key
	}
	return wh.Name
}

func parseWebhook(w http.ResponseWriter, r *http.Request) (webhook, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		var wh webhook
		err := decodeJSON(w, r, &wh)
		return wh, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return webhook{}, errors.Join(stream.ErrInvalidConfig, err)
	}
	return webhook{
		Key:  r.Form.Get("key"),
		Name: r.Form.Get("name"),
		Addr: r.Form.Get("addr"),
	}, nil
}

// Publish handles POST /ingest/publish. Any non-2xx answer makes the ingest
// server drop the publisher.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	wh, err := parseWebhook(w, r)
	if err != nil {
		h.fail(w, r, "publish", err)
		return
	}
	sess, err := h.gateway.OnPublish(r.Context(), wh.key(), wh.Addr)
	if err != nil {
		h.fail(w, r, "publish", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Unpublish handles POST /ingest/unpublish.
func (h *Handler) Unpublish(w http.ResponseWriter, r *http.Request) {
	wh, err := parseWebhook(w, r)
	if err != nil {
		h.fail(w, r, "unpublish", err)
		return
	}
	if err := h.gateway.OnUnpublish(r.Context(), wh.key()); err != nil {
		h.fail(w, r, "unpublish", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestStatus handles GET /ingest/status.
func (h *Handler) IngestStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.ServerStatus())
}

// IngestSessions handles GET /ingest/sessions.
func (h *Handler) IngestSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gateway.ActiveSessions())
}
