// Package httpapi exposes the campaign service over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vidcast/internal/campaign"
	"vidcast/internal/campaign/batch"
	"vidcast/internal/campaign/campaignerr"
	"vidcast/internal/campaign/jobs"
	"vidcast/internal/storage"
	logx "vidcast/pkg/logx"
)

// Campaigns is the subset of campaign.Service the API needs.
type Campaigns interface {
	Submit(ctx context.Context, req campaign.Request) (campaign.Ack, error)
	SubmitPart(ctx context.Context, p campaign.Part) (campaign.PartAck, error)
	Status(id string) (jobs.Job, bool)
	Jobs() []jobs.Job
	Cancel(id string) (found, accepted bool)
	PendingBatches() []batch.Pending
	Snapshot() campaign.Snapshot
	RecentOutcomes(ctx context.Context, limit int) ([]storage.CampaignRecord, error)
	Upload(name string, r io.Reader) (string, error)
}

var _ Campaigns = (*campaign.Service)(nil)

type RouterOptions struct {
	// Token, when set, is required as a Bearer token on /api routes.
	Token     string
	MaxUpload int64
	Pprof     bool
	Log       logx.Logger
}

const (
	maxJSONBody   = 1 << 20
	defaultRecent = 20
	maxRecent     = 500
)

type handler struct {
	api Campaigns
	opt RouterOptions
	log logx.Logger
}

func NewRouter(api Campaigns, opt RouterOptions) chi.Router {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.MaxUpload <= 0 {
		opt.MaxUpload = defaultMaxUpload
	}
	h := &handler{api: api, opt: opt, log: opt.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireToken)

		r.Post("/campaigns", h.submit)
		r.Post("/campaigns/parts", h.submitPart)
		r.Get("/campaigns/recent", h.recent)

		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/cancel", h.cancelJob)

		r.Get("/batches", h.batches)
		r.Post("/uploads", h.upload)
	})

	if opt.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(h.requireToken)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

func jsonError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps service errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, campaignerr.ErrNoVideos), errors.Is(err, campaign.ErrInvalidPart):
		return http.StatusBadRequest
	case errors.Is(err, campaign.ErrBatchConsumed):
		return http.StatusConflict
	case errors.Is(err, campaignerr.ErrTransportNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req campaign.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	ack, err := h.api.Submit(r.Context(), req)
	if err != nil {
		jsonError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (h *handler) submitPart(w http.ResponseWriter, r *http.Request) {
	var p campaign.Part
	if !decodeJSON(w, r, &p) {
		return
	}
	pa, err := h.api.SubmitPart(r.Context(), p)
	if err != nil {
		jsonError(w, statusFor(err), err.Error())
		return
	}
	if pa.Ack != nil {
		writeJSON(w, http.StatusAccepted, pa)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

func (h *handler) recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecent
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecent)
	}
	recs, err := h.api.RecentOutcomes(r.Context(), limit)
	if errors.Is(err, storage.ErrDisabled) {
		jsonError(w, http.StatusNotImplemented, "storage disabled")
		return
	}
	if err != nil {
		h.log.Warn("recent outcomes failed", logx.Err(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []storage.CampaignRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.api.Jobs())
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.api.Status(chi.URLParam(r, "id"))
	if !ok {
		jsonError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	found, accepted := h.api.Cancel(id)
	switch {
	case !found:
		jsonError(w, http.StatusNotFound, "job not found")
	case !accepted:
		jsonError(w, http.StatusConflict, "job already finished")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "cancelled": true})
	}
}

func (h *handler) batches(w http.ResponseWriter, r *http.Request) {
	ps := h.api.PendingBatches()
	if ps == nil {
		ps = []batch.Pending{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opt.MaxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		jsonError(w, http.StatusBadRequest, "multipart body required")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			jsonError(w, http.StatusBadRequest, "file field required")
			return
		}
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		key, err := h.api.Upload(part.FileName(), part)
		_ = part.Close()
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				jsonError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			h.log.Warn("upload failed", logx.Err(err))
			jsonError(w, http.StatusInternalServerError, "upload failed")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"locator": key})
		return
	}
}

type healthResponse struct {
	OK bool `json:"ok"`
	campaign.Snapshot
	Time time.Time `json:"time"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Snapshot: h.api.Snapshot(), Time: time.Now().UTC()})
}

func (h *handler) requireToken(next http.Handler) http.Handler {
	tok := strings.TrimSpace(h.opt.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && tokenEqual(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		jsonError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		if status >= 500 {
			h.log.Warn("http request", fields...)
			return
		}
		h.log.Debug("http request", fields...)
	})
}
