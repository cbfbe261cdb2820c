// Package httpapi exposes the generation engine over HTTP using chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diffusiond/pkg/types"
)

// Service is what the HTTP layer needs from the daemon.
type Service interface {
	ListModels() []types.Model
	Profiles() types.ProfilesResponse
	Status() types.StatusResponse
	Ready() bool
	// StartGeneration validates req and launches it in the background.
	StartGeneration(ctx context.Context, req types.GenerationRequest) (types.GenerationStatus, error)
	// Generate runs req to completion, writing GenerationEvent lines to w.
	// Validation errors are returned before anything is written.
	Generate(ctx context.Context, req types.GenerationRequest, w io.Writer, flush func()) error
	Generations() []types.GenerationStatus
	Generation(id string) (types.GenerationStatus, error)
	GenerationResult(id string, withFrames bool) (types.GenerationResult, error)
	CancelGeneration(id string) (types.GenerationStatus, error)
}

type server struct{ svc Service }

func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"Location", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", s.models)
	r.Get("/profiles", s.profiles)
	r.Get("/status", s.status)
	r.Get("/generations", s.listGenerations)
	r.Post("/generations", s.createGeneration)
	r.Get("/generations/{id}", s.getGeneration)
	r.Get("/generations/{id}/result", s.getResult)
	r.Delete("/generations/{id}", s.cancelGeneration)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// models godoc
// @Summary List registered models
// @Tags models
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Router /models [get]
func (s *server) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ListModels()})
}

// profiles godoc
// @Summary List residency profiles
// @Tags models
// @Produce json
// @Success 200 {object} types.ProfilesResponse
// @Router /profiles [get]
func (s *server) profiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Profiles())
}

// status godoc
// @Summary Residency and engine status
// @Tags status
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func (s *server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *server) listGenerations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Generations())
}

// createGeneration godoc
// @Summary Start a generation
// @Description Without stream=1 the generation runs in the background and 202 is returned.
// @Description With stream=1 the response is NDJSON progress followed by the result.
// @Tags generations
// @Accept json
// @Produce json
// @Produce x-ndjson
// @Param stream query bool false "stream progress as NDJSON"
// @Param body body types.GenerationRequest true "generation request"
// @Success 202 {object} types.GenerationStatus
// @Success 200 {object} types.GenerationEvent
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 422 {object} types.ErrorResponse
// @Failure 429 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Router /generations [post]
func (s *server) createGeneration(w http.ResponseWriter, r *http.Request) {
	var req types.GenerationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); stream {
		s.streamGeneration(w, r, req)
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	st, err := s.svc.StartGeneration(r.Context(), req)
	if err != nil {
		logEnd(r, lvl, "generation rejected", writeError(w, err), start, err)
		return
	}
	w.Header().Set("Location", "/generations/"+st.ID)
	writeJSON(w, http.StatusAccepted, st)
	logEnd(r, lvl, "generation queued", http.StatusAccepted, start, nil)
}

func (s *server) streamGeneration(w http.ResponseWriter, r *http.Request, req types.GenerationRequest) {
	lvl := requestLogLevel(r)
	start := time.Now()
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	tw := &trackingWriter{w: w}
	out := io.Writer(tw)
	if lvl >= LevelDebug {
		out = io.MultiWriter(tw, &eventLogWriter{rid: middleware.GetReqID(r.Context())})
	}

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if streamTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, time.Duration(streamTimeout)*time.Second)
		defer tcancel()
	}

	err := s.svc.Generate(ctx, req, out, flush)
	switch {
	case err == nil:
		observeStream("ok")
		logEnd(r, lvl, "generation streamed", http.StatusOK, start, nil)
		return
	case r.Context().Err() != nil:
		observeStream("client_gone")
		return
	}
	status, kind := statusFor(err)
	outcome := "failed"
	switch {
	case serverBaseCtx.Err() != nil:
		status, kind, outcome = http.StatusServiceUnavailable, "shutting_down", "shutting_down"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status, kind, outcome = http.StatusGatewayTimeout, "timeout", "timeout"
	}
	observeStream(outcome)
	if !tw.wrote {
		if status == http.StatusTooManyRequests {
			IncrementBackpressure("queue")
		}
		writeJSONError(w, status, err.Error(), kind)
	} else {
		// headers are gone; report in-band
		_ = json.NewEncoder(w).Encode(types.GenerationEvent{Error: &types.ErrorResponse{Error: err.Error(), Code: status, Kind: kind}})
		if flush != nil {
			flush()
		}
	}
	logEnd(r, lvl, "generation failed", status, start, err)
}

// getGeneration godoc
// @Summary Generation progress
// @Tags generations
// @Produce json
// @Param id path string true "generation id"
// @Success 200 {object} types.GenerationStatus
// @Failure 404 {object} types.ErrorResponse
// @Router /generations/{id} [get]
func (s *server) getGeneration(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Generation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// getResult godoc
// @Summary Finished generation output
// @Tags generations
// @Produce json
// @Param id path string true "generation id"
// @Param frames query bool false "include frame data (default true)"
// @Success 200 {object} types.GenerationResult
// @Failure 404 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Router /generations/{id}/result [get]
func (s *server) getResult(w http.ResponseWriter, r *http.Request) {
	withFrames := true
	if v := r.URL.Query().Get("frames"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "frames must be a boolean", "invalid_request")
			return
		}
		withFrames = b
	}
	res, err := s.svc.GenerationResult(chi.URLParam(r, "id"), withFrames)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cancelGeneration godoc
// @Summary Cancel a generation
// @Tags generations
// @Produce json
// @Param id path string true "generation id"
// @Success 200 {object} types.GenerationStatus
// @Failure 404 {object} types.ErrorResponse
// @Router /generations/{id} [delete]
func (s *server) cancelGeneration(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CancelGeneration(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decodeJSON enforces the content type and body cap. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "invalid_request")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return false
	}
	return true
}

// trackingWriter sets the NDJSON content type on first write and remembers
// that the status line has been sent.
type trackingWriter struct {
	w     http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if !t.wrote {
		t.w.Header().Set("Content-Type", "application/x-ndjson")
		t.wrote = true
	}
	n, err := t.w.Write(p)
	streamBytes.Add(float64(n))
	return n, err
}
