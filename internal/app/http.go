package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"lostfound/api/internal/auth"
	"lostfound/api/internal/claims"
	"lostfound/api/internal/metrics"
)

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	metrics    *metrics.Metrics
	log        *slog.Logger
	corsOrigin string
	keepAlive  time.Duration

	streamsDone chan struct{}
	closeOnce   sync.Once
}

func NewHTTPServer(service *Service, verifier *auth.Verifier, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		verifier:   verifier,
		metrics:    service.metrics,
		log:        service.log,
		corsOrigin: corsOrigin,
		keepAlive:  25 * time.Second,

		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on idle streams.
func (s *HTTPServer) CloseStreams() {
	s.closeOnce.Do(func() { close(s.streamsDone) })
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/items", func(r chi.Router) {
		r.Get("/", s.handleListItems)
		r.Post("/", s.handleCreateItem)
		r.Get("/search", s.handleSearch)
		r.Route("/{itemID}", func(r chi.Router) {
			r.Get("/", s.handleViewItem)
			r.Delete("/", s.handleDeleteItem)
			r.Get("/events", s.handleItemEvents)
			r.Get("/claims", s.handleListClaims)
			r.Post("/claims", s.handleSubmitClaim)
			r.Post("/claims/{claimID}/decision", s.handleDecideClaim)
		})
	})

	r.Get("/api/me/requests", s.handleMyRequests)
	r.Put("/api/me/profile", s.handleUpdateProfile)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Checks(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListItems(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var input CreateItemInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	item, err := s.service.CreateItem(r.Context(), s.viewer(r), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q, queryInt(r, "limit"), queryInt(r, "offset")))
}

func (s *HTTPServer) handleViewItem(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ViewItem(r.Context(), s.viewer(r), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteItem(r.Context(), s.viewer(r), chi.URLParam(r, "itemID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListClaims(w http.ResponseWriter, r *http.Request) {
	requests, err := s.service.ListItemClaims(r.Context(), s.viewer(r), chi.URLParam(r, "itemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": requests})
}

func (s *HTTPServer) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var input SubmitClaimInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	req, err := s.service.SubmitClaim(r.Context(), s.viewer(r), chi.URLParam(r, "itemID"), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"claim": req})
}

func (s *HTTPServer) handleDecideClaim(w http.ResponseWriter, r *http.Request) {
	var input DecideClaimInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	req, err := s.service.DecideClaim(r.Context(), s.viewer(r), chi.URLParam(r, "itemID"), chi.URLParam(r, "claimID"), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claim": req})
}

func (s *HTTPServer) handleMyRequests(w http.ResponseWriter, r *http.Request) {
	filter := claims.ParseFilter(r.URL.Query().Get("filter"))
	entries, err := s.service.History(r.Context(), s.viewer(r), string(filter))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter": filter, "requests": entries})
}

func (s *HTTPServer) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var input UpdateProfileInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	profile, err := s.service.UpdateProfile(r.Context(), s.viewer(r), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile})
}

// handleItemEvents streams an item's snapshots as server-sent events until
// the client goes away or the item is deleted.
func (s *HTTPServer) handleItemEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	itemID := chi.URLParam(r, "itemID")
	ch, err := s.service.WatchItem(r.Context(), itemID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer ch.Close()

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	live := true

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streamsDone:
			return
		case _, open := <-ch.Updates():
			if !open {
				return
			}
			if ch.Deleted() {
				writeEvent(w, "deleted", map[string]string{"id": itemID})
				flusher.Flush()
				return
			}
			if item, ok := ch.Snapshot(); ok {
				writeEvent(w, "item", item)
			}
		case <-keepAlive.C:
			if healthy := ch.Err() == nil; healthy != live {
				live = healthy
				writeEvent(w, "status", map[string]bool{"live": live})
			} else {
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// viewer resolves the caller. Missing or unusable credentials yield nil, and
// the service decides whether the operation needs an identity.
func (s *HTTPServer) viewer(r *http.Request) *claims.Identity {
	if s.verifier == nil {
		return nil
	}
	identity, err := s.verifier.Identity(r)
	if err != nil {
		s.log.Debug("ignoring bearer token", "request_id", requestID(r.Context()), "error", err)
		return nil
	}
	return identity
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.ObserveRequest(r.Method, route, writer.status, elapsed)
		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}
