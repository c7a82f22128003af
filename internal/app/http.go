package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"threadmod/api/internal/auth"
	"threadmod/api/internal/logging"
	"threadmod/api/internal/metrics"
	"threadmod/api/internal/rbac"
)

const (
	maxBodyBytes      = 64 << 10
	DefaultHeartbeat  = 15 * time.Second
	readyCheckTimeout = 5 * time.Second
)

type HTTPOptions struct {
	CORSOrigin         string
	RateLimitPerMinute int
	Logger             zerolog.Logger
	// Heartbeat is the interval of keep-alive comments on the event stream.
	Heartbeat time.Duration
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *ipLimiter
	logger     zerolog.Logger
	heartbeat  time.Duration
}

type sessionKey struct{}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: opts.CORSOrigin,
		limiter:    newIPLimiter(opts.RateLimitPerMinute),
		logger:     opts.Logger,
		heartbeat:  opts.Heartbeat,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(requestID)
	r.Use(chimw.RealIP)
	r.Use(logging.Middleware(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Get("/threads", s.handleListThreads)
		r.Post("/threads", s.handleCreateThread)
		r.Post("/threads/ensure", s.handleEnsureThread)
		r.Get("/threads/{id}", s.handleGetThread)
		r.Get("/threads/{id}/tree", s.handleThreadTree)

		r.Get("/comments", s.handleListComments)
		r.With(s.limiter.limit("create_comment")).Post("/comments", s.handleCreateComment)
		r.Get("/comments/{id}", s.handleGetComment)

		r.Get("/stats", s.handleStatistics)
		r.Get("/events", s.handleEvents)

		// owners manage their own threads whatever their role
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Patch("/threads/{id}", s.handleUpdateThread)
			r.Delete("/threads/{id}", s.handleDeleteThread)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.require(rbac.ActionModerate))

			r.Post("/comments/{id}/moderate", s.handleModerate)
			r.Post("/comments/bulk-moderate", s.handleBulkModerate)
			r.Get("/moderation/queue", s.handleModerationQueue)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
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
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"record_store": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["record_store"] = map[string]any{"status": "error"}
		s.logger.Warn().Err(err).Msg("readiness check failed")
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.QueryThreads(r.Context(), r.URL.Query())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var input CreateThreadInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	thread, err := s.service.CreateThread(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *HTTPServer) handleEnsureThread(w http.ResponseWriter, r *http.Request) {
	var input CreateThreadInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	thread, created, err := s.service.EnsureThread(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"thread": thread, "created": created})
}

func (s *HTTPServer) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.service.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	var input UpdateThreadInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	thread, err := s.service.UpdateThreadTitle(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *HTTPServer) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeleteThread(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.logger.Info().
		Str("thread_id", result.ThreadID).
		Str("user_id", sessionFrom(r).UserID).
		Msg("thread deletion requested")
	writeJSON(w, http.StatusOK, result)
}

// handleThreadTree writes the tree encoding directly: deep reply chains
// exceed the nesting limit of encoding/json.
func (s *HTTPServer) handleThreadTree(w http.ResponseWriter, r *http.Request) {
	tr, err := s.service.GetThreadTree(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	body, err := tr.MarshalJSON()
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.QueryComments(r.Context(), r.URL.Query())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var input CreateCommentInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	comment, err := s.service.CreateComment(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleGetComment(w http.ResponseWriter, r *http.Request) {
	comment, err := s.service.GetComment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleModerate(w http.ResponseWriter, r *http.Request) {
	var input ModerateInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	comment, err := s.service.Moderate(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleBulkModerate(w http.ResponseWriter, r *http.Request) {
	var input BulkModerateInput
	if err := decodeBody(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	result, err := s.service.BulkModerate(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleModerationQueue(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	limit, err := optionalInt(params.Get("limit"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	offset, err := optionalInt(params.Get("offset"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}
	page, err := s.service.ModerationQueue(r.Context(), params.Get("status"), params.Get("thread_id"), limit, offset)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetStatistics(r.Context(), r.URL.Query().Get("thread_id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEvents streams moderation events as server-sent events until the
// client goes away or the notifier shuts down.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.SubscribeEvents(r.URL.Query().Get("thread_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Event stream unavailable", nil)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: 3000\n: subscribed %s\n\n", sub.ID); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("event stream cannot flush")
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var seq uint64
	var reported uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
		case <-sub.C():
			if dropped := sub.Dropped(); dropped > reported {
				if _, err := fmt.Fprintf(w, "event: dropped\ndata: {\"count\":%d}\n\n", dropped-reported); err != nil {
					return
				}
				reported = dropped
			}
			for {
				ev, ok := sub.TryNext()
				if !ok {
					break
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				seq++
				if _, err := fmt.Fprintf(w, "id: %d\nevent: moderation\ndata: %s\n\n", seq, payload); err != nil {
					return
				}
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// require authenticates the bearer token and checks the role against action.
func (s *HTTPServer) require(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if !s.service.Can(session.Role, action) {
				s.forbid(w, r, session, action)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
		})
	}
}

// authenticate only checks the bearer token; handlers decide what the
// session may touch.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.Warn().
		Str("user_id", session.UserID).
		Str("role", session.Role).
		Str("action", string(action)).
		Str("path", r.URL.Path).
		Msg("access denied")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

// requestID keeps a caller supplied X-Request-ID and otherwise assigns one,
// storing it where chi's GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().
			Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
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

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	if domainErr, ok := toDomainError(err); ok {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
