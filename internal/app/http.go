package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"inkwell/api/internal/attachments"
	"inkwell/api/internal/auth"
	"inkwell/api/internal/docstore"
	"inkwell/api/internal/export"
	"inkwell/api/internal/rbac"
	"inkwell/api/internal/resolution"
	"inkwell/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	limits     *actorLimiter
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        log.With().Str("component", "http").Logger(),
		limits:     newActorLimiter(autoResolveEvery, autoResolveBurst),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/session", s.handleSession)
		r.Get("/api/resolution-templates", s.handleTemplates)
		r.Get("/api/search", s.handleSearch)

		r.Route("/api/documents/{docID}", func(r chi.Router) {
			r.Get("/content", s.handleGetContent)
			r.Put("/content", s.handlePutContent)
			r.Get("/content/history", s.handleContentHistory)
			r.Post("/decorations", s.handleDecorations)
			r.Post("/hit", s.handleHit)
			r.Post("/attachments", s.handleUploadAttachment)
			r.Get("/export", s.handleExport)

			r.Route("/comments", func(r chi.Router) {
				r.Get("/", s.handleListComments)
				r.Post("/", s.handleCreateComment)
				r.Post("/bulk-status", s.handleBulkStatus)
				r.Post("/bulk-resolve", s.handleBulkResolve)
				r.Post("/auto-resolve", s.handleAutoResolve)
				r.Post("/suggestions", s.handleSuggestions)
				r.Get("/revision", s.handleRevision)
				r.Get("/orphans", s.handleOrphans)
				r.Get("/stats", s.handleStats)
				r.Delete("/{commentID}", s.handleDeleteComment)
				r.Patch("/{commentID}/status", s.handleUpdateStatus)
				r.Post("/{commentID}/resolve", s.handleResolve)
				r.Get("/{commentID}/history", s.handleHistory)
			})
		})
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
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if configured, err := s.service.FeedPing(ctx); configured {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"userId":        session.UserID,
		"userName":      session.UserName,
		"role":          session.Role,
		"permissions":   rbac.Grants(rbac.Role(session.Role)),
	})
}

func (s *HTTPServer) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.service.ListResolutionTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp, err := s.service.Search(search.Query{
		Text:       q.Get("q"),
		DocumentID: q.Get("documentId"),
		Statuses:   splitList(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetContent(chi.URLParam(r, "docID"), r.URL.Query().Get("version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePutContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string          `json:"title"`
		Doc     json.RawMessage `json:"doc"`
		Message string          `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	out, err := s.service.PutContent(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "docID"),
		docstore.Content{Title: body.Title, Doc: body.Doc}, body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleContentHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	commits, err := s.service.ContentHistory(chi.URLParam(r, "docID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleDecorations(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Doc           json.RawMessage `json:"doc"`
		HighlightedID string          `json:"highlightedId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.Decorations(r.Context(), chi.URLParam(r, "docID"), body.Doc, body.HighlightedID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleHit(w http.ResponseWriter, r *http.Request) {
	var body HitRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	out, err := s.service.Hit(r.Context(), chi.URLParam(r, "docID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, attachments.MaxSize+multipartOverhead)
	declared := r.Header.Get("Content-Type")
	var reader io.Reader = r.Body
	if strings.HasPrefix(declared, "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.fail(w, r, attachments.ErrTooLarge)
				return
			}
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
			return
		}
		defer file.Close()
		reader = file
		declared = header.Header.Get("Content-Type")
	}
	obj, err := s.service.UploadAttachment(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "docID"), declared, reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = attachments.ErrTooLarge
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Export(r.Context(), export.Request{
		DocumentID:      chi.URLParam(r, "docID"),
		Version:         q.Get("version"),
		Format:          format,
		IncludeResolved: q.Get("includeResolved") == "true",
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.ListThreads(r.Context(), chi.URLParam(r, "docID"), splitList(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionComment) {
		s.forbid(w)
		return
	}
	var body CreateCommentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	c, err := s.service.CreateComment(r.Context(), session, chi.URLParam(r, "docID"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteComment(r.Context(), sessionFrom(r.Context()), chi.URLParam(r, "docID"), chi.URLParam(r, "commentID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionResolve) {
		s.forbid(w)
		return
	}
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.UpdateStatus(r.Context(), session, chi.URLParam(r, "docID"), chi.URLParam(r, "commentID"), body.Status, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionResolve) {
		s.forbid(w)
		return
	}
	var body struct {
		Reason     string `json:"reason"`
		TemplateID string `json:"templateId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.Resolve(r.Context(), session, chi.URLParam(r, "docID"), chi.URLParam(r, "commentID"), body.Reason, body.TemplateID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionBulk) {
		s.forbid(w)
		return
	}
	var body struct {
		CommentIDs []string `json:"commentIds"`
		Status     string   `json:"status"`
		Reason     string   `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.BulkUpdateStatus(r.Context(), session, chi.URLParam(r, "docID"), body.CommentIDs, body.Status, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionBulk) {
		s.forbid(w)
		return
	}
	var body struct {
		CommentIDs []string `json:"commentIds"`
		TemplateID string   `json:"templateId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.BulkResolve(r.Context(), session, chi.URLParam(r, "docID"), body.CommentIDs, body.TemplateID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAutoResolve(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if !s.service.Can(session.Role, rbac.ActionBulk) {
		s.forbid(w)
		return
	}
	if !s.limits.Allow(session.UserID) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Auto-resolve is rate limited, try again shortly", nil)
		return
	}
	var body struct {
		Days int `json:"days"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	res, err := s.service.AutoResolve(r.Context(), session, chi.URLParam(r, "docID"), body.Days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommentIDs []string `json:"commentIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	suggestions, err := s.service.Suggestions(r.Context(), chi.URLParam(r, "docID"), body.CommentIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Revision(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Orphans(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.ResolutionStats(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.service.CommentHistory(r.Context(), chi.URLParam(r, "docID"), chi.URLParam(r, "commentID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *HTTPServer) forbid(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// fail maps err to a response. Unmapped errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) Session {
	session, _ := ctx.Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
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

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, resolution.ErrNotAuthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, resolution.ErrCommentNotFound),
		errors.Is(err, docstore.ErrDocumentNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, resolution.ErrInvalidStatus),
		errors.Is(err, resolution.ErrUnknownTemplate),
		errors.Is(err, resolution.ErrInvalidThreshold),
		errors.Is(err, docstore.ErrInvalidDocument),
		errors.Is(err, attachments.ErrEmpty),
		errors.Is(err, attachments.ErrUnsupportedType),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, attachments.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE", "Attachment exceeds the size limit", map[string]int{"max": attachments.MaxSize}
	case errors.Is(err, attachments.ErrNotConfigured),
		errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
