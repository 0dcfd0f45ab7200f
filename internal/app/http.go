package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marksync/api/internal/auth"
	"marksync/api/internal/authpw"
	"marksync/api/internal/conflict"
	"marksync/api/internal/docstore"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Entry
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        service.log.WithField("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      session.UserName,
			"userId":        session.UserID,
			"expiresAt":     session.ExpiresAt.Unix(),
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "documents" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(parts) == 2 {
		if r.Method == http.MethodPost {
			s.handleCreateDocument(w, r, session)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	s.handleDocuments(w, r, session, parts[2], parts)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, documentID string, parts []string) {
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocument(r.Context(), session, documentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": toDocumentPayload(doc)})
		case http.MethodPut:
			s.handleSave(w, r, session, documentID)
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), session, documentID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "state" && r.Method == http.MethodGet {
		state, err := s.service.DocumentState(r.Context(), session, documentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        state.ID,
			"version":   state.Version,
			"content":   state.Content,
			"updatedAt": state.UpdatedAt,
		})
		return
	}

	if len(parts) == 4 && parts[3] == "conflict-check" && r.Method == http.MethodPost {
		var body struct {
			Version int64   `json:"version" validate:"required,min=1"`
			Content *string `json:"content"`
		}
		if !decodeAndValidate(w, r, &body) {
			return
		}
		report, err := s.service.CheckConflict(r.Context(), session, documentID, body.Version, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if len(parts) == 4 && parts[3] == "resolve" && r.Method == http.MethodPost {
		s.handleResolve(w, r, session, documentID)
		return
	}

	if len(parts) == 4 && parts[3] == "revisions" && r.Method == http.MethodGet {
		limit := 0
		if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
			if parsedLimit, err := strconv.Atoi(rawLimit); err == nil && parsedLimit > 0 {
				limit = parsedLimit
			}
		}
		items, err := s.service.Revisions(r.Context(), session, documentID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		payload := make([]revisionPayload, 0, len(items))
		for _, item := range items {
			payload = append(payload, revisionPayload{
				Version:   item.Version,
				Hash:      item.Hash,
				Author:    item.Author,
				Message:   item.Message,
				CreatedAt: item.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": payload})
		return
	}

	if len(parts) == 5 && parts[3] == "revisions" && r.Method == http.MethodGet {
		version, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be a number", nil)
			return
		}
		content, err := s.service.RevisionContent(r.Context(), session, documentID, version)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version, "content": content})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title   string   `json:"title" validate:"max=300"`
		Content string   `json:"content"`
		Tags    []string `json:"tags" validate:"omitempty,max=50,dive,max=64"`
	}
	if !decodeAndValidate(w, r, &body) {
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), session, docstore.CreateInput{
		Title:   body.Title,
		Content: body.Content,
		Tags:    body.Tags,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": toDocumentPayload(doc)})
}

// handleSave serves both save paths. A body without version is an autosave.
func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	var body struct {
		Content          *string  `json:"content" validate:"required"`
		Version          *int64   `json:"version" validate:"omitempty,min=1"`
		LastEditPosition int      `json:"lastEditPosition" validate:"min=0"`
		Title            *string  `json:"title" validate:"omitempty,max=300"`
		Tags             []string `json:"tags" validate:"omitempty,max=50,dive,max=64"`
	}
	if !decodeAndValidate(w, r, &body) {
		return
	}
	result, err := s.service.SaveDocument(r.Context(), session, documentID, SaveInput{
		Version:          body.Version,
		Content:          *body.Content,
		LastEditPosition: body.LastEditPosition,
		Title:            body.Title,
		Tags:             body.Tags,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch {
	case result.Autosave != nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"content":          result.Autosave.Content,
			"lastEditPosition": result.Autosave.LastEditPosition,
			"savedAt":          result.Autosave.SavedAt,
		})
	case result.Conflict != nil:
		writeJSON(w, http.StatusOK, map[string]any{"conflict": result.Conflict})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"document": toDocumentPayload(*result.Document)})
	}
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	var body struct {
		Version      int64      `json:"version" validate:"required,min=1"`
		LocalContent *string    `json:"localContent" validate:"required"`
		Strategy     string     `json:"strategy"`
		SubmittedAt  *time.Time `json:"submittedAt"`
	}
	if !decodeAndValidate(w, r, &body) {
		return
	}
	strategy, err := conflict.ParseStrategy(strings.TrimSpace(body.Strategy))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request",
			[]FieldError{{Field: "strategy", Message: err.Error()}})
		return
	}
	in := docstore.ResolveInput{
		BaseVersion:  body.Version,
		LocalContent: *body.LocalContent,
		Strategy:     strategy,
	}
	if body.SubmittedAt != nil {
		in.SubmittedAt = *body.SubmittedAt
	}
	result, err := s.service.ResolveConflict(r.Context(), session, documentID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": toDocumentPayload(result.Document),
		"written":  result.Written,
		"resolution": map[string]any{
			"strategy": result.Resolution.Strategy,
			"winner":   result.Resolution.Winner,
		},
		"report": result.Report,
	})
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email" validate:"required,email"`
		Password    string `json:"password" validate:"required"`
		DisplayName string `json:"displayName" validate:"required,max=120"`
	}
	if !decodeAndValidate(w, r, &body) {
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if !decodeAndValidate(w, r, &body) {
		return
	}
	session, err := s.service.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken": session.Token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"expiresAt":   session.ExpiresAt.Unix(),
	}
}

// fail maps err onto an error response. Unmapped errors are logged since the
// client only sees a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestIDFrom(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
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

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.service.Metrics().requestDuration.
			WithLabelValues(r.Method, strconv.Itoa(writer.status)).
			Observe(elapsed.Seconds())
		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	return requestID
}

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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeAndValidate writes the error response itself and reports whether the
// handler may continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validateBody(target); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
