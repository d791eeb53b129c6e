package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"livedoc/api/internal/auth"
	"livedoc/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	verifier   *auth.Verifier
	accessTTL  time.Duration
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, verifier *auth.Verifier, accessTTL time.Duration, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		verifier:   verifier,
		accessTTL:  accessTTL,
		corsOrigin: corsOrigin,
		logger:     logger,
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Everything below requires a principal.
	principal, err := s.verifier.FromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) < 2 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Browsers cannot set headers on a WebSocket handshake, so clients
	// exchange their bearer token for a short-lived one to put in the
	// connection URL.
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/socket-token" {
		token, err := s.verifier.IssueToken(principal, s.accessTTL)
		if err != nil {
			s.logger.Error("socket token issue failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      token,
			"expires_in": int64(s.accessTTL.Seconds()),
		})
		return
	}

	switch segments[1] {
	case "documents":
		s.routeDocuments(w, r, principal, segments[2:])
	case "access":
		s.routeAccess(w, r, principal, segments[2:])
	case "comments":
		s.routeComments(w, r, principal, segments[2:])
	case "notifications":
		s.routeNotifications(w, r, principal, segments[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeDocuments(w http.ResponseWriter, r *http.Request, principal auth.Principal, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var input CreateDocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.CreateDocument(r.Context(), principal, input)
		}, http.StatusCreated)

	case len(rest) == 2 && rest[0] == "by-token" && r.Method == http.MethodGet:
		s.respond(w, func() (any, error) {
			return s.service.DocumentByToken(r.Context(), principal, rest[1])
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "live-access" && r.Method == http.MethodGet:
		documentID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid document id", nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.LiveAccess(r.Context(), principal, documentID)
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "live-users" && r.Method == http.MethodGet:
		s.respond(w, func() (any, error) {
			return s.service.LiveUsers(r.Context(), principal, rest[0])
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "request-access" && r.Method == http.MethodPost:
		s.respond(w, func() (any, error) {
			return s.service.RequestAccess(r.Context(), principal, rest[0])
		}, http.StatusCreated)

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodGet:
		documentID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid document id", nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.Comments(r.Context(), principal, documentID)
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "comments" && r.Method == http.MethodPost:
		documentID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid document id", nil)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.CreateComment(r.Context(), principal, documentID, body.Content)
		}, http.StatusCreated)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeAccess(w http.ResponseWriter, r *http.Request, principal auth.Principal, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.respond(w, func() (any, error) {
			return s.service.AccessRequests(r.Context(), principal)
		}, http.StatusOK)

	case len(rest) == 1 && rest[0] == "grant" && r.Method == http.MethodPost:
		var input GrantAccessInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.GrantAccess(r.Context(), principal, input)
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "approve" && r.Method == http.MethodPatch:
		accessID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid access id", nil)
			return
		}
		var input ApproveAccessInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.ApproveAccess(r.Context(), principal, accessID, input)
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "revoke" && r.Method == http.MethodPatch:
		accessID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid access id", nil)
			return
		}
		s.respond(w, func() (any, error) {
			return s.service.RevokeAccess(r.Context(), principal, accessID)
		}, http.StatusOK)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) routeComments(w http.ResponseWriter, r *http.Request, principal auth.Principal, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodPatch {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	commentID, err := parseID(rest[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid comment id", nil)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.respond(w, func() (any, error) {
		return s.service.UpdateComment(r.Context(), principal, commentID, body.Content)
	}, http.StatusOK)
}

func (s *HTTPServer) routeNotifications(w http.ResponseWriter, r *http.Request, principal auth.Principal, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.respond(w, func() (any, error) {
			return s.service.Notifications(r.Context(), principal)
		}, http.StatusOK)

	case len(rest) == 2 && rest[1] == "read" && r.Method == http.MethodPatch:
		notificationID, err := parseID(rest[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid notification id", nil)
			return
		}
		if err := s.service.ReadNotification(r.Context(), principal, notificationID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, operation func() (any, error), status int) {
	payload, err := operation()
	if err != nil {
		errStatus, code, message, details := mapError(err)
		if errStatus >= http.StatusInternalServerError {
			s.logger.Error("request failed", zap.Error(err))
		}
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, payload)
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

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
