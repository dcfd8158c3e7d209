package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"backstage/api/internal/auth"
	"backstage/api/internal/authpw"
	"backstage/api/internal/export"
	"backstage/api/internal/media"
	"backstage/api/internal/rbac"
	"backstage/api/internal/scenenotes"
	"backstage/api/internal/search"
	"backstage/api/internal/store"
)

const maxUploadBytes = media.MaxImageBytes + 1<<20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
	logger     *slog.Logger
}

// NewHTTPServer builds the API handler. realtime serves the WebSocket
// endpoint and may be nil.
func NewHTTPServer(service *Service, corsOrigin string, realtime http.Handler, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, realtime: realtime, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action rbac.Action) {
	s.logger.WarnContext(r.Context(), "forbidden",
		"request_id", requestIDFrom(r.Context()),
		"user_id", session.UserID,
		"role", session.Role,
		"action", string(action),
	)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// authorize resolves the session and checks the action. It writes the
// error response itself when it returns false.
func (s *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, action rbac.Action) (Session, bool) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return Session{}, false
	}
	if !s.service.Can(session.Role, action) {
		s.forbid(w, r, session, action)
		return Session{}, false
	}
	return session, true
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

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup":
		s.handleAuthSignUp(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin":
		s.handleAuthSignIn(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh":
		s.handleSessionRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		s.handleSessionLogout(w, r)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		session, err := s.sessionFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": session.UserName, "userId": session.UserID, "role": session.Role})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, parts[2:])
	case "locations":
		s.handleLocations(w, r, parts[2:])
	case "performances":
		s.handlePerformances(w, r, parts[2:])
	case "boards":
		s.handleBoards(w, r, parts[2:])
	case "notes":
		s.handleNotes(w, r, parts[2:])
	case "search":
		s.handleSearch(w, r, parts[2:])
	case "realtime":
		s.handleRealtime(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, payload any, err error) {
	if err != nil {
		errStatus, code, message, details := mapError(err)
		if errStatus >= http.StatusInternalServerError {
			s.logger.Error("request failed", "status", errStatus, "error", err)
		}
		writeError(w, errStatus, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, parts []string) {
	if _, ok := s.authorize(w, r, rbac.ActionAdmin); !ok {
		return
	}
	switch {
	case len(parts) == 1 && parts[0] == "pending" && r.Method == http.MethodGet:
		users, err := s.service.ListPendingUsers(r.Context())
		s.respond(w, http.StatusOK, map[string]any{"users": users}, err)
	case len(parts) == 2 && r.Method == http.MethodPost && (parts[1] == "approve" || parts[1] == "reject"):
		user, err := s.service.DecideUser(r.Context(), parts[0], parts[1] == "approve")
		s.respond(w, http.StatusOK, user, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleLocations(w http.ResponseWriter, r *http.Request, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		locations, err := s.service.ListLocations(r.Context())
		s.respond(w, http.StatusOK, map[string]any{"locations": locations}, err)
	case len(parts) == 0 && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionManage); !ok {
			return
		}
		var body LocationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		location, err := s.service.CreateLocation(r.Context(), body)
		s.respond(w, http.StatusCreated, location, err)
	case len(parts) == 1 && r.Method == http.MethodPut:
		if _, ok := s.authorize(w, r, rbac.ActionManage); !ok {
			return
		}
		var body LocationInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		location, err := s.service.UpdateLocation(r.Context(), parts[0], body)
		s.respond(w, http.StatusOK, location, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handlePerformances(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		performances, err := s.service.ListPerformances(r.Context())
		s.respond(w, http.StatusOK, map[string]any{"performances": performances}, err)
		return
	}

	performanceID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		performance, err := s.service.GetPerformance(r.Context(), performanceID)
		s.respond(w, http.StatusOK, performance, err)
	case len(parts) == 2 && parts[1] == "scenes" && r.Method == http.MethodPut:
		session, ok := s.authorize(w, r, rbac.ActionManage)
		if !ok {
			return
		}
		var body struct {
			Scenes []SceneInput `json:"scenes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ReplaceScenes(r.Context(), session, performanceID, body.Scenes)
		s.respond(w, http.StatusOK, result, err)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		s.handleExport(w, r, performanceID)
	case len(parts) == 2 && parts[1] == "image" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionManage); !ok {
			return
		}
		data, err := readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
			return
		}
		result, err := s.service.SetPerformanceImage(r.Context(), performanceID, data)
		s.respond(w, http.StatusOK, result, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, performanceID string) {
	var body struct {
		Format       string `json:"format"`
		IncludeNotes *bool  `json:"includeNotes"`
		IncludeProps *bool  `json:"includeProps"`
		Locale       string `json:"locale"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	format, ok := export.ParseFormat(body.Format)
	if !ok {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil)
		return
	}
	req := export.Request{
		Format:       format,
		IncludeNotes: body.IncludeNotes == nil || *body.IncludeNotes,
		IncludeProps: body.IncludeProps == nil || *body.IncludeProps,
		Locale:       body.Locale,
	}
	result, err := s.service.Export(r.Context(), performanceID, req)
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleBoards(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	kind, scope, rest := parts[0], parts[1], parts[2:]
	ctx := r.Context()

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet,
		len(rest) == 1 && rest[0] == "open" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		result, err := s.service.OpenBoard(ctx, kind, scope)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 1 && rest[0] == "reorder" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		var body ReorderInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ReorderBoard(ctx, kind, scope, body)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 1 && rest[0] == "flush" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.FlushBoard(ctx, kind, scope, body.Reason)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		err := s.service.CloseBoard(ctx, kind, scope)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case len(rest) == 2 && rest[0] == "items" && r.Method == http.MethodPatch:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.UpdateBoardItem(ctx, kind, scope, rest[1], body)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 2 && rest[0] == "items" && r.Method == http.MethodDelete:
		if _, ok := s.authorize(w, r, rbac.ActionManage); !ok {
			return
		}
		err := s.service.DeleteBoardItem(ctx, kind, scope, rest[1])
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case len(rest) == 3 && kind == boardProps && rest[0] == "items" && rest[2] == "image" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		data, err := readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error(), nil)
			return
		}
		result, err := s.service.SetPropImage(ctx, scope, rest[1], data)
		s.respond(w, http.StatusOK, result, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleNotes(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	noteID, rest := parts[0], parts[1:]
	ctx := r.Context()

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		note, err := s.service.GetNote(ctx, noteID)
		s.respond(w, http.StatusOK, note, err)
	case len(rest) == 0 && r.Method == http.MethodPut:
		session, ok := s.authorize(w, r, rbac.ActionEdit)
		if !ok {
			return
		}
		var body struct {
			Content json.RawMessage `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		note, err := s.service.SaveNoteContent(ctx, session, noteID, body.Content)
		s.respond(w, http.StatusOK, note, err)
	case len(rest) == 1 && rest[0] == "scenes" && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		sections, err := s.service.NoteSections(ctx, noteID)
		s.respond(w, http.StatusOK, sections, err)
	case len(rest) == 2 && rest[0] == "scenes" && r.Method == http.MethodPut:
		session, ok := s.authorize(w, r, rbac.ActionEdit)
		if !ok {
			return
		}
		var body struct {
			Content []scenenotes.Node `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.EditNoteScene(ctx, session, noteID, rest[1], body.Content)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 1 && rest[0] == "flush" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		result, err := s.service.FlushNote(ctx, noteID)
		s.respond(w, http.StatusOK, result, err)
	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		if _, ok := s.authorize(w, r, rbac.ActionEdit); !ok {
			return
		}
		err := s.service.CloseNote(ctx, noteID)
		s.respond(w, http.StatusOK, map[string]any{"ok": true}, err)
	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		commits, err := s.service.NoteHistory(ctx, noteID, limit)
		s.respond(w, http.StatusOK, map[string]any{"commits": commits}, err)
	case len(rest) == 2 && rest[0] == "history" && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
			return
		}
		revision, err := s.service.NoteRevision(ctx, noteID, rest[1])
		s.respond(w, http.StatusOK, revision, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 0 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
		return
	}
	query := r.URL.Query()
	q := search.Query{
		Text:              strings.TrimSpace(query.Get("q")),
		FilterPerformance: query.Get("performance"),
	}
	if raw := query.Get("type"); raw != "" {
		t, ok := search.ParseResultType(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_TYPE", "Unknown result type "+raw, nil)
			return
		}
		q.FilterType = t
	}
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Text == "" {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: q.Text})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

// handleRealtime accepts the token as a query parameter because browsers
// cannot set headers on WebSocket requests.
func (s *HTTPServer) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not configured", nil)
		return
	}
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if _, ok := s.authorize(w, r, rbac.ActionRead); !ok {
		return
	}
	s.realtime.ServeHTTP(w, r)
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	message := "Account created. An administrator must approve it before you can sign in."
	if user.Status != store.StatusPending {
		message = "Account created."
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":  user.ID,
		"status":  user.Status,
		"message": message,
	})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.respond(w, 0, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	session, _ := s.sessionFromRequest(r)
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) sessionFromRequest(r *http.Request) (Session, error) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Session{}, auth.ErrInvalidToken
	}
	return s.service.SessionFromToken(r.Context(), token)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	session, err := s.sessionFromRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", "error", err)
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

		s.logger.InfoContext(ctx, "request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
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

// Hijack lets the realtime endpoint upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
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

// readUpload returns the "file" part of a multipart form, or the raw body
// for other content types.
func readUpload(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("file part is required")
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
