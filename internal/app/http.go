package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trailhub/api/internal/auth"
	"trailhub/api/internal/authpw"
	"trailhub/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
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

	if r.Method == http.MethodPost && r.URL.Path == "/profiles" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && (r.URL.Path == "/logout/" || r.URL.Path == "/logout") {
		s.handleLogout(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/session/refresh" {
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
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        session.Token,
			"refreshToken": session.RefreshToken,
			"firstname":    session.Name,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/password/reset/request" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "If the email exists, a reset link has been sent"})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/password/reset" {
		var body struct {
			Token    string `json:"token"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Password updated"})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/profiles/search" {
		s.handleProfileSearch(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/hashtag/autocomplete" {
		tags, err := s.service.HashtagAutocomplete(r.Context(), r.URL.Query().Get("hashtag"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": tags})
		return
	}

	parts := splitPath(r.URL.Path)

	// /activities/{id}/members and /activities/{id}/membercount are readable
	// without a session, matching the subscription check.
	if len(parts) == 3 && parts[0] == "activities" && r.Method == http.MethodGet {
		activityID, err := parseID(parts[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid activity id", nil)
			return
		}
		switch parts[2] {
		case "members":
			s.handleListMembers(w, r, activityID)
			return
		case "membercount":
			counts, err := s.service.CountMembers(r.Context(), activityID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, counts)
			return
		}
	}

	// /profiles/{id}/subscriptions/activities/{activityId}
	if len(parts) == 5 && parts[0] == "profiles" && parts[2] == "subscriptions" && parts[3] == "activities" {
		profileID, err1 := parseID(parts[1])
		activityID, err2 := parseID(parts[4])
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid id", nil)
			return
		}

		if r.Method == http.MethodGet {
			subscribed, err := s.service.IsFollowing(r.Context(), profileID, activityID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"subscribed": subscribed})
			return
		}

		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodPost:
			if err := s.service.Follow(r.Context(), session, profileID, activityID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "User is now subscribed"})
			return
		case http.MethodDelete:
			if err := s.service.Unfollow(r.Context(), session, profileID, activityID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "User unsubscribed from activity"})
			return
		}
	}

	// /profiles/{id}/activities/{activityId}/subscriber
	if len(parts) == 5 && parts[0] == "profiles" && parts[2] == "activities" && parts[4] == "subscriber" {
		profileID, err1 := parseID(parts[1])
		activityID, err2 := parseID(parts[3])
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid id", nil)
			return
		}

		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodPut:
			var body struct {
				Subscription struct {
					Email string `json:"email"`
					Role  string `json:"role"`
				} `json:"subscription"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			message, err := s.service.SetRole(r.Context(), session, profileID, activityID, body.Subscription.Email, body.Subscription.Role)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": message})
			return
		case http.MethodDelete:
			var body struct {
				Email string `json:"email"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			message, err := s.service.RemoveRole(r.Context(), session, profileID, activityID, body.Email)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": message})
			return
		case http.MethodGet:
			var body struct {
				Email string `json:"email"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			roleType, err := s.service.GetRole(r.Context(), session, profileID, activityID, body.Email)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"role": string(roleType)})
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/activities" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var input CreateActivityInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		activity, err := s.service.CreateActivity(r.Context(), session, input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": activity.ID})
		return
	}

	if len(parts) == 2 && parts[0] == "activities" && r.Method == http.MethodDelete {
		activityID, err := parseID(parts[1])
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid activity id", nil)
			return
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.ArchiveActivity(r.Context(), session, activityID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Activity archived"})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Firstname     string   `json:"firstname"`
		Middlename    string   `json:"middlename"`
		Lastname      string   `json:"lastname"`
		Nickname      string   `json:"nickname"`
		Email         string   `json:"email"`
		Password      string   `json:"password"`
		Bio           string   `json:"bio"`
		DateOfBirth   string   `json:"date_of_birth"`
		Gender        string   `json:"gender"`
		Fitness       int      `json:"fitness"`
		ActivityTypes []string `json:"activityTypes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	profile, err := s.service.Register(r.Context(), authpw.RegisterRequest{
		Firstname:     body.Firstname,
		Middlename:    body.Middlename,
		Lastname:      body.Lastname,
		Nickname:      body.Nickname,
		Email:         body.Email,
		Password:      body.Password,
		Bio:           body.Bio,
		DateOfBirth:   body.DateOfBirth,
		Gender:        body.Gender,
		Fitness:       body.Fitness,
		ActivityTypes: body.ActivityTypes,
	})
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": profile.ID})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           session.ProfileID,
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"firstname":    session.Name,
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusExpectationFailed, "NOT_LOGGED_IN", "Not logged in", nil)
		return
	}
	if _, err := s.service.SessionFromToken(r.Context(), token); err != nil {
		writeError(w, http.StatusExpectationFailed, "NOT_LOGGED_IN", "Not logged in", nil)
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out"})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, activityID int64) {
	offset := 0
	limit := 10
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "offset must be an integer", nil)
			return
		}
		offset = parsed
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}

	buckets, err := s.service.ListMembers(r.Context(), activityID, offset, limit, strings.TrimSpace(query.Get("type")))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *HTTPServer) handleProfileSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := search.Query{
		Limit:  -1,
		Offset: -1,
		Method: strings.ToUpper(strings.TrimSpace(query.Get("method"))),
	}
	for _, raw := range query["activity"] {
		q.ActivityTypes = append(q.ActivityTypes, strings.Fields(raw)...)
	}
	if q.Method != "" && q.Method != "AND" && q.Method != "OR" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "method must be AND or OR", nil)
		return
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be an integer", nil)
			return
		}
		q.Limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "offset must be an integer", nil)
			return
		}
		q.Offset = parsed
	}

	fullname := strings.TrimSpace(query.Get("fullname"))
	nickname := strings.TrimSpace(query.Get("nickname"))

	if nickname != "" {
		q.Term = nickname
		writeJSON(w, http.StatusOK, s.service.SearchProfilesByNickname(q))
		return
	}

	q.Term = fullname
	if q.Term == "" && len(q.ActivityTypes) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "A search term or activity type is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchProfiles(q))
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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

func parseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
