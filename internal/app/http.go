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

	"punchtime/api/internal/auth"
	"punchtime/api/internal/authpw"
	"punchtime/api/internal/config"
	"punchtime/api/internal/habit"
	"punchtime/api/internal/search"
	"punchtime/api/internal/sharelink"
)

type HTTPServer struct {
	service *Service
	authpw  *authpw.Service
	search  *search.Service
	cfg     config.Config
}

// NewHTTPServer wires the REST surface. authSvc and searchSvc are nil
// in guest-only deployments.
func NewHTTPServer(service *Service, authSvc *authpw.Service, searchSvc *search.Service, cfg config.Config) *HTTPServer {
	return &HTTPServer{service: service, authpw: authSvc, search: searchSvc, cfg: cfg}
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

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Auth routes (no token required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		s.service.SignOut()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		identity, err := s.resolveIdentity(r)
		if err != nil || identity == nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        identity.ID,
			"displayName":   identity.DisplayName,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/shared" {
		query := r.URL.Query()
		record, err := s.service.SharedCard(r.Context(), query.Get("id"), query.Get("data"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/join" {
		var body struct {
			CardID string `json:"cardId"`
			URL    string `json:"url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cardID := body.CardID
		response := map[string]any{"ok": true}
		if cardID == "" && body.URL != "" {
			// The client may hand us the raw landing URL; pull the join
			// token out and return the address with the token scrubbed.
			cardID = sharelink.JoinToken(body.URL)
			response["url"] = sharelink.ScrubJoinToken(body.URL)
		}
		if err := s.service.SaveJoinToken(cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, response)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "habits" {
		// Habit routes run as whoever the bearer token names; without
		// a token they run in guest mode.
		if _, err := s.resolveIdentity(r); err != nil {
			writeMappedError(w, err)
			return
		}
		s.handleHabits(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleHabits(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.habitViews())
		case http.MethodPost:
			var input CreateHabitInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			record, err := s.service.CreateHabit(r.Context(), input)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, newHabitView(record, time.Now().UTC()))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case 1:
		cardID := rest[0]
		switch r.Method {
		case http.MethodGet:
			for _, view := range s.habitViews() {
				if view.ID == cardID {
					writeJSON(w, http.StatusOK, view)
					return
				}
			}
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Habit not found", nil)
		case http.MethodPut:
			var input UpdateHabitInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.UpdateHabit(r.Context(), cardID, input); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		case http.MethodDelete:
			if err := s.service.DeleteHabit(r.Context(), cardID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case 2:
		if rest[1] == "link" {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			link, err := s.service.ShareLink(rest[0])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"link": link})
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleHabitAction(w, r, rest[0], rest[1])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleHabitAction(w http.ResponseWriter, r *http.Request, cardID, action string) {
	switch action {
	case "punch":
		if err := s.service.PunchHabit(r.Context(), cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "unpunch":
		if err := s.service.UnpunchHabit(r.Context(), cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "archive":
		if err := s.service.ArchiveHabit(r.Context(), cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "share":
		var body struct {
			Identifier string `json:"identifier"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ShareHabit(r.Context(), cardID, body.Identifier)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "join":
		if err := s.service.JoinCollab(r.Context(), cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "follow":
		if err := s.service.FollowCard(r.Context(), cardID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "copy":
		source, err := s.service.SharedCard(r.Context(), cardID, "")
		if err != nil {
			writeMappedError(w, err)
			return
		}
		record, err := s.service.CopyHabit(r.Context(), source)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newHabitView(record, time.Now().UTC()))

	case "comments":
		var input CommentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AddComment(r.Context(), cardID, input); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	response := s.search.Search(r.Context(), search.Query{
		Text:           query.Get("q"),
		FilterCategory: query.Get("category"),
		FilterMode:     query.Get("mode"),
		Limit:          limit,
		Offset:         offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// HabitView is a record plus its derived fields, the shape the
// presentation layer renders.
type HabitView struct {
	habit.Record
	FilledSlots int  `json:"filledSlots"`
	Target      int  `json:"target"`
	Complete    bool `json:"complete"`
	Expired     bool `json:"expired"`
	Streak      int  `json:"streak"`
}

func newHabitView(record habit.Record, now time.Time) HabitView {
	return HabitView{
		Record:      record,
		FilledSlots: record.FilledSlots(),
		Target:      record.Target(),
		Complete:    record.IsComplete(),
		Expired:     record.IsExpired(now),
		Streak:      record.Streak(now),
	}
}

func (s *HTTPServer) habitViews() []HabitView {
	records := s.service.Records()
	now := time.Now().UTC()
	views := make([]HabitView, len(records))
	for i, record := range records {
		views[i] = newHabitView(record, now)
	}
	return views
}

// Auth handlers for email/password authentication

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	if s.authpw == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	profile, err := s.authpw.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		AvatarURL:   body.AvatarURL,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	s.issueSession(w, r, auth.Identity{
		ID:          profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}, http.StatusCreated)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	if s.authpw == nil {
		writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
		return
	}

	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	profile, err := s.authpw.SignIn(r.Context(), authpw.SignInRequest{
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}

	s.issueSession(w, r, auth.Identity{
		ID:          profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
	}, http.StatusOK)
}

// issueSession signs the core in as the identity and returns an access
// token. Sign-in runs the full bootstrap: profile, migration, deferred
// join, fetch, subscribe.
func (s *HTTPServer) issueSession(w http.ResponseWriter, r *http.Request, identity auth.Identity, status int) {
	if err := s.service.SignIn(r.Context(), identity); err != nil {
		writeMappedError(w, err)
		return
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    identity.ID,
		Name:   identity.DisplayName,
		Email:  identity.Email,
		Avatar: identity.AvatarURL,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token", nil)
		return
	}

	writeJSON(w, status, map[string]any{
		"accessToken": token,
		"userId":      identity.ID,
		"displayName": identity.DisplayName,
		"expiresAt":   expiresAt.Unix(),
	})
}

// resolveIdentity validates the bearer token and makes sure the core is
// signed in as that identity. No token means guest mode, which is fine.
func (s *HTTPServer) resolveIdentity(r *http.Request) (*auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}

	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil, err
	}

	identity := claims.Identity()
	current := s.service.Identity()
	if current == nil || current.ID != identity.ID {
		if err := s.service.SignIn(r.Context(), identity); err != nil {
			return nil, err
		}
	}
	return &identity, nil
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
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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
