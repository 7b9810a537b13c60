package web

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/auth"
)

type setupRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// apiSetup bootstraps the very first user account. Subsequent calls fail
// with a conflict once any user exists — there is no open registration
// surface, matching spec.md's Non-goal excluding account-management UI.
func (s *Server) apiSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Username == "" {
		writeError(w, apperr.New(apperr.Validation, "username is required"))
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid password", err))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "hash password", err))
		return
	}
	user := auth.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		RoleID:       auth.RoleOwnerID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Store.CreateFirstUser(user); err != nil {
		if err == auth.ErrUsersExist {
			writeError(w, apperr.Wrap(apperr.Conflict, "setup already completed", err))
			return
		}
		writeError(w, apperr.Wrap(apperr.Fatal, "create first user", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": user.ID, "username": user.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// apiLogin authenticates a username/password pair and establishes a
// session cookie.
func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	sess, err := s.deps.Auth.Login(req.Username, req.Password, clientIP(r))
	if err != nil {
		switch err {
		case auth.ErrRateLimited:
			writeError(w, apperr.Wrap(apperr.RateLimit, "too many login attempts", err))
		default:
			writeError(w, apperr.Wrap(apperr.UpstreamAuth, "invalid credentials", err))
		}
		return
	}
	auth.SetSessionCookie(w, sess.Token, sess.ExpiresAt, s.deps.Auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"userId": sess.UserID})
}

// apiLogout deletes the current session and clears the cookie.
func (s *Server) apiLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.GetSessionToken(r)
	_ = s.deps.Auth.Logout(token)
	auth.ClearSessionCookie(w, s.deps.Auth.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
