package auth

import "errors"

var (
	// ErrNoSession means the request carried no valid session cookie or
	// bearer token.
	ErrNoSession = errors.New("auth: no valid session")

	// ErrInvalidCredentials means the username/password pair did not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrRateLimited means the caller's IP has exceeded the login attempt
	// budget and must wait out the lockout window.
	ErrRateLimited = errors.New("auth: too many login attempts")

	// ErrForbidden means the session resolved to a user, but that user's
	// role lacks the permission the handler requires.
	ErrForbidden = errors.New("auth: forbidden")

	// ErrUsersExist guards first-user bootstrap: returned when a caller
	// tries to create the initial account but the store already has one.
	ErrUsersExist = errors.New("auth: users already exist")
)
