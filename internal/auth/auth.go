// Package auth implements the session-login boundary that scopes every
// HTTP API call to a single user. Account creation, password reset, and
// any OAuth/WebAuthn/2FA flow are out of scope — this package only
// establishes who is making a request and what they're allowed to do.
package auth

import "time"

// User is the minimal tenant identity every C1–C8 entity is scoped by.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	RoleID       string
	CreatedAt    time.Time
}

// Session is an established login, looked up by its cookie token.
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// APIToken is a long-lived bearer credential for automation runners,
// scoped to a user and optionally restricted to a permission subset.
type APIToken struct {
	ID          string
	UserID      string
	Name        string
	TokenHash   string
	Permissions []Permission // nil = inherit the user's role permissions
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// Permission names one capability an authenticated caller may exercise.
type Permission string

const (
	PermInstancesManage   Permission = "instances:manage"
	PermContainersView    Permission = "containers:view"
	PermContainersUpgrade Permission = "containers:upgrade"
	PermIntentsManage     Permission = "intents:manage"
	PermBatchTrigger      Permission = "batch:trigger"
	PermTokensManage      Permission = "tokens:manage"
)

// Role groups a set of permissions under a name.
type Role struct {
	ID          string
	Name        string
	Permissions []Permission
	BuiltIn     bool
}

// Built-in role IDs, mirroring the three-tier model of operator tooling
// this system is patterned on: an owner can change policy, an operator
// can trigger/approve upgrades, a viewer can only read state.
const (
	RoleOwnerID    = "owner"
	RoleOperatorID = "operator"
	RoleViewerID   = "viewer"
)

// AllPermissions returns every known permission (the owner role's grant).
func AllPermissions() []Permission {
	return []Permission{
		PermInstancesManage, PermContainersView, PermContainersUpgrade,
		PermIntentsManage, PermBatchTrigger, PermTokensManage,
	}
}

// BuiltinRoles returns the three default roles seeded for every new user store.
func BuiltinRoles() []Role {
	return []Role{
		{ID: RoleOwnerID, Name: "Owner", Permissions: AllPermissions(), BuiltIn: true},
		{
			ID:   RoleOperatorID,
			Name: "Operator",
			Permissions: []Permission{
				PermContainersView, PermContainersUpgrade, PermIntentsManage, PermBatchTrigger,
			},
			BuiltIn: true,
		},
		{
			ID:          RoleViewerID,
			Name:        "Viewer",
			Permissions: []Permission{PermContainersView},
			BuiltIn:     true,
		},
	}
}

// HasPermission reports whether perms grants p.
func HasPermission(perms []Permission, p Permission) bool {
	for _, have := range perms {
		if have == p {
			return true
		}
	}
	return false
}

// UserStore is the persistence contract auth depends on; internal/store
// implements it.
type UserStore interface {
	CreateUser(user User) error
	GetUser(id string) (*User, error)
	GetUserByUsername(username string) (*User, error)
	ListUsers() ([]User, error)
}

// SessionStore is the persistence contract for login sessions.
type SessionStore interface {
	CreateSession(session Session) error
	GetSession(token string) (*Session, error)
	DeleteSession(token string) error
	DeleteExpiredSessions() (int, error)
}

// RoleStore is the persistence contract for roles.
type RoleStore interface {
	GetRole(id string) (*Role, error)
	ListRoles() ([]Role, error)
}

// APITokenStore is the persistence contract for API tokens.
type APITokenStore interface {
	CreateAPIToken(token APIToken) error
	GetAPITokenByHash(hash string) (*APIToken, error)
	ListAPITokensForUser(userID string) ([]APIToken, error)
	DeleteAPIToken(id string) error
}

// Service aggregates the stores and config auth needs to log a user in,
// establish a session, and resolve a request's effective permissions.
type Service struct {
	Users    UserStore
	Sessions SessionStore
	Roles    RoleStore
	Tokens   APITokenStore

	CookieSecure  bool
	SessionExpiry time.Duration

	limiter *RateLimiter
}

// NewService constructs a Service with a fresh login rate limiter.
func NewService(users UserStore, sessions SessionStore, roles RoleStore, tokens APITokenStore, cookieSecure bool, sessionExpiry time.Duration) *Service {
	return &Service{
		Users:         users,
		Sessions:      sessions,
		Roles:         roles,
		Tokens:        tokens,
		CookieSecure:  cookieSecure,
		SessionExpiry: sessionExpiry,
		limiter:       NewRateLimiter(),
	}
}

// Login verifies credentials, rate-limiting repeated failures per clientIP,
// and returns a freshly established session on success.
func (s *Service) Login(username, password, clientIP string) (*Session, error) {
	if !s.limiter.Allow(clientIP) {
		return nil, ErrRateLimited
	}
	user, err := s.Users.GetUserByUsername(username)
	if err != nil || user == nil || !CheckPassword(user.PasswordHash, password) {
		s.limiter.RecordFailure(clientIP)
		return nil, ErrInvalidCredentials
	}
	s.limiter.Reset(clientIP)

	token, err := GenerateSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := Session{
		Token:     token,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.SessionExpiry),
	}
	if err := s.Sessions.CreateSession(sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Logout deletes the session identified by token, if any.
func (s *Service) Logout(token string) error {
	if token == "" {
		return nil
	}
	return s.Sessions.DeleteSession(token)
}

// Authenticate resolves a session token to its user, rejecting expired sessions.
func (s *Service) Authenticate(token string) (*User, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	sess, err := s.Sessions.GetSession(token)
	if err != nil || sess == nil {
		return nil, ErrNoSession
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		_ = s.Sessions.DeleteSession(token)
		return nil, ErrNoSession
	}
	return s.Users.GetUser(sess.UserID)
}

// AuthenticateToken resolves a bearer API token to its user and the
// effective permission set (role permissions, restricted by the token's
// own scope if it carries one).
func (s *Service) AuthenticateToken(plaintext string) (*User, []Permission, error) {
	if plaintext == "" {
		return nil, nil, ErrNoSession
	}
	tok, err := s.Tokens.GetAPITokenByHash(HashToken(plaintext))
	if err != nil || tok == nil {
		return nil, nil, ErrNoSession
	}
	user, err := s.Users.GetUser(tok.UserID)
	if err != nil || user == nil {
		return nil, nil, ErrNoSession
	}
	role, _ := s.Roles.GetRole(user.RoleID)
	var perms []Permission
	if role != nil {
		perms = role.Permissions
	}
	if tok.Permissions != nil {
		perms = intersect(perms, tok.Permissions)
	}
	return user, perms, nil
}

// Permissions returns the effective permission set for a user's role.
func (s *Service) Permissions(user *User) []Permission {
	role, err := s.Roles.GetRole(user.RoleID)
	if err != nil || role == nil {
		return nil
	}
	return role.Permissions
}

func intersect(a, b []Permission) []Permission {
	set := make(map[Permission]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	var out []Permission
	for _, p := range b {
		if set[p] {
			out = append(out, p)
		}
	}
	return out
}
