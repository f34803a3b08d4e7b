package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"salesdesk/api/internal/auth"
	"salesdesk/api/internal/authpw"
	"salesdesk/api/internal/rbac"
	"salesdesk/api/internal/store"
)

type UserDirectory struct {
	store dataStore
}

func NewUserDirectory(s dataStore) *UserDirectory {
	return &UserDirectory{store: s}
}

// List is restricted to admins and managers.
func (d *UserDirectory) List(ctx context.Context, actor rbac.Actor) ([]store.User, error) {
	if !rbac.Privileged(actor.Role) {
		return nil, forbidden("Not authorized to list users")
	}
	return d.store.ListUsers(ctx)
}

func (d *UserDirectory) Get(ctx context.Context, userID string) (store.User, error) {
	user, err := d.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, storeError(err, "User", "id")
	}
	return user, nil
}

type credentials interface {
	Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error)
	Login(ctx context.Context, email, password string) (store.User, error)
}

// Session is the body returned by register and login.
type Session struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

type Authenticator struct {
	credentials credentials
	secret      []byte
	ttl         time.Duration
}

func NewAuthenticator(creds credentials, secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{credentials: creds, secret: []byte(secret), ttl: ttl}
}

func (a *Authenticator) Register(ctx context.Context, req authpw.RegisterRequest) (Session, error) {
	user, err := a.credentials.Register(ctx, req)
	if err != nil {
		return Session{}, credentialError(err)
	}
	return a.issue(user)
}

func (a *Authenticator) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := a.credentials.Login(ctx, email, password)
	if err != nil {
		return Session{}, credentialError(err)
	}
	return a.issue(user)
}

// Actor resolves a bearer token into the identity the access policy works with.
func (a *Authenticator) Actor(token string) (rbac.Actor, error) {
	claims, err := auth.ParseToken(a.secret, token)
	if err != nil {
		return rbac.Actor{}, err
	}
	return rbac.Actor{ID: claims.Subject, Role: rbac.Normalize(claims.Role)}, nil
}

// RequestUserID authenticates a request by its bearer header or, for browser websockets
// that cannot set headers, its token query value.
func (a *Authenticator) RequestUserID(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	actor, err := a.Actor(token)
	if err != nil {
		return "", err
	}
	return actor.ID, nil
}

func (a *Authenticator) issue(user store.User) (Session, error) {
	token, err := auth.IssueToken(a.secret, user.ID, user.Name, user.Role, a.ttl)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user}, nil
}

func credentialError(err error) error {
	var verr *authpw.ValidationError
	switch {
	case errors.As(err, &verr):
		fields := make([]FieldError, 0, len(verr.Fields))
		for _, name := range []string{"name", "email", "password", "role"} {
			if msg, ok := verr.Fields[name]; ok {
				fields = append(fields, FieldError{Field: name, Message: msg})
			}
		}
		return validationFailed(fields)
	case errors.Is(err, authpw.ErrEmailTaken):
		return conflict("User already exists")
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return unauthorized("Invalid credentials")
	default:
		return err
	}
}
