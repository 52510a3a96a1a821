// Package session carries the authenticated caller through a request context.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cinecredit/internal/model"
)

type Session struct {
	UserID string
	// Service marks trusted internal callers (bus commands, gRPC peers)
	// that may act on behalf of any user.
	Service bool
}

type ctxKey struct{}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Session{UserID: userID})
}

func WithService(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, Session{Service: true})
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}

// Require checks that ctx carries a session allowed to act for userID.
func Require(ctx context.Context, userID string) error {
	s, ok := FromContext(ctx)
	if !ok || (!s.Service && s.UserID == "") {
		return model.ErrAuth
	}
	if s.Service || s.UserID == userID {
		return nil
	}
	return fmt.Errorf("%w: session user cannot access %s", model.ErrPermissionDenied, userID)
}

// RequireService checks that ctx carries a trusted service session.
func RequireService(ctx context.Context) error {
	s, ok := FromContext(ctx)
	if !ok || (!s.Service && s.UserID == "") {
		return model.ErrAuth
	}
	if !s.Service {
		return fmt.Errorf("%w: operation is reserved for services", model.ErrPermissionDenied)
	}
	return nil
}

// With attaches s to ctx.
func With(ctx context.Context, s Session) context.Context {
	if s.Service {
		return WithService(ctx)
	}
	return WithUser(ctx, s.UserID)
}

const roleService = "service"

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

var ErrInvalidToken = errors.New("invalid session token")

// Verifier issues and validates HS256 bearer tokens. User tokens carry the
// user id as subject; service tokens carry role "service".
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	return v.sign(claims{RegisteredClaims: v.registered(userID, ttl)})
}

// IssueService issues a token for a trusted backend, such as a purchase
// flow topping up balances.
func (v *Verifier) IssueService(name string, ttl time.Duration) (string, error) {
	return v.sign(claims{RegisteredClaims: v.registered(name, ttl), Role: roleService})
}

func (v *Verifier) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := v.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (v *Verifier) sign(c claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Verify returns the session carried by token.
func (v *Verifier) Verify(token string) (Session, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if c.Role == roleService {
		return Session{Service: true}, nil
	}
	if c.Role != "" {
		return Session{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return Session{UserID: c.Subject}, nil
}
