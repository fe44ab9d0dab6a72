package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	xerrors "OpenClaw-Gateway/internal/errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = xerrors.New(xerrors.CodeUnauthorized, "authentication disabled")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	ErrPermissionDenied = xerrors.New(xerrors.CodeForbidden, "permission denied")
)

// Permissions understood by the gateway routes.
const (
	PermSimulator = "simulator"
	PermAdmin     = "admin"
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Secret string
	Issuer string
	TTL    time.Duration
}

// Subject is the operator identity carried by a verified token and passed
// to handlers via context.
type Subject struct {
	Name        string
	Permissions []string
	ExpiresAt   time.Time

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The admin permission implies every other one.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(xerrors.CodeForbidden, ErrPermissionDenied, fmt.Sprintf("missing %s", perm))
		}
	}
	return nil
}

// tokenClaims 是签发给运维人员的令牌载荷。
type tokenClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}
