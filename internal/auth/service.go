package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/pkg/logger"
)

// Service 负责签发与校验运维令牌。
type Service struct {
	mode   Mode
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	audit  *slog.Logger
}

// ConfigFrom 把运行时配置转换为认证配置，secret 由调用方解析环境变量后传入。
func ConfigFrom(cfg config.AuthConfig, secret string) Config {
	return Config{
		Mode:   Mode(cfg.Mode),
		Secret: secret,
		Issuer: cfg.Issuer,
		TTL:    time.Duration(cfg.TTLMinutes) * time.Minute,
	}
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, now: time.Now, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeFatalConfig, "jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		svc.issuer = cfg.Issuer
		svc.ttl = cfg.TTL
		if svc.ttl <= 0 {
			svc.ttl = time.Hour
		}
		return svc, nil
	default:
		return nil, xerrors.New(xerrors.CodeFatalConfig, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Issue 为 subject 签发 HS256 令牌。ttl 为 0 时使用默认有效期。
func (s *Service) Issue(subject string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.mode != ModeJWT {
		return "", time.Time{}, ErrDisabled
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, xerrors.New(xerrors.CodeValidation, "subject 不能为空")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := tokenClaims{
		Permissions: append([]string(nil), permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.CodeUnknown, err, "签发令牌失败")
	}
	s.audit.Info("令牌已签发",
		slog.String("subject", subject),
		slog.Any("permissions", permissions),
		slog.Time("expires_at", expiresAt),
	)
	return signed, expiresAt, nil
}

// Verify 校验令牌签名、签发者与有效期。
func (s *Service) Verify(token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnauthorized, ErrInvalidToken, err.Error())
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Name: claims.Subject, Permissions: claims.Permissions}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, nil
}

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(strings.TrimSpace(token))
}
