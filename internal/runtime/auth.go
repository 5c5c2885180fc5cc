package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/fitplan/config"
)

// ScopeAdmin grants access to the admin and corpus management routes.
const ScopeAdmin = "admin"

// AuthCookie is the cookie the web client stores its token in.
const AuthCookie = "auth"

// Claims is the token payload. Subject holds the user or admin id.
type Claims struct {
	Email  string   `json:"email,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// LoadJWTSecret resolves the shared signing secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if s := strings.TrimSpace(cfg.General.JWTSecret); s != "" {
		return []byte(s), nil
	}
	return nil, errors.New("jwt secret not configured (general.jwt_secret or FITPLAN_GENERAL_JWT_SECRET)")
}

// SignJWT issues a signed HS256 token for subject valid for ttl.
func SignJWT(subject, email string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:  email,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseJWT validates tok and returns its claims.
func ParseJWT(tok string, secret []byte) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &claims, nil
}

// EchoAuthMiddleware validates the bearer token (or auth cookie) and stores
// the subject under "user_id" and the scopes under "scopes".
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			claims, err := ParseJWT(tok, secret)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set("user_id", claims.Subject)
			c.Set("email", claims.Email)
			c.Set("scopes", claims.Scopes)
			c.SetRequest(c.Request().WithContext(ContextWithSubject(c.Request().Context(), claims.Subject)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if ck, err := c.Cookie(AuthCookie); err == nil {
		return ck.Value
	}
	return ""
}

type subjectKey struct{}

// ContextWithSubject attaches the authenticated subject to ctx.
func ContextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the subject stored by EchoAuthMiddleware.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// RequireScopes rejects callers whose token lacks any of the required scopes
// with 403. It must run after EchoAuthMiddleware.
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			have, _ := c.Get("scopes").([]string)
			for _, scope := range required {
				if !slices.Contains(have, scope) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
				}
			}
			return next(c)
		}
	}
}
