// Package auth authenticates HTTP requests against the auth service. It does
// not evaluate permissions; handlers read the attached User and decide.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/FLCN-16/nest-microservices/client"
	"github.com/FLCN-16/nest-microservices/internal/helpers"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	// PatternValidateToken is the auth service command the guard calls.
	PatternValidateToken = "validate_token"

	// HeaderGatewaySecret carries the shared secret the gateway injects.
	HeaderGatewaySecret = "X-Gateway-Secret"

	userContextKey = "user"
)

// Validation call bounds.
const (
	validateTimeout = 5 * time.Second
	validateRetries = 1
)

// User is the identity the auth service returns for a valid token.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username,omitempty"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// ValidateTokenRequest is the validate_token payload.
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// ValidateTokenResponse is the validate_token result.
type ValidateTokenResponse struct {
	Valid bool   `json:"valid"`
	User  *User  `json:"user"`
	Error string `json:"error,omitempty"`
}

// Caller is the part of *client.Client the guard needs.
type Caller interface {
	Call(ctx context.Context, name, pattern string, payload any, opts ...client.CallOption) (json.RawMessage, error)
}

// GuardConfig configures Guard.
type GuardConfig struct {
	// Skipper exempts public routes.
	Skipper middleware.Skipper
	Logger  log.Logger
}

// Guard returns echo middleware that requires a Bearer token validated by
// the auth service. A missing or rejected token is 401; an unreachable auth
// service is 503 so callers can tell an outage from bad credentials.
func Guard(caller Caller, cfg GuardConfig) echo.MiddlewareFunc {
	caller = helpers.NilPanic(caller, "auth: caller is required")
	if cfg.Skipper == nil {
		cfg.Skipper = middleware.DefaultSkipper
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.WithPrefix(logger, "component", "auth_guard")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}
			token := extractToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "No authorization token provided")
			}

			user, err := validate(c.Request().Context(), caller, token)
			if err != nil {
				var rejected *rejectedError
				switch {
				case errors.As(err, &rejected):
					return echo.NewHTTPError(http.StatusUnauthorized, rejected.reason)
				case client.IsDependencyUnavailable(err):
					level.Warn(logger).Log("msg", "auth service unavailable", "err", err)
					return echo.NewHTTPError(http.StatusServiceUnavailable, "Authentication service unavailable").SetInternal(err)
				default:
					level.Error(logger).Log("msg", "token validation failed", "err", err)
					return echo.NewHTTPError(http.StatusUnauthorized, "Failed to validate token").SetInternal(err)
				}
			}
			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

type rejectedError struct {
	reason string
}

func (e *rejectedError) Error() string { return e.reason }

func validate(ctx context.Context, caller Caller, token string) (*User, error) {
	raw, err := caller.Call(ctx, client.ServiceAuth, PatternValidateToken, ValidateTokenRequest{Token: token},
		client.WithTimeout(validateTimeout), client.WithRetries(validateRetries))
	if err != nil {
		return nil, err
	}
	var resp ValidateTokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if !resp.Valid || resp.User == nil {
		reason := resp.Error
		if reason == "" {
			reason = "Invalid token"
		}
		return nil, &rejectedError{reason: reason}
	}
	return resp.User, nil
}

// extractToken returns the token of a "Bearer <token>" header, or "".
func extractToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return strings.TrimSpace(token)
}

// UserFrom returns the user Guard attached to c.
func UserFrom(c echo.Context) (*User, bool) {
	u, ok := c.Get(userContextKey).(*User)
	return u, ok && u != nil
}

// GatewaySecret returns echo middleware that only admits requests carrying
// the shared gateway secret. An empty secret rejects everything, since the
// service is then misconfigured.
func GatewaySecret(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			if secret == "" {
				return echo.NewHTTPError(http.StatusForbidden, "Service misconfigured: Gateway secret not set")
			}
			got := c.Request().Header.Get(HeaderGatewaySecret)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid or missing Gateway Secret")
			}
			return next(c)
		}
	}
}
