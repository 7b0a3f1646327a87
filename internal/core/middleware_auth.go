package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"bringmehome/internal/types"
)

// AuthMiddleware resolves the bearer session token to an Actor and stores it
// in the request context. Missing, unknown and expired tokens get a 401 with
// distinct codes. With no Authenticator configured every request is refused.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication is not configured")
			return
		}

		token := ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// ExtractBearerToken returns the token of an "Bearer <token>" header value,
// matching the scheme case-insensitively, or "" when the format is wrong.
func ExtractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.Warn("authentication failed: session expired", slog.String("path", r.URL.Path))
			writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Session has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.Warn("authentication failed: token invalid", slog.String("path", r.URL.Path))
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	s.Logger.Error("authentication failed: unexpected error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	Error(w, r, types.NewAppError(code, message, nil))
}

// RequireSiteAdmin allows only actors flagged as site admins. It must run
// after AuthMiddleware.
func (s *Server) RequireSiteAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := types.GetActor(r.Context())
		if !ok {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
			return
		}
		if !actor.IsSiteAdmin {
			s.Logger.Warn("site admin required", slog.String("user_id", actor.UserID), slog.String("path", r.URL.Path))
			Error(w, r, types.NewAppError(types.ErrCodePermissionSiteAdmin, "Site admin access required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
