package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/permission"
)

// Authenticator is satisfied by *courseauth.Engine.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*courseauth.Principal, error)
}

// CourseAuthorizer is satisfied by *courseauth.Engine.
type CourseAuthorizer interface {
	Authorize(ctx context.Context, p courseauth.Principal, action permission.Action, courseID string) error
}

// CourseIDFunc extracts the course id from a request.
type CourseIDFunc func(*http.Request) string

// PathCourseID reads the "courseID" path wildcard of a net/http ServeMux pattern.
func PathCourseID(r *http.Request) string { return r.PathValue("courseID") }

// Authenticate verifies the bearer token and the session behind it, then binds
// the principal to the request context. Handlers downstream read it with
// courseauth.PrincipalFromContext and never verify again.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				WriteError(w, courseauth.ErrEngineNotReady)
				return
			}
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, courseauth.ErrCredentialMissing)
				return
			}

			p, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(courseauth.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole admits principals holding one of allowed. It must run after
// Authenticate.
func RequireRole(allowed ...permission.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := courseauth.PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, courseauth.ErrCredentialMissing)
				return
			}
			if !slices.Contains(allowed, p.Role) {
				WriteError(w, courseauth.ErrRoleDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireCourseAction asks authz whether the principal may perform action on
// the course courseID names. A nil courseID reads the "courseID" path value.
func RequireCourseAction(authz CourseAuthorizer, action permission.Action, courseID CourseIDFunc) func(http.Handler) http.Handler {
	if courseID == nil {
		courseID = PathCourseID
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := courseauth.PrincipalFromContext(r.Context())
			if !ok {
				WriteError(w, courseauth.ErrCredentialMissing)
				return
			}
			id := courseID(r)
			if id == "" {
				WriteError(w, courseauth.ErrInvalidRequest)
				return
			}
			if err := authz.Authorize(r.Context(), *p, action, id); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientInfo binds the remote IP and User-Agent to the request context so
// Engine.Login can record them on the session.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := courseauth.WithClientIP(r.Context(), remoteIP(r.RemoteAddr))
		ctx = courseauth.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}
