// Package ginauth provides the courseauth gates as gin handlers. Status codes
// and bodies match package middleware.
package ginauth

import (
	"slices"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/middleware"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/gin-gonic/gin"
)

const principalKey = "courseauth.principal"

type errorResponse struct {
	Error string `json:"error"`
}

// Abort stops the chain with the response middleware.StatusFor selects for err.
func Abort(c *gin.Context, err error) {
	status, msg := middleware.StatusFor(err)
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// Authenticate runs the dual gate and stores the principal on the gin context
// and on the request context.
func Authenticate(auth middleware.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			Abort(c, courseauth.ErrEngineNotReady)
			return
		}
		token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			Abort(c, courseauth.ErrCredentialMissing)
			return
		}
		p, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			Abort(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(courseauth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// Principal returns the principal stored by Authenticate.
func Principal(c *gin.Context) (*courseauth.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*courseauth.Principal)
	return p, ok && p != nil
}

// RequireRole aborts with 403 unless the authenticated principal holds one of allowed.
func RequireRole(allowed ...permission.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			Abort(c, courseauth.ErrCredentialMissing)
			return
		}
		if !slices.Contains(allowed, p.Role) {
			Abort(c, courseauth.ErrRoleDenied)
			return
		}
		c.Next()
	}
}

// RequireCourseAction authorizes action on the course named by the param
// route parameter.
func RequireCourseAction(authz middleware.CourseAuthorizer, action permission.Action, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := Principal(c)
		if !ok {
			Abort(c, courseauth.ErrCredentialMissing)
			return
		}
		courseID := c.Param(param)
		if courseID == "" {
			Abort(c, courseauth.ErrInvalidRequest)
			return
		}
		if err := authz.Authorize(c.Request.Context(), *p, action, courseID); err != nil {
			Abort(c, err)
			return
		}
		c.Next()
	}
}
