package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/middleware"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 16

type server struct {
	engine  *courseauth.Engine
	logger  *slog.Logger
	metrics http.Handler
}

func chiCourseID(r *http.Request) string { return chi.URLParam(r, "courseID") }

func (s *server) routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.ClientInfo)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle(metricsPath, s.metrics)
	}

	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(s.engine))

		r.Post("/auth/logout-all", s.handleLogoutAll)
		r.Post("/auth/password", s.handleChangePassword)
		r.Get("/auth/me", s.handleMe)

		r.Route("/courses/{courseID}", func(r chi.Router) {
			r.With(s.courseGate(permission.ActionAccess)).Get("/", s.handleCourse(permission.ActionAccess))
			r.With(s.courseGate(permission.ActionEdit)).Patch("/", s.handleCourse(permission.ActionEdit))
			r.With(s.courseGate(permission.ActionDelete)).Delete("/", s.handleCourse(permission.ActionDelete))
			r.With(middleware.RequireRole(permission.RoleTeacher)).Get("/permissions", s.handlePermissions)
			r.With(middleware.RequireRole(permission.RoleTeacher, permission.RoleAdmin)).Put("/teachers/{teacherID}", s.handleGrant)
			r.With(middleware.RequireRole(permission.RoleTeacher, permission.RoleAdmin)).Delete("/teachers/{teacherID}", s.handleRevoke)
		})
	})
	return r
}

func (s *server) courseGate(action permission.Action) func(http.Handler) http.Handler {
	return middleware.RequireCourseAction(s.engine, action, chiCourseID)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		middleware.WriteError(w, courseauth.ErrInvalidRequest)
		return false
	}
	return true
}

// principal is only called behind middleware.Authenticate.
func principal(r *http.Request) courseauth.Principal {
	p, _ := courseauth.PrincipalFromContext(r.Context())
	return *p
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := middleware.StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("courseauth: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	middleware.WriteError(w, err)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.engine.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.engine.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		middleware.WriteError(w, courseauth.ErrCredentialMissing)
		return
	}
	if err := s.engine.Logout(r.Context(), token); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogoutAll revokes the caller's sessions. Admins may name another user.
func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var body struct {
		UserID string `json:"userId"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	target := p.UserID
	if body.UserID != "" && body.UserID != p.UserID {
		if err := s.engine.RequireRole(&p, permission.RoleAdmin); err != nil {
			s.fail(w, r, err)
			return
		}
		target = body.UserID
	}

	n, err := s.engine.LogoutAll(r.Context(), target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.engine.ChangePassword(r.Context(), principal(r).UserID, body.CurrentPassword, body.NewPassword); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, principal(r))
}

func (s *server) handleCourse(action permission.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]any{
			"courseId": chiCourseID(r),
			"action":   action.String(),
			"allowed":  true,
		})
	}
}

func (s *server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	set, err := s.engine.Permissions(r.Context(), principal(r), chiCourseID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, set)
}

func (s *server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CanEdit   bool `json:"canEdit"`
		CanDelete bool `json:"canDelete"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	g := permission.Grant{
		CourseID:  chiCourseID(r),
		TeacherID: chi.URLParam(r, "teacherID"),
		CanEdit:   body.CanEdit,
		CanDelete: body.CanDelete,
	}
	if err := s.engine.GrantTeacher(r.Context(), principal(r), g); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	existed, err := s.engine.RevokeTeacher(r.Context(), principal(r), chiCourseID(r), chi.URLParam(r, "teacherID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !existed {
		middleware.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "grant not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
