package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/store"
)

const adminSubjectPrefix = "admin:"

// AdminHandler serves administrator login and user management.
type AdminHandler struct {
	Store  *store.Store
	Secret []byte
}

func (h *AdminHandler) Register(g *echo.Group) {
	auth := g.Group("/auth")
	auth.POST("/login", h.login)
	auth.POST("/create-admin", h.createAdmin)
	auth.GET("/me", h.me, runtime.EchoAuthMiddleware(h.Secret), runtime.RequireScopes(runtime.ScopeAdmin))

	g.GET("/check", h.check)

	users := g.Group("/users", runtime.EchoAuthMiddleware(h.Secret), runtime.RequireScopes(runtime.ScopeAdmin))
	users.GET("", h.listUsers)
	users.GET("/:id", h.getUser)
	users.PUT("/:id", h.updateUser)
	users.DELETE("/:id", h.deleteUser)
}

type adminCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AdminHandler) login(c echo.Context) error {
	var req adminCredentials
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	admin, hash, err := h.Store.GetAdminByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
	}
	_ = h.Store.TouchAdminLogin(ctx, admin.ID)
	subject := adminSubjectPrefix + strconv.FormatInt(admin.ID, 10)
	signed, err := runtime.SignJWT(subject, admin.Username, h.Secret, 8*time.Hour, runtime.ScopeAdmin)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "bearer",
		"username":     admin.Username,
	})
}

// createAdmin is only open while no administrator exists.
func (h *AdminHandler) createAdmin(c echo.Context) error {
	var req adminCredentials
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "username and a password of at least 8 characters are required")
	}
	ctx := c.Request().Context()
	n, err := h.Store.CountAdmins(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if n > 0 {
		return echo.NewHTTPError(http.StatusForbidden, "admin accounts can only be created during first-time setup")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.Store.CreateAdmin(ctx, req.Username, string(hash)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "username already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"success": true, "username": req.Username})
}

func (h *AdminHandler) me(c echo.Context) error {
	id, ok := adminID(userID(c))
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token payload")
	}
	admin, err := h.Store.GetAdmin(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "admin": admin})
}

// check never fails; it reports whether the presented credential is an admin one.
func (h *AdminHandler) check(c echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	if len(header) <= 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return c.JSON(http.StatusOK, map[string]any{"is_admin": false, "message": "no authorization provided"})
	}
	claims, err := runtime.ParseJWT(strings.TrimSpace(header[7:]), h.Secret)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{"is_admin": false, "message": "invalid or expired token"})
	}
	for _, s := range claims.Scopes {
		if s == runtime.ScopeAdmin {
			return c.JSON(http.StatusOK, map[string]any{"is_admin": true, "username": claims.Email})
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"is_admin": false, "message": "admin privileges required"})
}

func adminID(subject string) (int64, bool) {
	raw, ok := strings.CutPrefix(subject, adminSubjectPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

func (h *AdminHandler) listUsers(c echo.Context) error {
	users, err := h.Store.ListUsers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if users == nil {
		users = []store.UserSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "users": users, "total": len(users)})
}

func (h *AdminHandler) getUser(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	user, err := h.Store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := map[string]any{"success": true, "user": user}
	plan, err := h.Store.LatestPlan(ctx, id)
	switch {
	case err == nil:
		resp["plan"] = plan
	case !errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	classifications, err := h.Store.Classifications(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp["classifications"] = classifications
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) updateUser(c echo.Context) error {
	var upd store.UserUpdate
	if err := c.Bind(&upd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if upd.Email == nil && upd.Name == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}
	ok, err := h.Store.UpdateUser(c.Request().Context(), c.Param("id"), upd)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "user updated"})
}

func (h *AdminHandler) deleteUser(c echo.Context) error {
	ok, err := h.Store.DeleteUser(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "user deleted"})
}
