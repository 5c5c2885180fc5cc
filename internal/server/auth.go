package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/store"
)

const tokenTTL = 24 * time.Hour

type AuthHandler struct {
	Store  *store.Store
	Secret []byte
	// Secure marks the auth cookie Secure; set in production.
	Secure bool
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/signup", a.signup)
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

func (a *AuthHandler) signup(c echo.Context) error {
	var req AuthSignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !strings.Contains(req.Email, "@") {
		return echo.NewHTTPError(http.StatusBadRequest, "valid email required")
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	id, err := a.Store.CreateUser(c.Request().Context(), req.Email, req.Name, string(hash))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "email already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"user_id": id})
}

func (a *AuthHandler) login(c echo.Context) error {
	var req AuthLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password too short")
	}
	user, hash, err := a.Store.GetUserByEmail(c.Request().Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	signed, err := runtime.SignJWT(user.ID, user.Email, a.Secret, tokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	a.setCookie(c, signed, int(tokenTTL/time.Second))
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed})
}

func (a *AuthHandler) logout(c echo.Context) error {
	a.setCookie(c, "", -1)
	return c.NoContent(http.StatusOK)
}

func (a *AuthHandler) setCookie(c echo.Context, value string, maxAge int) {
	cookie := new(http.Cookie)
	cookie.Name = runtime.AuthCookie
	cookie.Value = value
	cookie.Path = "/"
	cookie.MaxAge = maxAge
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	cookie.Secure = a.Secure
	c.SetCookie(cookie)
}

// userID returns the subject stored by the auth middleware.
func userID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// requireUser rejects administrator tokens on routes keyed by a user id.
// It must run after EchoAuthMiddleware.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if strings.HasPrefix(userID(c), adminSubjectPrefix) {
			return echo.NewHTTPError(http.StatusForbidden, "user account required")
		}
		return next(c)
	}
}
