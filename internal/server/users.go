package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/store"
)

// UsersHandler serves the signed-in user's stored plans and classifications.
type UsersHandler struct {
	Store *store.Store
}

func (h *UsersHandler) Register(g *echo.Group) {
	g.POST("/classify", h.saveClassification)
	g.GET("/plans/latest", h.latestPlan)
	g.GET("/classifications", h.classifications)
	g.GET("/exists", h.exists)
}

type saveClassificationRequest struct {
	BodyType    string  `json:"body_type"`
	Gender      string  `json:"gender"`
	Confidence  float64 `json:"confidence"`
	WorkoutPlan string  `json:"workout_plan"`
	MealPlan    string  `json:"meal_plan"`
}

func (h *UsersHandler) saveClassification(c echo.Context) error {
	var req saveClassificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	bt, err := core.ParseBodyType(req.BodyType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	gender := strings.ToLower(strings.TrimSpace(req.Gender))
	if gender != "male" && gender != "female" {
		return echo.NewHTTPError(http.StatusBadRequest, "gender must be male or female")
	}
	saved, err := h.Store.SaveResult(c.Request().Context(), userID(c), store.Result{
		BodyType: bt.Title(), Gender: gender, Confidence: req.Confidence,
		WorkoutPlan: req.WorkoutPlan, MealPlan: req.MealPlan,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":           true,
		"classification_id": saved.ClassificationID,
		"plan_id":           saved.PlanID,
	})
}

func (h *UsersHandler) latestPlan(c echo.Context) error {
	plan, err := h.Store.LatestPlan(c.Request().Context(), userID(c))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no plans found for this user")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "plan": plan})
}

func (h *UsersHandler) classifications(c echo.Context) error {
	list, err := h.Store.Classifications(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "classifications": list})
}

func (h *UsersHandler) exists(c echo.Context) error {
	uid := userID(c)
	ok, err := h.Store.UserExists(c.Request().Context(), uid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"exists": ok, "user_id": uid})
}
