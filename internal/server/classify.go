package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/store"
)

const maxImageBytes = 10 << 20

// Image form fields, in the order the classifier expects them.
var imageFields = []string{"front_image", "left_image", "right_image"}

const planUnavailable = "Plan generation temporarily unavailable. Please try again later."

// ClassifyHandler classifies three body photos, generates the matching
// plan and stores both for the caller.
type ClassifyHandler struct {
	Classifier *core.BodyClassifier
	Orch       *core.Orchestrator
	Store      *store.Store
	Logger     log.FieldLogger
	Iterations int
}

func (h *ClassifyHandler) Register(g *echo.Group) {
	g.POST("/body-type", h.classify)
}

type classificationResponse struct {
	BodyType         string  `json:"body_type"`
	Gender           string  `json:"gender"`
	Confidence       float64 `json:"confidence"`
	WorkoutPlan      string  `json:"workout_plan"`
	MealPlan         string  `json:"meal_plan"`
	Message          string  `json:"message"`
	ClassificationID int64   `json:"classification_id,omitempty"`
	PlanID           int64   `json:"plan_id,omitempty"`
}

func (h *ClassifyHandler) classify(c echo.Context) error {
	images := make([]core.Image, 0, len(imageFields))
	for _, field := range imageFields {
		img, err := readImage(c, field)
		if err != nil {
			return err
		}
		images = append(images, img)
	}
	ctx := c.Request().Context()
	logger := h.Logger.WithField("user_id", userID(c))

	cls, err := h.Classifier.Classify(ctx, images)
	if err != nil {
		logger.WithError(err).Warn("classification failed, using defaults")
		cls = core.FallbackClassification()
	}

	resp := classificationResponse{BodyType: cls.BodyType, Gender: cls.Gender, Confidence: cls.Confidence}
	iterations := h.Iterations
	if iterations <= 0 {
		iterations = 2
	}
	if limit := h.Orch.MaxIterationsCap(); limit > 0 && iterations > limit {
		iterations = limit
	}
	req := core.Request{
		BodyType:      core.BodyType(strings.ToLower(cls.BodyType)),
		Goals:         fmt.Sprintf("Create a personalized 4-week fitness plan for a %s body type focusing on balanced training and nutrition", cls.BodyType),
		MaxIterations: iterations,
	}
	rec, err := h.Orch.Generate(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("plan generation failed")
		resp.WorkoutPlan = planUnavailable
		resp.MealPlan = planUnavailable
		resp.Message = "Body type classified successfully. Plan generation service is unavailable."
		return c.JSON(http.StatusOK, resp)
	}
	resp.WorkoutPlan = rec.Exercise
	resp.MealPlan = rec.Diet
	resp.Message = "Classification and plan generation completed successfully!"

	if uid := userID(c); uid != "" && h.Store != nil {
		saved, err := h.Store.SaveResult(ctx, uid, store.Result{
			BodyType: cls.BodyType, Gender: cls.Gender, Confidence: cls.Confidence,
			WorkoutPlan: rec.Exercise, MealPlan: rec.Diet,
		})
		if err != nil {
			logger.WithError(err).Error("persist classification")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to save classification")
		}
		resp.ClassificationID = saved.ClassificationID
		resp.PlanID = saved.PlanID
	}
	return c.JSON(http.StatusOK, resp)
}

// readImage loads one multipart image and checks that it decodes.
func readImage(c echo.Context, field string) (core.Image, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return core.Image{}, echo.NewHTTPError(http.StatusBadRequest, "all three images are required")
	}
	f, err := fh.Open()
	if err != nil {
		return core.Image{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		return core.Image{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) > maxImageBytes {
		return core.Image{}, echo.NewHTTPError(http.StatusRequestEntityTooLarge, field+" exceeds 10MB")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return core.Image{}, echo.NewHTTPError(http.StatusBadRequest, "invalid image file: "+field)
		}
		return core.Image{}, echo.NewHTTPError(http.StatusBadRequest, "invalid image file: "+err.Error())
	}
	return core.Image{MIME: "image/" + format, Data: data}, nil
}
