package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/events"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/stream"
)

// AgentsHandler serves plan generation and the motivational sentence.
type AgentsHandler struct {
	Orch       *core.Orchestrator
	Motivation *core.MotivationAgent
	// Cache holds one sentence per tone and day; nil disables caching.
	Cache   MotivationCache
	Metrics *runtime.Metrics
	Logger  log.FieldLogger
	// DefaultIterations applies when a request omits max_iterations.
	DefaultIterations int
	// Heartbeat, when positive, writes a comment frame at that interval
	// while a stream is idle so proxies keep the connection open.
	Heartbeat        time.Duration
	OpenAIConfigured bool
	now              func() time.Time
}

func (h *AgentsHandler) Register(g *echo.Group) {
	g.POST("/recommendations/stream", h.stream)
	g.POST("/recommendations/generate", h.generate)
	g.POST("/motivational/generate", h.motivational)
	g.GET("/health", h.health)
}

type recommendationRequest struct {
	BodyType      string `json:"body_type"`
	Goals         string `json:"goals"`
	MaxIterations *int   `json:"max_iterations"`
}

func (h *AgentsHandler) bindRequest(c echo.Context) (core.Request, error) {
	var body recommendationRequest
	if err := c.Bind(&body); err != nil {
		return core.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := core.Request{BodyType: core.BodyType(body.BodyType), Goals: body.Goals, MaxIterations: h.DefaultIterations}
	if body.MaxIterations != nil {
		req.MaxIterations = *body.MaxIterations
	}
	req, err := req.Validate(h.Orch.MaxIterationsCap())
	if err != nil {
		return core.Request{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}

// stream answers with text/event-stream, one frame per progress event.
// Validation failures are rejected before the stream starts.
func (h *AgentsHandler) stream(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	release := h.Metrics.StreamOpened()
	defer release()

	sw := stream.NewWriter(resp)
	sw.OnFrame = func(k events.Kind) { h.Metrics.FrameWritten(string(k)) }

	ctx := c.Request().Context()
	if h.Heartbeat > 0 {
		stop := heartbeat(ctx, sw, h.Heartbeat)
		defer stop()
	}
	logger := h.Logger.WithFields(log.Fields{"stream_id": uuid.NewString(), "body_type": req.BodyType, "max_iterations": req.MaxIterations})
	n, err := stream.Pipe(ctx, sw, h.Orch.Run(ctx, req))
	switch {
	case err != nil:
		logger.WithError(err).WithField("frames", n).Warn("stream ended early")
	default:
		logger.WithField("frames", n).Info("stream complete")
	}
	return nil
}

func heartbeat(ctx context.Context, sw *stream.Writer, every time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if sw.Comment("keep-alive") != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (h *AgentsHandler) generate(c echo.Context) error {
	req, err := h.bindRequest(c)
	if err != nil {
		return err
	}
	rec, err := h.Orch.Generate(c.Request().Context(), req)
	if err != nil {
		var pe *core.PhaseError
		if errors.As(err, &pe) {
			return echo.NewHTTPError(http.StatusBadGateway, pe.Message)
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

type motivationalRequest struct {
	Tone      string `json:"tone"`
	DayOfWeek string `json:"day_of_week"`
	Force     bool   `json:"force"`
}

type motivationalResponse struct {
	Sentence       string `json:"sentence"`
	Tone           string `json:"tone"`
	CharacterCount int    `json:"character_count"`
	Cached         bool   `json:"cached"`
}

func (h *AgentsHandler) motivational(c echo.Context) error {
	var req motivationalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tone := core.ToneEnergetic
	if req.Tone != "" {
		t, ok := core.ParseTone(req.Tone)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid tone, must be one of Stoic, Energetic, Scientific, Empathetic")
		}
		tone = t
	}
	now := time.Now()
	if h.now != nil {
		now = h.now()
	}
	day := strings.TrimSpace(req.DayOfWeek)
	if day == "" {
		day = now.Weekday().String()
	}
	ctx := c.Request().Context()
	key := "fitplan:motivation:" + string(tone) + ":" + now.Format(time.DateOnly)
	if h.Cache != nil && !req.Force {
		if s, ok, err := h.Cache.Get(ctx, key); err != nil {
			h.Logger.WithError(err).Warn("motivation cache read failed")
		} else if ok {
			return c.JSON(http.StatusOK, motivationalResponse{Sentence: s, Tone: string(tone), CharacterCount: len([]rune(s)), Cached: true})
		}
	}
	sentence, err := h.Motivation.Sentence(ctx, tone, day)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "error generating motivational sentence: "+err.Error())
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, key, sentence, 24*time.Hour); err != nil {
			h.Logger.WithError(err).Warn("motivation cache write failed")
		}
	}
	return c.JSON(http.StatusOK, motivationalResponse{Sentence: sentence, Tone: string(tone), CharacterCount: len([]rune(sentence))})
}

func (h *AgentsHandler) health(c echo.Context) error {
	if !h.OpenAIConfigured {
		return c.JSON(http.StatusOK, map[string]any{
			"status":            "missing_api_key",
			"openai_configured": false,
			"message":           "set providers.openai.api_key",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "ready",
		"openai_configured": true,
		"message":           "ready to generate recommendations",
	})
}

// MotivationCache stores generated sentences by key.
type MotivationCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is a MotivationCache backed by redis string keys.
type RedisCache struct {
	Rdb *redis.Client
}

func (r RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := r.Rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func (r RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.Rdb.Set(ctx, key, value, ttl).Err()
}
