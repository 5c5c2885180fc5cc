// Package client consumes the recommendation stream and the plan endpoints
// on behalf of a device, keeping a local cache of the results.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"github.com/mohammad-safakhou/fitplan/config"
	"github.com/mohammad-safakhou/fitplan/internal/devicecache"
	"github.com/mohammad-safakhou/fitplan/internal/events"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/stream"
)

var (
	// ErrTimeout is returned when a stream exceeds the wall-clock ceiling.
	ErrTimeout = errors.New("stream timed out")
	// ErrStatus wraps non-2xx answers.
	ErrStatus = errors.New("unexpected status")
)

// Request is the body of a recommendation request.
type Request struct {
	BodyType      string `json:"body_type"`
	Goals         string `json:"goals"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Client talks to the API as one signed-in identity.
type Client struct {
	BaseURL string
	Token   string
	// Identity owns the cached entries; it defaults to the token subject.
	Identity string
	HTTP     *http.Client
	// StreamTimeout bounds a whole stream; zero means no ceiling.
	StreamTimeout time.Duration
	Cache         *devicecache.Cache
	Metrics       *runtime.Metrics
	Logger        log.FieldLogger
}

// New builds a client from cfg. cache may be nil.
func New(cfg config.ClientConfig, cache *devicecache.Cache, logger log.FieldLogger, metrics *runtime.Metrics) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		Token:         cfg.Token,
		Identity:      IdentityFromToken(cfg.Token),
		HTTP:          &http.Client{},
		StreamTimeout: cfg.StreamTimeout,
		Cache:         cache,
		Metrics:       metrics,
		Logger:        runtime.Component(logger, "client"),
	}
}

// IdentityFromToken returns the subject of a bearer token without
// verifying it; the server does the verification.
func IdentityFromToken(token string) string {
	if token == "" {
		return ""
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, msg)
}

func (c *Client) logger() log.FieldLogger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}

// persister writes finished artifacts into the device cache.
func (c *Client) persister() Persister {
	if c.Cache == nil || c.Identity == "" {
		return nil
	}
	return func(kind events.Kind, content string) error {
		return c.Cache.UpdatePlan(c.Identity, func(p *devicecache.Plan) {
			switch kind {
			case events.KindDietComplete:
				p.MealPlan = content
			case events.KindWorkoutComplete:
				p.WorkoutPlan = content
			}
		})
	}
}

// StreamRecommendations posts req and drives a Workflow from the answer.
// onChange, when set, receives a snapshot after every transition. The
// returned error is a transport failure; a phase failure reported by the
// server is a failed snapshot with a nil error.
func (c *Client) StreamRecommendations(ctx context.Context, req Request, onChange func(Snapshot)) (Snapshot, error) {
	wf := NewWorkflow(c.persister(), c.logger())
	notify := func(changed bool) {
		if changed && onChange != nil {
			onChange(wf.Snapshot())
		}
	}
	notify(wf.Begin())

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.StreamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.StreamTimeout)
	}
	defer cancel()

	fail := func(err error) (Snapshot, error) {
		if ctx.Err() == nil && errors.Is(streamCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTimeout, c.StreamTimeout)
		}
		notify(wf.Fail(err))
		return wf.Snapshot(), err
	}

	httpReq, err := c.newRequest(streamCtx, http.MethodPost, "/api/agents/recommendations/stream", req)
	if err != nil {
		return fail(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(statusError(resp))
	}
	notify(wf.Open())

	dec := stream.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if streamCtx.Err() != nil {
			return fail(streamCtx.Err())
		}
		if errors.Is(err, io.EOF) {
			break
		}
		var de *stream.DecodeError
		if errors.As(err, &de) {
			c.Metrics.DecodeFailure()
			c.logger().WithError(de.Err).WithField("frame", string(de.Frame)).Warn("skipping malformed frame")
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("read stream: %w", err))
		}
		notify(wf.Apply(ev))
		if wf.Snapshot().State.Terminal() {
			return wf.Snapshot(), nil
		}
	}
	notify(wf.Finish())
	return wf.Snapshot(), nil
}

// Dashboard is what the home screen renders.
type Dashboard struct {
	Plan *devicecache.Plan
	// Source is "cache" or "server"; empty when there is no plan.
	Source string
}

type latestPlanResponse struct {
	Plan struct {
		BodyType           string    `json:"body_type"`
		Gender             string    `json:"gender"`
		WorkoutPlan        string    `json:"workout_plan"`
		MealPlan           string    `json:"meal_plan"`
		ClassificationDate time.Time `json:"classification_date"`
		PlanDate           time.Time `json:"plan_date"`
	} `json:"plan"`
}

// LoadDashboard returns the cached plan of the current identity, or the
// latest stored plan from the server. A plan cached for another identity
// is cleared, never shown.
func (c *Client) LoadDashboard(ctx context.Context) (Dashboard, error) {
	if c.Cache != nil {
		p, ok, err := c.Cache.LoadPlan(c.Identity)
		if err != nil {
			c.logger().WithError(err).Warn("device cache read failed")
		} else if ok {
			return Dashboard{Plan: &p, Source: "cache"}, nil
		}
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/users/plans/latest", nil)
	if err != nil {
		return Dashboard{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Dashboard{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Dashboard{}, nil
	case resp.StatusCode != http.StatusOK:
		return Dashboard{}, statusError(resp)
	}
	var body latestPlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Dashboard{}, fmt.Errorf("decode plan: %w", err)
	}
	p := devicecache.Plan(body.Plan)
	if c.Cache != nil && c.Identity != "" {
		if err := c.Cache.SavePlan(c.Identity, p); err != nil {
			c.logger().WithError(err).Warn("device cache write failed")
		}
	}
	return Dashboard{Plan: &p, Source: "server"}, nil
}

// Motivation returns today's motivational sentence, fetching a new one
// once per calendar day or when force is set.
func (c *Client) Motivation(ctx context.Context, force bool) (string, error) {
	fetch := func(ctx context.Context) (string, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/agents/motivational/generate", map[string]any{"force": force})
		if err != nil {
			return "", err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", statusError(resp)
		}
		var body struct {
			Sentence string `json:"sentence"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("decode motivation: %w", err)
		}
		return body.Sentence, nil
	}
	if c.Cache == nil {
		return fetch(ctx)
	}
	msg, _, err := c.Cache.Motivation(ctx, force, fetch)
	return msg, err
}

// SignOut forgets the identity and everything cached for it.
func (c *Client) SignOut() error {
	c.Token, c.Identity = "", ""
	if c.Cache == nil {
		return nil
	}
	return c.Cache.SignOut()
}
