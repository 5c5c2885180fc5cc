package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/fitplan/config"
	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/events"
	"github.com/mohammad-safakhou/fitplan/internal/rag"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/store"
	"github.com/mohammad-safakhou/fitplan/internal/stream"
)

var testSecret = []byte("test-secret")

type stubLLM struct {
	mu     sync.Mutex
	calls  int
	vision string
	err    error
}

func (s *stubLLM) Generate(ctx context.Context, req core.CompletionRequest) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	switch {
	case strings.Contains(req.System, "nutritionist"):
		return "<diet text>", nil
	case strings.Contains(req.System, "trainer"):
		return "<workout text>", nil
	}
	return `"Lift heavy, eat clean."`, nil
}

func (s *stubLLM) GenerateVision(ctx context.Context, req core.CompletionRequest) (string, error) {
	if s.vision == "" {
		return "", errors.New("vision unavailable")
	}
	return s.vision, nil
}

func quietLogger() log.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func memManager(t *testing.T) *rag.Manager {
	t.Helper()
	diet, err := rag.OpenCorpus(rag.Diet, "", rag.Options{})
	require.NoError(t, err)
	exercise, err := rag.OpenCorpus(rag.Exercise, "", rag.Options{})
	require.NoError(t, err)
	m := rag.NewManager(quietLogger(), map[string]string{rag.Diet: t.TempDir()}, diet, exercise)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type testEnv struct {
	e       *echo.Echo
	mock    sqlmock.Sqlmock
	llm     *stubLLM
	rag     *rag.Manager
	reg     *prometheus.Registry
	cache   *memCache
	metrics *runtime.Metrics
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	metrics, err := runtime.NewMetrics(reg)
	require.NoError(t, err)

	llm := &stubLLM{}
	mgr := memManager(t)
	orch, err := NewOrchestrator(config.AgentsConfig{DefaultMaxIterations: 1}, llm, mgr, nil, quietLogger(), metrics)
	require.NoError(t, err)

	cache := &memCache{m: map[string]string{}}
	e := NewRouter(Deps{
		Config:           &config.Config{Agents: config.AgentsConfig{DefaultMaxIterations: 1}},
		Logger:           quietLogger(),
		Store:            &store.Store{DB: db},
		Orch:             orch,
		Motivation:       core.NewMotivationAgent(llm, 0.8),
		Classifier:       core.NewBodyClassifier(llm),
		RAG:              mgr,
		Cache:            cache,
		Metrics:          metrics,
		Gatherer:         reg,
		Secret:           testSecret,
		OpenAIConfigured: true,
	})
	return &testEnv{e: e, mock: mock, llm: llm, rag: mgr, reg: reg, cache: cache, metrics: metrics}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func withToken(t *testing.T, req *http.Request, subject string, scopes ...string) *http.Request {
	t.Helper()
	tok, err := runtime.SignJWT(subject, subject+"@example.com", testSecret, time.Hour, scopes...)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func decodeAll(t *testing.T, r io.Reader) []events.Event {
	t.Helper()
	dec := stream.NewDecoder(r)
	var out []events.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

type memCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func TestStreamRecommendationsHappyPath(t *testing.T) {
	env := newEnv(t)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/agents/recommendations/stream", echo.MIMEApplicationJSON,
		strings.NewReader(`{"body_type":"endomorph","goals":"lose weight","max_iterations":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	got := decodeAll(t, resp.Body)
	assert.Equal(t, []events.Event{
		events.Status{Message: "Generating diet plan..."},
		events.DietComplete{Content: "<diet text>"},
		events.Status{Message: "Generating workout plan..."},
		events.WorkoutComplete{Content: "<workout text>"},
	}, got)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `fitplan_stream_frames_written_total{kind="status"} 2`)
	assert.Contains(t, rec.Body.String(), `fitplan_stream_frames_written_total{kind="diet_complete"} 1`)
	assert.Contains(t, rec.Body.String(), "fitplan_active_streams 0")
}

func TestStreamRejectsInvalidRequestBeforeStreaming(t *testing.T) {
	env := newEnv(t)
	for _, body := range []string{
		`{"body_type":"hobbit","goals":"x","max_iterations":1}`,
		`{"body_type":"endomorph","goals":"","max_iterations":1}`,
		`{"body_type":"endomorph","goals":"x","max_iterations":0}`,
		`{"body_type":"endomorph","goals":"x","max_iterations":99}`,
	} {
		rec := env.do(jsonRequest(http.MethodPost, "/api/agents/recommendations/stream", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Header().Get("Content-Type"), echo.MIMEApplicationJSON)
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
	assert.Zero(t, env.llm.calls)
}

func TestStreamEndsWithSingleErrorWhenExerciseRetrievalFails(t *testing.T) {
	llm := &stubLLM{}
	diet, err := rag.OpenCorpus(rag.Diet, "", rag.Options{})
	require.NoError(t, err)
	defer diet.Close()
	failing := core.RetrieverFunc(func(ctx context.Context, q string, k int) ([]core.Snippet, error) {
		return nil, errors.New("index offline")
	})
	orch := core.NewOrchestrator(llm, core.Options{RetryBackoff: time.Millisecond}, quietLogger(), nil,
		core.Phase{Agent: core.DietAgent{}, Retriever: diet},
		core.Phase{Agent: core.ExerciseAgent{}, Retriever: failing, Fallback: failing},
	)
	h := &AgentsHandler{Orch: orch, Logger: quietLogger(), DefaultIterations: 2}
	e := echo.New()
	h.Register(e.Group("/api/agents"))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, jsonRequest(http.MethodPost, "/api/agents/recommendations/stream", `{"body_type":"mesomorph","goals":"gain muscle"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeAll(t, rec.Body)
	require.Len(t, got, 4)
	assert.Equal(t, events.DietComplete{Content: "<diet text>"}, got[1])
	assert.Equal(t, events.Status{Message: "Generating workout plan..."}, got[2])
	fail, ok := got[3].(events.Failure)
	require.True(t, ok)
	assert.Contains(t, fail.Message, "exercise retrieval failed after 2 attempts")
}

func TestGenerateRecommendation(t *testing.T) {
	env := newEnv(t)
	rec := env.do(jsonRequest(http.MethodPost, "/api/agents/recommendations/generate", `{"body_type":"Ectomorph","goals":"bulk"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var out core.Recommendation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, core.Ectomorph, out.BodyType)
	assert.Equal(t, "<diet text>", out.Diet)
	assert.Contains(t, out.Markdown, "# 4-Week Fitness Plan: Ectomorph")

	env.llm.err = errors.New("upstream down")
	rec = env.do(jsonRequest(http.MethodPost, "/api/agents/recommendations/generate", `{"body_type":"ectomorph","goals":"bulk"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMotivationalCachedPerDay(t *testing.T) {
	env := newEnv(t)
	rec := env.do(jsonRequest(http.MethodPost, "/api/agents/motivational/generate", `{"tone":"Stoic"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var first motivationalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "Lift heavy, eat clean.", first.Sentence)
	assert.False(t, first.Cached)
	assert.Equal(t, len(first.Sentence), first.CharacterCount)

	rec = env.do(jsonRequest(http.MethodPost, "/api/agents/motivational/generate", `{"tone":"Stoic"}`))
	var second motivationalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, 1, env.llm.calls)

	rec = env.do(jsonRequest(http.MethodPost, "/api/agents/motivational/generate", `{"tone":"Stoic","force":true}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.llm.calls)

	rec = env.do(jsonRequest(http.MethodPost, "/api/agents/motivational/generate", `{"tone":"stoic"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentsHealth(t *testing.T) {
	h := &AgentsHandler{}
	e := echo.New()
	rec := httptest.NewRecorder()
	require.NoError(t, h.health(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/agents/health", nil), rec)))
	assert.Contains(t, rec.Body.String(), `"missing_api_key"`)
}

func TestSignupAndLogin(t *testing.T) {
	env := newEnv(t)
	insert := regexp.QuoteMeta(`INSERT INTO users`)
	env.mock.ExpectExec(insert).WithArgs(sqlmock.AnyArg(), "ann@example.com", "Ann", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rec := env.do(jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"password1","name":"Ann"}`))
	assert.Equal(t, http.StatusCreated, rec.Code)

	env.mock.ExpectExec(insert).WillReturnError(store.ErrConflict)
	rec = env.do(jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"password1"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(jsonRequest(http.MethodPost, "/api/auth/signup", `{"email":"ann@example.com","password":"short"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hash, err := bcrypt.GenerateFromPassword([]byte("password1"), bcrypt.MinCost)
	require.NoError(t, err)
	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email=$1`)).WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "created_at"}).
			AddRow("u1", "ann@example.com", "Ann", string(hash), time.Now()))
	rec = env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@example.com","password":"password1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var tok TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	claims, err := runtime.ParseJWT(tok.Token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), runtime.AuthCookie+"=")

	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email=$1`)).WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "password_hash", "created_at"}).
			AddRow("u1", "ann@example.com", "Ann", string(hash), time.Now()))
	rec = env.do(jsonRequest(http.MethodPost, "/api/auth/login", `{"email":"ann@example.com","password":"wrongpass"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLatestPlan(t *testing.T) {
	env := newEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/users/plans/latest", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM fitness_plans f`)).WithArgs("u1").WillReturnError(sql.ErrNoRows)
	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/users/plans/latest", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"no plans found for this user"}`, rec.Body.String())

	now := time.Now()
	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM fitness_plans f`)).WithArgs("u1").WillReturnRows(sqlmock.NewRows(
		[]string{"id", "user_id", "cid", "body_type", "gender", "workout_plan", "meal_plan", "plan_version", "c_at", "f_at"}).
		AddRow(int64(1), "u1", int64(1), "Endomorph", "male", "w", "m", 1, now, now))
	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/users/plans/latest", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"meal_plan":"m"`)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestUserRoutesRejectAdminTokens(t *testing.T) {
	env := newEnv(t)
	admin := func(req *http.Request) *http.Request { return withToken(t, req, "admin:1", runtime.ScopeAdmin) }

	rec := env.do(admin(httptest.NewRequest(http.MethodGet, "/api/users/plans/latest", nil)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(admin(httptest.NewRequest(http.MethodGet, "/api/users/exists", nil)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(admin(httptest.NewRequest(http.MethodPost, "/api/classify/body-type", nil)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, env.mock.ExpectationsWereMet(), "no query reaches the database")
}

func TestAdminRoutesRequireAdminScope(t *testing.T) {
	env := newEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/admin/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/admin/users", nil), "u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM users u`)).WillReturnRows(sqlmock.NewRows(
		[]string{"id", "email", "name", "created_at", "body_type", "gender", "c_at", "workout_plan", "meal_plan", "f_at"}))
	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/admin/users", nil), "admin:1", runtime.ScopeAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"users":[],"total":0}`, rec.Body.String())

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`DELETE FROM fitness_plans`).WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec(`DELETE FROM classifications`).WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectExec(`DELETE FROM users`).WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectCommit()
	rec = env.do(withToken(t, httptest.NewRequest(http.MethodDelete, "/api/admin/users/ghost", nil), "admin:1", runtime.ScopeAdmin))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestAdminCheck(t *testing.T) {
	env := newEnv(t)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/admin/check", nil))
	assert.JSONEq(t, `{"is_admin":false,"message":"no authorization provided"}`, rec.Body.String())

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/admin/check", nil), "admin:1", runtime.ScopeAdmin))
	assert.Contains(t, rec.Body.String(), `"is_admin":true`)
}

func TestAdminLogin(t *testing.T) {
	env := newEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("rootpass1"), bcrypt.MinCost)
	require.NoError(t, err)
	env.mock.ExpectQuery(regexp.QuoteMeta(`FROM admin_users WHERE username=$1`)).WithArgs("root").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "created_at", "last_login"}).
			AddRow(int64(7), "root", string(hash), time.Now(), nil))
	env.mock.ExpectExec(regexp.QuoteMeta(`UPDATE admin_users SET last_login=NOW()`)).WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := env.do(jsonRequest(http.MethodPost, "/api/admin/auth/login", `{"username":"root","password":"rootpass1"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	claims, err := runtime.ParseJWT(out.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "admin:7", claims.Subject)
	assert.Equal(t, []string{runtime.ScopeAdmin}, claims.Scopes)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestRAGRoutes(t *testing.T) {
	env := newEnv(t)
	diet, err := env.rag.Corpus(rag.Diet)
	require.NoError(t, err)
	_, err = diet.AddText("oats.md", "Oats are a slow release carbohydrate for endomorphs.")
	require.NoError(t, err)

	rec := env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/rag/diet/search?query=oats", nil), "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"source":"oats.md"`)

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/rag/yoga/stats", nil), "u1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodDelete, "/api/rag/diet/clear", nil), "u1"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/rag/web/search?query=oats", nil), "u1"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body, ctype := multipartBody(t, map[string][]byte{"file": []byte("Squats build the posterior chain.")}, "squat.txt")
	req := httptest.NewRequest(http.MethodPost, "/api/rag/exercise/upload", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec = env.do(withToken(t, req, "admin:1", runtime.ScopeAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chunks":1`)

	rec = env.do(withToken(t, httptest.NewRequest(http.MethodGet, "/api/rag/exercise/stats", nil), "u1"))
	assert.JSONEq(t, `{"document_count":1,"type":"exercise","status":"active"}`, rec.Body.String())

	body, ctype = multipartBody(t, map[string][]byte{"file": []byte("PK")}, "plan.docx")
	req = httptest.NewRequest(http.MethodPost, "/api/rag/exercise/upload", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec = env.do(withToken(t, req, "admin:1", runtime.ScopeAdmin))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ".txt, .md, .html, .htm, .pdf")
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte, filename string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for field, data := range files {
		name := filename
		if name == "" {
			name = field + ".png"
		}
		fw, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestClassifyBodyType(t *testing.T) {
	env := newEnv(t)
	env.llm.vision = "```json\n{\"gender\":\"female\",\"body_type\":\"Mesomorph\",\"confidence\":0.9}\n```"
	img := pngBytes(t)

	body, ctype := multipartBody(t, map[string][]byte{"front_image": img, "left_image": img}, "")
	req := httptest.NewRequest(http.MethodPost, "/api/classify/body-type", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec := env.do(withToken(t, req, "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ctype = multipartBody(t, map[string][]byte{"front_image": img, "left_image": img, "right_image": []byte("not an image")}, "")
	req = httptest.NewRequest(http.MethodPost, "/api/classify/body-type", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec = env.do(withToken(t, req, "u1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(`SELECT id FROM classifications`).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectQuery(`INSERT INTO classifications`).WithArgs("u1", "Mesomorph", "female", 0.9).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	env.mock.ExpectQuery(`SELECT id FROM fitness_plans`).WithArgs(int64(3)).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectQuery(`INSERT INTO fitness_plans`).WithArgs("u1", int64(3), "<workout text>", "<diet text>").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	env.mock.ExpectCommit()

	body, ctype = multipartBody(t, map[string][]byte{"front_image": img, "left_image": img, "right_image": img}, "")
	req = httptest.NewRequest(http.MethodPost, "/api/classify/body-type", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec = env.do(withToken(t, req, "u1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var out classificationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Mesomorph", out.BodyType)
	assert.Equal(t, "female", out.Gender)
	assert.Equal(t, "<workout text>", out.WorkoutPlan)
	assert.Equal(t, int64(4), out.PlanID)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestClassifyFallsBackWhenVisionFails(t *testing.T) {
	llm := &stubLLM{}
	orch, err := NewOrchestrator(config.AgentsConfig{}, llm, memManager(t), nil, quietLogger(), nil)
	require.NoError(t, err)
	h := &ClassifyHandler{Classifier: core.NewBodyClassifier(llm), Orch: orch, Logger: quietLogger()}
	e := echo.New()
	h.Register(e.Group("/api/classify"))

	img := pngBytes(t)
	body, ctype := multipartBody(t, map[string][]byte{"front_image": img, "left_image": img, "right_image": img}, "")
	req := httptest.NewRequest(http.MethodPost, "/api/classify/body-type", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out classificationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, core.FallbackClassification().BodyType, out.BodyType)
	assert.Equal(t, "<diet text>", out.MealPlan)
	assert.Zero(t, out.PlanID, "anonymous callers are not persisted")
}

type countingReindexer struct{ calls int }

func (c *countingReindexer) Reindex(ctx context.Context) (map[string]rag.FolderReport, error) {
	c.calls++
	return map[string]rag.FolderReport{rag.Diet: {Processed: 1}}, nil
}

func TestSchedulerRunsWhenDue(t *testing.T) {
	target := &countingReindexer{}
	s, err := NewScheduler("0 3 * * *", target, nil, quietLogger())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	assert.True(t, s.tick(context.Background()), "never-run schedule is due")
	assert.False(t, s.tick(context.Background()))

	now = now.Add(90 * time.Minute)
	assert.True(t, s.tick(context.Background()))
	assert.Equal(t, 2, target.calls)

	_, err = NewScheduler("not a cron", target, nil, quietLogger())
	assert.Error(t, err)
}
