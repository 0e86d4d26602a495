package fibermw_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-kudari/gateguard"
	"github.com/krishna-kudari/gateguard/middleware/fibermw"
)

type fakeEngine struct {
	res  *gateguard.Result
	last *gateguard.RequestContext
}

func (f *fakeEngine) Consume(_ context.Context, rc *gateguard.RequestContext) (*gateguard.Result, error) {
	f.last = rc
	return f.res, nil
}

func newApp(engine *fakeEngine) *fiber.App {
	app := fiber.New()
	app.Use(fibermw.Admission(engine))
	app.Get("/api/items", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestFiberAdmission_Allowed(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: true, Limit: 10, Remaining: 9, ResetAt: time.Unix(1700000000, 0), RuleID: "r",
	}}
	app := newApp(engine)

	req := httptest.NewRequest("GET", "/api/items", nil)
	req.Header.Set("X-API-Key", "sk-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	require.NotNil(t, engine.last)
	assert.Equal(t, "sk-1", engine.last.APIKey)
	assert.Equal(t, "/api/items", engine.last.Path)
}

func TestFiberAdmission_Denied(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{
		Allowed: false, Limit: 10, RetryAfter: 2 * time.Second,
		RuleID: "r", StatusCode: 429, Message: "rate limit exceeded",
	}}
	app := newApp(engine)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/items", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.Equal(t, "r", body["policy"])
}

func TestFiberAdmission_ExcludePaths(t *testing.T) {
	engine := &fakeEngine{res: &gateguard.Result{Allowed: false, StatusCode: 429}}
	app := fiber.New()
	app.Use(fibermw.AdmissionWithConfig(fibermw.Config{
		Engine:       engine,
		ExcludePaths: map[string]bool{"/healthz": true},
	}))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, engine.last)
}
