package formula

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keksclan/formulagate/authn"
	"github.com/keksclan/formulagate/internal/idpmock"
	"github.com/keksclan/formulagate/internal/metrics"
	"github.com/keksclan/formulagate/internal/storage"
)

const (
	clientID     = "gateway"
	clientSecret = "gateway-secret"
	validToken   = "valid-token"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	idp *idpmock.Provider
	app *fiber.App
}

func newAuthenticator(t *testing.T, domain string, opts ...authn.Option) *authn.Authenticator {
	t.Helper()
	a, err := authn.New(authn.Config{
		Credentials: authn.Credentials{Domain: domain, ClientID: clientID, ClientSecret: clientSecret},
	}, append([]authn.Option{authn.WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return a
}

func setup(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	return setupWithAuth(t, cfg, nil, opts...)
}

func setupWithAuth(t *testing.T, cfg Config, authOpts []authn.Option, opts ...Option) *fixture {
	t.Helper()
	p := idpmock.New(clientID, clientSecret)
	srv := idpmock.NewServer(p)
	t.Cleanup(srv.Close)
	p.Activate(validToken, map[string]any{"sub": "alice", "scope": "formula"})

	auth := newAuthenticator(t, p.Issuer, authOpts...)
	app, err := NewApp(cfg, auth, append([]Option{WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return &fixture{idp: p, app: app}
}

type call struct {
	target  string
	token   string
	ip      string
	body    string
	ctype   string
	headers map[string]string
}

func do(t *testing.T, app *fiber.App, method string, c call) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(method, c.target, body)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ip != "" {
		req.Header.Set("X-Forwarded-For", c.ip)
	}
	if c.ctype != "" {
		req.Header.Set("Content-Type", c.ctype)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func post(t *testing.T, app *fiber.App, c call) (*http.Response, string) {
	t.Helper()
	if c.target == "" {
		c.target = Route + "?formula=1%2B1"
	}
	return do(t, app, http.MethodPost, c)
}

func detailOf(t *testing.T, body string) string {
	t.Helper()
	var out struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out.Detail
}

func TestMissingAuthorizationHeader(t *testing.T) {
	f := setup(t, Config{})

	resp, body := post(t, f.app, call{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "Not authenticated", detailOf(t, body))
	assert.Zero(t, f.idp.Calls())
}

func TestInactiveToken(t *testing.T) {
	f := setup(t, Config{})

	resp, body := post(t, f.app, call{token: "expired-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "Invalid token", detailOf(t, body))
}

func TestActiveToken(t *testing.T) {
	f := setup(t, Config{})

	resp, body := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"Formula processed"}`, body)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))

	form := f.idp.LastForm()
	assert.Equal(t, validToken, form.Get("token"))
	assert.Equal(t, "access_token", form.Get("token_type_hint"))
	assert.Equal(t, clientID, form.Get("client_id"))
	assert.Equal(t, clientSecret, form.Get("client_secret"))
}

func TestIntrospectionTransportErrorIsUnauthorized(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	domain := dead.URL
	dead.Close()

	app, err := NewApp(Config{}, newAuthenticator(t, domain), WithLogger(discard))
	require.NoError(t, err)

	resp, body := post(t, app, call{token: validToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "Invalid token", detailOf(t, body))
}

func TestIntrospectionServerErrorIsUnauthorized(t *testing.T) {
	f := setup(t, Config{})
	f.idp.FailWith(http.StatusInternalServerError)

	resp, _ := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitFiftyPerMinute(t *testing.T) {
	f := setup(t, Config{})

	for i := 1; i <= 50; i++ {
		resp, _ := post(t, f.app, call{token: validToken})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}

	resp, body := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
	assert.JSONEq(t, `{"error":"Rate limit exceeded: 50 per 1 minute"}`, body)
	assert.Equal(t, int64(50), f.idp.Calls(), "rejected request must not reach the provider")
}

func TestRateLimitIsPerIP(t *testing.T) {
	f := setup(t, Config{ProxyHeader: fiber.HeaderXForwardedFor, RateLimit: RateLimit{Max: 2}})

	for i := 0; i < 2; i++ {
		resp, _ := post(t, f.app, call{token: validToken, ip: "10.0.0.1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := post(t, f.app, call{token: validToken, ip: "10.0.0.1"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = post(t, f.app, call{token: validToken, ip: "10.0.0.2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectedRequestsConsumeQuota(t *testing.T) {
	f := setup(t, Config{RateLimit: RateLimit{Max: 2}})

	for i := 0; i < 2; i++ {
		resp, _ := post(t, f.app, call{})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, _ := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestRepeatedRequestsAreIndependent(t *testing.T) {
	f := setup(t, Config{})

	for i := 0; i < 2; i++ {
		resp, body := post(t, f.app, call{token: validToken})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"result":"Formula processed"}`, body)
	}
	assert.Equal(t, int64(2), f.idp.Calls())
}

func TestFormulaSources(t *testing.T) {
	f := setup(t, Config{})

	tests := []struct {
		name string
		c    call
	}{
		{"query", call{target: Route + "?formula=x"}},
		{"empty query value", call{target: Route + "?formula="}},
		{"no trailing slash", call{target: "/process_formula?formula=x"}},
		{"form body", call{target: Route, body: "formula=a%2Bb", ctype: fiber.MIMEApplicationForm}},
		{"json body", call{target: Route, body: `{"formula":"a+b"}`, ctype: fiber.MIMEApplicationJSON}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.c.token = validToken
			resp, body := post(t, f.app, tt.c)
			assert.Equal(t, http.StatusOK, resp.StatusCode, body)
		})
	}
}

func TestMissingFormula(t *testing.T) {
	f := setup(t, Config{})

	resp, body := post(t, f.app, call{target: Route, token: validToken})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.JSONEq(t, `{"detail":[{"loc":["query","formula"],"msg":"field required","type":"value_error.missing"}]}`, body)

	resp, _ = post(t, f.app, call{target: Route})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "authentication runs before parameter validation")
}

type recordingProcessor struct {
	mu   sync.Mutex
	last Request
}

func (p *recordingProcessor) Process(_ context.Context, req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = req
	return Response{Result: "ok"}, nil
}

func TestProcessorReceivesCaller(t *testing.T) {
	proc := &recordingProcessor{}
	f := setup(t, Config{}, WithProcessor(proc))

	resp, body := post(t, f.app, call{target: Route + "?formula=sum(A1:A3)", token: validToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"ok"}`, body)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "sum(A1:A3)", proc.last.Formula)
	require.NotNil(t, proc.last.Caller)
	assert.Equal(t, "alice", proc.last.Caller.Subject)
}

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, Request) (Response, error) {
	panic("boom")
}

func TestPanicIsRecovered(t *testing.T) {
	f := setup(t, Config{}, WithProcessor(panickingProcessor{}))

	resp, body := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Internal Server Error"}`, body)
}

func TestHealthzIsNotLimited(t *testing.T) {
	f := setup(t, Config{RateLimit: RateLimit{Max: 1}})

	for i := 0; i < 3; i++ {
		resp, body := do(t, f.app, http.MethodGet, call{target: "/healthz"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, body)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := setup(t, Config{})

	resp, _ := do(t, f.app, http.MethodGet, call{target: "/nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	f := setupWithAuth(t, Config{RateLimit: RateLimit{Max: 1}}, []authn.Option{authn.WithMetrics(m)}, WithMetrics(m))

	post(t, f.app, call{token: validToken})
	post(t, f.app, call{token: validToken})
	do(t, f.app, http.MethodGet, call{target: "/healthz"})

	_, body := do(t, f.app, http.MethodGet, call{target: "/metrics"})
	assert.Contains(t, body, `formulagate_introspections_total{outcome="active"} 1`)
	assert.Contains(t, body, "formulagate_rate_limited_total 1")
	assert.Contains(t, body, `formulagate_http_requests_total{method="POST",route="/process_formula/",status="200"} 1`)
	assert.Contains(t, body, `formulagate_http_requests_total{method="POST",route="/process_formula/",status="429"} 1`)
	assert.Contains(t, body, `formulagate_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestMetricsRouteDisabled(t *testing.T) {
	f := setup(t, Config{})

	resp, _ := do(t, f.app, http.MethodGet, call{target: "/metrics"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSlidingWindowWithRistretto(t *testing.T) {
	st, err := storage.NewRistretto(1<<10, 1<<20, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := setup(t, Config{RateLimit: RateLimit{Max: 3, Window: time.Minute, Strategy: StrategySliding}}, WithStorage(st))

	for i := 0; i < 3; i++ {
		resp, _ := post(t, f.app, call{token: validToken})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}
	resp, body := post(t, f.app, call{token: validToken})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Rate limit exceeded: 3 per 1 minute"}`, body)
}

func TestNewAppValidation(t *testing.T) {
	a := newAuthenticator(t, "https://idp.example")

	_, err := NewApp(Config{}, nil)
	assert.Error(t, err)

	_, err = NewApp(Config{RateLimit: RateLimit{Strategy: "leaky"}}, a)
	assert.Error(t, err)

	_, err = NewApp(Config{RateLimit: RateLimit{Max: -1}}, a)
	assert.Error(t, err)

	_, err = NewApp(Config{RateLimit: RateLimit{Window: time.Millisecond}}, a)
	assert.Error(t, err)
}

func TestDescribeWindow(t *testing.T) {
	tests := map[time.Duration]string{
		time.Minute:      "1 minute",
		2 * time.Minute:  "2 minutes",
		time.Hour:        "1 hour",
		30 * time.Second: "30 seconds",
		90 * time.Second: "90 seconds",
	}
	for d, want := range tests {
		assert.Equal(t, want, describeWindow(d), d.String())
	}
}
