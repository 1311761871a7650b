package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/db"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
	"github.com/energizer-project/kafra/internal/telemetry"
)

const testToken = "letmein"

type fakeGame struct {
	inGame bool
	said   []string
	dir    uint8
	sat    bool
	err    error
}

func (g *fakeGame) InGame() bool { return g.inGame }

func (g *fakeGame) Say(text string) error {
	g.said = append(g.said, text)
	return g.err
}

func (g *fakeGame) ChangeDir(dir uint8) error {
	g.dir = dir
	return g.err
}

func (g *fakeGame) Sit() error {
	g.sat = true
	return g.err
}

func (g *fakeGame) Stand() error {
	g.sat = false
	return g.err
}

type fixture struct {
	cfg     *config.Config
	tracker *session.Tracker
	journal *db.Journal
	game    *fakeGame
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	client := cfg.GetClientData()
	client.Username = "tester"
	client.Password = "secret"
	cfg.SetClientData(client)

	app := cfg.GetApplicationData()
	app.API.Token = testToken
	app.API.RateLimitRPS = 0
	cfg.SetApplicationData(app)

	journal, err := db.NewJournal(config.JournalConfig{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	f := &fixture{
		cfg:     cfg,
		tracker: session.NewTracker(),
		journal: journal,
		game:    &fakeGame{inGame: true},
	}
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	f.handler = NewServer(Options{
		Config:   cfg,
		Bus:      bus,
		Tracker:  f.tracker,
		Registry: network.NewConnectionRegistry(),
		Journal:  journal,
		Metrics:  telemetry.NewMetrics(),
		Game:     f.game,
		Version:  "test",
	}).Handler()
	return f
}

func (f *fixture) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/public/ping", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestSessionSnapshot(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetPhase("game")
	f.tracker.SetMap("prontera.gat", protocol.Position{X: 150, Y: 180})

	rec := f.do("GET", "/api/monitor/session", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "game", body["phase"])
	assert.Equal(t, "prontera.gat", body["map_name"])
}

func TestFramesQuery(t *testing.T) {
	r := require.New(t)
	f := newFixture(t)
	r.NoError(f.journal.RecordFrame(time.Now(), events.FramePayload{
		Phase: protocol.PhaseGame, Opcode: protocol.OpPingLive, Name: "PingLive", Size: 2,
	}))
	r.NoError(f.journal.RecordFrame(time.Now(), events.FramePayload{
		Phase: protocol.PhaseLogin, Opcode: protocol.OpAuthOK, Name: "AuthOK", Size: 64,
	}))

	rec := f.do("GET", "/api/monitor/frames?phase=game", "", false)
	r.Equal(http.StatusOK, rec.Code)
	body := decode(t, rec)
	r.Equal(float64(1), body["total"])

	rec = f.do("GET", "/api/monitor/frames?limit=abc", "", false)
	r.Equal(http.StatusBadRequest, rec.Code)

	rec = f.do("GET", "/api/monitor/frames/counts", "", false)
	r.Equal(http.StatusOK, rec.Code)
	counts := decode(t, rec)
	r.Equal(float64(1), counts["login"])
}

func TestControlRequiresToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/api/control/sit", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, f.game.sat)

	rec = f.do("POST", "/api/control/sit", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.game.sat)
}

func TestControlCommands(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/api/control/say", `{"text":"hello"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hello"}, f.game.said)

	rec = f.do("POST", "/api/control/say", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("POST", "/api/control/dir/6", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint8(6), f.game.dir)

	rec = f.do("POST", "/api/control/dir/9", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.game.err = errors.New("write failed")
	rec = f.do("POST", "/api/control/stand", "", true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	f.game.inGame = false
	rec = f.do("POST", "/api/control/sit", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfigRedactsSecrets(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/configure/config", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.NotContains(t, rec.Body.String(), testToken)
	assert.Contains(t, rec.Body.String(), "tester")
}

func TestSetClientField(t *testing.T) {
	f := newFixture(t)

	rec := f.do("POST", "/api/configure/client", `{"key":"character_slot","value":3}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, f.cfg.GetClientData().CharacterSlot)

	rec = f.do("POST", "/api/configure/client", `{"key":"character_slot","value":40}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 3, f.cfg.GetClientData().CharacterSlot)

	rec = f.do("POST", "/api/configure/client", `{"key":"nope","value":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestUnknownAPIRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/nope", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimiterAllow(t *testing.T) {
	a := assert.New(t)
	rl := NewRateLimiter(1, nil)
	now := time.Now()

	ok, _ := rl.allow("10.0.0.1", now)
	a.True(ok)
	ok, _ = rl.allow("10.0.0.1", now)
	a.True(ok)

	ok, wait := rl.allow("10.0.0.1", now)
	a.False(ok)
	a.Equal(time.Second, wait)

	// other clients have their own bucket
	ok, _ = rl.allow("10.0.0.2", now)
	a.True(ok)

	ok, _ = rl.allow("10.0.0.1", now.Add(time.Second))
	a.True(ok)

	// idle buckets are swept
	rl.allow("10.0.0.3", now.Add(2*bucketIdle))
	a.Len(rl.buckets, 1)
}

func TestRateLimitedRequest(t *testing.T) {
	metrics := telemetry.NewMetrics()
	rl := NewRateLimiter(1, metrics)
	rl.buckets["192.0.2.1"] = &bucket{tokens: 0, seen: time.Now()}

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestsAreObserved(t *testing.T) {
	f := newFixture(t)

	rec := f.do("GET", "/api/public/ping", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "kafra", rec.Header().Get("Server"))

	rec = f.do("GET", "/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kafra_api_requests_total{method="GET",route="/api/public/ping",status="200"} 1`)
}

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = bearerToken("bearer  ")
	assert.False(t, ok)
	_, ok = bearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = bearerToken("")
	assert.False(t, ok)
}
