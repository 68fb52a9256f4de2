package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/tentacle/internal/auth"
	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/channel/inbound"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/healthcheck"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/memory"
)

const testSecret = "admin-secret"

type fakeGateway struct {
	queried   []inbound.Event
	queriedID int64
	resets    []int64
	reloaded  []instance.Tiers
	changed   []int64
	reloadErr error
	queryErr  error
}

func (g *fakeGateway) Query(ctx context.Context, id int64, e inbound.Event) (inbound.Outcome, error) {
	g.queriedID = id
	g.queried = append(g.queried, e)
	if g.queryErr != nil {
		return inbound.Outcome{}, g.queryErr
	}
	return inbound.Outcome{
		ID:         "d1",
		InstanceID: id,
		Result:     conversation.DispatchResult{State: conversation.StateCompleted},
		Actions:    []channel.Action{{Kind: channel.ActionSendText, Text: "hello"}},
	}, nil
}

func (g *fakeGateway) Reset(ctx context.Context, id int64) error {
	g.resets = append(g.resets, id)
	return nil
}

func (g *fakeGateway) Reload(ctx context.Context, tiers instance.Tiers) ([]int64, error) {
	g.reloaded = append(g.reloaded, tiers)
	return g.changed, g.reloadErr
}

type fakeInstances struct{}

func (fakeInstances) InstanceIDs() []int64 { return []int64{-1, 42} }
func (fakeInstances) Version() uint64      { return 3 }
func (fakeInstances) Resolve(id int64) (instance.EffectiveContext, error) {
	if id == 404 {
		return instance.EffectiveContext{}, instance.ErrUnknownInstance
	}
	return instance.EffectiveContext{
		InstanceID:   id,
		Capabilities: capability.NewSet(capability.SpacebinPost, capability.SendMessage),
		Memory:       instance.MemoryDatabase,
	}, nil
}

type fakeMemory struct{}

func (fakeMemory) Status() memory.Status {
	return memory.Status{Backend: "postgres", Degraded: []int64{42}, Buffered: 2}
}

type fakeDenials map[string]int64

func (d fakeDenials) Denials() map[string]int64 { return d }

func newAdminEcho(t *testing.T, gw *fakeGateway, loader TiersLoader) (*echo.Echo, string) {
	t.Helper()
	e := echo.New()
	e.Use(auth.JWTMiddleware(testSecret, nil))
	NewAdminHandler(nil, gw, fakeInstances{}, fakeMemory{}, fakeDenials{"spacebin.post": 2}, loader).Register(e)
	token, _, err := auth.GenerateToken("operator", testSecret, time.Minute)
	require.NoError(t, err)
	return e, token
}

func do(e *echo.Echo, token, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAdminStatus(t *testing.T) {
	e, token := newAdminEcho(t, &fakeGateway{}, nil)
	rec := do(e, token, http.MethodGet, "/admin/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(3), resp.ConfigVersion)
	assert.Equal(t, []int64{-1, 42}, resp.Instances)
	assert.Equal(t, []int64{42}, resp.Memory.Degraded)
	assert.Equal(t, int64(2), resp.Denials["spacebin.post"])
}

func TestAdminRequiresToken(t *testing.T) {
	e, _ := newAdminEcho(t, &fakeGateway{}, nil)
	rec := do(e, "", http.MethodGet, "/admin/status", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestAdminInstance(t *testing.T) {
	e, token := newAdminEcho(t, &fakeGateway{}, nil)

	rec := do(e, token, http.MethodGet, "/admin/instances/42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(42), resp["instance_id"])
	assert.Equal(t, "database", resp["memory"])
	assert.ElementsMatch(t, []any{"discord.send_message", "spacebin.post"}, resp["capabilities"])

	assert.Equal(t, http.StatusNotFound, do(e, token, http.MethodGet, "/admin/instances/404", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(e, token, http.MethodGet, "/admin/instances/abc", "").Code)
}

func TestAdminQuery(t *testing.T) {
	gw := &fakeGateway{}
	e, token := newAdminEcho(t, gw, nil)

	rec := do(e, token, http.MethodPost, "/admin/instances/42/query", `{"content":"hello there"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, gw.queried, 1)
	assert.Equal(t, int64(42), gw.queriedID)
	assert.Equal(t, "hello there", gw.queried[0].Content)
	assert.Equal(t, "operator", gw.queried[0].Author.Name)
	assert.Equal(t, "42", gw.queried[0].ChannelID)

	var out inbound.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Actions, 1)
	assert.Equal(t, "hello", out.Actions[0].Text)

	assert.Equal(t, http.StatusBadRequest, do(e, token, http.MethodPost, "/admin/instances/42/query", `{"content":"  "}`).Code)

	gw.queryErr = errors.Join(errors.New("resolve"), instance.ErrUnknownInstance)
	assert.Equal(t, http.StatusNotFound, do(e, token, http.MethodPost, "/admin/instances/7/query", `{"content":"x"}`).Code)
}

func TestAdminReset(t *testing.T) {
	gw := &fakeGateway{}
	e, token := newAdminEcho(t, gw, nil)
	rec := do(e, token, http.MethodPost, "/admin/instances/42/reset", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{42}, gw.resets)
}

func TestAdminReload(t *testing.T) {
	t.Run("applies", func(t *testing.T) {
		gw := &fakeGateway{changed: []int64{42}}
		e, token := newAdminEcho(t, gw, func() (instance.Tiers, error) { return instance.Tiers{}, nil })
		rec := do(e, token, http.MethodPost, "/admin/reload", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"changed":[42]}`, rec.Body.String())
		assert.Len(t, gw.reloaded, 1)
	})
	t.Run("invalid file", func(t *testing.T) {
		gw := &fakeGateway{}
		e, token := newAdminEcho(t, gw, func() (instance.Tiers, error) { return instance.Tiers{}, errors.New("bad yaml") })
		rec := do(e, token, http.MethodPost, "/admin/reload", "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Empty(t, gw.reloaded)
	})
	t.Run("rejected by resolver", func(t *testing.T) {
		gw := &fakeGateway{reloadErr: instance.ErrUnknownAgent}
		e, token := newAdminEcho(t, gw, func() (instance.Tiers, error) { return instance.Tiers{}, nil })
		assert.Equal(t, http.StatusUnprocessableEntity, do(e, token, http.MethodPost, "/admin/reload", "").Code)
	})
	t.Run("no changes", func(t *testing.T) {
		e, token := newAdminEcho(t, &fakeGateway{}, func() (instance.Tiers, error) { return instance.Tiers{}, nil })
		rec := do(e, token, http.MethodPost, "/admin/reload", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"changed":[]}`, rec.Body.String())
	})
}

type fakeHealth struct{ status string }

func (h fakeHealth) Report(ctx context.Context) healthcheck.Report {
	return healthcheck.Report{Status: h.status, Checks: []healthcheck.CheckResult{{ID: "memory.backend", Status: h.status}}}
}

func TestPingAndHealth(t *testing.T) {
	e := echo.New()
	NewPingHandler(nil, fakeHealth{status: healthcheck.StatusError}).Register(e)
	assert.Equal(t, http.StatusOK, do(e, "", http.MethodGet, "/ping", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(e, "", http.MethodHead, "/health", "").Code)

	rec := do(e, "", http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report healthcheck.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "memory.backend", report.Checks[0].ID)

	e = echo.New()
	NewPingHandler(nil, fakeHealth{status: healthcheck.StatusWarn}).Register(e)
	assert.Equal(t, http.StatusOK, do(e, "", http.MethodGet, "/health", "").Code)
}
