package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSessionRouter(t *testing.T) (*gin.Engine, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := newTestManager(newFakeClock())
	r := gin.New()
	h := NewHandler(m)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, m
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	return serveAs(r, "", method, path)
}

func serveAs(r *gin.Engine, sessionID, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_GetAndTerminateSession(t *testing.T) {
	router, m := setupSessionRouter(t)
	s, err := m.Create(context.Background(), wallet, "weather-agent", nil)
	require.NoError(t, err)

	w := serveAs(router, s.ID, http.MethodGet, "/v1/sessions/"+s.ID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Session Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "weather-agent", resp.Session.AgentID)

	w = serveAs(router, s.ID, http.MethodDelete, "/v1/sessions/"+s.ID)
	require.Equal(t, http.StatusOK, w.Code)

	w = serveAs(router, s.ID, http.MethodGet, "/v1/sessions/"+s.ID)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_SessionRoutesNeedHolder(t *testing.T) {
	router, m := setupSessionRouter(t)
	ctx := context.Background()
	victim, err := m.Create(ctx, wallet, "a", nil)
	require.NoError(t, err)
	other, err := m.Create(ctx, "0xbbbb000000000000000000000000000000000002", "a", nil)
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/v1/sessions/"+victim.ID)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = serve(router, http.MethodDelete, "/v1/sessions/"+victim.ID)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A valid session cannot read or end someone else's.
	w = serveAs(router, other.ID, http.MethodGet, "/v1/sessions/"+victim.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Body.String(), victim.ID)
	w = serveAs(router, other.ID, http.MethodDelete, "/v1/sessions/"+victim.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err = m.Get(ctx, victim.ID)
	assert.NoError(t, err)

	// Wallet-wide routes are operator-only.
	w = serve(router, http.MethodGet, "/v1/wallets/"+wallet+"/sessions")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_AdminWalletSessions(t *testing.T) {
	router, m := setupSessionRouter(t)
	ctx := context.Background()
	_, err := m.Create(ctx, wallet, "a", nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, wallet, "b", nil)
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/v1/admin/wallets/"+wallet+"/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	w = serve(router, http.MethodDelete, "/v1/admin/wallets/"+wallet+"/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"terminated":2}`, w.Body.String())
	assert.Equal(t, 0, m.Len())
}

func TestHandler_Stats(t *testing.T) {
	router, m := setupSessionRouter(t)
	_, err := m.Create(context.Background(), wallet, "a", nil)
	require.NoError(t, err)

	w := serve(router, http.MethodGet, "/v1/sessions/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Active)
	assert.EqualValues(t, 1, stats.Created)
}
