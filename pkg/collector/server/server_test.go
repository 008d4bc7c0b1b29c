package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/lucid-vigil/warden/pkg/collector/store"
	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "collector.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.CollectorConfig{
		ListenAddr:           ":0",
		JWTSecret:            "test-signing-secret",
		OperatorUser:         "admin",
		OperatorPasswordHash: string(hash),
	}
	return NewServer(cfg, st, zerolog.Nop()), st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func enroll(t *testing.T, handler http.Handler) (string, string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/agents/enroll",
		map[string]string{"hostname": "web01", "ip_address": "10.0.0.5", "os_name": "debian"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		AgentUUID string `json:"agent_uuid"`
		APIKey    string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AgentUUID, resp.APIKey
}

func TestEnrollIssuesCredentialsOnce(t *testing.T) {
	srv, st := newTestServer(t)
	handler := srv.Router()

	agentUUID, apiKey := enroll(t, handler)
	assert.Len(t, apiKey, 64, "32 random bytes hex encoded")

	agent, err := st.AgentByUUID(context.Background(), agentUUID)
	require.NoError(t, err)
	assert.True(t, agent.IsActive)
	assert.NotEqual(t, apiKey, agent.APIKeyHash, "only the hash is stored")
	assert.Len(t, agent.APIKeyHash, 64)
}

func TestEnrollRequiresHostname(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/agents/enroll",
		map[string]string{"os_name": "debian"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventIngestion(t *testing.T) {
	srv, st := newTestServer(t)
	handler := srv.Router()
	agentUUID, apiKey := enroll(t, handler)

	creds := map[string]string{
		dispatch.HeaderAgentUUID: agentUUID,
		dispatch.HeaderAPIKey:    apiKey,
	}
	event := map[string]interface{}{
		"event_type": "failed_login",
		"username":   "root",
		"source_ip":  "203.0.113.9",
	}

	t.Run("ValidCredentialsStoreTheEvent", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/security_logs", event, creds)
		require.Equal(t, http.StatusAccepted, rec.Code)

		n, err := st.CountEvents(context.Background(), "security_logs")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("WrongKeyRejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/security_logs", event, map[string]string{
			dispatch.HeaderAgentUUID: agentUUID,
			dispatch.HeaderAPIKey:    "wrong",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("MissingHeadersRejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/security_logs", event, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("RevokedAgentRejected", func(t *testing.T) {
		require.NoError(t, st.SetAgentActive(context.Background(), agentUUID, false))
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/security_logs", event, creds)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NoError(t, st.SetAgentActive(context.Background(), agentUUID, true))
	})

	t.Run("NonJSONBodyRejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/security_logs", bytes.NewBufferString("not json"))
		for k, v := range creds {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOperatorLoginAndAgentListing(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()
	agentUUID, apiKey := enroll(t, handler)

	t.Run("ListingWithoutTokenRejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("BadPasswordRejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/login",
			map[string]string{"username": "admin", "password": "wrong"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/login",
		map[string]string{"username": "admin", "password": "hunter2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var login map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login["token"])

	t.Run("ListingShowsLiveness", func(t *testing.T) {
		// The agent has not reported yet.
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil,
			map[string]string{"Authorization": "Bearer " + login["token"]})
		require.Equal(t, http.StatusOK, rec.Code)

		var views []map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 1)
		assert.Equal(t, agentUUID, views[0]["agent_uuid"])
		assert.Equal(t, "Disconnected", views[0]["status"])

		// One authenticated report flips it to Connected.
		doJSON(t, handler, http.MethodPost, "/api/v1/system_stats",
			map[string]string{"hostname": "web01"}, map[string]string{
				dispatch.HeaderAgentUUID: agentUUID,
				dispatch.HeaderAPIKey:    apiKey,
			})
		rec = doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil,
			map[string]string{"Authorization": "Bearer " + login["token"]})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		assert.Equal(t, "Connected", views[0]["status"])
	})

	t.Run("GarbageTokenRejected", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil,
			map[string]string{"Authorization": "Bearer not.a.token"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
