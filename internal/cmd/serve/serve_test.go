package serve

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bartholomew/memkernel/internal/config"
	"github.com/bartholomew/memkernel/internal/kernel"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
)

func newTestRouter(t *testing.T) (*kernel.Kernel, http.Handler) {
	t.Helper()
	t.Setenv("BARTHO_EMBED_RELOAD", "1")

	k, err := kernel.Open(kernel.Options{
		DBPath:    filepath.Join(t.TempDir(), "mem.db"),
		EmbedDim:  32,
		Retrieval: retrieve.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	cfg := config.DefaultConfig()
	return k, buildRouter(k, &cfg)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestUpsertAndRetrieveRoundTrip(t *testing.T) {
	k, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/memories", map[string]any{
		"kind":  "chat",
		"key":   "k1",
		"value": "we discussed the lighthouse trip",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var up struct {
		ID     int64 `json:"id"`
		Stored bool  `json:"stored"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	require.True(t, up.Stored)
	require.Positive(t, up.ID)

	if !k.Store().FTS().Available() {
		t.Skip("fts5 unavailable in this sqlite3 build")
	}

	w = doJSON(t, router, http.MethodPost, "/v1/retrieve", map[string]any{
		"query": "lighthouse",
		"top_k": 5,
		"mode":  "fts",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var rr struct {
		Results []struct {
			ID   int64  `json:"id"`
			Kind string `json:"kind"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rr))
	require.Len(t, rr.Results, 1)
	require.Equal(t, up.ID, rr.Results[0].ID)
}

func TestDeleteEndpoint(t *testing.T) {
	_, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/memories", map[string]any{
		"kind": "chat", "key": "k1", "value": "to be removed",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/memories/chat/k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"deleted":true`)

	w = doJSON(t, router, http.MethodDelete, "/v1/memories/chat/k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"deleted":false`)
}

func TestBrakeEndpointsBlockWrites(t *testing.T) {
	_, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/brake/engage", map[string]any{
		"scopes": []string{"writes"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/memories", map[string]any{
		"kind": "chat", "key": "k1", "value": "refused",
	})
	require.Equal(t, http.StatusLocked, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/brake", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"engaged":true`)

	w = doJSON(t, router, http.MethodPost, "/v1/brake/disengage", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/memories", map[string]any{
		"kind": "chat", "key": "k1", "value": "accepted",
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUpsertRejectsMissingFields(t *testing.T) {
	_, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/memories", map[string]any{"kind": "chat"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
