package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lsmtree/pkg/chunkstore/btfile"
	"lsmtree/pkg/config"
	"lsmtree/pkg/lsm"
	"lsmtree/pkg/txn"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *lsm.Tree) {
	t.Helper()
	dir := t.TempDir()
	store, err := btfile.New(dir, nil)
	require.NoError(t, err)

	cfg := config.Default().Tree
	cfg.Name = "api"
	cfg.Dir = dir
	cfg.Workers = 2

	txns := txn.NewRegistry()
	tree, err := lsm.Open(cfg, lsm.Deps{Store: store, Txns: txns})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tree.Close(ctx)
	})

	return NewServer(tree, txns, "0"), tree
}

func TestServerRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	do := func(method, path, body string) (*httptest.ResponseRecorder, Response) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		router.ServeHTTP(rec, req)
		var resp Response
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return rec, resp
	}

	t.Run("Health", func(t *testing.T) {
		rec, resp := do("GET", "/health", "")
		require.Equal(t, 200, rec.Code)
		require.Equal(t, StatusOK, resp.Status)
	})

	t.Run("PutGet", func(t *testing.T) {
		rec, _ := do("PUT", "/keys/hello", "world")
		require.Equal(t, 200, rec.Code)

		rec, resp := do("GET", "/keys/hello", "")
		require.Equal(t, 200, rec.Code)
		require.Equal(t, "world", resp.Value)
	})

	t.Run("GetUnknownOption", func(t *testing.T) {
		rec, resp := do("GET", "/keys/hello?options=frobnicate", "")
		require.Equal(t, 400, rec.Code)
		require.Equal(t, StatusError, resp.Status)
	})

	t.Run("GetAtCheckpoint", func(t *testing.T) {
		rec, _ := do("GET", "/keys/hello?options=checkpoint=last", "")
		// nothing is stable yet, so the checkpoint view is empty
		require.Equal(t, 404, rec.Code)
	})

	t.Run("GetMissing", func(t *testing.T) {
		rec, resp := do("GET", "/keys/absent", "")
		require.Equal(t, 404, rec.Code)
		require.Equal(t, StatusError, resp.Status)
	})

	t.Run("Delete", func(t *testing.T) {
		do("PUT", "/keys/tmp", "x")
		rec, _ := do("DELETE", "/keys/tmp", "")
		require.Equal(t, 200, rec.Code)

		rec, _ = do("GET", "/keys/tmp", "")
		require.Equal(t, 404, rec.Code)
	})

	t.Run("Stats", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
		require.Equal(t, 200, rec.Code)
		var stats lsm.Stats
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
		require.Equal(t, "api", stats.Name)
		require.GreaterOrEqual(t, stats.Chunks, 1)
	})
}
