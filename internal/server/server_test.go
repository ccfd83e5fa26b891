package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/dashdag/internal/builtins"
	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/registry"
	"github.com/rpattn/dashdag/internal/transformations"
)

func statsEndpoint() domain.Endpoint {
	return domain.Endpoint{
		Description: "Summary statistics",
		Graph: domain.Graph{
			"total": domain.CallFunc("builtin.sum", []any{domain.RequiredParam("values")}, nil),
			"count": domain.CallFunc("builtin.len", []any{domain.Var("values")}, nil),
			"values": domain.RequiredParam("values"),
		},
		Exports: map[string]domain.Export{
			"total": {Returns: "total", Parameters: []string{"values"}},
			"count": {Returns: "count", Parameters: []string{"values"}},
		},
	}
}

func scoresEndpoint() domain.Endpoint {
	return domain.Endpoint{
		Graph: domain.Graph{
			"scores": domain.SelectFields(
				domain.KeysFor("scores", domain.ScopeOf("id", domain.RequiredParam("ids"), "")),
				map[string]string{"score": "score"},
			),
		},
		Exports: map[string]domain.Export{"scores": {Returns: "scores", Parameters: []string{"ids"}}},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterModules(builtins.Module{}))
	store := kvstore.NewMemory(nil)
	ns := module.New("graphs", transformations.NewExecutor(reg, store))
	require.NoError(t, ns.Bind(map[string]domain.Endpoint{"stats": statsEndpoint(), "scores": scoresEndpoint()}))

	srv := New(ns, reg, store, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		DefaultMode:    transformations.ModePublic,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &decoded), string(data))
	}
	return resp, decoded
}

func TestHealthAndList(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, ts, http.MethodGet, "/api/graphs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "graphs", body["namespace"])
	graphs := body["graphs"].([]any)
	require.Len(t, graphs, 2)
	assert.Equal(t, "stats", graphs[1].(map[string]any)["name"])
	assert.Equal(t, "graphs.stats", graphs[1].(map[string]any)["function"])
}

func TestExecute(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/graphs/stats/execute", `{"parameters": {"values": [1, 2, 3]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"total": float64(6), "count": float64(3)}, body["results"])
	assert.NotContains(t, body, "failed")

	resp, body = do(t, ts, http.MethodPost, "/api/graphs/stats/execute", `{"parameters": {"values": [1]}, "exports": ["count"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"count": float64(1)}, body["results"])
}

func TestExecute_FailedExportsAreReported(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/api/graphs/stats/execute", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"count", "total"}, body["failed"])

	results := body["results"].(map[string]any)
	total := results["total"].(map[string]any)
	assert.Equal(t, "upstream", total["kind"])
	assert.NotContains(t, total, "trace")
	cause := total["cause"].(map[string]any)
	assert.Equal(t, "missing_parameter", cause["kind"])
}

func TestExecute_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown graph", "/api/graphs/nope/execute", `{}`, http.StatusNotFound},
		{"unknown export", "/api/graphs/stats/execute", `{"exports": ["nope"]}`, http.StatusNotFound},
		{"bad mode", "/api/graphs/stats/execute", `{"mode": "verbose"}`, http.StatusBadRequest},
		{"bad body", "/api/graphs/stats/execute", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestFlattenedAndValidate(t *testing.T) {
	ts := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/api/graphs/stats/flattened", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dag := body["execution_dag"].(map[string]any)
	assert.Contains(t, dag, "impl.total.args.0")
	assert.Equal(t, "variable", dag["total"].(map[string]any)["args"].([]any)[0].(map[string]any)["dispatch"])

	resp, body = do(t, ts, http.MethodGet, "/api/graphs/stats/validate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_valid"])

	resp, _ = do(t, ts, http.MethodGet, "/api/graphs/nope/flattened", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportRoute(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/graphs/stats/exports/total/csv", strings.NewReader(`{"parameters": {"values": [2, 2]}}`))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "value\n4\n", string(data))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/graphs/stats/execute", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIngestThenSelect(t *testing.T) {
	ts := newTestServer(t)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	require.NoError(t, mw.WriteField("dimensions", "id"))
	file, err := mw.CreateFormFile("file", "scores.csv")
	require.NoError(t, err)
	_, err = file.Write([]byte("id,score\n1,9\n2,4\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/state/scores", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, float64(2), summary["storedRows"])

	execResp, body := do(t, ts, http.MethodPost, "/api/graphs/scores/execute", `{"parameters": {"ids": [2, 1, 3]}}`)
	require.Equal(t, http.StatusOK, execResp.StatusCode)
	assert.Equal(t, map[string]any{"scores": []any{
		map[string]any{"score": float64(4)},
		map[string]any{"score": float64(9)},
		map[string]any{"score": nil},
	}}, body["results"])
}
