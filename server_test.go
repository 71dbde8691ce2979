package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) (*app, *httptest.Server) {
	t.Helper()

	conf := &Config{
		ContentRoot: t.TempDir(),
		Database:    ":memory:",
	}
	applyDefaults(conf)

	a, err := newApp(conf, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	server := httptest.NewServer(newServer(a).handler())
	t.Cleanup(server.Close)
	return a, server
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestListReposEmpty(t *testing.T) {
	_, server := testServer(t)

	var body struct {
		Repos []repoResponse `json:"repos"`
	}
	resp := getJSON(t, server.URL+"/repos", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body.Repos)
}

func TestAddRepoValidation(t *testing.T) {
	_, server := testServer(t)

	resp, err := http.Post(server.URL+"/repos", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation", body.Error.Kind)
}

func TestAddRepoEnqueuesOperation(t *testing.T) {
	a, server := testServer(t)

	resp, err := http.Post(server.URL+"/repos", "application/json",
		strings.NewReader(`{"repo_url":"https://example.com/owner/content.git"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		OperationID string `json:"operation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.OperationID)

	// the runtime is not started in tests, the operation stays queued
	op, err := a.ops.Get(t.Context(), body.OperationID)
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, "repo_add", op.Type)
	assert.Equal(t, "queued", op.Status)

	var snap map[string]any
	opResp := getJSON(t, server.URL+"/operations/"+body.OperationID, &snap)
	assert.Equal(t, http.StatusOK, opResp.StatusCode)
	assert.Equal(t, body.OperationID, snap["id"])
}

func TestGetOperationNotFound(t *testing.T) {
	_, server := testServer(t)

	resp, err := http.Get(server.URL + "/operations/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveUnknownRepo(t *testing.T) {
	_, server := testServer(t)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/repos/abcdef123456", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPackCommandUnknown(t *testing.T) {
	_, server := testServer(t)

	resp, err := http.Post(server.URL+"/packs", "application/json",
		strings.NewReader(`{"command":"bogus","repo_url":"https://example.com/o/r.git","ref":"main"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, server := testServer(t)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
