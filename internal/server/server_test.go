// Copyright (C) 2026 Makerflow
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerflow/makerflow/internal/config"
	"github.com/makerflow/makerflow/internal/workflow/codec"
	"github.com/makerflow/makerflow/internal/workflow/database"
	"github.com/makerflow/makerflow/internal/workflow/engine"
	"github.com/makerflow/makerflow/internal/workflow/models"
	"github.com/makerflow/makerflow/internal/workflow/service"
)

func setupServer(t *testing.T, name string) *httptest.Server {
	testDBName := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(testDBName) })

	db, err := database.NewGormDB(&config.DatabaseConfig{Driver: "sqlite", Database: testDBName})
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")

	svc := service.New(db, codec.NewImporter(db, nil), nil)
	eng := engine.New(db, nil, nil, nil)
	srv := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, svc, eng, db)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// do issues a request with the maker identity headers and decodes the JSON
// response into out when it is non-nil.
func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}, out interface{}, headers ...string) *http.Response {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "maker-1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func workflowBody() map[string]interface{} {
	stepA, stepB, stepC := "local-a", "local-b", "local-c"
	return map[string]interface{}{
		"name":        "Birdhouse",
		"description": "Build a cedar birdhouse",
		"steps": []map[string]interface{}{
			{"id": stepA, "name": "Prepare", "display_order": 1, "step_type": "instruction",
				"outgoing_connections": []map[string]interface{}{
					{"id": "conn-1", "source_step_id": stepA, "target_step_id": stepB, "connection_type": "sequential"},
				}},
			{"id": stepB, "name": "Assemble", "display_order": 2, "step_type": "instruction",
				"outgoing_connections": []map[string]interface{}{
					{"id": "conn-2", "source_step_id": stepB, "target_step_id": stepC, "connection_type": "sequential"},
				}},
			{"id": stepC, "name": "Done", "display_order": 3, "step_type": "outcome", "is_outcome": true},
		},
		"outcomes": []map[string]interface{}{
			{"id": "out-1", "name": "Done", "display_order": 1, "is_default": true},
		},
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	ts := setupServer(t, "test_http_lifecycle")

	var created models.Workflow
	resp := do(t, ts, http.MethodPost, "/api/v1/workflows", workflowBody(), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "maker-1", created.CreatedBy)

	resp = do(t, ts, http.MethodPost, "/api/v1/workflows/"+created.ID+"/publish",
		map[string]string{"visibility": "public"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var execution models.Execution
	resp = do(t, ts, http.MethodPost, "/api/v1/workflows/"+created.ID+"/executions", nil, &execution)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.ExecutionStatusActive, execution.Status)

	var guidance engine.Guidance
	resp = do(t, ts, http.MethodPost, "/api/v1/executions/"+execution.ID+"/complete", nil, &guidance)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, guidance.CurrentStep)
	assert.Equal(t, "Assemble", guidance.CurrentStep.Name)

	resp = do(t, ts, http.MethodGet, "/api/v1/executions/"+execution.ID+"/progress", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var history map[string]interface{}
	resp = do(t, ts, http.MethodGet, "/api/v1/executions/"+execution.ID+"/history", nil, &history)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, history["events"])
}

func TestErrorStatusMapping(t *testing.T) {
	ts := setupServer(t, "test_http_errors")

	// NotFound -> 404
	resp := do(t, ts, http.MethodGet, "/api/v1/workflows/no-such-id", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var created models.Workflow
	resp = do(t, ts, http.MethodPost, "/api/v1/workflows", workflowBody(), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Draft not runnable: BusinessRule -> 409
	resp = do(t, ts, http.MethodPost, "/api/v1/workflows/"+created.ID+"/executions", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Foreign private workflow: PermissionDenied -> 403
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/workflows/"+created.ID, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "someone-else")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusForbidden, raw.StatusCode)

	// Envelope export without superuser role -> 403
	resp = do(t, ts, http.MethodGet, "/api/v1/workflows/"+created.ID+"/export", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// With the role, the envelope comes back and can be re-imported.
	var env codec.Envelope
	resp = do(t, ts, http.MethodGet, "/api/v1/workflows/"+created.ID+"/export", nil, &env,
		"X-User-Role", "superuser")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result codec.ImportResult
	resp = do(t, ts, http.MethodPost, "/api/v1/workflows/import", env, &result,
		"X-User-Role", "superuser")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, created.ID, result.Workflow.ID)

	// Validation error payload carries the machine-readable kind.
	var errBody map[string]interface{}
	resp = do(t, ts, http.MethodPost, "/api/v1/executions/nope/navigate",
		map[string]string{"step_id": ""}, &errBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
