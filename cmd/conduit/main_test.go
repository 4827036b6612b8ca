package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/conduit/pkg/config"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine"
	"github.com/polisai/conduit/pkg/logging"
)

const testPipelines = `
pipelines:
  - id: greet
    steps:
      - name: shout
        type: replace
        config:
          find: hello
          replace: HELLO
        forwards:
          success: done
      - name: unused
        type: echo
        forwards:
          success: done
    exits:
      - name: done
        state: success
        code: 200
`

func writePipelines(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandReadsStdin(t *testing.T) {
	path := writePipelines(t, testPipelines)

	out, err := execute(t, "hello world", "run", "greet", "-p", path, "--run-id", "r-1")
	require.NoError(t, err)

	var resp engine.RunResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "r-1", resp.RunID)
	assert.Equal(t, "done", resp.Exit)
	assert.Equal(t, domain.StateSuccess, resp.State)
	assert.Equal(t, "HELLO world", resp.Message)
}

func TestRunCommandUnknownPipeline(t *testing.T) {
	path := writePipelines(t, testPipelines)
	_, err := execute(t, "", "run", "missing", "-p", path, "-m", "x")
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)
}

func TestValidateCommandReportsUnreachableSteps(t *testing.T) {
	path := writePipelines(t, testPipelines)

	out, err := execute(t, "", "validate", "-p", path)
	require.NoError(t, err)
	assert.Contains(t, out, "greet: unreachable steps: unused")
	assert.Contains(t, out, "ok: 1 pipeline(s)")
}

func TestValidateCommandRejectsUnknownStepType(t *testing.T) {
	path := writePipelines(t, strings.Replace(testPipelines, "type: echo", "type: teleport", 1))
	_, err := execute(t, "", "validate", "-p", path)
	assert.Error(t, err)
}

func TestGraphCommandWritesDOT(t *testing.T) {
	path := writePipelines(t, testPipelines)

	out, err := execute(t, "", "graph", "greet", "-p", path)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, `"shout"`)
}

func TestServerRoutesDataAndAdmin(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.File = writePipelines(t, testPipelines)
	logger := logging.NewLogger(logging.Config{Level: "error", Output: &bytes.Buffer{}})

	srv := newServer(cfg, logger)
	require.NoError(t, srv.loadPipelines(context.Background(), cfg.Pipeline, logger))

	rec := httptest.NewRecorder()
	srv.data.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pipelines/greet", strings.NewReader("hello")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "HELLO")

	rec = httptest.NewRecorder()
	srv.admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	srv.admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pipelines/greet/graph", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digraph")
}
