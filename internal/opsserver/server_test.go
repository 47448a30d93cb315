package opsserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	taskengine "github.com/aipilotbyjd/taskengine"
	"github.com/aipilotbyjd/taskengine/internal/platform/config"
	platmetrics "github.com/aipilotbyjd/taskengine/internal/platform/metrics"
	"github.com/aipilotbyjd/taskengine/internal/worker"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engine.PoolSize = 2
	cfg.Engine.MinThreads = 1
	cfg.Engine.MaxQueueSize = 50
	cfg.Engine.MaxTemporaryWorkers = 2
	cfg.Engine.FunctionCacheSize = 8
	cfg.Engine.CoalescingEnabled = true
	cfg.Engine.RetryMaxAttempts = 1

	eng, err := taskengine.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	m := platmetrics.NewMetrics("taskengine_opsserver_test_" + t.Name())
	s := New(Config{Addr: ":0"}, eng, "taskengine", "test", m, zap.NewNop().Sugar())
	s.RegisterTask("double", func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	})
	return s
}

func TestHealthzReturnsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteTaskUnknownNameReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/missing/execute", bytes.NewBufferString(`{}`))
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteTaskRunsRegisteredTask(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"args":[21]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/double/execute", body)
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "fulfilled", data["status"])
	assert.Equal(t, float64(42), data["value"])
}

func TestTurboMapRunsRegisteredTask(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"items":[1,2,3]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/double/map", body)
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data := env["data"].(map[string]interface{})
	items := data["items"].([]interface{})
	assert.Equal(t, []interface{}{float64(2), float64(4), float64(6)}, items)
}

func TestPoolStatsReturnsBothPools(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pools/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data := env["data"].(map[string]interface{})
	assert.Contains(t, data, "Normal")
	assert.Contains(t, data, "Generator")
}

func TestExecuteTaskRejectsMissingAPIKeyWhenConfigured(t *testing.T) {
	cfg := &config.Config{}
	cfg.Engine.PoolSize = 2
	cfg.Engine.MinThreads = 1
	cfg.Engine.MaxQueueSize = 50
	cfg.Engine.MaxTemporaryWorkers = 2
	cfg.Engine.FunctionCacheSize = 8
	cfg.Engine.RetryMaxAttempts = 1

	eng, err := taskengine.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret-key"), bcrypt.DefaultCost)
	require.NoError(t, err)

	m := platmetrics.NewMetrics("taskengine_opsserver_test_" + t.Name())
	s := New(Config{Addr: ":0", APIKeyHash: string(hash)}, eng, "taskengine", "test", m, zap.NewNop().Sugar())
	s.RegisterTask("double", func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/double/execute", bytes.NewBufferString(`{"args":[21]}`))
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/v1/tasks/double/execute", bytes.NewBufferString(`{"args":[21]}`))
	req2.Header.Set("Authorization", "Bearer secret-key")
	s.router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestTaskStreamForwardsYieldEvents(t *testing.T) {
	s := newTestServer(t)
	s.RegisterGeneratorTask("counter", func(ctx context.Context, args []interface{}, env map[string]interface{}, yield worker.Yielder) (interface{}, error) {
		for i := 1; i <= 3; i++ {
			if !yield(i) {
				return nil, nil
			}
		}
		return "done", nil
	})

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/tasks/counter/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []streamMessage
	for {
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
		if msg.Type != "yield" {
			break
		}
	}

	require.Len(t, got, 4)
	assert.Equal(t, "yield", got[0].Type)
	assert.Equal(t, float64(1), got[0].Value)
	assert.Equal(t, "yield", got[1].Type)
	assert.Equal(t, float64(2), got[1].Value)
	assert.Equal(t, "yield", got[2].Type)
	assert.Equal(t, float64(3), got[2].Value)
	assert.Equal(t, "return", got[3].Type)
	assert.Equal(t, "done", got[3].Value)
}

func TestRegisterTaskIsConcurrencySafe(t *testing.T) {
	s := newTestServer(t)
	done := make(chan struct{})
	go func() {
		s.RegisterTask("concurrent", func(ctx context.Context, args []interface{}, env map[string]interface{}) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()
	<-done
	_, ok := s.lookupTask("concurrent")
	assert.True(t, ok)
}
