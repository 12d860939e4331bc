package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/config"
	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/health"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/proxy"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"github.com/devrev/pairdb/viewbuilder/internal/viewupdate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var usersTable = config.TableConfig{
	Keyspace: "ks",
	Name:     "users",
	Columns:  []string{"city", "name"},
	Views: []config.ViewConfig{
		{Name: "users_by_city", KeyColumn: "city", IncludeColumns: []string{"name"}},
	},
}

type testNode struct {
	server    *AdminServer
	tables    *table.Registry
	generator *viewupdate.Generator
	health    *health.HealthChecker
}

type fakePeers map[string]model.HealthStatus

func (p fakePeers) PeerBacklogs() map[string]model.HealthStatus {
	return p
}

func newTestNode(t *testing.T, mutate func(*AdminServerConfig)) *testNode {
	t.Helper()

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	dataDir := t.TempDir()

	tables := table.NewRegistry()
	schemas := append([]*model.Schema{usersTable.Schema()}, usersTable.ViewSchemas()...)
	for _, schema := range schemas {
		tbl, err := table.Open(&table.Config{DataDir: dataDir, Schema: schema, BloomFilterFP: 0.01}, logger)
		require.NoError(t, err)
		require.NoError(t, tables.Add(tbl))
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "view-writer", MaxWorkers: 2, QueueSize: 8, Logger: logger})
	t.Cleanup(func() { pool.Stop(time.Second) })

	writer := proxy.NewLocalViewWriter(tables, pool, m, logger)
	generator := viewupdate.NewGenerator(
		&viewupdate.Config{RegistrationQueueSize: 5, FailureRetryDelay: 10 * time.Millisecond},
		writer,
		viewupdate.SSTableRowReaderFactory{},
		viewupdate.NewViewUpdatingConsumerFactory(viewupdate.DefaultRowBatchSize, m, logger),
		m,
		logger,
	)
	require.NoError(t, generator.Start())
	t.Cleanup(generator.Stop)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:    "node-1",
		DataDir:   dataDir,
		Generator: generator,
		Metrics:   m,
	}, logger)

	cfg := &AdminServerConfig{
		NodeID:       "node-1",
		Host:         "127.0.0.1",
		MaxBodyBytes: 1 << 20,
		MaxRows:      100,
		Tables:       tables,
		Generator:    generator,
		Health:       checker,
		Pool:         pool,
		Gatherer:     reg,
		Metrics:      m,
	}
	if mutate != nil {
		mutate(cfg)
	}

	return &testNode{
		server:    NewAdminServer(cfg, logger),
		tables:    tables,
		generator: generator,
		health:    checker,
	}
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (n *testNode) table(t *testing.T, name string) *table.Table {
	t.Helper()
	tbl, ok := n.tables.Get(model.TableID{Keyspace: "ks", Name: name})
	require.True(t, ok)
	return tbl
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteStaging_BuildsViewRows(t *testing.T) {
	node := newTestNode(t, nil)

	rec := node.do(t, http.MethodPost, "/v1/tables/ks/users/staging", StagingWriteRequest{
		Rows: []*model.Row{
			{Key: "u2", Timestamp: 5, Columns: map[string][]byte{"city": []byte("rome"), "name": []byte("bob")}},
			{Key: "u1", Timestamp: 5, Columns: map[string][]byte{"city": []byte("paris"), "name": []byte("ann")}},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StagingWriteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ks.users", resp.Table)
	assert.Equal(t, 2, resp.Rows)
	assert.NotEmpty(t, resp.Generation)

	users := node.table(t, "users")
	require.Eventually(t, func() bool {
		live, err := users.LiveFiles()
		return err == nil && len(live) == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec = node.do(t, http.MethodGet, "/v1/tables/ks/users_by_city/rows/rome:u2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var row model.Row
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, "rome:u2", row.Key)
	assert.Equal(t, []byte("bob"), row.Columns["name"])

	rec = node.do(t, http.MethodGet, "/v1/tables/ks/users/rows/u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteStaging_RejectsBadInput(t *testing.T) {
	node := newTestNode(t, nil)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   storageerrors.ErrorCode
	}{
		{
			name:   "unknown table",
			path:   "/v1/tables/ks/orders/staging",
			body:   StagingWriteRequest{Rows: []*model.Row{{Key: "o1"}}},
			status: http.StatusNotFound,
			code:   storageerrors.ErrCodeTableNotFound,
		},
		{
			name:   "invalid table name",
			path:   "/v1/tables/ks/us-ers/staging",
			body:   StagingWriteRequest{Rows: []*model.Row{{Key: "u1"}}},
			status: http.StatusBadRequest,
			code:   storageerrors.ErrCodeInvalidName,
		},
		{
			name:   "empty batch",
			path:   "/v1/tables/ks/users/staging",
			body:   StagingWriteRequest{},
			status: http.StatusBadRequest,
			code:   storageerrors.ErrCodeInvalidArgument,
		},
		{
			name:   "unknown column",
			path:   "/v1/tables/ks/users/staging",
			body:   StagingWriteRequest{Rows: []*model.Row{{Key: "u1", Columns: map[string][]byte{"age": []byte("3")}}}},
			status: http.StatusBadRequest,
			code:   storageerrors.ErrCodeInvalidArgument,
		},
		{
			name:   "malformed body",
			path:   "/v1/tables/ks/users/staging",
			body:   "not an object",
			status: http.StatusBadRequest,
			code:   storageerrors.ErrCodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := node.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			resp := decodeError(t, rec)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.code, resp.ErrorCode)
			assert.NotEmpty(t, resp.RequestID)
		})
	}

	staged, err := node.table(t, "users").StagingFiles()
	require.NoError(t, err)
	assert.Empty(t, staged, "rejected writes leave no staging files")
}

func TestWriteStaging_AfterStopLeavesFileStaged(t *testing.T) {
	node := newTestNode(t, nil)
	node.generator.Stop()

	// registration after stop is ignored, the file stays in staging
	rec := node.do(t, http.MethodPost, "/v1/tables/ks/users/staging", StagingWriteRequest{
		Rows: []*model.Row{{Key: "u1", Columns: map[string][]byte{"city": []byte("oslo")}}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	staged, err := node.table(t, "users").StagingFiles()
	require.NoError(t, err)
	assert.Len(t, staged, 1)
}

func TestRefresh_RegistersFilesFoundInStaging(t *testing.T) {
	node := newTestNode(t, nil)
	users := node.table(t, "users")

	w, err := users.NewStagingWriter(1024)
	require.NoError(t, err)
	require.NoError(t, w.Write(&model.Row{Key: "u9", Timestamp: 1, Columns: map[string][]byte{"city": []byte("lima")}}))
	_, err = w.Finish()
	require.NoError(t, err)

	rec := node.do(t, http.MethodPost, "/v1/tables/ks/users/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Registered)

	require.Eventually(t, func() bool {
		staged, err := users.StagingFiles()
		return err == nil && len(staged) == 0
	}, 2*time.Second, 5*time.Millisecond)

	rec = node.do(t, http.MethodGet, "/v1/tables/ks/users_by_city/rows/lima:u9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLookupRow_NotFound(t *testing.T) {
	node := newTestNode(t, nil)

	rec := node.do(t, http.MethodGet, "/v1/tables/ks/users/rows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBacklog(t *testing.T) {
	peers := fakePeers{
		"node-2": {NodeID: "node-2", Status: model.NodeStatusDegraded, Backlog: model.ViewBacklog{QueuedFiles: 7}},
	}
	node := newTestNode(t, func(cfg *AdminServerConfig) { cfg.Peers = peers })

	rec := node.do(t, http.MethodGet, "/v1/backlog", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BacklogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "node-1", resp.NodeID)
	assert.True(t, resp.Backlog.Throttled)
	assert.Equal(t, 5, resp.Backlog.AvailablePermits)
	require.NotNil(t, resp.Writer)
	assert.Equal(t, 2, resp.Writer.MaxWorkers)
	assert.Equal(t, 7, resp.Peers["node-2"].Backlog.QueuedFiles)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	node := newTestNode(t, nil)
	node.health.RunChecks()

	rec := node.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = node.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	node.health.SetReadiness(false)
	rec = node.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = node.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "pairdb_view_update_registration_permits")
	assert.Contains(t, body, `route="/ready"`)
}

func TestRouting_Errors(t *testing.T) {
	node := newTestNode(t, nil)

	rec := node.do(t, http.MethodGet, "/v2/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "endpoint not found", decodeError(t, rec).Message)

	rec = node.do(t, http.MethodDelete, "/v1/backlog", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	node := newTestNode(t, func(cfg *AdminServerConfig) {
		cfg.RateLimit = 0.001
		cfg.RateBurst = 1
	})

	rec := node.do(t, http.MethodGet, "/v1/backlog", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = node.do(t, http.MethodGet, "/v1/backlog", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAdminServer_StartAndShutdown(t *testing.T) {
	node := newTestNode(t, nil)
	require.NoError(t, node.server.Start())

	resp, err := http.Get("http://" + node.server.Addr() + "/v1/backlog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, node.server.Shutdown(ctx))
}

func TestMiddleware_RequestIDAndRecovery(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := Chain(Recovery(zap.NewNop()), RequestID)(panicking)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.True(t, strings.Contains(rec.Body.String(), "internal server error"))
}
