package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/kiteexec/internal/config"
	"github.com/gregtusar/kiteexec/pkg/cancel"
	"github.com/gregtusar/kiteexec/pkg/engine"
	"github.com/gregtusar/kiteexec/pkg/kite"
	"github.com/gregtusar/kiteexec/pkg/router"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, secret string) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Trading.DryRun = true
	cfg.Trading.DefaultExchange = "NSE"
	cfg.Trading.DefaultProduct = "CNC"
	cfg.Trading.SwarmInterval = time.Millisecond
	cfg.Database.Path = filepath.Join(dir, "registry.db")
	cfg.Integrity.BaselinePath = filepath.Join(dir, "integrity.json")

	eng, err := engine.New(context.Background(), cfg, logger, engine.WithBroker(kite.NewPaperBroker(logger)))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Stop(context.Background()) })
	return NewServer(eng, logger, 0, secret)
}

func do(t *testing.T, s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	rec := do(t, s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "simulated", body["mode"])
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestServer(t, "")

	rec := do(t, s, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "infy", "side": "buy", "quantity": 5, "price": "1400", "strategy_id": "momo",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	placed := decode[router.Result](t, rec)
	assert.Equal(t, "open", string(placed.Status))

	rec = do(t, s, http.MethodGet, `/api/orders?where=symbol+%3D%3D+%22INFY%22`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[[]orderView](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, placed.OrderID, listed[0].OrderID)
	assert.Equal(t, "NSE", listed[0].Exchange)
	assert.Equal(t, "CNC", listed[0].Product)
	assert.Equal(t, "LIMIT", string(listed[0].Type))

	rec = do(t, s, http.MethodPatch, "/api/orders/"+placed.OrderID, map[string]any{"price": "1401.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/orders/"+placed.OrderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[orderView](t, rec)
	assert.Equal(t, 1, got.ModificationCount)
	assert.Equal(t, "1401.5", got.Price.String())

	rec = do(t, s, http.MethodDelete, "/api/orders/"+placed.OrderID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", string(decode[router.Result](t, rec).Status))

	rec = do(t, s, http.MethodPatch, "/api/orders/"+placed.OrderID, map[string]any{"price": "1402"})
	assert.Equal(t, http.StatusConflict, rec.Code, "modifying a cancelled order")
}

func TestOrderErrors(t *testing.T) {
	s := newTestServer(t, "")

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/orders/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/orders?where=symbol+%3D%3D", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/orders", map[string]any{"symbol": "INFY"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, s, http.MethodPost, "/api/orders", map[string]any{
		"symbol": "INFY", "side": "HOLD", "quantity": 1,
	}).Code)
}

func TestBulkCancel_ProtectedGuard(t *testing.T) {
	s := newTestServer(t, "")

	for _, order := range []map[string]any{
		{"symbol": "INFY", "side": "BUY", "quantity": 1, "price": "1400", "role": "entry"},
		{"symbol": "INFY", "side": "SELL", "quantity": 1, "price": "1300", "type": "SL", "trigger_price": "1305", "role": "stop_loss"},
	} {
		rec := do(t, s, http.MethodPost, "/api/orders", order)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(t, s, http.MethodPost, "/api/cancel", map[string]any{"all": true, "include_protected": true})
	assert.Equal(t, http.StatusConflict, rec.Code, "one flag is not enough")

	rec = do(t, s, http.MethodPost, "/api/cancel", map[string]any{"nonessential": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[cancel.Report](t, rec).Cancelled)

	rec = do(t, s, http.MethodPost, "/api/cancel", map[string]any{"all": true, "include_protected": true, "confirm": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[cancel.Report](t, rec).Cancelled)

	rec = do(t, s, http.MethodPost, "/api/cancel", map[string]any{"all": true, "where": "true"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "two selectors")
}

func TestJobs(t *testing.T) {
	s := newTestServer(t, "")

	rec := do(t, s, http.MethodPost, "/api/jobs", map[string]any{
		"type":   "scale",
		"params": map[string]any{"symbol": "INFY", "side": "BUY", "quantity": 1, "count": 3},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/jobs", map[string]any{
		"type":   "swarm",
		"params": map[string]any{"symbol": "INFY", "side": "BUY", "quantity": 10, "count": 3},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[jobView](t, rec)
	assert.Equal(t, "swarm", string(job.Type))

	rec = do(t, s, http.MethodGet, "/api/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]jobView](t, rec), 1)

	rec = do(t, s, http.MethodDelete, "/api/jobs/"+job.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[jobView](t, rec).State.IsTerminal())

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/jobs/swarm-missing", nil).Code)
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, "s3cret")

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/health", nil).Code, "health stays open")
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/orders", nil).Code)

	bad, err := IssueToken("other", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/orders", nil, "Authorization", "Bearer "+bad).Code)

	expired, err := IssueToken("s3cret", "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/orders", nil, "Authorization", "Bearer "+expired).Code)

	good, err := IssueToken("s3cret", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/orders", nil, "Authorization", "Bearer "+good).Code)
}

func TestLimitsAndReconcile(t *testing.T) {
	s := newTestServer(t, "")

	rec := do(t, s, http.MethodGet, "/api/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 4)

	rec = do(t, s, http.MethodPost, "/api/reconcile", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
