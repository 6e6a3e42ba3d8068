package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/internal/api"
	"github.com/mickamy/notifybox/internal/metrics"
	"github.com/mickamy/notifybox/stores"
	"github.com/mickamy/notifybox/test/database"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type response struct {
	RespCode int             `json:"resp_code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	Error    *struct {
		Type    string  `json:"type"`
		Message string  `json:"message"`
		Hint    *string `json:"hint"`
	} `json:"error"`
}

type fixture struct {
	router http.Handler
	store  *stores.SQLiteStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := database.OpenSQLite(t)
	store := stores.NewSQLiteStore(db)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	router := api.NewRouter(api.Options{
		DB:        db,
		Dialect:   "sqlite",
		Publisher: notifybox.NewCoordinator(db, store, store),
		Tasks:     notifybox.NewTaskQueue(m.Tasks(store), notifybox.TaskQueueOptions{}),
		Metrics:   m,
		Gatherer:  reg,
	})
	return fixture{router: router, store: store}
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 200, resp.RespCode)
	assert.Equal(t, "ok", resp.Message)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "SQLITE", data["db_mode"])
	assert.Equal(t, "ok", data["db"])
	assert.NotEmpty(t, data["time"])
}

type downDB struct{}

func (downDB) PingContext(context.Context) error { return errors.New("connection refused") }

func TestHealthzDatabaseDown(t *testing.T) {
	t.Parallel()
	router := api.NewRouter(api.Options{DB: downDB{}, Dialect: "mysql"})

	code, resp := do(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InternalError", resp.Error.Type)
}

func TestRegisterTaskIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	body := `{"pr_info_id":"42","receiver":"ou_1","send_time":"2024-01-01T08:00:00Z","idempotency_key":"k-1"}`

	code, resp := do(t, f.router, http.MethodPost, "/api/tasks/register", body)
	require.Equal(t, http.StatusOK, code)
	var first notifybox.Registration
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	assert.True(t, first.Created)
	assert.Equal(t, notifybox.TaskPending, first.Status)

	code, resp = do(t, f.router, http.MethodPost, "/api/tasks/register", body)
	require.Equal(t, http.StatusOK, code)
	var second notifybox.Registration
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
}

func TestRegisterTaskDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodPost, "/api/tasks/register",
		`{"pr_info_id":7,"receiver":"ou_2","send_time":"2024-03-04T05:06:07"}`)
	require.Equal(t, http.StatusOK, code)
	var reg notifybox.Registration
	require.NoError(t, json.Unmarshal(resp.Data, &reg))

	task, err := f.store.GetTask(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "7", task.PRInfoID)
	assert.Equal(t, "ai-review-notice", task.TemplateID)
	require.NotNil(t, task.IdemKey)
	assert.Equal(t, "7-2024-03-04T05:06:07", *task.IdemKey)
	assert.True(t, task.SendTime.Equal(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)))
}

func TestRegisterTaskInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := map[string]string{
		"missing receiver": `{"pr_info_id":"1"}`,
		"missing pr":       `{"receiver":"ou_1"}`,
		"bad send time":    `{"pr_info_id":"1","receiver":"ou_1","send_time":"tomorrow"}`,
		"malformed":        `{"pr_info_id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, resp := do(t, f.router, http.MethodPost, "/api/tasks/register", body)
			assert.Equal(t, http.StatusBadRequest, code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, 400, resp.RespCode)
			assert.Equal(t, "InvalidParam", resp.Error.Type)
		})
	}
}

func TestClaimAndComplete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, _ := do(t, f.router, http.MethodPost, "/api/tasks/register",
		`{"pr_info_id":"1","receiver":"ou_1","send_time":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, code)

	code, resp := do(t, f.router, http.MethodPost, "/internal/tasks/claim", `{"bot_id":"bot-a"}`)
	require.Equal(t, http.StatusOK, code)
	var claimed struct {
		Tasks []notifybox.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &claimed))
	require.Len(t, claimed.Tasks, 1)
	task := claimed.Tasks[0]
	assert.Equal(t, notifybox.TaskInProgress, task.Status)
	require.NotNil(t, task.Claimer)
	assert.Equal(t, "bot-a", *task.Claimer)

	code, resp = do(t, f.router, http.MethodPost, "/internal/tasks/claim", `{"bot_id":"bot-b","limit":5}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"tasks":[]}`, string(resp.Data))

	body, err := json.Marshal(map[string]any{"id": task.ID, "status": "sent"})
	require.NoError(t, err)
	code, resp = do(t, f.router, http.MethodPost, "/internal/tasks/complete", string(body))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"id":`+jsonInt(task.ID)+`,"status":"sent"}`, string(resp.Data))

	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskSent, stored.Status)
}

func TestClaimRequiresBotID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodPost, "/internal/tasks/claim", `{"limit":3}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "bot_id required", resp.Error.Message)
}

func TestCompleteErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodPost, "/internal/tasks/complete", `{"id":999,"status":"failed","error_msg":"x"}`)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NotFound", resp.Error.Type)

	code, resp = do(t, f.router, http.MethodPost, "/internal/tasks/complete", `{"id":1,"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidParam", resp.Error.Type)
}

func TestCompleteUnclaimedTaskConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodPost, "/api/tasks/register",
		`{"pr_info_id":"5","receiver":"ou_1","send_time":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, code)
	var reg notifybox.Registration
	require.NoError(t, json.Unmarshal(resp.Data, &reg))

	body := `{"id":` + jsonInt(reg.ID) + `,"status":"sent"}`
	code, resp = do(t, f.router, http.MethodPost, "/internal/tasks/complete", body)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Conflict", resp.Error.Type)

	code, _ = do(t, f.router, http.MethodPost, "/internal/tasks/claim", `{"bot_id":"bot-a"}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, f.router, http.MethodPost, "/internal/tasks/complete", body)
	require.Equal(t, http.StatusOK, code)

	code, resp = do(t, f.router, http.MethodPost, "/internal/tasks/complete",
		`{"id":`+jsonInt(reg.ID)+`,"status":"failed","error_msg":"late"}`)
	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 409, resp.RespCode)

	task, err := f.store.GetTask(context.Background(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskSent, task.Status)
}

func TestPublishResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	code, resp := do(t, f.router, http.MethodPost, "/api/results",
		`{"pr_number":12,"repo":"acme/api","branch":"main","summary_result":{"score":3}}`)
	require.Equal(t, http.StatusOK, code)
	var pub notifybox.Publication
	require.NoError(t, json.Unmarshal(resp.Data, &pub))
	assert.Positive(t, pub.ResultID)

	entry, err := f.store.GetEntry(context.Background(), pub.EntryID)
	require.NoError(t, err)
	assert.Equal(t, notifybox.StatusReady, entry.Status)
	assert.Equal(t, pub.ResultID, entry.AggregateID)

	code, resp = do(t, f.router, http.MethodPost, "/api/results", `{"pr_number":0,"repo":"acme/api"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidParam", resp.Error.Type)
}

type brokenTasks struct {
	notifybox.TaskStore
}

func (brokenTasks) ClaimTasks(context.Context, string, int, int) ([]notifybox.Task, error) {
	return nil, errors.New("deadlock found")
}

func TestStorageFailureIsInternalError(t *testing.T) {
	t.Parallel()
	router := api.NewRouter(api.Options{
		DB:    downDB{},
		Tasks: notifybox.NewTaskQueue(brokenTasks{}, notifybox.TaskQueueOptions{}),
	})

	code, resp := do(t, router, http.MethodPost, "/internal/tasks/claim", `{"bot_id":"bot-a"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 500, resp.RespCode)
	assert.Equal(t, "InternalError", resp.Error.Type)
	assert.NotContains(t, resp.Error.Message, "deadlock")
}

func TestMetricsAndRequestID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", bytes.NewReader(nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `notifybox_http_duration_seconds_count{method="GET",path="/healthz",status="200"}`)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
