package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/client"
	"github.com/mickamy/notifybox/internal/api"
	"github.com/mickamy/notifybox/stores"
	"github.com/mickamy/notifybox/test/database"
)

func newServer(t *testing.T) (*client.Client, *stores.SQLiteStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := database.OpenSQLite(t)
	store := stores.NewSQLiteStore(db)
	router := api.NewRouter(api.Options{
		DB:        db,
		Dialect:   "sqlite",
		Publisher: notifybox.NewCoordinator(db, store, store),
		Tasks:     notifybox.NewTaskQueue(store, notifybox.TaskQueueOptions{}),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/"), store
}

func TestRegisterClaimComplete(t *testing.T) {
	t.Parallel()
	c, store := newServer(t)
	ctx := context.Background()
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	reg, err := c.Register(ctx, notifybox.RegisterRequest{PRInfoID: "9", Receiver: "ou_1", SendTime: &past, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.True(t, reg.Created)

	again, err := c.Register(ctx, notifybox.RegisterRequest{PRInfoID: "9", Receiver: "ou_1", SendTime: &past, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, reg.ID, again.ID)

	tasks, err := c.ClaimTasks(ctx, "bot-1", 10, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, reg.ID, tasks[0].ID)
	assert.True(t, tasks[0].SendTime.Equal(past))

	require.NoError(t, c.MarkTaskFailed(ctx, reg.ID, "chat unavailable"))
	task, err := store.GetTask(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskFailed, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	tasks, err = c.ClaimTasks(ctx, "bot-1", 10, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, c.MarkTaskSent(ctx, reg.ID))

	task, err = store.GetTask(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskSent, task.Status)

	err = c.MarkTaskFailed(ctx, reg.ID, "duplicate report")
	assert.ErrorIs(t, err, notifybox.ErrTaskNotClaimed)
}

func TestErrorsMapToSentinels(t *testing.T) {
	t.Parallel()
	c, _ := newServer(t)
	ctx := context.Background()

	err := c.MarkTaskSent(ctx, 404)
	assert.ErrorIs(t, err, notifybox.ErrTaskNotFound)

	_, err = c.ClaimTasks(ctx, "", 10, 5)
	assert.ErrorIs(t, err, notifybox.ErrInvalidArgument)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "InvalidParam", apiErr.Type)
	assert.Equal(t, "bot_id required", apiErr.Message)
}

func TestPublish(t *testing.T) {
	t.Parallel()
	c, store := newServer(t)
	ctx := context.Background()

	pub, err := c.Publish(ctx, notifybox.Result{PRNumber: 4, Repo: "acme/api", SecurityResult: json.RawMessage(`[]`)})
	require.NoError(t, err)

	r, err := store.GetResult(ctx, pub.ResultID)
	require.NoError(t, err)
	assert.Equal(t, "acme/api", r.Repo)
	assert.JSONEq(t, `[]`, string(r.SecurityResult))
}

func TestWorkerOverHTTP(t *testing.T) {
	t.Parallel()
	c, store := newServer(t)
	ctx := context.Background()
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, pr := range []string{"1", "2"} {
		_, err := c.Register(ctx, notifybox.RegisterRequest{PRInfoID: pr, Receiver: "ou_1", SendTime: &past})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var handled []string
	w := notifybox.NewWorker(c, notifybox.TaskHandlerFunc(func(_ context.Context, task notifybox.Task) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, task.PRInfoID)
		if task.PRInfoID == "2" {
			return errors.New("receiver blocked the bot")
		}
		return nil
	}), notifybox.WorkerOptions{ID: "bot-http"})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"1", "2"}, handled)

	first, err := store.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskSent, first.Status)
	second, err := store.GetTask(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, notifybox.TaskFailed, second.Status)
	require.NotNil(t, second.ErrorMsg)
	assert.Equal(t, "receiver blocked the bot", *second.ErrorMsg)
}

func TestNonJSONFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	err := client.New(srv.URL).MarkTaskSent(context.Background(), 1)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}
