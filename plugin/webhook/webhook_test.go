package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgatilin/aihive/plugin/webhook"
	"github.com/kgatilin/aihive/task"
)

func TestPostSucceedsOn2xxWithEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhook.RequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "task-1", body.TaskID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := webhook.Post(&webhook.RequestPayload{URL: srv.URL, TaskID: "task-1"})
	assert.NoError(t, err)
}

func TestPostFailsOnNonZeroResponseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 7, "message": "rejected"})
	}))
	defer srv.Close()

	err := webhook.Post(&webhook.RequestPayload{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestPostFailsOnNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := webhook.Post(&webhook.RequestPayload{URL: srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code: 500")
}

func TestNotifierPostsSendNotificationPayload(t *testing.T) {
	received := make(chan webhook.RequestPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhook.RequestPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := webhook.NewNotifier(srv.URL)
	err := n.Notify(context.Background(), task.SendNotificationPayload{
		TaskID:           "task-2",
		NotificationType: task.NotificationDueDatePassed,
		Content:          "overdue",
	})
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "task-2", body.TaskID)
	assert.Equal(t, task.NotificationDueDatePassed, body.NotificationType)
	assert.Equal(t, "overdue", body.Content)
}
