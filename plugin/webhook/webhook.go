// Package webhook adapts the teacher's generic webhook dispatcher into
// a service.Notifier: a SendNotification command (§6) is translated
// into a JSON POST to an operator-configured URL rather than the
// original's memo-activity payload. Post/PostAsync keep the teacher's
// request/response shape (marshal, POST with a bounded client timeout,
// reject non-2xx, then unmarshal a {message, code} envelope and treat
// a nonzero code as failure) since the wire contract is orthogonal to
// what's being notified about.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/kgatilin/aihive/task"
)

// timeout bounds a single webhook POST. Default 30 seconds, matching
// the teacher's dispatcher.
var timeout = 30 * time.Second

// RequestPayload is the JSON body posted to the webhook URL for one
// SendNotification command.
type RequestPayload struct {
	URL              string               `json:"url"`
	TaskID           string               `json:"task_id"`
	UserID           string               `json:"user_id,omitempty"`
	NotificationType task.NotificationType `json:"notification_type"`
	Content          string               `json:"content,omitempty"`
}

// Post posts requestPayload to its URL and treats a non-2xx status, or
// a nonzero response code in the {message, code} envelope, as failure.
func Post(requestPayload *RequestPayload) error {
	body, err := json.Marshal(requestPayload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal webhook request to %s", requestPayload.URL)
	}

	req, err := http.NewRequest(http.MethodPost, requestPayload.URL, bytes.NewBuffer(body))
	if err != nil {
		return errors.Wrapf(err, "failed to construct webhook request to %s", requestPayload.URL)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to post webhook to %s", requestPayload.URL)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read webhook response from %s", requestPayload.URL)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("failed to post webhook %s, status code: %d, response body: %s", requestPayload.URL, resp.StatusCode, b)
	}

	if len(b) == 0 {
		return nil
	}
	response := &struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{}
	if err := json.Unmarshal(b, response); err != nil {
		return errors.Wrapf(err, "failed to unmarshal webhook response from %s", requestPayload.URL)
	}
	if response.Code != 0 {
		return errors.Errorf("received error code from webhook server %s, code %d, msg: %s", requestPayload.URL, response.Code, response.Message)
	}
	return nil
}

// PostAsync posts requestPayload without waiting for the response,
// logging failure since there is no caller left to return an error to.
func PostAsync(requestPayload *RequestPayload) {
	go func() {
		if err := Post(requestPayload); err != nil {
			slog.Warn("failed to dispatch webhook asynchronously",
				slog.String("url", requestPayload.URL),
				slog.String("task_id", requestPayload.TaskID),
				slog.Any("err", err))
		}
	}()
}

// Notifier is a service.Notifier that posts every SendNotification
// command to a single configured URL. It is the wired alternative to
// service.LoggingNotifier for deployments that want notifications
// delivered somewhere real without this engine owning a specific
// chat/email integration.
type Notifier struct {
	URL string
}

// NewNotifier builds a Notifier posting to url.
func NewNotifier(url string) *Notifier {
	return &Notifier{URL: url}
}

// Notify implements service.Notifier. The webhook call runs
// synchronously so retry.Controller's classify-then-retry wrapping
// around the SendNotification handler governs redelivery, rather than
// the fire-and-forget PostAsync the teacher uses for its own internal
// callers.
func (n *Notifier) Notify(_ context.Context, payload task.SendNotificationPayload) error {
	return Post(&RequestPayload{
		URL:              n.URL,
		TaskID:           payload.TaskID,
		UserID:           payload.UserID,
		NotificationType: payload.NotificationType,
		Content:          payload.Content,
	})
}
