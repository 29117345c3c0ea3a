package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/task"
	"github.com/therealutkarshpriyadarshi/suberase/internal/webhook"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

var (
	testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("api-test-signing-key"))
	testWebhookToken  = "fal-callback-token"
)

func (ta *testAPI) replicateCallback(t *testing.T, body []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()

	now := time.Now()
	sig, err := webhook.Sign(secret, "msg_1", now, body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("webhook-id", "msg_1")
	req.Header.Set("webhook-timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("webhook-signature", sig)

	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func TestProviderCallback_Replicate(t *testing.T) {
	ta := setupTestAPI(t)

	ta.tasks.On("HandleCallback", mock.Anything, "replicate", "pred-1").Return(&task.StatusReport{
		Task: &models.Task{ID: "task-1", Status: models.TaskStatusCompleted},
	}, nil)

	w := ta.replicateCallback(t, []byte(`{"id":"pred-1","status":"succeeded"}`), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp["status"])
	assert.Equal(t, "task-1", resp["taskId"])
}

func TestProviderCallback_BadSignature(t *testing.T) {
	ta := setupTestAPI(t)

	other := "whsec_" + base64.StdEncoding.EncodeToString([]byte("someone-else"))
	w := ta.replicateCallback(t, []byte(`{"id":"pred-1","status":"succeeded"}`), other)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	ta.tasks.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything, mock.Anything)
}

func TestProviderCallback_Fal(t *testing.T) {
	ta := setupTestAPI(t)

	ta.tasks.On("HandleCallback", mock.Anything, "fal", "req-9").Return(&task.StatusReport{
		Task: &models.Task{ID: "task-2", Status: models.TaskStatusFailed},
	}, nil)

	body := []byte(`{"request_id":"req-9","status":"ERROR"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fal?token="+testWebhookToken, bytes.NewReader(body))
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "failed")
}

func TestProviderCallback_FalWrongToken(t *testing.T) {
	ta := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fal?token=guess", bytes.NewReader([]byte(`{"request_id":"req-9"}`)))
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProviderCallback_UnknownProvider(t *testing.T) {
	ta := setupTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/runway", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProviderCallback_Malformed(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.replicateCallback(t, []byte(`{"status":"succeeded"}`), testWebhookSecret)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviderCallback_UnknownPredictionIsAcknowledged(t *testing.T) {
	ta := setupTestAPI(t)

	ta.tasks.On("HandleCallback", mock.Anything, "replicate", "pred-x").Return(nil, task.ErrNotFound)

	w := ta.replicateCallback(t, []byte(`{"id":"pred-x","status":"succeeded"}`), testWebhookSecret)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestProviderCallback_UpstreamErrorAsksForRedelivery(t *testing.T) {
	ta := setupTestAPI(t)

	ta.tasks.On("HandleCallback", mock.Anything, "replicate", "pred-1").
		Return(nil, errors.Join(task.ErrUpstream, errors.New("timeout")))

	w := ta.replicateCallback(t, []byte(`{"id":"pred-1","status":"succeeded"}`), testWebhookSecret)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProviderCallback_DisabledWithoutVerifier(t *testing.T) {
	ta := setupTestAPI(t)

	router := setupRouter(&API{tasks: ta.tasks, logger: logging.Nop()}, routeLimits{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/replicate", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
