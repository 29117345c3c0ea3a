package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

func submitted(t *testing.T, h *harness) *models.Task {
	t.Helper()
	task, err := h.svc.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	return task
}

func TestPoll_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		prediction provider.Prediction
		wantStatus string
		wantResult string
		wantError  string
		wantPhase  provider.Phase
	}{
		{
			name:       "succeeded with output",
			prediction: provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/clean.mp4"},
			wantStatus: models.TaskStatusCompleted,
			wantResult: "https://out.test/clean.mp4",
		},
		{
			name:       "succeeded without output keeps processing",
			prediction: provider.Prediction{Status: provider.StatusSucceeded},
			wantStatus: models.TaskStatusProcessing,
		},
		{
			name:       "failed with reason",
			prediction: provider.Prediction{Status: provider.StatusFailed, Error: "CUDA out of memory"},
			wantStatus: models.TaskStatusFailed,
			wantError:  "CUDA out of memory",
		},
		{
			name:       "failed without reason",
			prediction: provider.Prediction{Status: provider.StatusFailed},
			wantStatus: models.TaskStatusFailed,
			wantError:  "Processing failed",
		},
		{
			name:       "canceled",
			prediction: provider.Prediction{Status: provider.StatusCanceled},
			wantStatus: models.TaskStatusCanceled,
		},
		{
			name:       "still running",
			prediction: provider.Prediction{Status: provider.StatusProcessing, Logs: "frame 10/300\nRemoving subtitles"},
			wantStatus: models.TaskStatusProcessing,
			wantPhase:  provider.PhaseInpainting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			task := submitted(t, h)
			h.provider.setPrediction(tt.prediction)

			report, err := h.svc.Poll(context.Background(), "user-1", task.ID)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, report.Task.Status)
			assert.Equal(t, tt.wantResult, report.Task.ResultURL)
			assert.Equal(t, tt.wantError, report.Task.ErrorMessage)
			assert.Equal(t, tt.wantPhase, report.Phase)
			assert.Equal(t, tt.wantStatus, h.store.task(task.ID).Status)

			if models.IsTerminalStatus(tt.wantStatus) {
				assert.Zero(t, report.RetryAfter)
				assert.True(t, report.Terminal())
			} else {
				assert.Equal(t, 3*time.Second, report.RetryAfter)
				assert.Equal(t, tt.prediction.Logs, report.Logs)
			}
		})
	}
}

func TestPoll_TerminalIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	task := submitted(t, h)

	h.provider.setPrediction(provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/a.mp4"})
	first, err := h.svc.Poll(ctx, "user-1", task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, first.Task.Status)

	// Later provider answers never move a finished task.
	h.provider.setPrediction(provider.Prediction{Status: provider.StatusFailed, Error: "late failure"})
	for i := 0; i < 3; i++ {
		again, err := h.svc.Poll(ctx, "user-1", task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, again.Task.Status)
		assert.Equal(t, "https://out.test/a.mp4", again.Task.ResultURL)
	}

	assert.Equal(t, int32(1), h.provider.statusCalls.Load())
	assert.Equal(t, 1, h.store.finishes)
	assert.Equal(t, 90, h.store.balance("user-1"))
}

func TestPoll_TerminalWithoutCache(t *testing.T) {
	h := newHarness(t, false)
	task := h.store.put(&models.Task{
		UserID:       "user-1",
		Status:       models.TaskStatusFailed,
		ErrorMessage: "boom",
		PredictionID: "pred-9",
	})

	report, err := h.svc.Poll(context.Background(), "user-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, report.Task.Status)
	assert.Equal(t, int32(0), h.provider.statusCalls.Load())
}

func TestPoll_ProviderErrorReturnsStoredStatus(t *testing.T) {
	h := newHarness(t, false)
	task := submitted(t, h)
	h.provider.statusErr = errors.New("502 bad gateway")

	report, err := h.svc.Poll(context.Background(), "user-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, report.Task.Status)
	assert.Equal(t, 3*time.Second, report.RetryAfter)
	assert.Equal(t, models.TaskStatusProcessing, h.store.task(task.ID).Status)
}

func TestPoll_PendingTaskSkipsProvider(t *testing.T) {
	h := newHarness(t, false)
	task := h.store.put(&models.Task{UserID: "user-1", Status: models.TaskStatusPending})

	report, err := h.svc.Poll(context.Background(), "user-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, report.Task.Status)
	assert.Equal(t, 3*time.Second, report.RetryAfter)
	assert.Equal(t, int32(0), h.provider.statusCalls.Load())
}

func TestPoll_Ownership(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	task := submitted(t, h)

	h.provider.setPrediction(provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/a.mp4"})
	_, err := h.svc.Poll(ctx, "user-1", task.ID)
	require.NoError(t, err)

	// A cached snapshot is not visible to other users either.
	_, err = h.svc.Poll(ctx, "user-2", task.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Poll(ctx, "", task.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.Poll(ctx, "user-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoll_ConcurrentPollsShareOneProviderCall(t *testing.T) {
	h := newHarness(t, false)
	task := submitted(t, h)

	h.provider.setPrediction(provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/a.mp4"})
	h.provider.started = make(chan struct{}, 4)
	h.provider.gate = make(chan struct{})

	const pollers = 4
	reports := make([]*StatusReport, pollers)
	errs := make([]error, pollers)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], errs[0] = h.svc.Poll(context.Background(), "user-1", task.ID)
	}()
	<-h.provider.started

	for i := 1; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = h.svc.Poll(context.Background(), "user-1", task.ID)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(h.provider.gate)
	wg.Wait()

	for i := 0; i < pollers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, models.TaskStatusCompleted, reports[i].Task.Status)
	}
	assert.Equal(t, int32(1), h.provider.statusCalls.Load())
	assert.Equal(t, 1, h.store.finishes)

	// Callers get independent copies.
	reports[1].Task.ResultURL = "changed"
	assert.Equal(t, "https://out.test/a.mp4", reports[2].Task.ResultURL)
}

func TestRefresh_CallerCancellationDoesNotAbortSharedCall(t *testing.T) {
	h := newHarness(t, false)
	task := submitted(t, h)

	h.provider.setPrediction(provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/a.mp4"})
	h.provider.started = make(chan struct{}, 1)
	h.provider.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Refresh(ctx, h.store.task(task.ID))
		done <- err
	}()
	<-h.provider.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(h.provider.gate)
	require.Eventually(t, func() bool {
		return h.store.task(task.ID).Status == models.TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestHandleCallback(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	task := submitted(t, h)
	require.Equal(t, "pred-1", task.PredictionID)

	h.provider.setPrediction(provider.Prediction{Status: provider.StatusSucceeded, OutputURL: "https://out.test/cb.mp4"})

	report, err := h.svc.HandleCallback(ctx, "fake", "pred-1")
	require.NoError(t, err)
	assert.True(t, report.Terminal())
	assert.Equal(t, "https://out.test/cb.mp4", report.Task.ResultURL)
	assert.Equal(t, models.TaskStatusCompleted, h.store.task(task.ID).Status)

	// A redelivered callback is a no-op.
	again, err := h.svc.HandleCallback(ctx, "fake", "pred-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, again.Task.Status)
	assert.Equal(t, int32(1), h.provider.statusCalls.Load())
	assert.Equal(t, 1, h.store.finishes)
}

func TestHandleCallback_UnknownPrediction(t *testing.T) {
	h := newHarness(t, false)
	submitted(t, h)

	_, err := h.svc.HandleCallback(context.Background(), "fake", "pred-404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.HandleCallback(context.Background(), "other", "pred-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(0), h.provider.statusCalls.Load())
}

func TestHandleCallback_ProviderError(t *testing.T) {
	h := newHarness(t, false)
	task := submitted(t, h)
	h.provider.statusErr = errors.New("502 bad gateway")

	_, err := h.svc.HandleCallback(context.Background(), "fake", "pred-1")
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, models.TaskStatusProcessing, h.store.task(task.ID).Status)
}
