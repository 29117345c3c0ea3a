package task

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/internal/tracing"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// defaultFailureMessage is stored when the provider fails without a reason
const defaultFailureMessage = "Processing failed"

// StatusReport is what a status poll returns
type StatusReport struct {
	Task *models.Task
	// Logs and Phase are progress hints for non-terminal tasks only
	Logs  string
	Phase provider.Phase
	// RetryAfter is how long the client should wait before polling again;
	// zero for terminal tasks.
	RetryAfter time.Duration
}

// Terminal reports whether the task reached a final state
func (r *StatusReport) Terminal() bool {
	return r.Task != nil && r.Task.IsTerminal()
}

func (s *Service) report(t *models.Task) *StatusReport {
	r := &StatusReport{Task: t}
	if !t.IsTerminal() {
		r.RetryAfter = s.opts.RetryAfter
	}
	return r
}

// Poll returns the status of a task owned by userID, advancing it when the
// provider reports progress. Provider errors never surface to the caller.
func (s *Service) Poll(ctx context.Context, userID, taskID string) (*StatusReport, error) {
	span, ctx := tracing.StartSpan(ctx, "task.poll")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "task_id", taskID)

	if userID == "" {
		return nil, ErrUnauthorized
	}

	if s.cache != nil {
		cached, err := s.cache.GetTask(ctx, taskID)
		if err != nil {
			s.logger.WithTaskID(taskID).WithError(err).Warn("Task cache read failed")
		}
		if cached != nil && cached.UserID == userID {
			return s.report(cached), nil
		}
	}

	t, err := s.store.GetTaskForUser(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}

	if t.IsTerminal() {
		s.cacheTask(ctx, t)
		return s.report(t), nil
	}
	if t.Status != models.TaskStatusProcessing || t.PredictionID == "" {
		return s.report(t), nil
	}

	r, err := s.Refresh(ctx, t)
	if err != nil {
		s.logger.WithTaskID(t.ID).WithError(err).Warn("Provider status check failed, returning stored status")
		return s.report(t), nil
	}
	return r, nil
}

// Refresh asks the provider about a processing task and applies any terminal
// transition. Concurrent refreshes of the same task share one provider call.
func (s *Service) Refresh(ctx context.Context, t *models.Task) (*StatusReport, error) {
	if t.Status != models.TaskStatusProcessing || t.PredictionID == "" {
		return s.report(t), nil
	}

	ch := s.polls.DoChan(t.ID, func() (interface{}, error) {
		// Detached so one caller going away does not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProviderTimeout)
		defer cancel()
		return s.refresh(rctx, t)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*StatusReport)
		out := *shared
		task := *shared.Task
		out.Task = &task
		return &out, nil
	}
}

func (s *Service) refresh(ctx context.Context, t *models.Task) (*StatusReport, error) {
	pred, err := s.provider.Status(ctx, t.PredictionID)
	if err != nil {
		return nil, err
	}

	switch {
	case pred.Status == provider.StatusSucceeded && pred.OutputURL != "":
		done, err := s.finish(ctx, t, models.TaskStatusCompleted, pred.OutputURL, "")
		if err != nil {
			return nil, err
		}
		return s.report(done), nil

	case pred.Status == provider.StatusFailed:
		msg := pred.Error
		if msg == "" {
			msg = defaultFailureMessage
		}
		done, err := s.finish(ctx, t, models.TaskStatusFailed, "", msg)
		if err != nil {
			return nil, err
		}
		return s.report(done), nil

	case pred.Status == provider.StatusCanceled:
		done, err := s.finish(ctx, t, models.TaskStatusCanceled, "", "")
		if err != nil {
			return nil, err
		}
		return s.report(done), nil
	}

	r := s.report(t)
	r.Logs = pred.Logs
	r.Phase = provider.PhaseFromLogs(pred.Logs)
	return r, nil
}

// HandleCallback advances the task behind a provider completion callback.
// The callback only says which prediction changed; the outcome is read back
// from the provider so a forged or replayed payload cannot finish a task.
func (s *Service) HandleCallback(ctx context.Context, providerName, predictionID string) (*StatusReport, error) {
	span, ctx := tracing.StartSpan(ctx, "task.callback")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "prediction_id", predictionID)

	t, err := s.store.GetTaskByPrediction(ctx, predictionID)
	if err != nil {
		return nil, err
	}
	if t.Provider != providerName {
		return nil, ErrNotFound
	}
	if t.IsTerminal() {
		return s.report(t), nil
	}

	r, err := s.Refresh(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	s.logger.WithTaskID(t.ID).WithField("status", r.Task.Status).Info("Provider callback processed")
	return r, nil
}
