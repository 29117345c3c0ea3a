// Package task turns a video and a set of regions into a subtitle removal
// job at the configured provider, and follows the job to completion.
package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/therealutkarshpriyadarshi/suberase/internal/cache"
	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/mask"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/internal/storage"
	"github.com/therealutkarshpriyadarshi/suberase/internal/tracing"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// Store persists tasks and performs the submission transaction
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	GetTaskForUser(ctx context.Context, taskID, userID string) (*models.Task, error)
	GetTaskByPrediction(ctx context.Context, predictionID string) (*models.Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error)
	ListStaleProcessingTasks(ctx context.Context, before time.Time, limit int) ([]*models.Task, error)
	MarkProcessingAndDebit(ctx context.Context, taskID, userID, predictionID string, cost int) (int, error)
	FinishTask(ctx context.Context, taskID, status, resultURL, errorMessage string) (bool, error)
	FailPendingTask(ctx context.Context, taskID, errorMessage string) error
	TouchTask(ctx context.Context, taskID string) error
}

// Accounts is the part of the credit ledger submission depends on
type Accounts interface {
	EnsureAccount(ctx context.Context, userID, email string) (*models.User, error)
	TaskCost() int
}

// ObjectStore uploads objects and returns fetchable URLs
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Cache holds submission locks and terminal task snapshots
type Cache interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, resource, token string) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	SetTask(ctx context.Context, task *models.Task, ttl time.Duration) error
}

// Notifier announces tasks that need watching
type Notifier interface {
	PublishWatch(ctx context.Context, taskID string) error
}

// Deps are the collaborators of a Service. Cache and Notifier are optional.
type Deps struct {
	Store    Store
	Accounts Accounts
	Objects  ObjectStore
	Provider provider.Provider
	Cache    Cache
	Notifier Notifier
}

// Options tunes a Service
type Options struct {
	LockTTL         time.Duration
	RetryAfter      time.Duration
	CacheTTL        time.Duration
	ProviderTimeout time.Duration
}

// Service submits and polls tasks
type Service struct {
	store    Store
	accounts Accounts
	objects  ObjectStore
	provider provider.Provider
	cache    Cache
	notifier Notifier
	opts     Options
	logger   *logging.Logger
	polls    singleflight.Group
	now      func() time.Time
}

// NewService creates a task service
func NewService(deps Deps, opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 3 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}

	return &Service{
		store:    deps.Store,
		accounts: deps.Accounts,
		objects:  deps.Objects,
		provider: deps.Provider,
		cache:    deps.Cache,
		notifier: deps.Notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitRequest carries either an uploaded video URL or the raw video bytes
type SubmitRequest struct {
	UserID string
	Email  string

	VideoURL         string
	Video            io.Reader
	VideoSize        int64
	VideoFilename    string
	VideoContentType string

	Regions     []models.Region
	VideoWidth  int
	VideoHeight int
}

func (r *SubmitRequest) validate() error {
	if r.VideoURL == "" && r.Video == nil {
		return fmt.Errorf("%w: no video provided", ErrValidation)
	}
	if len(r.Regions) == 0 {
		return fmt.Errorf("%w: at least one region is required", ErrValidation)
	}
	if r.VideoWidth <= 0 || r.VideoHeight <= 0 {
		return fmt.Errorf("%w: video dimensions must be positive", ErrValidation)
	}
	if err := mask.CheckFrame(r.VideoWidth, r.VideoHeight); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, region := range r.Regions {
		if err := region.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// Submit stores the inputs, starts the provider job and charges the user
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	span, ctx := tracing.StartSpan(ctx, "task.submit")
	defer tracing.FinishSpan(span)

	if req.UserID == "" {
		return nil, ErrUnauthorized
	}
	tracing.SetTag(span, "user_id", req.UserID)

	if err := req.validate(); err != nil {
		return nil, err
	}

	release, err := s.lockUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	user, err := s.accounts.EnsureAccount(ctx, req.UserID, req.Email)
	if err != nil {
		return nil, err
	}
	cost := s.accounts.TaskCost()
	if user.Credits < cost {
		metrics.RecordTaskSubmitted(s.provider.Name(), "insufficient_credits")
		return nil, ErrInsufficientCredits
	}

	now := s.now()
	logger := s.logger.WithUserID(req.UserID)

	// Objects written by this call; removed again if the provider never takes the job.
	var stored []string

	videoURL := req.VideoURL
	if req.Video != nil {
		key := storage.VideoKey(req.UserID, now, req.VideoFilename)
		videoURL, err = s.objects.Upload(ctx, key, req.Video, req.VideoSize, req.VideoContentType)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to store video: %w", ErrUpstream, err)
		}
		stored = append(stored, key)
	}

	png, err := mask.Rasterize(req.VideoWidth, req.VideoHeight, req.Regions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	maskKey := storage.MaskKey(req.UserID, now, mask.Extension)
	maskURL, err := s.objects.Upload(ctx, maskKey, bytes.NewReader(png), int64(len(png)), mask.ContentType)
	if err != nil {
		s.discard(ctx, stored, logger)
		return nil, fmt.Errorf("%w: failed to store mask: %w", ErrUpstream, err)
	}
	stored = append(stored, maskKey)

	task := &models.Task{
		UserID:   req.UserID,
		VideoURL: videoURL,
		Status:   models.TaskStatusPending,
		Provider: s.provider.Name(),
		MaskData: models.MaskData{
			Regions:     req.Regions,
			MaskURL:     maskURL,
			VideoWidth:  req.VideoWidth,
			VideoHeight: req.VideoHeight,
		},
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		s.discard(ctx, stored, logger)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	logger = logger.WithTaskID(task.ID)
	tracing.SetTag(span, "task_id", task.ID)

	predictionID, err := s.provider.Submit(ctx, provider.Input{VideoURL: videoURL, MaskURL: maskURL})
	if err != nil {
		tracing.LogError(span, err)
		if ferr := s.store.FailPendingTask(ctx, task.ID, err.Error()); ferr != nil {
			logger.WithError(ferr).Error("Failed to mark task failed")
		}
		s.discard(ctx, stored, logger)
		metrics.RecordTaskSubmitted(s.provider.Name(), models.TaskStatusFailed)
		s.logger.WithUserID(req.UserID).LogTaskEvent(task.ID, "submit_failed", models.TaskStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	balance, err := s.store.MarkProcessingAndDebit(ctx, task.ID, req.UserID, predictionID, cost)
	if err != nil {
		// The provider accepted a job nobody paid for; stop it.
		s.abandon(ctx, task.ID, predictionID, err, logger)
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.RecordTaskSubmitted(s.provider.Name(), "insufficient_credits")
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("failed to record submission: %w", err)
	}

	task.Status = models.TaskStatusProcessing
	task.PredictionID = predictionID

	metrics.RecordTaskSubmitted(s.provider.Name(), models.TaskStatusProcessing)
	metrics.RecordCreditAdjustment(models.CreditTypeProcess, -cost)
	s.logger.LogCreditAdjustment(req.UserID, -cost, models.CreditTypeProcess, balance)
	s.logger.WithUserID(req.UserID).LogTaskEvent(task.ID, "submitted", task.Status, map[string]interface{}{
		"prediction_id": predictionID,
		"provider":      task.Provider,
		"regions":       len(req.Regions),
	})

	if s.notifier != nil {
		if err := s.notifier.PublishWatch(ctx, task.ID); err != nil {
			// Client polling and the stale-task sweep still drive the task.
			logger.WithError(err).Warn("Failed to publish watch message")
		}
	}

	return task, nil
}

func (s *Service) abandon(ctx context.Context, taskID, predictionID string, cause error, logger *logging.Logger) {
	if err := s.provider.Cancel(ctx, predictionID); err != nil {
		logger.WithError(err).Warn("Failed to cancel unpaid prediction")
	}
	if err := s.store.FailPendingTask(ctx, taskID, cause.Error()); err != nil {
		logger.WithError(err).Error("Failed to mark task failed")
	}
}

func (s *Service) discard(ctx context.Context, keys []string, logger *logging.Logger) {
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			logger.WithError(err).WithField("key", key).Warn("Failed to remove unused object")
		}
	}
}

func (s *Service) lockUser(ctx context.Context, userID string) (func(), error) {
	if s.cache == nil {
		return func() {}, nil
	}

	resource := "submit:" + userID
	token, ok, err := s.cache.AcquireLock(ctx, resource, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire submission lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	return func() {
		// Release even if the request context is already canceled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.cache.ReleaseLock(rctx, resource, token); err != nil && !errors.Is(err, cache.ErrLockNotHeld) {
			s.logger.WithUserID(userID).WithError(err).Warn("Failed to release submission lock")
		}
	}, nil
}

// Cancel stops a processing task owned by userID
func (s *Service) Cancel(ctx context.Context, userID, taskID string) (*models.Task, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	t, err := s.store.GetTaskForUser(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return t, nil
	}
	if t.Status != models.TaskStatusProcessing || t.PredictionID == "" {
		return nil, fmt.Errorf("%w: task is not running", ErrValidation)
	}

	if err := s.provider.Cancel(ctx, t.PredictionID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	return s.finish(ctx, t, models.TaskStatusCanceled, "", "")
}

// List returns a user's most recent tasks
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	tasks, err := s.store.ListTasksByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return tasks, nil
}

// finish applies a terminal transition. If the task already left processing
// the stored row wins and is returned instead.
func (s *Service) finish(ctx context.Context, t *models.Task, status, resultURL, errorMessage string) (*models.Task, error) {
	updated, err := s.store.FinishTask(ctx, t.ID, status, resultURL, errorMessage)
	if err != nil {
		return nil, err
	}
	if !updated {
		return s.store.GetTask(ctx, t.ID)
	}

	done := *t
	done.Status = status
	done.ResultURL = resultURL
	done.ErrorMessage = errorMessage
	done.UpdatedAt = s.now()

	metrics.RecordTaskCompleted(done.Provider, status, done.UpdatedAt.Sub(done.CreatedAt).Seconds())
	s.logger.WithUserID(done.UserID).LogTaskEvent(done.ID, "finished", status, map[string]interface{}{
		"result_url": resultURL,
		"error":      errorMessage,
	})
	s.cacheTask(ctx, &done)

	return &done, nil
}

func (s *Service) cacheTask(ctx context.Context, t *models.Task) {
	if s.cache == nil || !t.IsTerminal() {
		return
	}
	if err := s.cache.SetTask(ctx, t, s.opts.CacheTTL); err != nil {
		s.logger.WithTaskID(t.ID).WithError(err).Warn("Failed to cache task")
	}
}
