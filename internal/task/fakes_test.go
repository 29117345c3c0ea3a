package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/suberase/internal/database"
	"github.com/therealutkarshpriyadarshi/suberase/internal/provider"
	"github.com/therealutkarshpriyadarshi/suberase/internal/queue"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

// memStore backs both Store and Accounts so debits and ledger entries stay
// in one place, like the single database transaction.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	tasks     map[string]*models.Task
	logs      []*models.CreditLogEntry
	initial   int
	cost      int
	finishes  int
	touched   map[string]int
	debitErr  error
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[string]*models.User{},
		tasks:   map[string]*models.Task{},
		touched: map[string]int{},
		initial: 100,
		cost:    10,
	}
}

func (s *memStore) EnsureAccount(ctx context.Context, userID, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &models.User{ID: userID, Email: email, Credits: s.initial, CreatedAt: time.Now()}
		s.users[userID] = u
		s.logs = append(s.logs, &models.CreditLogEntry{UserID: userID, Amount: s.initial, Type: models.CreditTypeRegister})
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) TaskCost() int { return s.cost }

func (s *memStore) setBalance(userID string, credits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &models.User{ID: userID, Credits: credits}
	s.logs = append(s.logs, &models.CreditLogEntry{UserID: userID, Amount: credits, Type: models.CreditTypeRegister})
}

func (s *memStore) balance(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].Credits
}

func (s *memStore) entries(userID, entryType string) []*models.CreditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CreditLogEntry
	for _, e := range s.logs {
		if e.UserID == userID && e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) put(t *models.Task) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
		t.UpdatedAt = t.CreatedAt
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return t
}

func (s *memStore) task(id string) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.tasks[id]
	return &cp
}

func (s *memStore) CreateTask(ctx context.Context, t *models.Task) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.put(t)
	return nil
}

func (s *memStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) GetTaskForUser(ctx context.Context, taskID, userID string) (*models.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, database.ErrNotFound
	}
	return t, nil
}

func (s *memStore) GetTaskByPrediction(ctx context.Context, predictionID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if predictionID != "" && t.PredictionID == predictionID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListStaleProcessingTasks(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusProcessing && t.UpdatedAt.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkProcessingAndDebit(ctx context.Context, taskID, userID, predictionID string, cost int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debitErr != nil {
		return 0, s.debitErr
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return 0, database.ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return 0, database.ErrStatusConflict
	}
	u := s.users[userID]
	if u.Credits < cost {
		return u.Credits, database.ErrInsufficientCredits
	}

	u.Credits -= cost
	s.logs = append(s.logs, &models.CreditLogEntry{UserID: userID, Amount: -cost, Type: models.CreditTypeProcess, TaskID: taskID})
	t.Status = models.TaskStatusProcessing
	t.PredictionID = predictionID
	t.UpdatedAt = time.Now()
	return u.Credits, nil
}

func (s *memStore) FinishTask(ctx context.Context, taskID, status, resultURL, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, database.ErrNotFound
	}
	if t.Status != models.TaskStatusProcessing {
		return false, nil
	}
	s.finishes++
	t.Status = status
	t.ResultURL = resultURL
	t.ErrorMessage = errorMessage
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) FailPendingTask(ctx context.Context, taskID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return database.ErrNotFound
	}
	if t.Status == models.TaskStatusPending {
		t.Status = models.TaskStatusFailed
		t.ErrorMessage = errorMessage
	}
	return nil
}

func (s *memStore) TouchTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touched[taskID]++
	if t, ok := s.tasks[taskID]; ok {
		t.UpdatedAt = time.Now()
	}
	return nil
}

type upload struct {
	key         string
	contentType string
	size        int64
}

type fakeObjects struct {
	mu      sync.Mutex
	uploads []upload
	deleted []string
	err     error
	// failOn limits err to keys containing it
	failOn  string
}

func (o *fakeObjects) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	if o.err != nil && strings.Contains(key, o.failOn) {
		return "", o.err
	}
	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, upload{key: key, contentType: contentType, size: n})
	return "https://cdn.test/videos/" + key, nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted = append(o.deleted, key)
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	submitErr error
	statusErr error
	cancelErr error
	pred      provider.Prediction
	inputs    []provider.Input

	submits     atomic.Int32
	statusCalls atomic.Int32
	cancels     atomic.Int32

	// started is signalled when Status begins; gate blocks Status until closed
	started chan struct{}
	gate    chan struct{}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Submit(ctx context.Context, in provider.Input) (string, error) {
	n := p.submits.Add(1)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	p.mu.Lock()
	p.inputs = append(p.inputs, in)
	p.mu.Unlock()
	return fmt.Sprintf("pred-%d", n), nil
}

func (p *fakeProvider) Status(ctx context.Context, predictionID string) (*provider.Prediction, error) {
	p.statusCalls.Add(1)
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.statusErr != nil {
		return nil, p.statusErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pred := p.pred
	pred.ID = predictionID
	return &pred, nil
}

func (p *fakeProvider) setPrediction(pred provider.Prediction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pred = pred
}

func (p *fakeProvider) Cancel(ctx context.Context, predictionID string) error {
	p.cancels.Add(1)
	return p.cancelErr
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (n *fakeNotifier) PublishWatch(ctx context.Context, taskID string) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, taskID)
	return nil
}

type retry struct {
	msg   queue.WatchMessage
	delay time.Duration
}

// fakeQueue mimics the broker: ConsumeWatch feeds messages from a channel
// to the handler on its own goroutine until ctx is canceled.
type fakeQueue struct {
	fakeNotifier

	deliveries chan *queue.WatchMessage
	handled    chan error

	mu          sync.Mutex
	retries     []retry
	deadLetters []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		deliveries: make(chan *queue.WatchMessage, 8),
		handled:    make(chan error, 8),
	}
}

func (q *fakeQueue) ConsumeWatch(ctx context.Context, prefetch int, handler func(context.Context, *queue.WatchMessage) error) (<-chan error, error) {
	if prefetch < 1 {
		return nil, errors.New("bad prefetch")
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.deliveries:
				if !ok {
					done <- queue.ErrConsumerClosed
					return
				}
				q.handled <- handler(ctx, msg)
			}
		}
	}()
	return done, nil
}

func (q *fakeQueue) PublishRetry(ctx context.Context, msg *queue.WatchMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := *msg
	next.Attempt++
	q.retries = append(q.retries, retry{msg: next, delay: delay})
	return nil
}

func (q *fakeQueue) PublishDeadLetter(ctx context.Context, msg *queue.WatchMessage, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetters = append(q.deadLetters, msg.TaskID+": "+reason)
	return nil
}

func (q *fakeQueue) lastRetry() (retry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retries) == 0 {
		return retry{}, false
	}
	return q.retries[len(q.retries)-1], true
}
