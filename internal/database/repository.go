package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to the caller
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits is returned when a debit would make a balance negative
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAlreadyClaimed is returned when the daily bonus was already granted today
	ErrAlreadyClaimed = errors.New("already claimed today")
	// ErrStatusConflict is returned when a task is not in the state a transition expects
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// track records operation metrics; call it deferred with a pointer to the
// named error result.
func track(operation string, start time.Time, err *error) {
	status := "success"
	if err != nil && *err != nil {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, time.Since(start).Seconds())
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Users

// EnsureUser creates the user with an initial balance and a register ledger
// entry, or returns the existing row. created reports which happened.
func (r *Repository) EnsureUser(ctx context.Context, userID, email string, initialCredits int) (user *models.User, created bool, err error) {
	defer track("ensure_user", time.Now(), &err)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var u models.User
	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, email, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, email, credits, last_login, created_at, updated_at
	`, userID, email, initialCredits).Scan(
		&u.ID, &u.Email, &u.Credits, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt,
	)

	switch {
	case err == nil:
		created = true
		if initialCredits != 0 {
			if err := insertCreditLog(ctx, tx, userID, initialCredits, models.CreditTypeRegister, ""); err != nil {
				return nil, false, err
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			SELECT id, email, credits, last_login, created_at, updated_at
			FROM users
			WHERE id = $1
		`, userID).Scan(&u.ID, &u.Email, &u.Credits, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to get user: %w", err)
		}
	default:
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit user: %w", err)
	}

	return &u, created, nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User

	query := `
		SELECT id, email, credits, last_login, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&u.ID, &u.Email, &u.Credits, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &u, nil
}

// Credits

// AdjustCredits changes a balance and appends exactly one ledger entry in a
// single transaction. Debits larger than the balance are rejected.
func (r *Repository) AdjustCredits(ctx context.Context, userID string, amount int, entryType, taskID string) (balance int, err error) {
	defer track("adjust_credits", time.Now(), &err)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockUser(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if amount < 0 && -amount > current {
		return current, ErrInsufficientCredits
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET credits = credits + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`, userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to update credits: %w", err)
	}

	if err := insertCreditLog(ctx, tx, userID, amount, entryType, taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit credit adjustment: %w", err)
	}

	return balance, nil
}

// ClaimDaily grants amount once per UTC calendar day
func (r *Repository) ClaimDaily(ctx context.Context, userID string, amount int, now time.Time) (balance int, err error) {
	defer track("claim_daily", time.Now(), &err)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockUser(ctx, tx, userID); err != nil {
		return 0, err
	}

	claimed, err := hasDailyClaim(ctx, tx, userID, now)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, ErrAlreadyClaimed
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET credits = credits + $2, last_login = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`, userID, amount, now).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to update credits: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_logs (user_id, amount, type, created_at)
		VALUES ($1, $2, $3, $4)
	`, userID, amount, models.CreditTypeDailyLogin, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert credit log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit daily claim: %w", err)
	}

	return balance, nil
}

// HasDailyClaim reports whether userID received the daily bonus on now's UTC day
func (r *Repository) HasDailyClaim(ctx context.Context, userID string, now time.Time) (bool, error) {
	return hasDailyClaim(ctx, r.db.Pool, userID, now)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func hasDailyClaim(ctx context.Context, q querier, userID string, now time.Time) (bool, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_logs
			WHERE user_id = $1 AND type = $2 AND created_at >= $3 AND created_at < $4
		)
	`, userID, models.CreditTypeDailyLogin, dayStart, dayStart.Add(24*time.Hour)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check daily claim: %w", err)
	}

	return exists, nil
}

// ListCreditLogs returns the most recent ledger entries of a user
func (r *Repository) ListCreditLogs(ctx context.Context, userID string, limit int) ([]*models.CreditLogEntry, error) {
	query := `
		SELECT id, user_id, amount, type, task_id, created_at
		FROM credit_logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.CreditLogEntry
	for rows.Next() {
		var e models.CreditLogEntry
		var taskID *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Type, &taskID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit log: %w", err)
		}
		if taskID != nil {
			e.TaskID = *taskID
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// BalanceDrift is a user whose balance disagrees with the ledger sum
type BalanceDrift struct {
	UserID    string
	Balance   int
	LedgerSum int
}

// FindBalanceDrift lists users whose balance differs from their ledger sum
func (r *Repository) FindBalanceDrift(ctx context.Context) ([]BalanceDrift, error) {
	query := `
		SELECT u.id, u.credits, COALESCE(SUM(l.amount), 0)::INTEGER
		FROM users u
		LEFT JOIN credit_logs l ON l.user_id = u.id
		GROUP BY u.id, u.credits
		HAVING u.credits <> COALESCE(SUM(l.amount), 0)
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find balance drift: %w", err)
	}
	defer rows.Close()

	var drifts []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.UserID, &d.Balance, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("failed to scan balance drift: %w", err)
		}
		drifts = append(drifts, d)
	}

	return drifts, rows.Err()
}

// RepairBalance sets the balance to the ledger sum under the user's row lock.
// It reports whether a change was made.
func (r *Repository) RepairBalance(ctx context.Context, userID string) (repaired bool, err error) {
	defer track("repair_balance", time.Now(), &err)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := lockUser(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	var sum int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::INTEGER FROM credit_logs WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return false, fmt.Errorf("failed to sum ledger: %w", err)
	}
	if sum == current {
		return false, nil
	}
	if sum < 0 {
		return false, fmt.Errorf("ledger sum for user %s is negative (%d)", userID, sum)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET credits = $2, updated_at = NOW() WHERE id = $1`, userID, sum); err != nil {
		return false, fmt.Errorf("failed to repair balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit balance repair: %w", err)
	}

	return true, nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) (int, error) {
	var credits int
	err := tx.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock user: %w", err)
	}
	return credits, nil
}

func insertCreditLog(ctx context.Context, tx pgx.Tx, userID string, amount int, entryType, taskID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_logs (user_id, amount, type, task_id)
		VALUES ($1, $2, $3, $4)
	`, userID, amount, entryType, nullIfEmpty(taskID))
	if err != nil {
		return fmt.Errorf("failed to insert credit log: %w", err)
	}
	return nil
}

// Tasks

const taskColumns = `id, user_id, video_url, mask_data, status, provider, prediction_id,
	result_url, error_message, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID, &t.UserID, &t.VideoURL, &t.MaskData, &t.Status, &t.Provider, &t.PredictionID,
		&t.ResultURL, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask creates a new task record
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) (err error) {
	defer track("create_task", time.Now(), &err)

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}

	query := `
		INSERT INTO tasks (id, user_id, video_url, mask_data, status, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool.QueryRow(ctx, query,
		task.ID, task.UserID, task.VideoURL, task.MaskData, task.Status, task.Provider,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID regardless of owner
func (r *Repository) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrNotFound
	}

	t, err := scanTask(r.db.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// GetTaskForUser retrieves a task only if userID owns it
func (r *Repository) GetTaskForUser(ctx context.Context, taskID, userID string) (*models.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, ErrNotFound
	}

	t, err := scanTask(r.db.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// GetTaskByPrediction finds the task a provider prediction belongs to
func (r *Repository) GetTaskByPrediction(ctx context.Context, predictionID string) (*models.Task, error) {
	if predictionID == "" {
		return nil, ErrNotFound
	}

	t, err := scanTask(r.db.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE prediction_id = $1 ORDER BY created_at DESC LIMIT 1`, predictionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by prediction: %w", err)
	}

	return t, nil
}

// ListTasksByUser returns the most recent tasks of a user
func (r *Repository) ListTasksByUser(ctx context.Context, userID string, limit int) ([]*models.Task, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// ListStaleProcessingTasks returns processing tasks not updated since before
func (r *Repository) ListStaleProcessingTasks(ctx context.Context, before time.Time, limit int) ([]*models.Task, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'processing' AND prediction_id <> '' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// MarkProcessingAndDebit records provider acceptance and charges the user in
// one transaction: the task moves pending -> processing, the balance drops by
// cost only if it stays non-negative, and a process entry is appended.
func (r *Repository) MarkProcessingAndDebit(ctx context.Context, taskID, userID, predictionID string, cost int) (balance int, err error) {
	defer track("mark_processing_and_debit", time.Now(), &err)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'processing', prediction_id = $2, updated_at = NOW()
		WHERE id = $1 AND user_id = $3 AND status = 'pending'
	`, taskID, predictionID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark task processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrStatusConflict
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET credits = credits - $2, updated_at = NOW()
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, userID, cost).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to debit credits: %w", err)
	}

	if err := insertCreditLog(ctx, tx, userID, -cost, models.CreditTypeProcess, taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit submission: %w", err)
	}

	return balance, nil
}

// FinishTask moves a processing task to a terminal status. It reports false
// when the task was no longer processing, leaving the stored state untouched.
func (r *Repository) FinishTask(ctx context.Context, taskID, status, resultURL, errorMessage string) (updated bool, err error) {
	defer track("finish_task", time.Now(), &err)

	if !models.IsTerminalStatus(status) {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE tasks SET status = $2, result_url = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, taskID, status, resultURL, errorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to finish task: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// FailPendingTask marks a task that never reached the provider as failed
func (r *Repository) FailPendingTask(ctx context.Context, taskID, errorMessage string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, taskID, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}

	return nil
}

// TouchTask bumps updated_at so stale-task sweeps skip recently watched tasks
func (r *Repository) TouchTask(ctx context.Context, taskID string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE tasks SET updated_at = NOW() WHERE id = $1 AND status = 'processing'`, taskID)
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	return nil
}
