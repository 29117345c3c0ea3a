// Package credits implements the per-user credit ledger. Every balance change
// is paired with exactly one append-only ledger entry so the sum of a user's
// entries always equals their balance.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/suberase/internal/database"
	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

var (
	ErrInsufficientCredits = database.ErrInsufficientCredits
	ErrAlreadyClaimed      = database.ErrAlreadyClaimed
	ErrNotFound            = database.ErrNotFound
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidAmount       = errors.New("invalid credit amount")
)

// Store is the persistence the ledger needs
type Store interface {
	EnsureUser(ctx context.Context, userID, email string, initialCredits int) (*models.User, bool, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	AdjustCredits(ctx context.Context, userID string, amount int, entryType, taskID string) (int, error)
	ClaimDaily(ctx context.Context, userID string, amount int, now time.Time) (int, error)
	HasDailyClaim(ctx context.Context, userID string, now time.Time) (bool, error)
	ListCreditLogs(ctx context.Context, userID string, limit int) ([]*models.CreditLogEntry, error)
	FindBalanceDrift(ctx context.Context) ([]database.BalanceDrift, error)
	RepairBalance(ctx context.Context, userID string) (bool, error)
}

// Options configures ledger amounts
type Options struct {
	Initial    int
	TaskCost   int
	DailyBonus int
}

// Ledger is the credit service
type Ledger struct {
	store  Store
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// NewLedger creates a ledger over store
func NewLedger(store Store, opts Options, logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Ledger{
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// TaskCost is the price of one subtitle removal task
func (l *Ledger) TaskCost() int {
	return l.opts.TaskCost
}

// EnsureAccount returns the user, creating it with the initial grant on first sight
func (l *Ledger) EnsureAccount(ctx context.Context, userID, email string) (*models.User, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	user, created, err := l.store.EnsureUser(ctx, userID, email, l.opts.Initial)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	if created {
		metrics.RecordCreditAdjustment(models.CreditTypeRegister, l.opts.Initial)
		l.logger.LogCreditAdjustment(userID, l.opts.Initial, models.CreditTypeRegister, user.Credits)
	}

	return user, nil
}

// Balance returns the current credit balance
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}

	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	return user.Credits, nil
}

// Adjust applies a signed amount and records it as entryType
func (l *Ledger) Adjust(ctx context.Context, userID string, amount int, entryType string) (int, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if !models.ValidCreditType(entryType) {
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidAmount, entryType)
	}

	balance, err := l.store.AdjustCredits(ctx, userID, amount, entryType, "")
	if err != nil {
		if errors.Is(err, database.ErrInsufficientCredits) || errors.Is(err, database.ErrNotFound) {
			return balance, err
		}
		return 0, fmt.Errorf("failed to adjust credits: %w", err)
	}

	metrics.RecordCreditAdjustment(entryType, amount)
	l.logger.LogCreditAdjustment(userID, amount, entryType, balance)
	return balance, nil
}

// CanClaimDaily reports whether today's bonus is still available
func (l *Ledger) CanClaimDaily(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, ErrUnauthorized
	}

	claimed, err := l.store.HasDailyClaim(ctx, userID, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to check daily claim: %w", err)
	}

	return !claimed, nil
}

// ClaimDaily grants the daily bonus once per UTC day
func (l *Ledger) ClaimDaily(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnauthorized
	}

	balance, err := l.store.ClaimDaily(ctx, userID, l.opts.DailyBonus, l.now().UTC())
	if err != nil {
		if errors.Is(err, database.ErrAlreadyClaimed) || errors.Is(err, database.ErrNotFound) {
			return 0, err
		}
		if isUniqueViolation(err) {
			return 0, ErrAlreadyClaimed
		}
		return 0, fmt.Errorf("failed to claim daily bonus: %w", err)
	}

	metrics.RecordCreditAdjustment(models.CreditTypeDailyLogin, l.opts.DailyBonus)
	l.logger.LogCreditAdjustment(userID, l.opts.DailyBonus, models.CreditTypeDailyLogin, balance)
	return balance, nil
}

// History returns up to limit recent ledger entries, newest first
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*models.CreditLogEntry, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	entries, err := l.store.ListCreditLogs(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	if entries == nil {
		entries = []*models.CreditLogEntry{}
	}

	return entries, nil
}

// Reconcile repairs balances that drifted from their ledger sum
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	drifts, err := l.store.FindBalanceDrift(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find balance drift: %w", err)
	}

	repaired := 0
	for _, d := range drifts {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}

		ok, err := l.store.RepairBalance(ctx, d.UserID)
		if err != nil {
			l.logger.WithUserID(d.UserID).WithError(err).Error("Failed to repair balance")
			continue
		}
		if ok {
			repaired++
			l.logger.WithUserID(d.UserID).
				WithField("balance", d.Balance).
				WithField("ledger_sum", d.LedgerSum).
				Warn("Repaired balance drift")
		}
	}

	metrics.RecordLedgerRepairs(repaired)
	return repaired, nil
}

// isUniqueViolation detects the daily-claim index rejecting a concurrent claim
func isUniqueViolation(err error) bool {
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState() == "23505"
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
