package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lessonforge/api/model"
)

// ErrBudgetExceeded means the reservation would push the user past the
// daily token limit. No model call may be made after seeing this error.
var ErrBudgetExceeded = errors.New("daily token budget exceeded")

// BudgetGuard enforces per-user daily token budgets. Callers reserve an
// estimate before any model call, then reconcile with the actual usage
// afterwards, so a crashed call never undercounts.
type BudgetGuard struct {
	db           *gorm.DB
	defaultLimit int64
}

// NewBudgetGuard creates a new budget guard
func NewBudgetGuard(db *gorm.DB, defaultLimit int64) *BudgetGuard {
	if defaultLimit <= 0 {
		defaultLimit = 100000
	}
	return &BudgetGuard{db: db, defaultLimit: defaultLimit}
}

// periodStart returns the UTC midnight that opens the current budget day.
func periodStart(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// EstimateTokens approximates the cost of a call before it is made:
// roughly one token per four characters of prompt, plus the completion
// ceiling. Always rounds up so reservations are pessimistic.
func EstimateTokens(prompt string, maxCompletion int) int64 {
	promptTokens := (len(prompt) + 3) / 4
	if maxCompletion <= 0 {
		maxCompletion = 1024
	}
	return int64(promptTokens + maxCompletion)
}

// lockBudget loads or creates the user's budget row for the current
// period, holding a row lock on dialects that support it.
func (g *BudgetGuard) lockBudget(tx *gorm.DB, userID uint, now time.Time) (*model.TokenBudget, error) {
	period := periodStart(now)

	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var budget model.TokenBudget
	err := q.Where("user_id = ? AND period_start = ?", userID, period).First(&budget).Error
	if err == nil {
		return &budget, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	budget = model.TokenBudget{
		UserID:      userID,
		PeriodStart: period,
		UsedTokens:  0,
		LimitTokens: g.defaultLimit,
	}
	if err := tx.Create(&budget).Error; err != nil {
		// Concurrent creation: fall back to the winner's row.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if err := q.Where("user_id = ? AND period_start = ?", userID, period).First(&budget).Error; err != nil {
				return nil, err
			}
			return &budget, nil
		}
		return nil, err
	}
	return &budget, nil
}

// Reserve charges the estimated cost against the user's budget. Returns
// ErrBudgetExceeded without charging anything when the estimate does not
// fit in what remains.
func (g *BudgetGuard) Reserve(userID uint, estimated int64) error {
	if estimated <= 0 {
		return nil
	}

	return g.db.Transaction(func(tx *gorm.DB) error {
		budget, err := g.lockBudget(tx, userID, time.Now())
		if err != nil {
			return err
		}

		if budget.UsedTokens+estimated > budget.LimitTokens {
			return fmt.Errorf("%w: used %d of %d, requested %d",
				ErrBudgetExceeded, budget.UsedTokens, budget.LimitTokens, estimated)
		}

		budget.UsedTokens += estimated
		return tx.Save(budget).Error
	})
}

// Reconcile adjusts a reservation to the actual usage the provider
// reported. delta is actual minus estimated and may be negative. Usage
// never drops below zero.
func (g *BudgetGuard) Reconcile(userID uint, delta int64) error {
	if delta == 0 {
		return nil
	}

	return g.db.Transaction(func(tx *gorm.DB) error {
		budget, err := g.lockBudget(tx, userID, time.Now())
		if err != nil {
			return err
		}

		budget.UsedTokens += delta
		if budget.UsedTokens < 0 {
			budget.UsedTokens = 0
		}
		return tx.Save(budget).Error
	})
}

// Remaining reports how many tokens the user can still spend today.
func (g *BudgetGuard) Remaining(userID uint) (int64, error) {
	period := periodStart(time.Now())

	var budget model.TokenBudget
	err := g.db.Where("user_id = ? AND period_start = ?", userID, period).First(&budget).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return g.defaultLimit, nil
		}
		return 0, err
	}
	return budget.Remaining(), nil
}

// RolloverExpired writes a reset log entry for every budget row from a
// closed period and is idempotent per period. Old rows are kept; lookups
// are always period-scoped so stale rows are inert.
func (g *BudgetGuard) RolloverExpired() (int, error) {
	current := periodStart(time.Now())

	var expired []model.TokenBudget
	err := g.db.
		Where("period_start < ?", current).
		Where("id NOT IN (?)", g.db.Model(&model.TokenResetLog{}).
			Select("budget_id").Where("budget_id IS NOT NULL")).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	for i := range expired {
		b := &expired[i]
		entry := model.TokenResetLog{
			UserID:       b.UserID,
			BudgetID:     &b.ID,
			ResetAt:      time.Now().UTC(),
			PeriodStart:  b.PeriodStart,
			TokensUsed:   b.UsedTokens,
			LimitReached: b.UsedTokens >= b.LimitTokens,
		}
		if err := g.db.Create(&entry).Error; err != nil {
			return i, fmt.Errorf("logging reset for user %d: %w", b.UserID, err)
		}
	}
	return len(expired), nil
}
