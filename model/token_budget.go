package model

import (
	"time"
)

// TokenBudget tracks one user's language-model token consumption for the
// current accounting period. There is exactly one row per (user, period);
// charges go through the budget guard which locks the row, so two concurrent
// requests can never both pass the limit check and jointly overshoot.
type TokenBudget struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID      uint      `gorm:"not null;uniqueIndex:idx_budget_user_period" json:"user_id"`
	PeriodStart time.Time `gorm:"not null;uniqueIndex:idx_budget_user_period" json:"period_start"`

	UsedTokens  int64 `gorm:"not null;default:0" json:"used_tokens"`
	LimitTokens int64 `gorm:"not null" json:"limit_tokens"`
}

// TableName specifies the table name for TokenBudget
func (TokenBudget) TableName() string {
	return "token_budgets"
}

// Remaining returns the unconsumed part of the budget, never negative.
func (b TokenBudget) Remaining() int64 {
	if b.UsedTokens >= b.LimitTokens {
		return 0
	}
	return b.LimitTokens - b.UsedTokens
}

// TokenResetLog archives a budget row at the moment its period rolled over,
// written by the nightly rollover job before the counter is reset.
type TokenResetLog struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	UserID   uint      `gorm:"not null;index" json:"user_id"`
	BudgetID *uint     `gorm:"uniqueIndex" json:"budget_id,omitempty"`
	ResetAt  time.Time `json:"reset_at"`

	PeriodStart  time.Time `json:"period_start"`
	TokensUsed   int64     `json:"tokens_used"`
	LimitReached bool      `gorm:"default:false" json:"limit_reached"`
}

// TableName specifies the table name for TokenResetLog
func (TokenResetLog) TableName() string {
	return "token_reset_logs"
}
