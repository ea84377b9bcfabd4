package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/lessonforge/api/model"
)

// historyRetention is how long soft-deleted Q&A entries are kept before
// the purge removes them permanently.
const historyRetention = 30 * 24 * time.Hour

// sourceRetention is how long uploaded source documents are kept in the
// object store.
const sourceRetention = 180 * 24 * time.Hour

// RolloverBudgets archives every budget row whose period has closed.
func (m *CronManager) RolloverBudgets() (string, error) {
	n, err := m.budget.RolloverExpired()
	if err != nil {
		return "", fmt.Errorf("budget rollover: %w", err)
	}
	return fmt.Sprintf("Archived %d expired budgets", n), nil
}

// PurgeClearedHistory permanently removes Q&A entries that users cleared
// more than the retention period ago.
func (m *CronManager) PurgeClearedHistory() (string, error) {
	cutoff := time.Now().Add(-historyRetention)

	res := m.db.Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Delete(&model.QAEntry{})
	if res.Error != nil {
		return "", fmt.Errorf("purging cleared history: %w", res.Error)
	}
	return fmt.Sprintf("Purged %d cleared entries", res.RowsAffected), nil
}

// PurgeExpiredSources deletes stored source documents past retention.
// Lessons keep their extracted content in versions, so losing the raw
// file only prevents regeneration from the original bytes.
func (m *CronManager) PurgeExpiredSources() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	keys, err := m.storage.ListExpiredSourceDocuments(ctx, sourceRetention)
	if err != nil {
		return "", err
	}

	deleted := 0
	for _, key := range keys {
		if err := m.storage.DeleteSourceDocument(ctx, key); err != nil {
			return fmt.Sprintf("Deleted %d of %d expired sources", deleted, len(keys)), err
		}
		deleted++
	}
	return fmt.Sprintf("Deleted %d expired sources", deleted), nil
}
