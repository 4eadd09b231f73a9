package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"gorm.io/gorm"
)

// LedgerOutboxStatus is an operator-facing view of the outbox row of one ledger entry.
type LedgerOutboxStatus struct {
	RecordId         int        `json:"record_id"`
	LedgerEntryId    int        `json:"ledger_entry_id"`
	StreamType       string     `json:"stream_type"`
	PublishStatus    string     `json:"publish_status"`
	PublishAttempts  int        `json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LastPublishError *string    `json:"last_publish_error"`
	CreatedAt        time.Time  `json:"created_at"`
	PublishedAt      *time.Time `json:"published_at"`
}

func GetLedgerOutboxStatus(ctx context.Context, ledgerEntryId int) (*LedgerOutboxStatus, error) {
	db := config.GetDB()
	var rec LedgerOutboxRecord
	err := db.WithContext(ctx).Where("ledger_entry_id = ?", ledgerEntryId).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("ledger outbox record for entry", ledgerEntryId)
	}
	if err != nil {
		return nil, err
	}
	return &LedgerOutboxStatus{
		RecordId:         rec.ID,
		LedgerEntryId:    rec.LedgerEntryId,
		StreamType:       rec.StreamType,
		PublishStatus:    rec.PublishStatus,
		PublishAttempts:  rec.PublishAttempts,
		NextAttemptAt:    rec.NextAttemptAt,
		LastPublishError: rec.LastPublishError,
		CreatedAt:        rec.CreatedAt,
		PublishedAt:      rec.PublishedAt,
	}, nil
}

// RequeueLedgerOutbox puts an unsent record back to PENDING with a fresh attempt budget.
func RequeueLedgerOutbox(ctx context.Context, ledgerEntryId int) (*LedgerOutboxStatus, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&LedgerOutboxRecord{}).
		Where("ledger_entry_id = ? AND publish_status <> ?", ledgerEntryId, OutboxPublishStatusSent).
		Updates(map[string]interface{}{
			"locked_at":          nil,
			"locked_by":          nil,
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, notFound("unsent ledger outbox record for entry", ledgerEntryId)
	}
	return GetLedgerOutboxStatus(ctx, ledgerEntryId)
}
