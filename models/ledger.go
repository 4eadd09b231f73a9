package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/metrics"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerEntry is one signed amount in an employee or client stream. Balance is the
// running total of the stream including this entry.
type LedgerEntry struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	StreamType    LedgerStreamType    `gorm:"type:enum('employee','client');not null;index:idx_ledger_stream,priority:1" json:"stream_type"`
	StreamId      int                 `gorm:"not null;index:idx_ledger_stream,priority:2" json:"stream_id"`
	Amount        decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Balance       decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"balance"`
	ReferenceType LedgerReferenceType `gorm:"type:enum('wage','payment','stock_sale','delivery');not null" json:"reference_type"`
	ReferenceId   int                 `gorm:"index" json:"reference_id"`
	Note          string              `gorm:"size:255" json:"note"`
	CreatedBy     int                 `json:"created_by"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

type LedgerPosting struct {
	StreamType    LedgerStreamType
	StreamId      int
	Amount        decimal.Decimal
	ReferenceType LedgerReferenceType
	ReferenceId   int
	Note          string
}

// LedgerOutboxRecord carries a committed ledger entry to Pub/Sub. Rows are written in the
// same transaction as the entry and published by workflow.OutboxDispatcher.
type LedgerOutboxRecord struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	LedgerEntryId    int        `gorm:"not null;uniqueIndex" json:"ledger_entry_id"`
	StreamType       string     `gorm:"size:20;not null" json:"stream_type"`
	StreamId         int        `gorm:"not null" json:"stream_id"`
	Amount           string     `gorm:"size:40;not null" json:"amount"`
	Balance          string     `gorm:"size:40;not null" json:"balance"`
	ReferenceType    string     `gorm:"size:20;not null" json:"reference_type"`
	ReferenceId      int        `json:"reference_id"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToLedgerEvent(record LedgerOutboxRecord) config.LedgerEventMessage {
	return config.LedgerEventMessage{
		ID:            record.LedgerEntryId,
		StreamType:    record.StreamType,
		StreamId:      record.StreamId,
		Amount:        record.Amount,
		Balance:       record.Balance,
		ReferenceType: record.ReferenceType,
		ReferenceId:   record.ReferenceId,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}

// AppendLedgerEntry appends to a stream inside the caller's transaction. The latest
// entry of the stream is locked so concurrent appends serialize on the running balance.
func AppendLedgerEntry(tx *gorm.DB, posting LedgerPosting) (*LedgerEntry, error) {
	if !posting.StreamType.IsValid() {
		return nil, &ValidationError{Field: "stream_type", Message: "invalid ledger stream"}
	}
	ctx := tx.Statement.Context

	balance := decimal.Zero
	var last LedgerEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stream_type = ? AND stream_id = ?", posting.StreamType, posting.StreamId).
		Order("id DESC").
		First(&last).Error
	if err == nil {
		balance = last.Balance
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entry := LedgerEntry{
		StreamType:    posting.StreamType,
		StreamId:      posting.StreamId,
		Amount:        posting.Amount,
		Balance:       balance.Add(posting.Amount),
		ReferenceType: posting.ReferenceType,
		ReferenceId:   posting.ReferenceId,
		Note:          posting.Note,
		CreatedBy:     utils.ActorIdOrSystem(ctx),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	record := LedgerOutboxRecord{
		LedgerEntryId: entry.ID,
		StreamType:    string(entry.StreamType),
		StreamId:      entry.StreamId,
		Amount:        entry.Amount.String(),
		Balance:       entry.Balance.String(),
		ReferenceType: string(entry.ReferenceType),
		ReferenceId:   entry.ReferenceId,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	metrics.Default().LedgerAppended.WithLabelValues(string(entry.StreamType)).Inc()
	return &entry, nil
}

// RecordEmployeePayment books a payment to an employee as a negative entry.
func RecordEmployeePayment(ctx context.Context, employeeId int, amount decimal.Decimal) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := runOperation(ctx, "RecordEmployeePayment", func(ctx context.Context) error {
		if !amount.IsPositive() {
			return &ValidationError{Field: "amount", Message: "must be greater than zero"}
		}
		return inTransaction(ctx, func(tx *gorm.DB, _ *orderSet) error {
			if _, err := fetchEmployees(tx, []int{employeeId}); err != nil {
				return err
			}
			var err error
			entry, err = AppendLedgerEntry(tx, LedgerPosting{
				StreamType:    LedgerStreamEmployee,
				StreamId:      employeeId,
				Amount:        amount.Neg(),
				ReferenceType: LedgerReferencePayment,
				ReferenceId:   employeeId,
				Note:          fmt.Sprintf("payment %s", amount.String()),
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LatestBalance is the running balance of a stream, zero when it has no entries.
func LatestBalance(ctx context.Context, streamType LedgerStreamType, streamId int) (decimal.Decimal, error) {
	if !streamType.IsValid() {
		return decimal.Zero, &ValidationError{Field: "stream_type", Message: "invalid ledger stream"}
	}
	db := config.GetDB()
	var last LedgerEntry
	err := db.WithContext(ctx).
		Where("stream_type = ? AND stream_id = ?", streamType, streamId).
		Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return last.Balance, nil
}

// ListLedgerEntries returns a stream oldest first.
func ListLedgerEntries(ctx context.Context, streamType LedgerStreamType, streamId int) ([]*LedgerEntry, error) {
	db := config.GetDB()
	var entries []*LedgerEntry
	if err := db.WithContext(ctx).
		Where("stream_type = ? AND stream_id = ?", streamType, streamId).
		Order("id").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
