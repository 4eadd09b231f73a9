package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CutBatch pools completed cut output awaiting stage 1. A batch never holds an all-zero vector.
type CutBatch struct {
	ID                 int            `gorm:"primary_key" json:"id"`
	OrderId            *int           `gorm:"index" json:"order_id"`
	ProductId          int            `gorm:"index;not null" json:"product_id"`
	Pattern            string         `gorm:"size:100;not null;default:''" json:"pattern"`
	OriginCuttingJobId int            `gorm:"index" json:"origin_cutting_job_id"`
	Vector             QuantityVector `gorm:"type:json;not null" json:"vector"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCutTransfer struct {
	TargetOrderId int            `json:"target_order_id" validate:"required"`
	Vector        QuantityVector `json:"vector"`
}

func lockCutBatch(tx *gorm.DB, id int) (*CutBatch, error) {
	var batch CutBatch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&batch, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("cut batch", id)
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// mergeIntoCutBatch adds the job output to an unreferenced batch of the same
// (order, product, pattern), or opens a new batch.
func mergeIntoCutBatch(tx *gorm.DB, job *CuttingJob) (*CutBatch, error) {
	q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ? AND pattern = ?", job.ProductId, job.Pattern).
		Where("NOT EXISTS (SELECT 1 FROM processing_jobs WHERE processing_jobs.cut_batch_id = cut_batches.id)")
	if job.OrderId != nil {
		q = q.Where("order_id = ?", *job.OrderId)
	} else {
		q = q.Where("order_id IS NULL")
	}

	var batch CutBatch
	err := q.Order("id").First(&batch).Error
	if err == nil {
		batch.Vector = batch.Vector.Merge(job.Vector)
		if err := tx.Model(&batch).Update("vector", batch.Vector).Error; err != nil {
			return nil, err
		}
		return &batch, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	batch = CutBatch{
		OrderId:            job.OrderId,
		ProductId:          job.ProductId,
		Pattern:            job.Pattern,
		OriginCuttingJobId: job.ID,
		Vector:             job.Vector.Clone(),
	}
	if err := tx.Create(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// decrementCutBatch subtracts amount, deleting the batch once it is empty.
// Callers check availability first.
func decrementCutBatch(tx *gorm.DB, batch *CutBatch, amount QuantityVector) error {
	left, shortfalls := batch.Vector.Minus(amount)
	if len(shortfalls) > 0 {
		return &OverAssignmentError{Shortfalls: shortfalls}
	}
	batch.Vector = left
	if left.IsZero() {
		return tx.Delete(batch).Error
	}
	return tx.Model(batch).Update("vector", left).Error
}

// TransferCutStock moves cut pieces from a batch to another order without re-cutting.
// A completed phantom cutting job and a new batch are created under the target order.
func TransferCutStock(ctx context.Context, sourceBatchId int, input *NewCutTransfer) (*CutBatch, error) {
	var created CutBatch
	err := runOperation(ctx, "TransferCutStock", func(ctx context.Context) error {
		if err := validateInput(input); err != nil {
			return err
		}
		if err := input.Vector.Validate("vector"); err != nil {
			return err
		}
		if input.Vector.Total() == 0 {
			return &ValidationError{Field: "vector", Message: "vector cannot be empty"}
		}
		amount := input.Vector.CountsOnly()

		release, err := utils.AdvisoryLock(ctx, "cut_batch", sourceBatchId, "models", "TransferCutStock")
		if err != nil {
			return err
		}
		defer release()

		actorId := utils.ActorIdOrSystem(ctx)
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			target, err := lockOrder(tx, input.TargetOrderId)
			if err != nil {
				return err
			}
			if target.Status.IsTerminal() {
				return &ValidationError{Field: "target_order_id", Message: fmt.Sprintf("order is %s", target.Status)}
			}
			batch, err := lockCutBatch(tx, sourceBatchId)
			if err != nil {
				return err
			}
			if batch.OrderId != nil && *batch.OrderId == target.ID {
				return &ValidationError{Field: "target_order_id", Message: "batch already belongs to this order"}
			}
			if shortfalls := batch.Vector.Shortfalls(amount); len(shortfalls) > 0 {
				return &InsufficientStockError{Resource: "cut batch", Id: batch.ID, Shortfalls: shortfalls}
			}

			item, err := findOrderItem(tx, target.ID, batch.ProductId)
			if err != nil {
				return err
			}
			assigned, err := assignedCutVector(tx, target.ID, batch.ProductId)
			if err != nil {
				return err
			}
			if err := CheckAssignable(RemainingDemand(item.Demand, assigned), amount); err != nil {
				return err
			}

			sourceOrderId := batch.OrderId
			if err := decrementCutBatch(tx, batch, amount); err != nil {
				return err
			}

			now := time.Now().UTC()
			targetId := target.ID
			phantom := CuttingJob{
				OrderId:       &targetId,
				ProductId:     batch.ProductId,
				Pattern:       batch.Pattern,
				Vector:        amount,
				Status:        CuttingJobStatusCompleted,
				IsPhantom:     true,
				SourceOrderId: sourceOrderId,
				CreatedBy:     actorId,
				CompletedAt:   &now,
			}
			if err := tx.Create(&phantom).Error; err != nil {
				return err
			}
			created = CutBatch{
				OrderId:            &targetId,
				ProductId:          batch.ProductId,
				Pattern:            batch.Pattern,
				OriginCuttingJobId: phantom.ID,
				Vector:             amount.Clone(),
			}
			if err := tx.Create(&created).Error; err != nil {
				return err
			}
			if err := tx.Model(&phantom).Update("cut_batch_id", created.ID).Error; err != nil {
				return err
			}
			if target.Status == OrderStatusPending {
				if err := tx.Model(target).Update("status", OrderStatusPartiallyCut).Error; err != nil {
					return err
				}
			}
			touched.add(sourceOrderId)
			touched.add(&targetId)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListCutBatches lists the pool, optionally for one order. Empty batches are never listed.
func ListCutBatches(ctx context.Context, orderId *int, productId *int) ([]*CutBatch, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if orderId != nil {
		dbCtx = dbCtx.Where("order_id = ?", *orderId)
	}
	if productId != nil {
		dbCtx = dbCtx.Where("product_id = ?", *productId)
	}
	var batches []*CutBatch
	if err := dbCtx.Order("id").Find(&batches).Error; err != nil {
		return nil, err
	}
	return nonEmptyBatches(batches), nil
}

func nonEmptyBatches(batches []*CutBatch) []*CutBatch {
	results := make([]*CutBatch, 0, len(batches))
	for _, b := range batches {
		if !b.Vector.IsZero() {
			results = append(results, b)
		}
	}
	return results
}
