package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/garment_backend/metrics"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ReceiptResult struct {
	JobId         int              `json:"job_id"`
	Status        ProcessingStatus `json:"status"`
	Stage         int              `json:"stage"`
	TotalSent     int              `json:"total_sent"`
	TotalReceived int              `json:"total_received"`
	Wage          decimal.Decimal  `json:"wage"`
}

// ApplyReceipt adds received pieces to the cumulative bookkeeping of a sent vector.
// Receiving more than was sent for any size is rejected. The bool reports whether
// everything sent has come back.
func ApplyReceipt(sent QuantityVector, received QuantityVector, day string) (QuantityVector, bool, error) {
	prior := QuantityVector{Counts: sent.Meta.Received}
	cumulative := prior.Plus(received)
	if shortfalls := sent.CountsOnly().Shortfalls(cumulative.CountsOnly()); len(shortfalls) > 0 {
		for i := range shortfalls {
			// report what is still outstanding for the size
			shortfalls[i].Available -= prior.Get(shortfalls[i].Size)
			shortfalls[i].Requested = received.Get(shortfalls[i].Size)
		}
		return sent, false, &OverAssignmentError{Shortfalls: shortfalls}
	}

	out := sent.Clone()
	out.Meta.Received = cumulative.CountsOnly().Counts
	if out.Meta.ReceivedByDate == nil {
		out.Meta.ReceivedByDate = map[string]int{}
	}
	out.Meta.ReceivedByDate[day] += received.Total()
	return out, out.Meta.ReceivedTotal() >= sent.Total(), nil
}

// ReceiveFromFabricator records pieces returned by an external fabricator. Wages follow
// the returned quantity; the job finishes at stage 8 once everything sent is back.
func ReceiveFromFabricator(ctx context.Context, jobId int, received QuantityVector) (*ReceiptResult, error) {
	var result *ReceiptResult
	var toStock bool
	err := runOperation(ctx, "ReceiveFromFabricator", func(ctx context.Context) error {
		if err := received.Validate("received"); err != nil {
			return err
		}
		if received.Total() == 0 {
			return &ValidationError{Field: "received", Message: "vector cannot be empty"}
		}
		received = received.CountsOnly()

		release, err := utils.AdvisoryLock(ctx, SourceTypeProcessingJob, jobId, "models", "ReceiveFromFabricator")
		if err != nil {
			return err
		}
		defer release()

		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			job, err := lockProcessingJob(tx, jobId)
			if err != nil {
				return err
			}
			if !job.IsExternal {
				return &ValidationError{Field: "job_id", Message: "job is not assigned to an external fabricator"}
			}
			if job.Status == ProcessingStatusProcessed {
				return ErrAlreadyCompleted
			}

			vector, complete, err := ApplyReceipt(job.Vector, received, utils.FormatDate(time.Now()))
			if err != nil {
				return err
			}
			job.Vector = vector
			updates := map[string]interface{}{"vector": vector}
			if complete {
				now := time.Now().UTC()
				job.Status = ProcessingStatusProcessed
				job.Stage = FinishedStage
				job.CompletedAt = &now
				updates["status"] = job.Status
				updates["stage"] = job.Stage
				updates["completed_at"] = job.CompletedAt
			} else {
				job.Status = ProcessingStatusInProcess
				updates["status"] = job.Status
			}
			if err := tx.Model(job).Updates(updates).Error; err != nil {
				return err
			}
			if err := accrueWage(tx, job, received.Total()); err != nil {
				return err
			}

			if job.OrderId == nil {
				toStock = true
				if err := convertToStock(tx, job.ProductId, received, job.ID); err != nil {
					return err
				}
				if complete {
					if err := tx.Delete(job).Error; err != nil {
						return err
					}
				}
			}
			touched.add(job.OrderId)

			result = &ReceiptResult{
				JobId:         job.ID,
				Status:        job.Status,
				Stage:         job.Stage,
				TotalSent:     job.Vector.Total(),
				TotalReceived: job.Vector.Meta.ReceivedTotal(),
				Wage:          Wage(received.Total(), job.Rate),
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if toStock {
		metrics.Default().AddPieces(PositionStock, received.Total())
	} else {
		metrics.Default().AddPieces(PositionFinished, received.Total())
	}
	return result, nil
}
