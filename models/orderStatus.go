package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/utils"
	"gorm.io/gorm"
)

// OrderPositions sums an order's pieces at every pipeline position.
type OrderPositions struct {
	Demand     QuantityVector `json:"demand"`
	CutStock   QuantityVector `json:"cut_stock"`
	Processing QuantityVector `json:"processing"`
	Finished   QuantityVector `json:"finished"`
	Packed     QuantityVector `json:"packed"`
	Delivered  QuantityVector `json:"delivered"`
}

type OrderStatusReport struct {
	OrderId    int              `json:"order_id"`
	Status     ReconciledStatus `json:"status"`
	Overridden bool             `json:"overridden"`
	OrderPositions
}

// ClassifyOrderStatus derives the human-facing status from piece positions. The first
// matching rule wins; a Delivered override beats every computed value. Completed means
// everything sits at stage 8 and nothing has left yet.
func ClassifyOrderStatus(p OrderPositions, overrideDelivered *bool) ReconciledStatus {
	if overrideDelivered != nil && *overrideDelivered {
		return ReconciledDelivered
	}
	demand := p.Demand.Total()
	delivered := p.Delivered.Total()
	dispatched := delivered + p.Packed.Total()
	finished := p.Finished.Total()

	switch {
	case demand > 0 && delivered == demand:
		return ReconciledDelivered
	case demand > 0 && dispatched == demand:
		return ReconciledPacked
	case demand > 0 && dispatched == 0 && finished == demand:
		return ReconciledCompleted
	case p.Processing.Total() > 0 || finished > 0 || dispatched > 0:
		return ReconciledProcessing
	case p.CutStock.Total() > 0:
		return ReconciledInCutStock
	default:
		return ReconciledPending
	}
}

// jobPositions splits a processing job between the in-progress and finished positions.
func jobPositions(job ProcessingJob) (processing QuantityVector, finished QuantityVector) {
	empty := QuantityVector{Counts: map[string]int{}}
	if job.IsExternal {
		received := QuantityVector{Counts: job.Vector.Meta.Received}
		outstanding, _ := job.Vector.CountsOnly().Minus(received.CountsOnly())
		return outstanding.CountsOnly(), PackableVector(job)
	}
	if job.Stage == FinishedStage {
		return empty, job.Vector.CountsOnly()
	}
	return job.Vector.CountsOnly(), empty
}

// ReconcileOrderStatus walks the order's batches, jobs and dispatches. It never writes.
func ReconcileOrderStatus(ctx context.Context, orderId int) (*OrderStatusReport, error) {
	memoise := config.OrderStatusCacheEnabled()
	var generation int64
	if memoise {
		cached, err := utils.RetrieveRedis[OrderStatusReport](orderId)
		if err != nil {
			config.LogError(config.GetLogger(), "models", "ReconcileOrderStatus", "redis read failed", orderId, err)
		} else if cached != nil {
			return cached, nil
		}
		// read before the positions so a commit landing mid-walk blocks the write-back
		generation, err = utils.RetrieveRedisGeneration[OrderStatusReport](orderId)
		if err != nil {
			config.LogError(config.GetLogger(), "models", "ReconcileOrderStatus", "redis read failed", orderId, err)
			memoise = false
		}
	}

	var report *OrderStatusReport
	err := runOperation(ctx, "ReconcileOrderStatus", func(ctx context.Context) error {
		db := config.GetDB().WithContext(ctx)

		var order Order
		err := db.Preload("Items").First(&order, orderId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("order", orderId)
		}
		if err != nil {
			return err
		}

		p := OrderPositions{}
		for _, item := range order.Items {
			p.Demand = p.Demand.Plus(item.Demand.CountsOnly())
		}

		var batches []CutBatch
		if err := db.Where("order_id = ?", orderId).Find(&batches).Error; err != nil {
			return err
		}
		for _, b := range batches {
			p.CutStock = p.CutStock.Plus(b.Vector.CountsOnly())
		}

		var jobs []ProcessingJob
		if err := db.Where("order_id = ?", orderId).Find(&jobs).Error; err != nil {
			return err
		}
		for _, j := range jobs {
			processing, finished := jobPositions(j)
			p.Processing = p.Processing.Plus(processing)
			p.Finished = p.Finished.Plus(finished)
		}

		// dispatch history is optional
		if db.Migrator().HasTable(&Dispatch{}) {
			var dispatches []Dispatch
			if err := db.Where("order_id = ?", orderId).Find(&dispatches).Error; err != nil {
				return err
			}
			for _, d := range dispatches {
				if d.Status == DispatchStatusDelivered {
					p.Delivered = p.Delivered.Plus(d.Vector.CountsOnly())
				} else {
					p.Packed = p.Packed.Plus(d.Vector.CountsOnly())
				}
			}
		}

		report = &OrderStatusReport{
			OrderId:        orderId,
			Status:         ClassifyOrderStatus(p, order.DeliveredOverride),
			Overridden:     order.DeliveredOverride != nil && *order.DeliveredOverride,
			OrderPositions: p,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if memoise {
		memoiseOrderStatus(report, generation)
	}
	return report, nil
}

// memoiseOrderStatus stores report unless the order was invalidated after generation
// was read. It reports whether the report was stored.
func memoiseOrderStatus(report *OrderStatusReport, generation int64) bool {
	stored, err := utils.StoreRedisIfGeneration[OrderStatusReport](report, report.OrderId, generation, config.OrderStatusCacheTTL())
	if err != nil {
		config.LogError(config.GetLogger(), "models", "memoiseOrderStatus", "redis write failed", report.OrderId, err)
		return false
	}
	return stored
}

// invalidateOrderStatus drops memoised statuses after a commit touching the orders and
// bumps their generation so in-flight reconciliations do not write back.
func invalidateOrderStatus(ids ...int) {
	if len(ids) == 0 || !config.OrderStatusCacheEnabled() {
		return
	}
	if err := utils.InvalidateRedisItem[OrderStatusReport](ids...); err != nil {
		config.LogError(config.GetLogger(), "models", "invalidateOrderStatus", "redis delete failed", ids, err)
	}
}
