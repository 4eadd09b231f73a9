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

// Dispatch is finished goods of a client order that left stage 8.
type Dispatch struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     int             `gorm:"index;not null" json:"order_id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	Vector      QuantityVector  `gorm:"type:json;not null" json:"vector"`
	Status      DispatchStatus  `gorm:"type:enum('packed','delivered');not null;default:'packed'" json:"status"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	CreatedBy   int             `json:"created_by"`
	PackedAt    time.Time       `json:"packed_at"`
	DeliveredAt *time.Time      `json:"delivered_at"`
}

// PackableVector is what a finished job can still hand over to packing.
// Fabricator jobs pack what came back minus what was already packed.
func PackableVector(job ProcessingJob) QuantityVector {
	if !job.IsExternal {
		if job.Stage != FinishedStage {
			return QuantityVector{Counts: map[string]int{}}
		}
		return job.Vector.CountsOnly()
	}
	received := QuantityVector{Counts: job.Vector.Meta.Received}
	left := QuantityVector{Counts: map[string]int{}}
	for _, size := range received.Sizes() {
		if n := received.Get(size) - job.Vector.Meta.PackedSizes[size]; n > 0 {
			left.Counts[size] = n
		}
	}
	return left
}

// AllocatePacking splits requested over the packable vectors in order, taking from the
// earliest first. Callers check that requested is covered.
func AllocatePacking(packable []QuantityVector, requested QuantityVector) []QuantityVector {
	out := make([]QuantityVector, len(packable))
	want := requested.CountsOnly().Clone()
	for i, p := range packable {
		take := QuantityVector{Counts: map[string]int{}}
		for _, size := range p.Sizes() {
			n := min(p.Get(size), want.Get(size))
			if n <= 0 {
				continue
			}
			take.Counts[size] = n
			want.Counts[size] -= n
		}
		out[i] = take
	}
	return out
}

// PackFinishedGoods moves stage-8 pieces of an order into a packed dispatch. A nil
// requested vector packs everything packable.
func PackFinishedGoods(ctx context.Context, orderId int, productId int, requested *QuantityVector) (*Dispatch, error) {
	var dispatch *Dispatch
	err := runOperation(ctx, "PackFinishedGoods", func(ctx context.Context) error {
		if requested != nil {
			if err := requested.Validate("vector"); err != nil {
				return err
			}
			if requested.Total() == 0 {
				return &ValidationError{Field: "vector", Message: "vector cannot be empty"}
			}
		}

		release, err := utils.AdvisoryLock(ctx, "order", orderId, "models", "PackFinishedGoods")
		if err != nil {
			return err
		}
		defer release()

		actorId := utils.ActorIdOrSystem(ctx)
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			order, err := lockOrder(tx, orderId)
			if err != nil {
				return err
			}
			if order.Status == OrderStatusCancelled {
				return &ValidationError{Field: "order_id", Message: "order is cancelled"}
			}
			if _, err := findOrderItem(tx, orderId, productId); err != nil {
				return err
			}

			var jobs []*ProcessingJob
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("order_id = ? AND product_id = ?", orderId, productId).
				Where("stage = ? OR is_external = ?", FinishedStage, true).
				Order("id").
				Find(&jobs).Error; err != nil {
				return err
			}
			packable := make([]QuantityVector, len(jobs))
			for i, j := range jobs {
				packable[i] = PackableVector(*j)
			}
			total := SumVectors(packable...)

			want := total.CountsOnly()
			if requested != nil {
				want = requested.CountsOnly()
			}
			if want.IsZero() {
				return &ValidationError{Field: "vector", Message: "nothing to pack"}
			}
			if err := CheckAssignable(total, want); err != nil {
				return err
			}

			for i, take := range AllocatePacking(packable, want) {
				if take.IsZero() {
					continue
				}
				job := jobs[i]
				if job.IsExternal {
					job.Vector.Meta.PackedSizes = sumMaps(job.Vector.Meta.PackedSizes, take.Counts)
					job.Vector.Meta.Packed += take.Total()
				} else {
					left, shortfalls := job.Vector.Minus(take)
					if len(shortfalls) > 0 {
						return &OverAssignmentError{Shortfalls: shortfalls}
					}
					job.Vector = left
				}
				if err := tx.Model(job).Update("vector", job.Vector).Error; err != nil {
					return err
				}
			}

			dispatch = &Dispatch{
				OrderId:   orderId,
				ProductId: productId,
				Vector:    want,
				Status:    DispatchStatusPacked,
				CreatedBy: actorId,
				PackedAt:  time.Now().UTC(),
			}
			if err := tx.Create(dispatch).Error; err != nil {
				return err
			}
			touched.add(&orderId)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.Default().AddPieces(PositionPacked, dispatch.Vector.Total())
	return dispatch, nil
}

// DeliverDispatch marks a packed dispatch delivered and charges the client. The order
// closes once every item has been delivered in full.
func DeliverDispatch(ctx context.Context, dispatchId int) (*Dispatch, error) {
	var dispatch Dispatch
	err := runOperation(ctx, "DeliverDispatch", func(ctx context.Context) error {
		db := config.GetDB()
		var orderId int
		err := db.WithContext(ctx).Model(&Dispatch{}).Select("order_id").Where("id = ?", dispatchId).Scan(&orderId).Error
		if err != nil {
			return err
		}
		if orderId == 0 {
			return notFound("dispatch", dispatchId)
		}

		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			order, err := lockOrder(tx, orderId)
			if err != nil {
				return err
			}
			err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dispatch, dispatchId).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("dispatch", dispatchId)
			}
			if err != nil {
				return err
			}
			if dispatch.Status == DispatchStatusDelivered {
				return ErrAlreadyCompleted
			}
			item, err := findOrderItem(tx, order.ID, dispatch.ProductId)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			dispatch.Status = DispatchStatusDelivered
			dispatch.DeliveredAt = &now
			dispatch.Amount = item.UnitPrice.Mul(decimal.NewFromInt(int64(dispatch.Vector.Total())))
			if err := tx.Model(&dispatch).Updates(map[string]interface{}{
				"status":       dispatch.Status,
				"delivered_at": dispatch.DeliveredAt,
				"amount":       dispatch.Amount,
			}).Error; err != nil {
				return err
			}
			if _, err := AppendLedgerEntry(tx, LedgerPosting{
				StreamType:    LedgerStreamClient,
				StreamId:      order.ClientId,
				Amount:        dispatch.Amount,
				ReferenceType: LedgerReferenceDelivery,
				ReferenceId:   dispatch.ID,
				Note:          fmt.Sprintf("order %s: delivered %d pieces", order.OrderNumber, dispatch.Vector.Total()),
			}); err != nil {
				return err
			}

			done, err := orderFullyDelivered(tx, order.ID)
			if err != nil {
				return err
			}
			if done && order.Status != OrderStatusClosed {
				if err := tx.Model(order).Update("status", OrderStatusClosed).Error; err != nil {
					return err
				}
			}
			touched.add(&order.ID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.Default().AddPieces(PositionDelivered, dispatch.Vector.Total())
	return &dispatch, nil
}

func orderFullyDelivered(tx *gorm.DB, orderId int) (bool, error) {
	var items []OrderItem
	if err := tx.Where("order_id = ?", orderId).Find(&items).Error; err != nil {
		return false, err
	}
	var delivered []Dispatch
	if err := tx.Where("order_id = ? AND status = ?", orderId, DispatchStatusDelivered).Find(&delivered).Error; err != nil {
		return false, err
	}
	byProduct := make(map[int]QuantityVector)
	for _, d := range delivered {
		byProduct[d.ProductId] = byProduct[d.ProductId].Plus(d.Vector)
	}
	for _, item := range items {
		if !byProduct[item.ProductId].Covers(item.Demand.CountsOnly()) {
			return false, nil
		}
	}
	return len(items) > 0, nil
}

// SetDeliveredOverride sets or clears the administrative "Delivered" flag of an order.
func SetDeliveredOverride(ctx context.Context, orderId int, flag *bool) (*Order, error) {
	var order *Order
	err := runOperation(ctx, "SetDeliveredOverride", func(ctx context.Context) error {
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			var err error
			order, err = lockOrder(tx, orderId)
			if err != nil {
				return err
			}
			order.DeliveredOverride = flag
			if err := tx.Model(order).Update("delivered_override", flag).Error; err != nil {
				return err
			}
			touched.add(&orderId)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func ListDispatches(ctx context.Context, orderId int) ([]*Dispatch, error) {
	db := config.GetDB()
	var dispatches []*Dispatch
	if err := db.WithContext(ctx).Where("order_id = ?", orderId).Order("id").Find(&dispatches).Error; err != nil {
		return nil, err
	}
	return dispatches, nil
}
