package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/metrics"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CuttingJob is one cutter's assignment against (order, product). OrderId nil means
// internal stock production.
type CuttingJob struct {
	ID        int    `gorm:"primary_key" json:"id"`
	OrderId   *int   `gorm:"index" json:"order_id"`
	ProductId int    `gorm:"index;not null" json:"product_id"`
	Pattern   string `gorm:"size:100;not null;default:''" json:"pattern"`
	// nil for phantom jobs created by stock transfers
	EmployeeId   *int             `gorm:"index" json:"employee_id"`
	Vector       QuantityVector   `gorm:"type:json;not null" json:"vector"`
	FabricRollId *int             `json:"fabric_roll_id"`
	FabricLength int              `gorm:"not null;default:0" json:"fabric_length"`
	Status       CuttingJobStatus `gorm:"type:enum('pending','completed');not null;default:'pending'" json:"status"`
	CutBatchId   *int             `gorm:"index" json:"cut_batch_id"`
	IsPhantom    bool             `gorm:"not null;default:false" json:"is_phantom"`
	// order the pieces of a phantom job were transferred out of
	SourceOrderId *int       `gorm:"index" json:"source_order_id"`
	CreatedBy     int        `json:"created_by"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCuttingJob struct {
	OrderId     *int                   `json:"order_id"`
	ProductId   int                    `json:"product_id" validate:"required"`
	Pattern     string                 `json:"pattern" validate:"max=100"`
	Assignments []NewCuttingAssignment `json:"assignments" validate:"required,min=1,dive"`
}

type NewCuttingAssignment struct {
	EmployeeId   int              `json:"employee_id" validate:"required"`
	Vector       QuantityVector   `json:"vector"`
	FabricRollId *int             `json:"fabric_roll_id"`
	FabricLength *decimal.Decimal `json:"fabric_length"`
}

type PendingOrder struct {
	OrderId     int                `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	ClientId    int                `json:"client_id"`
	Status      OrderStatus        `json:"status"`
	Items       []PendingOrderItem `json:"items"`
}

type PendingOrderItem struct {
	ProductId int            `json:"product_id"`
	Remaining QuantityVector `json:"remaining"`
}

// validate returns the rounded fabric length per assignment (0 when no roll is consumed).
func (input *NewCuttingJob) validate() ([]int, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	lengths := make([]int, len(input.Assignments))
	for i, a := range input.Assignments {
		field := fmt.Sprintf("assignments[%d]", i)
		if err := a.Vector.Validate(field + ".vector"); err != nil {
			return nil, err
		}
		if a.Vector.Total() == 0 {
			return nil, &ValidationError{Field: field + ".vector", Message: "vector cannot be empty"}
		}
		if a.FabricRollId == nil {
			if a.FabricLength != nil {
				return nil, &ValidationError{Field: field + ".fabric_length", Message: "fabric length requires a roll"}
			}
			continue
		}
		if a.FabricLength == nil {
			return nil, &ValidationError{Field: field + ".fabric_length", Message: "required when a roll is given"}
		}
		units := utils.RoundToUnits(*a.FabricLength)
		if units <= 0 {
			return nil, &ValidationError{Field: field + ".fabric_length", Message: "must be at least one unit"}
		}
		lengths[i] = units
	}
	return lengths, nil
}

// RemainingDemand is demand minus what was already assigned to cutting, per size, floored at zero.
// Sizes outside demand have nothing remaining.
func RemainingDemand(demand QuantityVector, assigned QuantityVector) QuantityVector {
	remaining := QuantityVector{Counts: make(map[string]int, len(demand.Counts))}
	for size, want := range demand.Counts {
		if left := want - assigned.Get(size); left > 0 {
			remaining.Counts[size] = left
		}
	}
	return remaining
}

// NetAssigned sums the cut vectors of an order, less the pieces transferred out of it.
func NetAssigned(assigned []QuantityVector, transferredOut []QuantityVector) QuantityVector {
	net := SumVectors(assigned...)
	for size, n := range SumVectors(transferredOut...).Counts {
		net.Counts[size] -= n
		if net.Counts[size] <= 0 {
			delete(net.Counts, size)
		}
	}
	return net
}

// CheckAssignable rejects requested when it exceeds available for any size.
func CheckAssignable(available QuantityVector, requested QuantityVector) error {
	if shortfalls := available.Shortfalls(requested); len(shortfalls) > 0 {
		return &OverAssignmentError{Shortfalls: shortfalls}
	}
	return nil
}

func assignedCutVector(tx *gorm.DB, orderId int, productId int) (QuantityVector, error) {
	var assigned, transferred []CuttingJob
	if err := tx.Select("id", "vector").Where("order_id = ? AND product_id = ?", orderId, productId).Find(&assigned).Error; err != nil {
		return QuantityVector{}, err
	}
	if err := tx.Select("id", "vector").Where("source_order_id = ? AND product_id = ? AND is_phantom = ?", orderId, productId, true).Find(&transferred).Error; err != nil {
		return QuantityVector{}, err
	}
	return NetAssigned(jobVectors(assigned), jobVectors(transferred)), nil
}

func jobVectors(jobs []CuttingJob) []QuantityVector {
	vectors := make([]QuantityVector, 0, len(jobs))
	for _, j := range jobs {
		vectors = append(vectors, j.Vector)
	}
	return vectors
}

// StartCuttingJob creates one cutting job per assignment, deducting fabric rolls in the
// same transaction. Returns the created job ids.
func StartCuttingJob(ctx context.Context, input *NewCuttingJob) ([]int, error) {
	var jobIds []int
	fabricUsed := 0
	err := runOperation(ctx, "StartCuttingJob", func(ctx context.Context) error {
		lengths, err := input.validate()
		if err != nil {
			return err
		}

		var rollIds, employeeIds []int
		requested := QuantityVector{Counts: map[string]int{}}
		for i, a := range input.Assignments {
			employeeIds = append(employeeIds, a.EmployeeId)
			requested = requested.Plus(a.Vector)
			if a.FabricRollId != nil {
				rollIds = append(rollIds, *a.FabricRollId)
				fabricUsed += lengths[i]
			}
		}

		if input.OrderId != nil {
			release, err := utils.AdvisoryLock(ctx, "order", *input.OrderId, "models", "StartCuttingJob")
			if err != nil {
				return err
			}
			defer release()
		}
		release, err := lockSources(ctx, "fabric_roll", rollIds, "StartCuttingJob")
		if err != nil {
			return err
		}
		defer release()

		actorId := utils.ActorIdOrSystem(ctx)
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			var product Product
			if err := tx.Select("id").First(&product, input.ProductId).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound("product", input.ProductId)
				}
				return err
			}
			if _, err := fetchEmployees(tx, employeeIds); err != nil {
				return err
			}

			var order *Order
			if input.OrderId != nil {
				order, err = lockOrder(tx, *input.OrderId)
				if err != nil {
					return err
				}
				if order.Status.IsTerminal() {
					return &ValidationError{Field: "order_id", Message: fmt.Sprintf("order is %s", order.Status)}
				}
				item, err := findOrderItem(tx, order.ID, input.ProductId)
				if err != nil {
					return err
				}
				assigned, err := assignedCutVector(tx, order.ID, input.ProductId)
				if err != nil {
					return err
				}
				if err := CheckAssignable(RemainingDemand(item.Demand, assigned), requested); err != nil {
					return err
				}
			}

			// rolls are deducted in ascending id order, types first
			if err := lockRollTypes(tx, rollIds); err != nil {
				return err
			}
			byRoll := make([]int, 0, len(input.Assignments))
			for i, a := range input.Assignments {
				if a.FabricRollId != nil {
					byRoll = append(byRoll, i)
				}
			}
			sort.SliceStable(byRoll, func(x, y int) bool {
				return *input.Assignments[byRoll[x]].FabricRollId < *input.Assignments[byRoll[y]].FabricRollId
			})
			balances := make(map[int]int, len(byRoll))
			for _, i := range byRoll {
				roll, err := DeductFabricRoll(tx, *input.Assignments[i].FabricRollId, lengths[i])
				if err != nil {
					return err
				}
				balances[i] = roll.Length
			}

			for i, a := range input.Assignments {
				employeeId := a.EmployeeId
				vector := a.Vector.CountsOnly()
				if a.FabricRollId != nil {
					vector.Meta.Fabric = map[int]int{*a.FabricRollId: lengths[i]}
				}
				job := CuttingJob{
					OrderId:      input.OrderId,
					ProductId:    input.ProductId,
					Pattern:      input.Pattern,
					EmployeeId:   &employeeId,
					Vector:       vector,
					FabricRollId: a.FabricRollId,
					FabricLength: lengths[i],
					Status:       CuttingJobStatusPending,
					CreatedBy:    actorId,
				}
				if err := tx.Create(&job).Error; err != nil {
					return err
				}
				jobIds = append(jobIds, job.ID)

				if a.FabricRollId != nil {
					usage := FabricUsageLog{
						CuttingJobId: job.ID,
						FabricRollId: *a.FabricRollId,
						UsedLength:   lengths[i],
						BalanceAfter: balances[i],
						CreatedBy:    actorId,
					}
					if err := tx.Create(&usage).Error; err != nil {
						return err
					}
				}
			}

			if order != nil {
				if order.Status == OrderStatusPending {
					if err := tx.Model(order).Update("status", OrderStatusPartiallyCut).Error; err != nil {
						return err
					}
				}
				touched.add(&order.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if fabricUsed > 0 {
		metrics.Default().FabricDeducted.Add(float64(fabricUsed))
	}
	return jobIds, nil
}

// CompleteCutting marks a job done and pools its output. The output is merged into an
// untouched batch of the same (order, product, pattern) when one exists.
func CompleteCutting(ctx context.Context, jobId int) (int, error) {
	var batchId, pieces int
	err := runOperation(ctx, "CompleteCutting", func(ctx context.Context) error {
		release, err := utils.AdvisoryLock(ctx, "cutting_job", jobId, "models", "CompleteCutting")
		if err != nil {
			return err
		}
		defer release()

		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			var job CuttingJob
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, jobId).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("cutting job", jobId)
			}
			if err != nil {
				return err
			}
			if job.Status == CuttingJobStatusCompleted {
				return ErrAlreadyCompleted
			}

			batch, err := mergeIntoCutBatch(tx, &job)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if err := tx.Model(&job).Updates(map[string]interface{}{
				"status":       CuttingJobStatusCompleted,
				"completed_at": &now,
				"cut_batch_id": batch.ID,
			}).Error; err != nil {
				return err
			}
			batchId = batch.ID
			pieces = job.Vector.Total()
			touched.add(job.OrderId)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	metrics.Default().AddPieces(PositionCutStock, pieces)
	return batchId, nil
}

// GetPendingOrders lists non-terminal orders that still have demand left to cut.
func GetPendingOrders(ctx context.Context) ([]PendingOrder, error) {
	db := config.GetDB().WithContext(ctx)
	var orders []Order
	if err := db.Preload("Items").
		Where("status NOT IN ?", []OrderStatus{OrderStatusClosed, OrderStatusCancelled}).
		Order("id").Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []PendingOrder{}, nil
	}
	orderIds := make([]int, 0, len(orders))
	for _, o := range orders {
		orderIds = append(orderIds, o.ID)
	}

	var assigned, transferred []CuttingJob
	if err := db.Select("id", "order_id", "product_id", "vector").Where("order_id IN ?", orderIds).Find(&assigned).Error; err != nil {
		return nil, err
	}
	if err := db.Select("id", "source_order_id", "product_id", "vector").
		Where("source_order_id IN ? AND is_phantom = ?", orderIds, true).Find(&transferred).Error; err != nil {
		return nil, err
	}

	results := []PendingOrder{}
	for _, order := range orders {
		if pending, ok := BuildPendingOrder(order, assigned, transferred); ok {
			results = append(results, pending)
		}
	}
	return results, nil
}

// BuildPendingOrder computes the remaining demand of one order from the cutting jobs
// assigned to it and the phantom jobs transferred out of it.
func BuildPendingOrder(order Order, assigned []CuttingJob, transferred []CuttingJob) (PendingOrder, bool) {
	pending := PendingOrder{
		OrderId:     order.ID,
		OrderNumber: order.OrderNumber,
		ClientId:    order.ClientId,
		Status:      OrderStatusPending,
	}
	anyCut := false
	for _, item := range order.Items {
		var in, out []QuantityVector
		for _, j := range assigned {
			if j.OrderId != nil && *j.OrderId == order.ID && j.ProductId == item.ProductId {
				in = append(in, j.Vector)
			}
		}
		for _, j := range transferred {
			if j.SourceOrderId != nil && *j.SourceOrderId == order.ID && j.ProductId == item.ProductId {
				out = append(out, j.Vector)
			}
		}
		net := NetAssigned(in, out)
		if net.Total() > 0 {
			anyCut = true
		}
		remaining := RemainingDemand(item.Demand, net)
		if remaining.Total() > 0 {
			pending.Items = append(pending.Items, PendingOrderItem{ProductId: item.ProductId, Remaining: remaining})
		}
	}
	if anyCut {
		pending.Status = OrderStatusPartiallyCut
	}
	return pending, len(pending.Items) > 0
}
