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

// ProcessingJob is one worker's assignment at one pipeline stage. Stage 1 jobs draw from
// CutBatchId, later stages from ParentJobId. Vector holds the pieces currently at this
// position; SentVector keeps what was originally assigned.
type ProcessingJob struct {
	ID                 int              `gorm:"primary_key" json:"id"`
	OrderId            *int             `gorm:"index" json:"order_id"`
	ProductId          int              `gorm:"index;not null" json:"product_id"`
	Stage              int              `gorm:"index;not null" json:"stage"`
	EmployeeId         *int             `gorm:"index" json:"employee_id"`
	Status             ProcessingStatus `gorm:"type:enum('in_queue','in_process','processed');not null;default:'in_queue'" json:"status"`
	Vector             QuantityVector   `gorm:"type:json;not null" json:"vector"`
	SentVector         QuantityVector   `gorm:"type:json;not null" json:"sent_vector"`
	Rate               decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"rate"`
	CutBatchId         *int             `gorm:"index" json:"cut_batch_id"`
	ParentJobId        *int             `gorm:"index" json:"parent_job_id"`
	IsExternal         bool             `gorm:"not null;default:false" json:"is_external"`
	IsStockFulfillment bool             `gorm:"not null;default:false" json:"is_stock_fulfillment"`
	CreatedBy          int              `json:"created_by"`
	CompletedAt        *time.Time       `json:"completed_at"`
	CreatedAt          time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProcessingAssignment struct {
	SourceId    int                   `json:"source_id" validate:"required"`
	Stage       int                   `json:"stage" validate:"min=1,max=7"`
	Assignments []NewWorkerAssignment `json:"assignments" validate:"dive"`
	StockUsed   *QuantityVector       `json:"stock_used"`
}

type NewWorkerAssignment struct {
	EmployeeId int              `json:"employee_id" validate:"required"`
	Vector     QuantityVector   `json:"vector"`
	Rate       *decimal.Decimal `json:"rate"`
}

type ProcessingAssignmentResult struct {
	JobIds []int `json:"job_ids"`
	// terminal stage-8 record carrying the pieces fulfilled from sellable stock
	FulfillmentJobId *int `json:"fulfillment_job_id"`
	SourceConsumed   bool `json:"source_consumed"`
}

type AvailableSource struct {
	SourceType string         `json:"source_type"`
	Id         int            `json:"id"`
	OrderId    *int           `json:"order_id"`
	ProductId  int            `json:"product_id"`
	Pattern    string         `json:"pattern,omitempty"`
	Stage      int            `json:"stage"`
	EmployeeId *int           `json:"employee_id,omitempty"`
	Vector     QuantityVector `json:"vector"`
}

const (
	SourceTypeCutBatch      = "cut_batch"
	SourceTypeProcessingJob = "processing_job"
)

// OnBoard reports whether the job still holds pieces at its position.
func (j ProcessingJob) OnBoard() bool {
	if j.IsExternal {
		return j.Vector.Total() > j.Vector.Meta.Packed
	}
	return !j.Vector.IsZero()
}

// IsSource reports whether later stages may draw from the job.
func (j ProcessingJob) IsSource() bool {
	return !j.IsExternal && !j.IsStockFulfillment && j.Stage < FinishedStage && !j.Vector.IsZero()
}

func (input *NewProcessingAssignment) validate() (QuantityVector, error) {
	if err := validateInput(input); err != nil {
		return QuantityVector{}, err
	}
	stock := QuantityVector{Counts: map[string]int{}}
	if input.StockUsed != nil {
		if err := input.StockUsed.Validate("stock_used"); err != nil {
			return QuantityVector{}, err
		}
		stock = input.StockUsed.CountsOnly()
		if !stock.IsZero() && !config.StockFulfillmentEnabled() {
			return QuantityVector{}, &ValidationError{Field: "stock_used", Message: "stock fulfillment is disabled"}
		}
	}
	if len(input.Assignments) == 0 && stock.IsZero() {
		return QuantityVector{}, &ValidationError{Field: "assignments", Message: "at least one assignment or stock use is required"}
	}
	for i, a := range input.Assignments {
		field := fmt.Sprintf("assignments[%d]", i)
		if err := a.Vector.Validate(field + ".vector"); err != nil {
			return QuantityVector{}, err
		}
		if a.Vector.Total() == 0 {
			return QuantityVector{}, &ValidationError{Field: field + ".vector", Message: "vector cannot be empty"}
		}
		if a.Rate != nil && a.Rate.IsNegative() {
			return QuantityVector{}, &ValidationError{Field: field + ".rate", Message: "cannot be negative"}
		}
	}
	return stock, nil
}

func lockProcessingJob(tx *gorm.DB, id int) (*ProcessingJob, error) {
	var job ProcessingJob
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("processing job", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// pipelineSource is the explicit predecessor of an assignment.
type pipelineSource struct {
	batch *CutBatch
	job   *ProcessingJob
}

func (s pipelineSource) available() QuantityVector {
	if s.batch != nil {
		return s.batch.Vector
	}
	return s.job.Vector
}

func (s pipelineSource) orderId() *int {
	if s.batch != nil {
		return s.batch.OrderId
	}
	return s.job.OrderId
}

func (s pipelineSource) productId() int {
	if s.batch != nil {
		return s.batch.ProductId
	}
	return s.job.ProductId
}

func lockPipelineSource(tx *gorm.DB, stage int, sourceId int) (pipelineSource, error) {
	if stage == FirstStage {
		batch, err := lockCutBatch(tx, sourceId)
		if err != nil {
			return pipelineSource{}, err
		}
		return pipelineSource{batch: batch}, nil
	}
	job, err := lockProcessingJob(tx, sourceId)
	if err != nil {
		return pipelineSource{}, err
	}
	if job.Stage != stage-1 || job.IsExternal || job.IsStockFulfillment {
		return pipelineSource{}, &ValidationError{
			Field:   "source_id",
			Message: fmt.Sprintf("processing job #%d cannot feed stage %d", job.ID, stage),
		}
	}
	return pipelineSource{job: job}, nil
}

// decrement removes assigned pieces from the source. An empty batch is deleted, an
// empty job is marked processed so it is never offered again.
func (s pipelineSource) decrement(tx *gorm.DB, assigned QuantityVector) (bool, error) {
	if s.batch != nil {
		if err := decrementCutBatch(tx, s.batch, assigned); err != nil {
			return false, err
		}
		return s.batch.Vector.IsZero(), nil
	}
	left, shortfalls := s.job.Vector.Minus(assigned)
	if len(shortfalls) > 0 {
		return false, &OverAssignmentError{Shortfalls: shortfalls}
	}
	updates := map[string]interface{}{"vector": left}
	consumed := left.IsZero()
	if consumed && s.job.Status != ProcessingStatusProcessed {
		now := time.Now().UTC()
		updates["status"] = ProcessingStatusProcessed
		updates["completed_at"] = &now
	}
	s.job.Vector = left
	return consumed, tx.Model(s.job).Updates(updates).Error
}

// AssignProcessing moves pieces from an explicit source into stage jobs, optionally
// covering part of the request from sellable stock.
func AssignProcessing(ctx context.Context, input *NewProcessingAssignment) (*ProcessingAssignmentResult, error) {
	result := &ProcessingAssignmentResult{JobIds: []int{}}
	err := runOperation(ctx, "AssignProcessing", func(ctx context.Context) error {
		stock, err := input.validate()
		if err != nil {
			return err
		}
		workers := QuantityVector{Counts: map[string]int{}}
		employeeIds := make([]int, 0, len(input.Assignments))
		for _, a := range input.Assignments {
			workers = workers.Plus(a.Vector)
			employeeIds = append(employeeIds, a.EmployeeId)
		}
		requested := workers.Plus(stock)

		lockType := SourceTypeProcessingJob
		if input.Stage == FirstStage {
			lockType = SourceTypeCutBatch
		}
		release, err := utils.AdvisoryLock(ctx, lockType, input.SourceId, "models", "AssignProcessing")
		if err != nil {
			return err
		}
		defer release()

		actorId := utils.ActorIdOrSystem(ctx)
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			source, err := lockPipelineSource(tx, input.Stage, input.SourceId)
			if err != nil {
				return err
			}
			orderId := source.orderId()
			productId := source.productId()
			employees, err := fetchEmployees(tx, employeeIds)
			if err != nil {
				return err
			}

			var taken []SellableStock
			if !stock.IsZero() {
				if orderId == nil {
					return &ValidationError{Field: "stock_used", Message: "internal stock production cannot draw from sellable stock"}
				}
				taken, err = consumeStockFIFO(tx, productId, stock)
				if err != nil {
					return err
				}
			}

			if err := CheckAssignable(source.available(), requested); err != nil {
				return err
			}

			defaultRate, err := stageRate(tx, productId, input.Stage)
			if err != nil {
				return err
			}
			for _, a := range input.Assignments {
				employeeId := a.EmployeeId
				rate := defaultRate
				if a.Rate != nil {
					rate = *a.Rate
				}
				vector := a.Vector.CountsOnly()
				job := ProcessingJob{
					OrderId:    orderId,
					ProductId:  productId,
					Stage:      input.Stage,
					EmployeeId: &employeeId,
					Status:     ProcessingStatusInQueue,
					Vector:     vector,
					SentVector: vector.Clone(),
					Rate:       rate,
					IsExternal: employees[employeeId].Role == EmployeeRoleExternalFabricator,
					CreatedBy:  actorId,
				}
				source.link(&job)
				if err := tx.Create(&job).Error; err != nil {
					return err
				}
				result.JobIds = append(result.JobIds, job.ID)
			}

			if !stock.IsZero() {
				now := time.Now().UTC()
				vector := stock.Clone()
				vector.Meta.Stock = make(map[int]int, len(taken))
				for _, s := range taken {
					vector.Meta.Stock[s.ID] = 1
				}
				fulfillment := ProcessingJob{
					OrderId:            orderId,
					ProductId:          productId,
					Stage:              FinishedStage,
					Status:             ProcessingStatusProcessed,
					Vector:             vector,
					SentVector:         stock.Clone(),
					Rate:               decimal.Zero,
					IsStockFulfillment: true,
					CreatedBy:          actorId,
					CompletedAt:        &now,
				}
				source.link(&fulfillment)
				if err := tx.Create(&fulfillment).Error; err != nil {
					return err
				}
				result.FulfillmentJobId = &fulfillment.ID
			}

			consumed, err := source.decrement(tx, requested)
			if err != nil {
				return err
			}
			result.SourceConsumed = consumed
			touched.add(orderId)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s pipelineSource) link(job *ProcessingJob) {
	if s.batch != nil {
		id := s.batch.ID
		job.CutBatchId = &id
		return
	}
	id := s.job.ID
	job.ParentJobId = &id
}

// StartStage moves a queued job onto the worker's bench.
func StartStage(ctx context.Context, jobId int) (*ProcessingJob, error) {
	var job *ProcessingJob
	err := runOperation(ctx, "StartStage", func(ctx context.Context) error {
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			var err error
			job, err = lockProcessingJob(tx, jobId)
			if err != nil {
				return err
			}
			switch job.Status {
			case ProcessingStatusProcessed:
				return ErrAlreadyCompleted
			case ProcessingStatusInProcess:
				return nil
			}
			job.Status = ProcessingStatusInProcess
			touched.add(job.OrderId)
			return tx.Model(job).Update("status", job.Status).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteStage finishes a job. Stage 7 completion promotes the job to finished goods
// and accrues the worker's wage. Internal stock output goes straight to sellable stock.
func CompleteStage(ctx context.Context, jobId int) (*ProcessingJob, error) {
	var job *ProcessingJob
	var finishedPieces int
	var toStock bool
	err := runOperation(ctx, "CompleteStage", func(ctx context.Context) error {
		release, err := utils.AdvisoryLock(ctx, SourceTypeProcessingJob, jobId, "models", "CompleteStage")
		if err != nil {
			return err
		}
		defer release()

		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			job, err = lockProcessingJob(tx, jobId)
			if err != nil {
				return err
			}
			if job.Status == ProcessingStatusProcessed {
				return ErrAlreadyCompleted
			}
			if job.IsExternal {
				return &ValidationError{Field: "job_id", Message: "external fabricator jobs complete through receipts"}
			}

			now := time.Now().UTC()
			job.Status = ProcessingStatusProcessed
			job.CompletedAt = &now
			updates := map[string]interface{}{
				"status":       job.Status,
				"completed_at": job.CompletedAt,
			}
			touched.add(job.OrderId)

			if job.Stage != LastWorkStage {
				return tx.Model(job).Updates(updates).Error
			}

			finishedPieces = job.Vector.Total()
			if err := accrueWage(tx, job, finishedPieces); err != nil {
				return err
			}
			job.Stage = FinishedStage
			updates["stage"] = job.Stage
			if err := tx.Model(job).Updates(updates).Error; err != nil {
				return err
			}
			if job.OrderId != nil {
				return nil
			}
			toStock = true
			if err := convertToStock(tx, job.ProductId, job.Vector, job.ID); err != nil {
				return err
			}
			return tx.Delete(job).Error
		})
	})
	if err != nil {
		return nil, err
	}
	if toStock {
		metrics.Default().AddPieces(PositionStock, finishedPieces)
	} else {
		metrics.Default().AddPieces(PositionFinished, finishedPieces)
	}
	return job, nil
}

// Wage is pieces x rate.
func Wage(pieces int, rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(int64(pieces)))
}

func accrueWage(tx *gorm.DB, job *ProcessingJob, pieces int) error {
	if job.EmployeeId == nil || pieces <= 0 {
		return nil
	}
	amount := Wage(pieces, job.Rate)
	if amount.IsZero() {
		return nil
	}
	_, err := AppendLedgerEntry(tx, LedgerPosting{
		StreamType:    LedgerStreamEmployee,
		StreamId:      *job.EmployeeId,
		Amount:        amount,
		ReferenceType: LedgerReferenceWage,
		ReferenceId:   job.ID,
		Note:          fmt.Sprintf("stage %d: %d pieces x %s", job.Stage, pieces, job.Rate.String()),
	})
	return err
}

// ListAvailableSources lists what a stage may draw from: cut batches for stage 1,
// non-empty stage N-1 jobs otherwise.
func ListAvailableSources(ctx context.Context, stage int, orderId *int) ([]AvailableSource, error) {
	if stage < FirstStage || stage > LastWorkStage {
		return nil, &ValidationError{Field: "stage", Message: fmt.Sprintf("must be between %d and %d", FirstStage, LastWorkStage)}
	}
	results := []AvailableSource{}
	if stage == FirstStage {
		batches, err := ListCutBatches(ctx, orderId, nil)
		if err != nil {
			return nil, err
		}
		for _, b := range batches {
			results = append(results, AvailableSource{
				SourceType: SourceTypeCutBatch,
				Id:         b.ID,
				OrderId:    b.OrderId,
				ProductId:  b.ProductId,
				Pattern:    b.Pattern,
				Stage:      0,
				Vector:     b.Vector.CountsOnly(),
			})
		}
		return results, nil
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("stage = ? AND is_external = ? AND is_stock_fulfillment = ?", stage-1, false, false)
	if orderId != nil {
		dbCtx = dbCtx.Where("order_id = ?", *orderId)
	}
	var jobs []*ProcessingJob
	if err := dbCtx.Order("id").Find(&jobs).Error; err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if !j.IsSource() {
			continue
		}
		results = append(results, AvailableSource{
			SourceType: SourceTypeProcessingJob,
			Id:         j.ID,
			OrderId:    j.OrderId,
			ProductId:  j.ProductId,
			Stage:      j.Stage,
			EmployeeId: j.EmployeeId,
			Vector:     j.Vector.CountsOnly(),
		})
	}
	return results, nil
}

// ListBoard returns the jobs still holding pieces, optionally for one stage or order.
func ListBoard(ctx context.Context, stage *int, orderId *int) ([]*ProcessingJob, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if stage != nil {
		dbCtx = dbCtx.Where("stage = ?", *stage)
	}
	if orderId != nil {
		dbCtx = dbCtx.Where("order_id = ?", *orderId)
	}
	var jobs []*ProcessingJob
	if err := dbCtx.Order("stage").Order("id").Find(&jobs).Error; err != nil {
		return nil, err
	}
	results := make([]*ProcessingJob, 0, len(jobs))
	for _, j := range jobs {
		if j.OnBoard() {
			results = append(results, j)
		}
	}
	return results, nil
}
