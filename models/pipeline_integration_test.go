package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/models"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type pipelineFixture struct {
	client     *models.Client
	cutter     *models.Employee
	worker     *models.Employee
	fabricator *models.Employee
	product    *models.Product
}

func TestProductionPipelineIntegration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "garment_test")
	t.Setenv("ORDER_STATUS_CACHE", "true")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := utils.SetActorIdInContext(context.Background(), 1)
	fx := newPipelineFixture(t, ctx)

	t.Run("full cut through stage seven", func(t *testing.T) {
		demand := qv(map[string]int{"M": 10, "L": 5})
		order := createOrder(t, ctx, fx, "ORD-FULL", demand)
		batchId := cutAll(t, ctx, fx, order.ID, demand)

		res, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    batchId,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: demand}},
		})
		require.NoError(t, err)
		assert.True(t, res.SourceConsumed)
		require.Len(t, res.JobIds, 1)

		var batch models.CutBatch
		err = config.GetDB().First(&batch, batchId).Error
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "empty cut batch must be deleted")

		jobId := res.JobIds[0]
		for stage := 2; stage <= models.LastWorkStage; stage++ {
			next, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
				SourceId:    jobId,
				Stage:       stage,
				Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: demand}},
			})
			require.NoError(t, err, "stage %d", stage)
			require.Len(t, next.JobIds, 1)
			jobId = next.JobIds[0]
		}

		status, err := models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledProcessing, status.Status)

		job, err := models.CompleteStage(ctx, jobId)
		require.NoError(t, err)
		assert.Equal(t, models.FinishedStage, job.Stage)

		_, err = models.CompleteStage(ctx, jobId)
		assert.ErrorIs(t, err, models.ErrAlreadyCompleted)

		balance, err := models.LatestBalance(ctx, models.LedgerStreamEmployee, fx.worker.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(15*100)), "wage balance %s", balance)

		status, err = models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledCompleted, status.Status)
		assert.Equal(t, 15, status.Finished.Total())

		dispatch, err := models.PackFinishedGoods(ctx, order.ID, fx.product.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, demand.Counts, dispatch.Vector.Counts)

		status, err = models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledPacked, status.Status)

		_, err = models.DeliverDispatch(ctx, dispatch.ID)
		require.NoError(t, err)

		status, err = models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledDelivered, status.Status)

		closed, err := models.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusClosed, closed.Status)

		owed, err := models.LatestBalance(ctx, models.LedgerStreamClient, fx.client.ID)
		require.NoError(t, err)
		assert.True(t, owed.Equal(decimal.NewFromInt(15*20)), "client balance %s", owed)

		outbox, err := models.GetLedgerOutboxStatus(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxPublishStatusPending, outbox.PublishStatus)
	})

	t.Run("fabricator receipts accrue per receipt", func(t *testing.T) {
		demand := qv(map[string]int{"M": 10})
		order := createOrder(t, ctx, fx, "ORD-FAB", demand)
		batchId := cutAll(t, ctx, fx, order.ID, demand)

		res, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    batchId,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.fabricator.ID, Vector: demand}},
		})
		require.NoError(t, err)
		jobId := res.JobIds[0]

		_, err = models.CompleteStage(ctx, jobId)
		assert.Equal(t, "validation", models.RejectionKind(err))

		first, err := models.ReceiveFromFabricator(ctx, jobId, qv(map[string]int{"M": 4}))
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingStatusInProcess, first.Status)
		assert.True(t, first.Wage.Equal(decimal.NewFromInt(4*50)))

		_, err = models.ReceiveFromFabricator(ctx, jobId, qv(map[string]int{"M": 7}))
		assert.Equal(t, "over_assignment", models.RejectionKind(err))

		second, err := models.ReceiveFromFabricator(ctx, jobId, qv(map[string]int{"M": 6}))
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingStatusProcessed, second.Status)
		assert.Equal(t, models.FinishedStage, second.Stage)
		assert.Equal(t, 10, second.TotalReceived)
		assert.True(t, second.Wage.Equal(decimal.NewFromInt(6*50)))

		_, err = models.ReceiveFromFabricator(ctx, jobId, qv(map[string]int{"M": 1}))
		assert.ErrorIs(t, err, models.ErrAlreadyCompleted)

		balance, err := models.LatestBalance(ctx, models.LedgerStreamEmployee, fx.fabricator.ID)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.NewFromInt(10*50)), "wage balance %s", balance)

		status, err := models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledCompleted, status.Status)
	})

	t.Run("stock-only assignment", func(t *testing.T) {
		db := config.GetDB()
		for i := 0; i < 5; i++ {
			require.NoError(t, db.Create(&models.SellableStock{ProductId: fx.product.ID, Size: "M", Price: decimal.NewFromInt(20)}).Error)
		}

		demand := qv(map[string]int{"M": 5})
		order := createOrder(t, ctx, fx, "ORD-STOCK", demand)
		batchId := cutAll(t, ctx, fx, order.ID, demand)

		stock := qv(map[string]int{"M": 5})
		res, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:  batchId,
			Stage:     models.FirstStage,
			StockUsed: &stock,
		})
		require.NoError(t, err)
		assert.Empty(t, res.JobIds)
		require.NotNil(t, res.FulfillmentJobId)
		assert.True(t, res.SourceConsumed)

		var queued, finished int64
		require.NoError(t, db.Model(&models.ProcessingJob{}).
			Where("order_id = ? AND status = ?", order.ID, models.ProcessingStatusInQueue).Count(&queued).Error)
		require.NoError(t, db.Model(&models.ProcessingJob{}).
			Where("order_id = ? AND stage = ? AND is_stock_fulfillment = ?", order.ID, models.FinishedStage, true).Count(&finished).Error)
		assert.Zero(t, queued)
		assert.EqualValues(t, 1, finished)

		levels, err := models.StockLevels(ctx, fx.product.ID)
		require.NoError(t, err)
		assert.Zero(t, levels.Total())

		status, err := models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledCompleted, status.Status)
	})

	t.Run("conservation on rejected writes", func(t *testing.T) {
		db := config.GetDB()
		fabric, err := models.CreateFabricType(ctx, &models.NewFabricType{
			Name:  "Cotton Twill",
			Rolls: []decimal.Decimal{decimal.NewFromInt(10)},
		})
		require.NoError(t, err)
		require.Len(t, fabric.Rolls, 1)
		rollId := fabric.Rolls[0].ID

		demand := qv(map[string]int{"M": 10})
		order := createOrder(t, ctx, fx, "ORD-CONSERVE", demand)

		tooLong := decimal.NewFromInt(12)
		_, err = models.StartCuttingJob(ctx, &models.NewCuttingJob{
			OrderId:   &order.ID,
			ProductId: fx.product.ID,
			Assignments: []models.NewCuttingAssignment{
				{EmployeeId: fx.cutter.ID, Vector: demand, FabricRollId: &rollId, FabricLength: &tooLong},
			},
		})
		assert.Equal(t, "insufficient_stock", models.RejectionKind(err))

		var roll models.FabricRoll
		require.NoError(t, db.First(&roll, rollId).Error)
		assert.Equal(t, 10, roll.Length)
		var jobs int64
		require.NoError(t, db.Model(&models.CuttingJob{}).Where("order_id = ?", order.ID).Count(&jobs).Error)
		assert.Zero(t, jobs)

		_, err = models.StartCuttingJob(ctx, &models.NewCuttingJob{
			OrderId:   &order.ID,
			ProductId: fx.product.ID,
			Assignments: []models.NewCuttingAssignment{
				{EmployeeId: fx.cutter.ID, Vector: qv(map[string]int{"M": 11})},
			},
		})
		assert.Equal(t, "over_assignment", models.RejectionKind(err))

		batchId := cutAll(t, ctx, fx, order.ID, demand)
		_, err = models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId: batchId,
			Stage:    models.FirstStage,
			Assignments: []models.NewWorkerAssignment{
				{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 6})},
				{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 5})},
			},
		})
		var over *models.OverAssignmentError
		require.ErrorAs(t, err, &over)
		assert.Equal(t, []models.SizeShortfall{{Size: "M", Available: 10, Requested: 11}}, over.Shortfalls)

		var batch models.CutBatch
		require.NoError(t, db.First(&batch, batchId).Error)
		assert.Equal(t, map[string]int{"M": 10}, batch.Vector.Counts)
		var created int64
		require.NoError(t, db.Model(&models.ProcessingJob{}).Where("order_id = ?", order.ID).Count(&created).Error)
		assert.Zero(t, created)

		drifts, err := models.RebuildFabricTotals(ctx)
		require.NoError(t, err)
		assert.Empty(t, drifts)
	})

	t.Run("completed cuts merge until the batch is referenced", func(t *testing.T) {
		db := config.GetDB()
		order := createOrder(t, ctx, fx, "ORD-MERGE", qv(map[string]int{"M": 10, "L": 4}))

		first := cutFor(t, ctx, fx.cutter.ID, fx.product.ID, &order.ID, qv(map[string]int{"M": 4}))
		second := cutFor(t, ctx, fx.cutter.ID, fx.product.ID, &order.ID, qv(map[string]int{"M": 2}))
		assert.Equal(t, first, second, "unreferenced batch must absorb the second cut")

		var batch models.CutBatch
		require.NoError(t, db.First(&batch, first).Error)
		assert.Equal(t, map[string]int{"M": 6}, batch.Vector.Counts)

		stageOne, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    first,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 3})}},
		})
		require.NoError(t, err)
		assert.False(t, stageOne.SourceConsumed)

		third := cutFor(t, ctx, fx.cutter.ID, fx.product.ID, &order.ID, qv(map[string]int{"L": 4}))
		assert.NotEqual(t, first, third, "a batch feeding stage 1 must not be merged into")
		require.NoError(t, db.First(&batch, first).Error)
		assert.Equal(t, map[string]int{"M": 3}, batch.Vector.Counts)

		sources, err := models.ListAvailableSources(ctx, models.FirstStage, &order.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{first, third}, sourceIds(sources))

		rest, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    first,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 3})}},
		})
		require.NoError(t, err)
		assert.True(t, rest.SourceConsumed)

		sources, err = models.ListAvailableSources(ctx, models.FirstStage, &order.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int{third}, sourceIds(sources), "emptied batch must not be offered")

		drained := stageOne.JobIds[0]
		partial := rest.JobIds[0]
		stageTwo, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    drained,
			Stage:       2,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 3})}},
		})
		require.NoError(t, err)
		assert.True(t, stageTwo.SourceConsumed)
		_, err = models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    partial,
			Stage:       2,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 1})}},
		})
		require.NoError(t, err)

		sources, err = models.ListAvailableSources(ctx, 2, &order.ID)
		require.NoError(t, err)
		require.Len(t, sources, 1, "emptied stage-1 job must not be offered")
		assert.Equal(t, partial, sources[0].Id)
		assert.Equal(t, map[string]int{"M": 2}, sources[0].Vector.Counts)

		_, err = models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    drained,
			Stage:       2,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 1})}},
		})
		assert.Equal(t, "over_assignment", models.RejectionKind(err))
	})

	t.Run("transfer cut stock between orders", func(t *testing.T) {
		db := config.GetDB()
		source := createOrder(t, ctx, fx, "ORD-XFER-A", qv(map[string]int{"M": 10}))
		small := createOrder(t, ctx, fx, "ORD-XFER-B", qv(map[string]int{"M": 4}))
		large := createOrder(t, ctx, fx, "ORD-XFER-C", qv(map[string]int{"M": 6}))
		batchId := cutAll(t, ctx, fx, source.ID, qv(map[string]int{"M": 10}))

		moved, err := models.TransferCutStock(ctx, batchId, &models.NewCutTransfer{TargetOrderId: small.ID, Vector: qv(map[string]int{"M": 4})})
		require.NoError(t, err)
		require.NotNil(t, moved.OrderId)
		assert.Equal(t, small.ID, *moved.OrderId)
		assert.Equal(t, map[string]int{"M": 4}, moved.Vector.Counts)

		var phantom models.CuttingJob
		require.NoError(t, db.Where("order_id = ? AND is_phantom = ?", small.ID, true).First(&phantom).Error)
		assert.Equal(t, models.CuttingJobStatusCompleted, phantom.Status)
		require.NotNil(t, phantom.SourceOrderId)
		assert.Equal(t, source.ID, *phantom.SourceOrderId)
		require.NotNil(t, phantom.CutBatchId)
		assert.Equal(t, moved.ID, *phantom.CutBatchId)
		assert.Zero(t, phantom.FabricLength)

		var batch models.CutBatch
		require.NoError(t, db.First(&batch, batchId).Error)
		assert.Equal(t, map[string]int{"M": 6}, batch.Vector.Counts)

		pending, err := models.GetPendingOrders(ctx)
		require.NoError(t, err)
		remaining, ok := pendingRemaining(pending, source.ID, fx.product.ID)
		require.True(t, ok, "transferred pieces reopen the source order's demand")
		assert.Equal(t, map[string]int{"M": 4}, remaining.Counts)

		// the target's demand is already covered by the phantom job
		_, err = models.TransferCutStock(ctx, batchId, &models.NewCutTransfer{TargetOrderId: small.ID, Vector: qv(map[string]int{"M": 1})})
		assert.Equal(t, "over_assignment", models.RejectionKind(err))

		_, err = models.TransferCutStock(ctx, batchId, &models.NewCutTransfer{TargetOrderId: large.ID, Vector: qv(map[string]int{"M": 7})})
		var short *models.InsufficientStockError
		require.ErrorAs(t, err, &short)
		assert.Equal(t, []models.SizeShortfall{{Size: "M", Available: 6, Requested: 7}}, short.Shortfalls)

		require.NoError(t, db.First(&batch, batchId).Error)
		assert.Equal(t, map[string]int{"M": 6}, batch.Vector.Counts)

		_, err = models.TransferCutStock(ctx, batchId, &models.NewCutTransfer{TargetOrderId: large.ID, Vector: qv(map[string]int{"M": 6})})
		require.NoError(t, err)
		err = db.First(&models.CutBatch{}, batchId).Error
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "emptied source batch must be deleted")

		_, err = models.TransferCutStock(ctx, batchId, &models.NewCutTransfer{TargetOrderId: large.ID, Vector: qv(map[string]int{"M": 1})})
		assert.Equal(t, "not_found", models.RejectionKind(err))

		status, err := models.ReconcileOrderStatus(ctx, small.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledInCutStock, status.Status)
		status, err = models.ReconcileOrderStatus(ctx, source.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledPending, status.Status)
	})

	t.Run("internal stock production becomes sellable stock", func(t *testing.T) {
		db := config.GetDB()
		tee, err := models.CreateProduct(ctx, &models.NewProduct{
			Name:       "Stock Tee",
			Sku:        "TEE-STOCK",
			Price:      decimal.NewFromInt(12),
			StageRates: []models.NewProductStageRate{{Stage: 7, Rate: decimal.NewFromInt(10)}},
		})
		require.NoError(t, err)
		before, err := models.LatestBalance(ctx, models.LedgerStreamEmployee, fx.worker.ID)
		require.NoError(t, err)

		batchId := cutFor(t, ctx, fx.cutter.ID, tee.ID, nil, qv(map[string]int{"S": 3}))
		res, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    batchId,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"S": 3})}},
		})
		require.NoError(t, err)
		jobId := res.JobIds[0]
		for stage := 2; stage <= models.LastWorkStage; stage++ {
			next, err := models.AssignProcessing(ctx, &models.NewProcessingAssignment{
				SourceId:    jobId,
				Stage:       stage,
				Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"S": 3})}},
			})
			require.NoError(t, err, "stage %d", stage)
			jobId = next.JobIds[0]
		}

		_, err = models.CompleteStage(ctx, jobId)
		require.NoError(t, err)
		err = db.First(&models.ProcessingJob{}, jobId).Error
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "converted job must be deleted")

		levels, err := models.StockLevels(ctx, tee.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"S": 3}, levels.Counts)
		var priced int64
		require.NoError(t, db.Model(&models.SellableStock{}).
			Where("product_id = ? AND source_job_id = ? AND price = ?", tee.ID, jobId, decimal.NewFromInt(12)).Count(&priced).Error)
		assert.EqualValues(t, 3, priced)

		after, err := models.LatestBalance(ctx, models.LedgerStreamEmployee, fx.worker.ID)
		require.NoError(t, err)
		assert.True(t, after.Sub(before).Equal(decimal.NewFromInt(3*10)), "wage delta %s", after.Sub(before))

		batchId = cutFor(t, ctx, fx.cutter.ID, tee.ID, nil, qv(map[string]int{"S": 2}))
		res, err = models.AssignProcessing(ctx, &models.NewProcessingAssignment{
			SourceId:    batchId,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.fabricator.ID, Vector: qv(map[string]int{"S": 2})}},
		})
		require.NoError(t, err)
		fabJob := res.JobIds[0]

		receipt, err := models.ReceiveFromFabricator(ctx, fabJob, qv(map[string]int{"S": 1}))
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingStatusInProcess, receipt.Status)
		levels, err = models.StockLevels(ctx, tee.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"S": 4}, levels.Counts)

		receipt, err = models.ReceiveFromFabricator(ctx, fabJob, qv(map[string]int{"S": 1}))
		require.NoError(t, err)
		assert.Equal(t, models.ProcessingStatusProcessed, receipt.Status)
		levels, err = models.StockLevels(ctx, tee.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"S": 5}, levels.Counts)
		err = db.First(&models.ProcessingJob{}, fabJob).Error
		assert.True(t, errors.Is(err, gorm.ErrRecordNotFound), "fully received internal job must be deleted")
	})

	t.Run("status cache drops a report computed before a commit", func(t *testing.T) {
		order := createOrder(t, ctx, fx, "ORD-CACHE", qv(map[string]int{"M": 3}))

		report, err := models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledPending, report.Status)
		cached, err := utils.RetrieveRedis[models.OrderStatusReport](order.ID)
		require.NoError(t, err)
		require.NotNil(t, cached)

		// a reconciliation reads the generation, then a cut commits before it stores
		models.InvalidateOrderStatus(order.ID)
		generation, err := utils.RetrieveRedisGeneration[models.OrderStatusReport](order.ID)
		require.NoError(t, err)
		stale := *report
		cutAll(t, ctx, fx, order.ID, qv(map[string]int{"M": 3}))

		assert.False(t, models.MemoiseOrderStatus(&stale, generation))
		cached, err = utils.RetrieveRedis[models.OrderStatusReport](order.ID)
		require.NoError(t, err)
		assert.Nil(t, cached)

		fresh, err := models.ReconcileOrderStatus(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReconciledInCutStock, fresh.Status)
		cached, err = utils.RetrieveRedis[models.OrderStatusReport](order.ID)
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, models.ReconciledInCutStock, cached.Status)
	})

	t.Run("advisory lock conflicts fail fast", func(t *testing.T) {
		t.Setenv("ADVISORY_LOCKS", "true")
		order := createOrder(t, ctx, fx, "ORD-LOCK", qv(map[string]int{"M": 2}))
		batchId := cutAll(t, ctx, fx, order.ID, qv(map[string]int{"M": 2}))
		assign := &models.NewProcessingAssignment{
			SourceId:    batchId,
			Stage:       models.FirstStage,
			Assignments: []models.NewWorkerAssignment{{EmployeeId: fx.worker.ID, Vector: qv(map[string]int{"M": 2})}},
		}

		held, err := config.GetRedisLock().Obtain(ctx, fmt.Sprintf("lock:%s:%d", models.SourceTypeCutBatch, batchId), 10*time.Second, nil)
		require.NoError(t, err)
		_, err = models.AssignProcessing(ctx, assign)
		assert.ErrorIs(t, err, models.ErrLockConflict)

		var batch models.CutBatch
		require.NoError(t, config.GetDB().First(&batch, batchId).Error)
		assert.Equal(t, map[string]int{"M": 2}, batch.Vector.Counts)

		require.NoError(t, held.Release(ctx))
		res, err := models.AssignProcessing(ctx, assign)
		require.NoError(t, err)
		assert.True(t, res.SourceConsumed)
	})
}

func qv(counts map[string]int) models.QuantityVector {
	return models.NewQuantityVector(counts)
}

func newPipelineFixture(t *testing.T, ctx context.Context) pipelineFixture {
	t.Helper()
	client, err := models.CreateClient(ctx, &models.NewClient{Name: "Shwe Garments"})
	require.NoError(t, err)
	cutter, err := models.CreateEmployee(ctx, &models.NewEmployee{Name: "Cutter", Role: models.EmployeeRoleCutter})
	require.NoError(t, err)
	worker, err := models.CreateEmployee(ctx, &models.NewEmployee{Name: "Worker", Role: models.EmployeeRoleWorker})
	require.NoError(t, err)
	fabricator, err := models.CreateEmployee(ctx, &models.NewEmployee{Name: "Fabricator", Role: models.EmployeeRoleExternalFabricator})
	require.NoError(t, err)
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:  "Polo Shirt",
		Sku:   "POLO-001",
		Price: decimal.NewFromInt(20),
		StageRates: []models.NewProductStageRate{
			{Stage: 1, Rate: decimal.NewFromInt(50)},
			{Stage: 7, Rate: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)
	return pipelineFixture{client: client, cutter: cutter, worker: worker, fabricator: fabricator, product: product}
}

func createOrder(t *testing.T, ctx context.Context, fx pipelineFixture, number string, demand models.QuantityVector) *models.Order {
	t.Helper()
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		ClientId:    fx.client.ID,
		OrderNumber: number,
		Items:       []models.NewOrderItem{{ProductId: fx.product.ID, Demand: demand}},
	})
	require.NoError(t, err)
	return order
}

// cutAll cuts the whole vector in one job and returns the cut batch it pooled into.
func cutAll(t *testing.T, ctx context.Context, fx pipelineFixture, orderId int, vector models.QuantityVector) int {
	t.Helper()
	return cutFor(t, ctx, fx.cutter.ID, fx.product.ID, &orderId, vector)
}

// cutFor cuts and completes one job; a nil order cuts for internal stock.
func cutFor(t *testing.T, ctx context.Context, cutterId int, productId int, orderId *int, vector models.QuantityVector) int {
	t.Helper()
	jobIds, err := models.StartCuttingJob(ctx, &models.NewCuttingJob{
		OrderId:     orderId,
		ProductId:   productId,
		Assignments: []models.NewCuttingAssignment{{EmployeeId: cutterId, Vector: vector}},
	})
	require.NoError(t, err)
	require.Len(t, jobIds, 1)
	batchId, err := models.CompleteCutting(ctx, jobIds[0])
	require.NoError(t, err)
	return batchId
}

func sourceIds(sources []models.AvailableSource) []int {
	ids := make([]int, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.Id)
	}
	return ids
}

func pendingRemaining(pending []models.PendingOrder, orderId int, productId int) (models.QuantityVector, bool) {
	for _, p := range pending {
		if p.OrderId != orderId {
			continue
		}
		for _, item := range p.Items {
			if item.ProductId == productId {
				return item.Remaining, true
			}
		}
	}
	return models.QuantityVector{}, false
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("garment-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("garment-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=garment_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
