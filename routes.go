package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garment_backend/middlewares"
	"github.com/mmdatafocus/garment_backend/models"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
)

func registerRoutes(r gin.IRoutes) {
	// master data
	r.POST("/clients", createClientHandler())
	r.GET("/clients", listResourcesHandler[models.Client]())
	r.GET("/clients/:id", getClientHandler())
	r.POST("/employees", createEmployeeHandler())
	r.GET("/employees", listResourcesHandler[models.Employee]())
	r.POST("/products", createProductHandler())
	r.GET("/products", listResourcesHandler[models.Product]())
	r.GET("/products/:id", getProductHandler())

	// orders
	r.POST("/orders", createOrderHandler())
	r.GET("/orders/pending", pendingOrdersHandler())
	r.GET("/orders/:id", getOrderHandler())
	r.POST("/orders/:id/cancel", cancelOrderHandler())
	r.GET("/orders/:id/status", orderStatusHandler())
	r.POST("/orders/:id/pack", packOrderHandler())
	r.GET("/orders/:id/dispatches", listDispatchesHandler())
	r.PUT("/orders/:id/delivered-flag", deliveredFlagHandler())
	r.POST("/dispatches/:id/deliver", deliverDispatchHandler())

	// fabric
	r.POST("/fabric-types", createFabricTypeHandler())
	r.GET("/fabric-types/:id", getFabricTypeHandler())
	r.POST("/fabric-types/:id/rolls", addFabricRollsHandler())

	// cutting
	r.POST("/cutting-jobs", startCuttingJobHandler())
	r.POST("/cutting-jobs/:id/complete", completeCuttingHandler())
	r.GET("/cutting-jobs/:id/fabric-usage", fabricUsageHandler())
	r.GET("/cut-batches", listCutBatchesHandler())
	r.POST("/cut-batches/:id/transfer", transferCutStockHandler())

	// processing
	r.GET("/processing-sources", availableSourcesHandler())
	r.GET("/processing-jobs", boardHandler())
	r.POST("/processing-jobs", assignProcessingHandler())
	r.POST("/processing-jobs/:id/start", startStageHandler())
	r.POST("/processing-jobs/:id/complete", completeStageHandler())
	r.POST("/processing-jobs/:id/receive", receiveFromFabricatorHandler())

	// stock and ledger
	r.GET("/stock/:productId", stockLevelsHandler())
	r.POST("/stock/sales", sellStockHandler())
	r.POST("/employees/:id/payments", employeePaymentHandler())
	r.GET("/ledger/:streamType/:streamId", ledgerStreamHandler())
	r.GET("/ledger-entries/:id/outbox", ledgerOutboxStatusHandler())
	r.POST("/ledger-entries/:id/outbox/requeue", requeueLedgerOutboxHandler())
}

func paramId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// queryId reads an optional positive integer query parameter.
func queryId(c *gin.Context, name string) (*int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return nil, false
	}
	return &id, true
}

func bindJSON(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func createClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewClient
		if !bindJSON(c, &input) {
			return
		}
		client, err := models.CreateClient(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, client)
	}
}

func createEmployeeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewEmployee
		if !bindJSON(c, &input) {
			return
		}
		employee, err := models.CreateEmployee(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, employee)
	}
}

func createProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProduct
		if !bindJSON(c, &input) {
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	}
}

func getProductHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	}
}

func getClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		client, err := models.GetClient(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, client)
	}
}

func listResourcesHandler[T any]() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := models.ListResources[T](c.Request.Context(), nil)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if !bindJSON(c, &input) {
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

type orderView struct {
	*models.Order
	ClientName string `json:"client_name"`
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		order, err := models.GetOrder(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		view := orderView{Order: order}
		if client, err := middlewares.GetClient(ctx, order.ClientId); err == nil {
			view.ClientName = client.Name
		}
		c.JSON(http.StatusOK, view)
	}
}

func cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		order, err := models.CancelOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func pendingOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := models.GetPendingOrders(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, orders)
	}
}

func orderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		report, err := models.ReconcileOrderStatus(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type packRequest struct {
	ProductId int                    `json:"product_id" binding:"required"`
	Vector    *models.QuantityVector `json:"vector"`
}

func packOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var req packRequest
		if !bindJSON(c, &req) {
			return
		}
		dispatch, err := models.PackFinishedGoods(c.Request.Context(), id, req.ProductId, req.Vector)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, dispatch)
	}
}

func listDispatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		dispatches, err := models.ListDispatches(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispatches)
	}
}

type deliveredFlagRequest struct {
	Delivered *bool `json:"delivered"`
}

func deliveredFlagHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var req deliveredFlagRequest
		if !bindJSON(c, &req) {
			return
		}
		order, err := models.SetDeliveredOverride(c.Request.Context(), id, req.Delivered)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func deliverDispatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		dispatch, err := models.DeliverDispatch(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, dispatch)
	}
}

func createFabricTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFabricType
		if !bindJSON(c, &input) {
			return
		}
		fabric, err := models.CreateFabricType(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, fabric)
	}
}

func getFabricTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		fabric, err := models.GetFabricType(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fabric)
	}
}

type addRollsRequest struct {
	Lengths []decimal.Decimal `json:"lengths" binding:"required"`
}

func addFabricRollsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var req addRollsRequest
		if !bindJSON(c, &req) {
			return
		}
		fabric, err := models.AddFabricRolls(c.Request.Context(), id, req.Lengths)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, fabric)
	}
}

func startCuttingJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCuttingJob
		if !bindJSON(c, &input) {
			return
		}
		ids, err := models.StartCuttingJob(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"job_ids": ids})
	}
}

func completeCuttingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		batchId, err := models.CompleteCutting(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cut_batch_id": batchId})
	}
}

func fabricUsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		logs, err := models.ListFabricUsage(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	}
}

type cutBatchView struct {
	*models.CutBatch
	ProductName string `json:"product_name"`
}

func listCutBatchesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderId, ok := queryId(c, "order_id")
		if !ok {
			return
		}
		productId, ok := queryId(c, "product_id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		batches, err := models.ListCutBatches(ctx, orderId, productId)
		if err != nil {
			respondError(c, err)
			return
		}
		productIds := make([]int, 0, len(batches))
		for _, b := range batches {
			productIds = append(productIds, b.ProductId)
		}
		products, _ := middlewares.GetProducts(ctx, productIds)
		views := make([]cutBatchView, 0, len(batches))
		for i, b := range batches {
			view := cutBatchView{CutBatch: b}
			if products[i] != nil {
				view.ProductName = products[i].Name
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, views)
	}
}

func transferCutStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var input models.NewCutTransfer
		if !bindJSON(c, &input) {
			return
		}
		batch, err := models.TransferCutStock(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

func stageQuery(c *gin.Context) (*int, bool) {
	raw, ok := c.GetQuery("stage")
	if !ok || raw == "" {
		return nil, true
	}
	stage, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, "invalid stage")
		return nil, false
	}
	return &stage, true
}

func availableSourcesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stage, ok := stageQuery(c)
		if !ok {
			return
		}
		if stage == nil {
			badRequest(c, "stage is required")
			return
		}
		orderId, ok := queryId(c, "order_id")
		if !ok {
			return
		}
		sources, err := models.ListAvailableSources(c.Request.Context(), *stage, orderId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sources)
	}
}

type boardJobView struct {
	*models.ProcessingJob
	ProductName  string `json:"product_name"`
	EmployeeName string `json:"employee_name"`
}

func boardHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stage, ok := stageQuery(c)
		if !ok {
			return
		}
		orderId, ok := queryId(c, "order_id")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		jobs, err := models.ListBoard(ctx, stage, orderId)
		if err != nil {
			respondError(c, err)
			return
		}
		views := make([]boardJobView, 0, len(jobs))
		for _, j := range jobs {
			view := boardJobView{ProcessingJob: j}
			if product, err := middlewares.GetProduct(ctx, j.ProductId); err == nil {
				view.ProductName = product.Name
			}
			if j.EmployeeId != nil {
				if employee, err := middlewares.GetEmployee(ctx, *j.EmployeeId); err == nil {
					view.EmployeeName = employee.Name
				}
			}
			views = append(views, view)
		}
		c.JSON(http.StatusOK, views)
	}
}

func assignProcessingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewProcessingAssignment
		if !bindJSON(c, &input) {
			return
		}
		result, err := models.AssignProcessing(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func startStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		job, err := models.StartStage(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func completeStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		job, err := models.CompleteStage(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

type receiveRequest struct {
	Received models.QuantityVector `json:"received"`
}

func receiveFromFabricatorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var req receiveRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := models.ReceiveFromFabricator(c.Request.Context(), id, req.Received)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func stockLevelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "productId")
		if !ok {
			return
		}
		levels, err := models.StockLevels(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": id, "levels": levels})
	}
}

func sellStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockSale
		if !bindJSON(c, &input) {
			return
		}
		sale, err := models.SellStock(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sale)
	}
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func employeePaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		var req paymentRequest
		if !bindJSON(c, &req) {
			return
		}
		entry, err := models.RecordEmployeePayment(c.Request.Context(), id, req.Amount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func ledgerStreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		streamType := models.LedgerStreamType(c.Param("streamType"))
		if !streamType.IsValid() {
			badRequest(c, "invalid streamType")
			return
		}
		id, ok := paramId(c, "streamId")
		if !ok {
			return
		}
		ctx := c.Request.Context()
		balance, err := models.LatestBalance(ctx, streamType, id)
		if err != nil {
			respondError(c, err)
			return
		}
		entries, err := models.ListLedgerEntries(ctx, streamType, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": balance, "entries": entries})
	}
}

func ledgerOutboxStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		status, err := models.GetLedgerOutboxStatus(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// requeue is an ops action, admin only
func requeueLedgerOutboxHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := utils.GetActorRoleFromContext(c.Request.Context()); role != adminRole {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		id, ok := paramId(c, "id")
		if !ok {
			return
		}
		status, err := models.RequeueLedgerOutbox(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}
