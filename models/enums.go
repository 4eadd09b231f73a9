package models

type OrderStatus string

const (
	OrderStatusPending      OrderStatus = "pending"
	OrderStatusPartiallyCut OrderStatus = "partially_cut"
	OrderStatusClosed       OrderStatus = "closed"
	OrderStatusCancelled    OrderStatus = "cancelled"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCancelled
}

type CuttingJobStatus string

const (
	CuttingJobStatusPending   CuttingJobStatus = "pending"
	CuttingJobStatusCompleted CuttingJobStatus = "completed"
)

type ProcessingStatus string

const (
	ProcessingStatusInQueue   ProcessingStatus = "in_queue"
	ProcessingStatusInProcess ProcessingStatus = "in_process"
	ProcessingStatusProcessed ProcessingStatus = "processed"
)

type DispatchStatus string

const (
	DispatchStatusPacked    DispatchStatus = "packed"
	DispatchStatusDelivered DispatchStatus = "delivered"
)

type EmployeeRole string

const (
	EmployeeRoleCutter             EmployeeRole = "cutter"
	EmployeeRoleWorker             EmployeeRole = "worker"
	EmployeeRoleExternalFabricator EmployeeRole = "external_fabricator"
)

func (r EmployeeRole) IsValid() bool {
	switch r {
	case EmployeeRoleCutter, EmployeeRoleWorker, EmployeeRoleExternalFabricator:
		return true
	}
	return false
}

type LedgerStreamType string

const (
	LedgerStreamEmployee LedgerStreamType = "employee"
	LedgerStreamClient   LedgerStreamType = "client"
)

func (t LedgerStreamType) IsValid() bool {
	return t == LedgerStreamEmployee || t == LedgerStreamClient
}

type LedgerReferenceType string

const (
	LedgerReferenceWage     LedgerReferenceType = "wage"
	LedgerReferencePayment  LedgerReferenceType = "payment"
	LedgerReferenceSale     LedgerReferenceType = "stock_sale"
	LedgerReferenceDelivery LedgerReferenceType = "delivery"
)

// ReconciledStatus is the human-facing order status derived from piece positions.
type ReconciledStatus string

const (
	ReconciledDelivered  ReconciledStatus = "Delivered"
	ReconciledPacked     ReconciledStatus = "Packed"
	ReconciledCompleted  ReconciledStatus = "Completed"
	ReconciledProcessing ReconciledStatus = "Processing"
	ReconciledInCutStock ReconciledStatus = "In Cut Stock"
	ReconciledPending    ReconciledStatus = "Pending"
)

// pipeline stages
const (
	FirstStage    = 1
	LastWorkStage = 7
	FinishedStage = 8
)

// pipeline positions used for metrics and status reports
const (
	PositionCutStock   = "cut_stock"
	PositionProcessing = "processing"
	PositionFinished   = "finished"
	PositionPacked     = "packed"
	PositionDelivered  = "delivered"
	PositionStock      = "sellable_stock"
)
