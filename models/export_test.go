package models

// hooks for the integration tests in models_test
var (
	MemoiseOrderStatus    = memoiseOrderStatus
	InvalidateOrderStatus = invalidateOrderStatus
)
