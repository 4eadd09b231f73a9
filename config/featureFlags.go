package config

import (
	"os"
	"strings"
	"time"
)

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// OrderStatusCacheEnabled memoises reconciled order statuses in Redis.
// Writes touching an order always invalidate its entry, so reads stay correct with the flag on.
//
// Set via env:
// - ORDER_STATUS_CACHE=true
func OrderStatusCacheEnabled() bool {
	return envBool("ORDER_STATUS_CACHE", false)
}

// OrderStatusCacheTTL bounds how long a memoised status may live (default 10 minutes).
func OrderStatusCacheTTL() time.Duration {
	return time.Duration(intFromEnv("ORDER_STATUS_CACHE_TTL_SECONDS", 600)) * time.Second
}

// AdvisoryLocksEnabled takes a Redis lock per conserved source before opening the
// transaction so concurrent callers fail fast instead of queueing on the row lock.
//
// Set via env:
// - ADVISORY_LOCKS=true to enable (default disabled)
func AdvisoryLocksEnabled() bool {
	return envBool("ADVISORY_LOCKS", false)
}

// StockFulfillmentEnabled allows processing assignments to draw from sellable stock.
//
// Set via env:
// - STOCK_FULFILLMENT=false to disable (default enabled)
func StockFulfillmentEnabled() bool {
	return envBool("STOCK_FULFILLMENT", true)
}
