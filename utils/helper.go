package utils

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/garment_backend/config"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// ValidateStruct runs the `validate` struct tags of input.
func ValidateStruct(input any) error {
	return validate.Struct(input)
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["input"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Namespace()] = ve.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// sorted copy of ids without duplicates, used to take row locks in a stable order
func SortedUniqueInts(ids []int) []int {
	result := UniqueSlice(ids)
	sort.Ints(result)
	return result
}

// safely dereference pointer of type T, nil pointer return zero value or optional default
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

// RoundToUnits rounds a measured length to whole units (half away from zero).
func RoundToUnits(length decimal.Decimal) int {
	return int(length.Round(0).IntPart())
}

// FormatDate returns the YYYY-MM-DD key used by date-bucketed bookkeeping.
func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// AdvisoryLock obtains a short-lived Redis lock without retrying.
// The returned release func is always safe to call.
// When Redis is not connected the lock is skipped: row locks remain the source of truth.
func AdvisoryLock(ctx context.Context, lockType string, id int, moduleName string, functionName string) (func(), error) {
	noop := func() {}
	if !config.AdvisoryLocksEnabled() {
		return noop, nil
	}
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithFields(config.TraceFields(ctx)).WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": functionName,
			"lockType": lockType,
			"id":       id,
		}).Warn("redis lock not ready; proceeding without advisory lock")
		return noop, nil
	}

	lockKey := fmt.Sprintf("lock:%s:%d", lockType, id)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return noop, ErrLockConflict
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining advisory lock; proceeding without it", lockKey, err)
		return noop, nil
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
