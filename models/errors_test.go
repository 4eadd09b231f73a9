package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestRejectionKind(t *testing.T) {
	assert.Equal(t, "", RejectionKind(nil))
	assert.Equal(t, "validation", RejectionKind(&ValidationError{Field: "vector", Message: "empty"}))
	assert.Equal(t, "over_assignment", RejectionKind(&OverAssignmentError{}))
	assert.Equal(t, "insufficient_stock", RejectionKind(&InsufficientStockError{Resource: "fabric roll", Id: 2}))
	assert.Equal(t, "not_found", RejectionKind(fmt.Errorf("lookup: %w", notFound("order", 4))))
	assert.Equal(t, "already_completed", RejectionKind(ErrAlreadyCompleted))
	assert.Equal(t, "lock_conflict", RejectionKind(ErrLockConflict))
	assert.Equal(t, "internal", RejectionKind(&InternalError{Op: "CreateOrder", Err: errors.New("deadlock")}))
	assert.Equal(t, "internal", RejectionKind(errors.New("boom")))
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(notFound("cut batch", 1)))
	assert.True(t, IsDomainError(fmt.Errorf("wrapped: %w", ErrLockConflict)))
	assert.False(t, IsDomainError(errors.New("connection reset")))
	assert.False(t, IsDomainError(&InternalError{Op: "x", Err: errors.New("y")}))
}

func TestLockConflict(t *testing.T) {
	timeout := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded; try restarting transaction"}
	err := lockConflict(fmt.Errorf("update cut batch: %w", timeout))
	assert.ErrorIs(t, err, ErrLockConflict)
	assert.Equal(t, "lock_conflict", RejectionKind(err))

	assert.ErrorIs(t, lockConflict(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}), ErrLockConflict)

	duplicate := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.Same(t, error(duplicate), lockConflict(duplicate))
	assert.NoError(t, lockConflict(nil))
}

func TestShortfallMessages(t *testing.T) {
	err := &InsufficientStockError{
		Resource:   "fabric roll",
		Id:         3,
		Shortfalls: []SizeShortfall{{Size: "length", Available: 4, Requested: 9}},
	}
	assert.Equal(t, "insufficient fabric roll #3: length (available 4, requested 9)", err.Error())
	assert.Equal(t, "order #4 not found", notFound("order", 4).Error())
}
