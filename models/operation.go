package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/metrics"
	"github.com/mmdatafocus/garment_backend/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/garment_backend/models")

// runOperation wraps one engine entry point: span, metrics, storage error wrapping.
func runOperation(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	if actorId, ok := utils.GetActorIdFromContext(ctx); ok {
		span.SetAttributes(attribute.Int("actor.id", actorId))
	}

	err := fn(ctx)
	if err != nil && !IsDomainError(err) {
		var internal *InternalError
		if !errors.As(err, &internal) {
			err = &InternalError{Op: name, Err: err}
		}
		config.LogError(config.GetLogger(), "models", name, "operation failed", config.TraceFields(ctx), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, RejectionKind(err))
	}
	metrics.Default().ObserveOperation(name, start, RejectionKind(err))
	return err
}

// inTransaction runs fn in one transaction. Orders passed to touched get their cached
// status dropped once the transaction commits.
func inTransaction(ctx context.Context, fn func(tx *gorm.DB, touched *orderSet) error) error {
	touched := &orderSet{}
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, touched)
	})
	if err != nil {
		return lockConflict(err)
	}
	invalidateOrderStatus(touched.ids()...)
	return nil
}

// lockConflict turns an InnoDB lock wait timeout or deadlock into ErrLockConflict.
// The transaction has rolled back, so the caller may re-issue.
func lockConflict(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == 1205 || myErr.Number == 1213) {
		return fmt.Errorf("%w: %s", ErrLockConflict, myErr.Message)
	}
	return err
}

type orderSet struct {
	seen map[int]struct{}
}

func (s *orderSet) add(orderId *int) {
	if orderId == nil {
		return
	}
	if s.seen == nil {
		s.seen = map[int]struct{}{}
	}
	s.seen[*orderId] = struct{}{}
}

func (s *orderSet) ids() []int {
	out := make([]int, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	return out
}

// lockSources takes the advisory locks for every conserved source an operation mutates.
func lockSources(ctx context.Context, lockType string, ids []int, funcName string) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range utils.SortedUniqueInts(ids) {
		release, err := utils.AdvisoryLock(ctx, lockType, id, "models", funcName)
		if err != nil {
			releaseAll()
			return func() {}, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
