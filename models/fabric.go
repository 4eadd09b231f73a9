package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FabricType aggregates its rolls. Total always equals the sum of roll lengths.
type FabricType struct {
	ID        int          `gorm:"primary_key" json:"id"`
	Name      string       `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Total     int          `gorm:"not null;default:0" json:"total"`
	Rolls     []FabricRoll `gorm:"foreignKey:FabricTypeId" json:"rolls,omitempty"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type FabricRoll struct {
	ID            int       `gorm:"primary_key" json:"id"`
	FabricTypeId  int       `gorm:"index;not null" json:"fabric_type_id"`
	Length        int       `gorm:"not null;default:0" json:"length"`
	InitialLength int       `gorm:"not null;default:0" json:"initial_length"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FabricUsageLog is the immutable record written with every roll deduction.
type FabricUsageLog struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CuttingJobId int       `gorm:"index;not null" json:"cutting_job_id"`
	FabricRollId int       `gorm:"index;not null" json:"fabric_roll_id"`
	UsedLength   int       `gorm:"not null" json:"used_length"`
	BalanceAfter int       `gorm:"not null" json:"balance_after"`
	CreatedBy    int       `json:"created_by"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewFabricType struct {
	Name  string            `json:"name" validate:"required"`
	Rolls []decimal.Decimal `json:"rolls"`
}

type FabricTotalDrift struct {
	FabricTypeId int `json:"fabric_type_id"`
	Before       int `json:"before"`
	After        int `json:"after"`
}

func roundRollLengths(lengths []decimal.Decimal) ([]int, error) {
	rounded := make([]int, 0, len(lengths))
	for i, length := range lengths {
		units := utils.RoundToUnits(length)
		if units <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("rolls[%d]", i), Message: "roll length must be at least one unit"}
		}
		rounded = append(rounded, units)
	}
	return rounded, nil
}

func CreateFabricType(ctx context.Context, input *NewFabricType) (*FabricType, error) {
	var fabricType FabricType
	err := runOperation(ctx, "CreateFabricType", func(ctx context.Context) error {
		if err := validateInput(input); err != nil {
			return err
		}
		lengths, err := roundRollLengths(input.Rolls)
		if err != nil {
			return err
		}
		fabricType = FabricType{Name: input.Name}
		for _, length := range lengths {
			fabricType.Rolls = append(fabricType.Rolls, FabricRoll{Length: length, InitialLength: length})
			fabricType.Total += length
		}
		db := config.GetDB()
		return db.WithContext(ctx).Create(&fabricType).Error
	})
	if err != nil {
		return nil, err
	}
	return &fabricType, nil
}

// AddFabricRolls appends rolls, rounding each length to whole units, and recomputes the total.
func AddFabricRolls(ctx context.Context, fabricTypeId int, lengths []decimal.Decimal) (*FabricType, error) {
	var fabricType *FabricType
	err := runOperation(ctx, "AddFabricRolls", func(ctx context.Context) error {
		if len(lengths) == 0 {
			return &ValidationError{Field: "rolls", Message: "at least one roll is required"}
		}
		rounded, err := roundRollLengths(lengths)
		if err != nil {
			return err
		}
		return inTransaction(ctx, func(tx *gorm.DB, _ *orderSet) error {
			if err := lockFabricTypes(tx, []int{fabricTypeId}); err != nil {
				return err
			}
			rolls := make([]FabricRoll, 0, len(rounded))
			for _, length := range rounded {
				rolls = append(rolls, FabricRoll{FabricTypeId: fabricTypeId, Length: length, InitialLength: length})
			}
			if err := tx.Create(&rolls).Error; err != nil {
				return err
			}
			if _, err := recomputeFabricTotal(tx, fabricTypeId); err != nil {
				return err
			}
			fabricType = &FabricType{}
			return tx.Preload("Rolls").First(fabricType, fabricTypeId).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return fabricType, nil
}

func GetFabricType(ctx context.Context, id int) (*FabricType, error) {
	db := config.GetDB()
	var fabricType FabricType
	err := db.WithContext(ctx).Preload("Rolls", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&fabricType, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("fabric type", id)
	}
	if err != nil {
		return nil, err
	}
	return &fabricType, nil
}

// ListFabricUsage returns the rolls consumed by a cutting job.
func ListFabricUsage(ctx context.Context, cuttingJobId int) ([]*FabricUsageLog, error) {
	db := config.GetDB()
	var logs []*FabricUsageLog
	if err := db.WithContext(ctx).Where("cutting_job_id = ?", cuttingJobId).Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// DeductFabricRoll removes amount from a roll inside the caller's transaction.
// The parent fabric type must already be locked by the caller (see lockRollTypes).
func DeductFabricRoll(tx *gorm.DB, rollId int, amount int) (*FabricRoll, error) {
	if amount <= 0 {
		return nil, &ValidationError{Field: "fabric_length", Message: "must be positive"}
	}
	var roll FabricRoll
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&roll, rollId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("fabric roll", rollId)
	}
	if err != nil {
		return nil, err
	}
	if amount > roll.Length {
		return nil, &InsufficientStockError{
			Resource:   "fabric roll",
			Id:         roll.ID,
			Shortfalls: []SizeShortfall{{Size: "length", Available: roll.Length, Requested: amount}},
		}
	}
	roll.Length -= amount
	if err := tx.Model(&roll).Update("length", roll.Length).Error; err != nil {
		return nil, err
	}
	if _, err := recomputeFabricTotal(tx, roll.FabricTypeId); err != nil {
		return nil, err
	}
	return &roll, nil
}

// lockRollTypes locks the fabric types owning rollIds. Types are always locked
// before their rolls, in ascending id order.
func lockRollTypes(tx *gorm.DB, rollIds []int) error {
	rollIds = utils.SortedUniqueInts(rollIds)
	if len(rollIds) == 0 {
		return nil
	}
	var rolls []FabricRoll
	if err := tx.Select("id", "fabric_type_id").Where("id IN ?", rollIds).Find(&rolls).Error; err != nil {
		return err
	}
	found := make(map[int]bool, len(rolls))
	typeIds := make([]int, 0, len(rolls))
	for _, r := range rolls {
		found[r.ID] = true
		typeIds = append(typeIds, r.FabricTypeId)
	}
	for _, id := range rollIds {
		if !found[id] {
			return notFound("fabric roll", id)
		}
	}
	return lockFabricTypes(tx, typeIds)
}

func lockFabricTypes(tx *gorm.DB, ids []int) error {
	for _, id := range utils.SortedUniqueInts(ids) {
		var fabricType FabricType
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&fabricType, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("fabric type", id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// recomputeFabricTotal persists total = sum of roll lengths. The type row must be locked.
func recomputeFabricTotal(tx *gorm.DB, fabricTypeId int) (int, error) {
	var total int64
	if err := tx.Model(&FabricRoll{}).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Select("COALESCE(SUM(length), 0)").
		Where("fabric_type_id = ?", fabricTypeId).
		Scan(&total).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&FabricType{}).Where("id = ?", fabricTypeId).Update("total", total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// RebuildFabricTotals recomputes every fabric type total and reports the ones that drifted.
func RebuildFabricTotals(ctx context.Context) ([]FabricTotalDrift, error) {
	var drifts []FabricTotalDrift
	err := runOperation(ctx, "RebuildFabricTotals", func(ctx context.Context) error {
		db := config.GetDB()
		var ids []int
		if err := db.WithContext(ctx).Model(&FabricType{}).Order("id").Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			err := inTransaction(ctx, func(tx *gorm.DB, _ *orderSet) error {
				var fabricType FabricType
				if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fabricType, id).Error; err != nil {
					return err
				}
				after, err := recomputeFabricTotal(tx, id)
				if err != nil {
					return err
				}
				if after != fabricType.Total {
					drifts = append(drifts, FabricTotalDrift{FabricTypeId: id, Before: fabricType.Total, After: after})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return drifts, err
}
