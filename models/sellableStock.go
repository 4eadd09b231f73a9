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

// SellableStock is one finished piece available for sale or pipeline fulfilment.
type SellableStock struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ProductId   int             `gorm:"not null;index:idx_stock_fifo,priority:1" json:"product_id"`
	Size        string          `gorm:"size:20;not null;index:idx_stock_fifo,priority:2" json:"size"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	SourceJobId *int            `gorm:"index" json:"source_job_id"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewStockSale struct {
	ClientId  int              `json:"client_id" validate:"required"`
	ProductId int              `json:"product_id" validate:"required"`
	Vector    QuantityVector   `json:"vector"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

type StockSale struct {
	ClientId      int             `json:"client_id"`
	ProductId     int             `json:"product_id"`
	Vector        QuantityVector  `json:"vector"`
	Amount        decimal.Decimal `json:"amount"`
	LedgerEntryId int             `json:"ledger_entry_id"`
}

// consumeStockFIFO removes the oldest pieces per size. Nothing is removed unless every
// size can be satisfied.
func consumeStockFIFO(tx *gorm.DB, productId int, vector QuantityVector) ([]SellableStock, error) {
	var taken []SellableStock
	var shortfalls []SizeShortfall
	for _, size := range vector.Sizes() {
		want := vector.Counts[size]
		if want <= 0 {
			continue
		}
		var rows []SellableStock
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ? AND size = ?", productId, size).
			Order("id").Limit(want).Find(&rows).Error; err != nil {
			return nil, err
		}
		if len(rows) < want {
			shortfalls = append(shortfalls, SizeShortfall{Size: size, Available: len(rows), Requested: want})
			continue
		}
		taken = append(taken, rows...)
	}
	if len(shortfalls) > 0 {
		return nil, &InsufficientStockError{Resource: "sellable stock for product", Id: productId, Shortfalls: shortfalls}
	}
	if len(taken) == 0 {
		return nil, nil
	}
	ids := make([]int, 0, len(taken))
	for _, s := range taken {
		ids = append(ids, s.ID)
	}
	if err := tx.Where("id IN ?", ids).Delete(&SellableStock{}).Error; err != nil {
		return nil, err
	}
	return taken, nil
}

// convertToStock turns finished pieces into priced stock records at catalog price.
func convertToStock(tx *gorm.DB, productId int, vector QuantityVector, jobId int) error {
	var product Product
	if err := tx.Select("id", "price").First(&product, productId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("product", productId)
		}
		return err
	}
	var rows []SellableStock
	for _, size := range vector.Sizes() {
		for i := 0; i < vector.Counts[size]; i++ {
			sourceJobId := jobId
			rows = append(rows, SellableStock{
				ProductId:   productId,
				Size:        size,
				Price:       product.Price,
				SourceJobId: &sourceJobId,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(&rows, 200).Error
}

// SellStock sells pieces oldest-first and charges the client.
func SellStock(ctx context.Context, input *NewStockSale) (*StockSale, error) {
	var sale *StockSale
	err := runOperation(ctx, "SellStock", func(ctx context.Context) error {
		if err := validateInput(input); err != nil {
			return err
		}
		if err := input.Vector.Validate("vector"); err != nil {
			return err
		}
		if input.Vector.Total() == 0 {
			return &ValidationError{Field: "vector", Message: "vector cannot be empty"}
		}
		if input.UnitPrice != nil && input.UnitPrice.IsNegative() {
			return &ValidationError{Field: "unit_price", Message: "cannot be negative"}
		}

		release, err := utils.AdvisoryLock(ctx, "sellable_stock", input.ProductId, "models", "SellStock")
		if err != nil {
			return err
		}
		defer release()

		return inTransaction(ctx, func(tx *gorm.DB, _ *orderSet) error {
			if err := tx.Select("id").First(&Client{}, input.ClientId).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return notFound("client", input.ClientId)
				}
				return err
			}
			taken, err := consumeStockFIFO(tx, input.ProductId, input.Vector)
			if err != nil {
				return err
			}
			amount := decimal.Zero
			for _, s := range taken {
				if input.UnitPrice != nil {
					amount = amount.Add(*input.UnitPrice)
				} else {
					amount = amount.Add(s.Price)
				}
			}
			entry, err := AppendLedgerEntry(tx, LedgerPosting{
				StreamType:    LedgerStreamClient,
				StreamId:      input.ClientId,
				Amount:        amount,
				ReferenceType: LedgerReferenceSale,
				ReferenceId:   input.ProductId,
				Note:          fmt.Sprintf("sold %d pieces of product #%d", len(taken), input.ProductId),
			})
			if err != nil {
				return err
			}
			sale = &StockSale{
				ClientId:      input.ClientId,
				ProductId:     input.ProductId,
				Vector:        input.Vector.CountsOnly(),
				Amount:        amount,
				LedgerEntryId: entry.ID,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

// StockLevels counts sellable pieces per size.
func StockLevels(ctx context.Context, productId int) (QuantityVector, error) {
	type sizeCount struct {
		Size  string
		Count int
	}
	var rows []sizeCount
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&SellableStock{}).
		Select("size, COUNT(*) AS count").
		Where("product_id = ?", productId).
		Group("size").
		Scan(&rows).Error; err != nil {
		return QuantityVector{}, err
	}
	levels := QuantityVector{Counts: make(map[string]int, len(rows))}
	for _, r := range rows {
		levels.Counts[r.Size] = r.Count
	}
	return levels, nil
}
