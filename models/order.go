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

// Order is a client's demand per (product, size). Demand is fixed after intake.
type Order struct {
	ID          int         `gorm:"primary_key" json:"id"`
	ClientId    int         `gorm:"index;not null" json:"client_id"`
	OrderNumber string      `gorm:"size:50;uniqueIndex;not null" json:"order_number"`
	Status      OrderStatus `gorm:"type:enum('pending','partially_cut','closed','cancelled');not null;default:'pending'" json:"status"`
	// externally set "Delivered" flag, overrides the reconciled status when true
	DeliveredOverride *bool       `json:"delivered_override"`
	Items             []OrderItem `gorm:"foreignKey:OrderId" json:"items"`
	CreatedBy         int         `json:"created_by"`
	CreatedAt         time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	OrderId   int             `gorm:"not null;uniqueIndex:idx_order_product" json:"order_id"`
	ProductId int             `gorm:"not null;uniqueIndex:idx_order_product" json:"product_id"`
	Demand    QuantityVector  `gorm:"type:json;not null" json:"demand"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
}

type NewOrder struct {
	ClientId    int            `json:"client_id" validate:"required"`
	OrderNumber string         `json:"order_number" validate:"required"`
	Items       []NewOrderItem `json:"items" validate:"required,min=1,dive"`
}

type NewOrderItem struct {
	ProductId int              `json:"product_id" validate:"required"`
	Demand    QuantityVector   `json:"demand"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

func (input *NewOrder) validate(ctx context.Context) error {
	if err := validateInput(input); err != nil {
		return err
	}
	productIds := make([]int, 0, len(input.Items))
	seen := make(map[int]bool)
	for i, item := range input.Items {
		field := fmt.Sprintf("items[%d].demand", i)
		if err := item.Demand.Validate(field); err != nil {
			return err
		}
		if item.Demand.Total() == 0 {
			return &ValidationError{Field: field, Message: "demand cannot be empty"}
		}
		if seen[item.ProductId] {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Message: "duplicate product"}
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Message: "cannot be negative"}
		}
		seen[item.ProductId] = true
		productIds = append(productIds, item.ProductId)
	}
	if err := utils.ValidateResourceId[Client](ctx, input.ClientId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return notFound("client", input.ClientId)
		}
		return err
	}
	if err := utils.ValidateResourcesId[Product](ctx, productIds); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return &ValidationError{Field: "items", Message: "product not found"}
		}
		return err
	}
	return nil
}

// CreateOrder records the demand of a new client order.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	var order Order
	err := runOperation(ctx, "CreateOrder", func(ctx context.Context) error {
		if err := input.validate(ctx); err != nil {
			return err
		}
		order = Order{
			ClientId:    input.ClientId,
			OrderNumber: input.OrderNumber,
			Status:      OrderStatusPending,
			CreatedBy:   utils.ActorIdOrSystem(ctx),
		}
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			for _, item := range input.Items {
				unitPrice := decimal.Zero
				if item.UnitPrice != nil {
					unitPrice = *item.UnitPrice
				} else {
					var product Product
					if err := tx.Select("id", "price").First(&product, item.ProductId).Error; err != nil {
						return err
					}
					unitPrice = product.Price
				}
				order.Items = append(order.Items, OrderItem{
					ProductId: item.ProductId,
					Demand:    item.Demand.CountsOnly(),
					UnitPrice: unitPrice,
				})
			}
			if err := tx.Create(&order).Error; err != nil {
				return err
			}
			touched.add(&order.ID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).Preload("Items").First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder moves a non-closed order to cancelled. Pieces already in the
// pipeline stay where they are.
func CancelOrder(ctx context.Context, id int) (*Order, error) {
	var order *Order
	err := runOperation(ctx, "CancelOrder", func(ctx context.Context) error {
		return inTransaction(ctx, func(tx *gorm.DB, touched *orderSet) error {
			var err error
			order, err = lockOrder(tx, id)
			if err != nil {
				return err
			}
			if order.Status == OrderStatusClosed {
				return &ValidationError{Field: "status", Message: "closed order cannot be cancelled"}
			}
			if order.Status == OrderStatusCancelled {
				return nil
			}
			if err := tx.Model(order).Update("status", OrderStatusCancelled).Error; err != nil {
				return err
			}
			order.Status = OrderStatusCancelled
			touched.add(&order.ID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// lockOrder takes the order row lock that serialises remaining-demand checks.
func lockOrder(tx *gorm.DB, id int) (*Order, error) {
	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func findOrderItem(tx *gorm.DB, orderId int, productId int) (*OrderItem, error) {
	var item OrderItem
	err := tx.Where("order_id = ? AND product_id = ?", orderId, productId).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Resource: fmt.Sprintf("order item (order #%d) product", orderId), Id: productId}
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
