package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/garment_backend/config"
	"github.com/mmdatafocus/garment_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID         int                `gorm:"primary_key" json:"id"`
	Name       string             `gorm:"size:100;not null" json:"name"`
	Sku        string             `gorm:"size:50;uniqueIndex" json:"sku"`
	Price      decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"price"`
	StageRates []ProductStageRate `gorm:"foreignKey:ProductId" json:"stage_rates,omitempty"`
	CreatedAt  time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProductStageRate is the piece rate paid for one pipeline stage of a product.
type ProductStageRate struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ProductId int             `gorm:"not null;uniqueIndex:idx_product_stage" json:"product_id"`
	Stage     int             `gorm:"not null;uniqueIndex:idx_product_stage" json:"stage"`
	Rate      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate"`
}

type Employee struct {
	ID        int          `gorm:"primary_key" json:"id"`
	Name      string       `gorm:"size:100;not null" json:"name"`
	Role      EmployeeRole `gorm:"type:enum('cutter','worker','external_fabricator');not null" json:"role"`
	IsActive  *bool        `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// Client is the organization an order is produced for.
type Client struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Phone     string    `gorm:"size:20" json:"phone"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name       string                `json:"name" validate:"required"`
	Sku        string                `json:"sku" validate:"required"`
	Price      decimal.Decimal       `json:"price"`
	StageRates []NewProductStageRate `json:"stage_rates" validate:"dive"`
}

type NewProductStageRate struct {
	Stage int             `json:"stage" validate:"min=1,max=8"`
	Rate  decimal.Decimal `json:"rate"`
}

type NewEmployee struct {
	Name string       `json:"name" validate:"required"`
	Role EmployeeRole `json:"role" validate:"required"`
}

type NewClient struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if input.Price.IsNegative() {
		return nil, &ValidationError{Field: "price", Message: "cannot be negative"}
	}
	product := Product{
		Name:  input.Name,
		Sku:   input.Sku,
		Price: input.Price,
	}
	seen := make(map[int]bool)
	for _, r := range input.StageRates {
		if seen[r.Stage] {
			return nil, &ValidationError{Field: "stage_rates", Message: "duplicate stage"}
		}
		if r.Rate.IsNegative() {
			return nil, &ValidationError{Field: "stage_rates", Message: "rate cannot be negative"}
		}
		seen[r.Stage] = true
		product.StageRates = append(product.StageRates, ProductStageRate{Stage: r.Stage, Rate: r.Rate})
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	product, err := GetResource[Product](ctx, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, notFound("product", id)
	}
	return product, err
}

func CreateEmployee(ctx context.Context, input *NewEmployee) (*Employee, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if !input.Role.IsValid() {
		return nil, &ValidationError{Field: "role", Message: "invalid employee role"}
	}
	employee := Employee{
		Name:     input.Name,
		Role:     input.Role,
		IsActive: utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&employee).Error; err != nil {
		return nil, err
	}
	return &employee, nil
}

func GetEmployee(ctx context.Context, id int) (*Employee, error) {
	employee, err := GetResource[Employee](ctx, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, notFound("employee", id)
	}
	return employee, err
}

func CreateClient(ctx context.Context, input *NewClient) (*Client, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	client := Client{Name: input.Name, Phone: input.Phone}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

func GetClient(ctx context.Context, id int) (*Client, error) {
	client, err := GetResource[Client](ctx, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, notFound("client", id)
	}
	return client, err
}

// stageRate resolves the piece rate for (product, stage). A missing rate is zero.
func stageRate(tx *gorm.DB, productId int, stage int) (decimal.Decimal, error) {
	var rate ProductStageRate
	err := tx.Where("product_id = ? AND stage = ?", productId, stage).First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return rate.Rate, nil
}

func fetchEmployees(tx *gorm.DB, ids []int) (map[int]*Employee, error) {
	ids = utils.SortedUniqueInts(ids)
	if len(ids) == 0 {
		return map[int]*Employee{}, nil
	}
	var employees []*Employee
	if err := tx.Where("id IN ?", ids).Find(&employees).Error; err != nil {
		return nil, err
	}
	byId := make(map[int]*Employee, len(employees))
	for _, e := range employees {
		byId[e.ID] = e
	}
	for _, id := range ids {
		if _, ok := byId[id]; !ok {
			return nil, notFound("employee", id)
		}
	}
	return byId, nil
}
