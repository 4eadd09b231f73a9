package models

import (
	"time"

	"github.com/mmdatafocus/garment_backend/utils"
)

type Identifier interface {
	GetId() int
}

// interface for dataloader result
type Data interface {
	Identifier
	GetDefault(int) Data
}

func (p Product) GetId() int {
	return p.ID
}

func (p Product) GetDefault(id int) Data {
	return Product{
		ID:        id,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (e Employee) GetId() int {
	return e.ID
}

func (e Employee) GetDefault(id int) Data {
	return Employee{
		ID:        id,
		Role:      EmployeeRoleWorker,
		IsActive:  utils.NewFalse(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func (c Client) GetId() int {
	return c.ID
}

func (c Client) GetDefault(id int) Data {
	return Client{
		ID:        id,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}
