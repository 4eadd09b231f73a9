package models

import (
	"log"

	"github.com/mmdatafocus/garment_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Client{}, &Employee{}, &Product{}, &ProductStageRate{},
		&Order{}, &OrderItem{},
		&FabricType{}, &FabricRoll{}, &FabricUsageLog{},
		&CuttingJob{}, &CutBatch{},
		&ProcessingJob{}, &SellableStock{},
		&Dispatch{},
		&LedgerEntry{}, &LedgerOutboxRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
