package models

import (
	"log"

	"github.com/petitpapa86/riskcalc_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&BatchSummary{},
		&RiskEventRecord{},
		&ExchangeRate{},
	)
	if err != nil {
		log.Printf("auto migrate failed: %v", err)
	}
}
