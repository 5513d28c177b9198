// Seed creates three demo campaigns, one per bonus variant, against the
// configured database. Intended for local development with the mock gateway.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level)

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	end := time.Now().UTC().AddDate(0, 3, 0)

	leverageBoost := &storage.Campaign{
		Name:               "Welcome Leverage Boost",
		Status:             storage.CampaignActive,
		BonusType:          storage.BonusTypeA,
		BonusPercentage:    50,
		MaxBonusAmount:     5000,
		MinDeposit:         100,
		EndDate:            &end,
		ExpiryDays:         30,
		OneBonusPerAccount: true,
	}
	leverageBoost.SetTriggerTypes([]string{storage.TriggerAutoDeposit})

	fixedCredit := &storage.Campaign{
		Name:            "Promo Credit 25",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
		MaxBonusAmount:  1000,
		MinDeposit:      50,
		EndDate:         &end,
		PromoCode:       "CREDIT25",
	}
	fixedCredit.SetTriggerTypes([]string{storage.TriggerPromoCode})

	volumeConvert := &storage.Campaign{
		Name:             "Trade To Own 100",
		Status:           storage.CampaignActive,
		BonusType:        storage.BonusTypeC,
		BonusPercentage:  100,
		MaxBonusAmount:   1000,
		MinDeposit:       200,
		LotRequirement:   10,
		LotTrackingScope: storage.ScopePostBonus,
		EndDate:          &end,
	}
	volumeConvert.SetTriggerTypes([]string{storage.TriggerAutoDeposit})

	for _, c := range []*storage.Campaign{leverageBoost, fixedCredit, volumeConvert} {
		if err := repo.CreateCampaign(c); err != nil {
			log.Error("create campaign", "name", c.Name, "error", err)
			os.Exit(1)
		}
		log.Info("campaign created", "id", c.ID, "name", c.Name, "type", c.BonusType)
	}
}
