package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/storage"
)

// ProcessDeal converts a slice of a variant-C bonus into real balance for
// one closed deal. Returns true when any amount was converted.
//
// The credit removal and balance deposit are both attempted even if the
// first fails: retries are the reconciliation loop's job, and a half-applied
// step shows up there as orphaned credit.
func (e *Engine) ProcessDeal(ctx context.Context, bonus *storage.Bonus, deal gateway.Deal) (bool, error) {
	if bonus.Status != storage.BonusActive || bonus.BonusType != storage.BonusTypeC {
		return false, nil
	}

	campaign, err := e.repo.GetCampaign(bonus.CampaignID)
	if err != nil {
		return false, fmt.Errorf("load campaign %d: %w", bonus.CampaignID, err)
	}

	if !dealEligible(campaign, bonus, deal) {
		return false, nil
	}

	if bonus.LotsRequired <= 0 {
		return false, nil
	}

	rate := bonus.BonusAmount / bonus.LotsRequired
	convert := Round2(deal.VolumeLots * rate)
	if remaining := bonus.Outstanding(); convert > remaining {
		convert = Round2(remaining)
	}
	if convert <= 0 {
		return false, nil
	}

	memo := fmt.Sprintf("Bonus %s conversion, deal %s", bonus.RefCode, deal.DealID)
	if err := e.gw.RemoveCredit(ctx, bonus.Login, convert, memo); err != nil {
		e.logger.Error("conversion: remove credit", "login", bonus.Login, "deal", deal.DealID, "error", err)
	}
	if err := e.gw.DepositToBalance(ctx, bonus.Login, convert, memo); err != nil {
		e.logger.Error("conversion: deposit to balance", "login", bonus.Login, "deal", deal.DealID, "error", err)
	}

	if err := e.repo.CreateLotProgress(&storage.LotProgress{
		BonusID:         bonus.ID,
		DealID:          deal.DealID,
		Symbol:          deal.Symbol,
		Lots:            deal.VolumeLots,
		AmountConverted: convert,
	}); err != nil {
		return false, fmt.Errorf("record lot progress: %w", err)
	}

	bonus.LotsTraded += deal.VolumeLots
	bonus.AmountConverted = Round2(bonus.AmountConverted + convert)

	if bonus.AmountConverted >= bonus.BonusAmount-Epsilon {
		// Clamp so the invariant amount_converted <= bonus_amount holds
		// exactly, with no float drift.
		bonus.AmountConverted = bonus.BonusAmount
		bonus.Status = storage.BonusConverted
	}

	if err := e.repo.UpdateBonus(bonus); err != nil {
		return false, fmt.Errorf("persist conversion: %w", err)
	}

	e.audit(storage.AuditEntry{
		Login:      bonus.Login,
		CampaignID: bonus.CampaignID,
		BonusID:    bonus.ID,
		EventType:  storage.EventConversionStep,
		AfterState: map[string]any{
			"deal_id":         deal.DealID,
			"lots":            deal.VolumeLots,
			"converted":       convert,
			"total_converted": bonus.AmountConverted,
			"total_lots":      bonus.LotsTraded,
			"fully_converted": bonus.Status == storage.BonusConverted,
		},
	})

	if bonus.Status == storage.BonusConverted {
		e.logger.Info("bonus fully converted",
			"login", bonus.Login, "ref", bonus.RefCode, "amount", bonus.BonusAmount)
		if err := e.UnregisterIfNoBonuses(ctx, bonus.Login); err != nil {
			e.logger.Error("unregister monitoring", "login", bonus.Login, "error", err)
		}
	}

	return true, nil
}

// HandleWithdrawal cancels a variant-C bonus on full withdrawal, removing
// whatever credit is still unconverted.
func (e *Engine) HandleWithdrawal(ctx context.Context, bonus *storage.Bonus, withdrawalAmount float64) (bool, error) {
	if bonus.Status != storage.BonusActive || bonus.BonusType != storage.BonusTypeC {
		return false, nil
	}
	remaining := bonus.Outstanding()
	if remaining <= Epsilon {
		return false, nil
	}

	before := map[string]any{
		"status":           bonus.Status,
		"amount_converted": bonus.AmountConverted,
		"remaining_credit": remaining,
	}

	if err := e.gw.RemoveCredit(ctx, bonus.Login, remaining, fmt.Sprintf("Bonus %s withdrawal cancellation", bonus.RefCode)); err != nil {
		e.logger.Error("withdrawal: remove credit", "login", bonus.Login, "error", err)
	}

	now := time.Now().UTC()
	bonus.Status = storage.BonusCancelled
	bonus.CancelledAt = &now
	bonus.CancellationReason = fmt.Sprintf("withdrawal_triggered:%.2f", withdrawalAmount)
	if err := e.repo.UpdateBonus(bonus); err != nil {
		return false, fmt.Errorf("persist withdrawal cancellation: %w", err)
	}

	e.audit(storage.AuditEntry{
		Login:       bonus.Login,
		CampaignID:  bonus.CampaignID,
		BonusID:     bonus.ID,
		EventType:   storage.EventCancellation,
		BeforeState: before,
		AfterState: map[string]any{
			"status":            storage.BonusCancelled,
			"reason":            bonus.CancellationReason,
			"cancelled_credit":  remaining,
			"withdrawal_amount": withdrawalAmount,
		},
	})

	if err := e.UnregisterIfNoBonuses(ctx, bonus.Login); err != nil {
		e.logger.Error("unregister monitoring", "login", bonus.Login, "error", err)
	}
	return true, nil
}

func dealEligible(campaign *storage.Campaign, bonus *storage.Bonus, deal gateway.Deal) bool {
	switch campaign.LotTrackingScope {
	case storage.ScopePostBonus:
		if deal.Timestamp < bonus.AssignedAt.Unix() {
			return false
		}
	case storage.ScopeSymbolFiltered:
		filter := campaign.SymbolFilter()
		if len(filter) > 0 {
			found := false
			for _, s := range filter {
				if s == deal.Symbol {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	case storage.ScopePerTradeThreshold:
		if campaign.PerTradeLotMinimum > 0 && deal.VolumeLots < campaign.PerTradeLotMinimum {
			return false
		}
	}
	return true
}
