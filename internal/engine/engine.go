package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/camuig/mt5-bonus/internal/eligibility"
	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/leverage"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/telegram"
)

// Monitoring reasons. deposit_watch and auto_discovered keep an account
// monitored even after its last bonus is gone.
const (
	ReasonActiveBonus    = "active_bonus"
	ReasonDepositWatch   = "deposit_watch"
	ReasonAutoDiscovered = "auto_discovered"
)

var (
	ErrBonusNotActive  = errors.New("bonus is not active")
	ErrNotOverridable  = errors.New("eligibility failures cannot be overridden")
	ErrNotEligible     = errors.New("account is not eligible")
)

// Actor identifies who drove a state transition.
type Actor struct {
	Type string
	ID   uint
}

var System = Actor{Type: storage.ActorSystem}

func Admin(id uint) Actor { return Actor{Type: storage.ActorAdmin, ID: id} }

// Engine owns the bonus lifecycle: assignment, cancellation, expiry and
// volume conversion. Every external mutation goes through the gateway;
// every state transition lands in the audit log.
type Engine struct {
	gw       gateway.Gateway
	repo     *storage.Repository
	notifier *telegram.Notifier
	logger   *logger.Logger
}

func New(gw gateway.Gateway, repo *storage.Repository, notifier *telegram.Notifier, log *logger.Logger) *Engine {
	return &Engine{
		gw:       gw,
		repo:     repo,
		notifier: notifier,
		logger:   log,
	}
}

// Assign issues a bonus under the campaign. The credit must be confirmed on
// the gateway before any bonus record exists; if posting fails the whole
// operation fails and nothing is recorded.
func (e *Engine) Assign(ctx context.Context, campaign *storage.Campaign, login string, depositAmount float64, actor Actor) (*storage.Bonus, error) {
	account, err := e.gw.GetAccount(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("fetch account %s: %w", login, err)
	}

	base := depositAmount
	if base <= 0 {
		base = account.Balance
	}
	amount := Round2(base * campaign.BonusPercentage / 100.0)
	if campaign.MaxBonusAmount > 0 && amount > campaign.MaxBonusAmount {
		amount = campaign.MaxBonusAmount
	}

	refCode := "BN-" + strings.ToUpper(uuid.NewString()[:8])

	if err := e.gw.PostCredit(ctx, login, amount, fmt.Sprintf("Bonus %s: %s", refCode, campaign.Name)); err != nil {
		return nil, fmt.Errorf("post credit to %s: %w", login, err)
	}

	bonus := &storage.Bonus{
		CampaignID:  campaign.ID,
		Login:       login,
		RefCode:     refCode,
		BonusType:   campaign.BonusType,
		BonusAmount: amount,
		Status:      storage.BonusActive,
		AssignedAt:  time.Now().UTC(),
	}

	if campaign.BonusType == storage.BonusTypeA {
		bonus.OriginalLeverage = account.Leverage
		bonus.AdjustedLeverage = leverage.Adjusted(account.Leverage, campaign.BonusPercentage)
		if err := e.gw.SetLeverage(ctx, login, bonus.AdjustedLeverage); err != nil {
			// Credit is already posted; leverage will be corrected by the
			// next admin action or cancellation.
			e.logger.Error("apply adjusted leverage", "login", login, "error", err)
		}
	}

	if campaign.BonusType == storage.BonusTypeC {
		bonus.LotsRequired = campaign.LotRequirement
	}

	if campaign.ExpiryDays > 0 {
		expires := bonus.AssignedAt.AddDate(0, 0, campaign.ExpiryDays)
		bonus.ExpiresAt = &expires
	}

	if err := e.repo.CreateBonus(bonus); err != nil {
		return nil, fmt.Errorf("persist bonus: %w", err)
	}

	e.audit(storage.AuditEntry{
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Login:      login,
		CampaignID: campaign.ID,
		BonusID:    bonus.ID,
		EventType:  storage.EventAssignment,
		AfterState: map[string]any{
			"ref_code":          bonus.RefCode,
			"bonus_amount":      bonus.BonusAmount,
			"bonus_type":        bonus.BonusType,
			"original_leverage": bonus.OriginalLeverage,
			"adjusted_leverage": bonus.AdjustedLeverage,
		},
	})

	if err := e.RegisterForMonitoring(ctx, login, ReasonActiveBonus); err != nil {
		e.logger.Error("register monitoring", "login", login, "error", err)
	}

	e.logger.Info("bonus assigned",
		"login", login, "campaign", campaign.Name, "type", bonus.BonusType,
		"amount", bonus.BonusAmount, "ref", bonus.RefCode)
	e.notifier.NotifyAssignment(login, campaign.Name, amount)

	return bonus, nil
}

// Cancel removes the outstanding credit, restores leverage for variant A
// and marks the bonus cancelled.
func (e *Engine) Cancel(ctx context.Context, bonus *storage.Bonus, reason string, actor Actor) error {
	return e.close(ctx, bonus, reason, storage.BonusCancelled, storage.EventCancellation, actor)
}

// Expire is Cancel for bonuses whose expiry has passed; the record keeps
// the distinct expired status.
func (e *Engine) Expire(ctx context.Context, bonus *storage.Bonus) error {
	return e.close(ctx, bonus, "expired", storage.BonusExpired, storage.EventExpiry, System)
}

func (e *Engine) close(ctx context.Context, bonus *storage.Bonus, reason, status, eventType string, actor Actor) error {
	if bonus.Status != storage.BonusActive {
		return ErrBonusNotActive
	}

	before := map[string]any{
		"status":           bonus.Status,
		"bonus_amount":     bonus.BonusAmount,
		"amount_converted": bonus.AmountConverted,
	}

	remaining := bonus.Outstanding()
	if remaining > Epsilon {
		if err := e.gw.RemoveCredit(ctx, bonus.Login, remaining, fmt.Sprintf("Bonus %s cancelled: %s", bonus.RefCode, reason)); err != nil {
			// Orphaned-credit cleanup in the monitor loop retries this.
			e.logger.Error("remove credit on cancel", "login", bonus.Login, "amount", remaining, "error", err)
		}
	}

	if bonus.BonusType == storage.BonusTypeA && bonus.OriginalLeverage > 0 {
		if err := e.gw.SetLeverage(ctx, bonus.Login, bonus.OriginalLeverage); err != nil {
			e.logger.Error("restore leverage", "login", bonus.Login, "error", err)
		} else {
			e.audit(storage.AuditEntry{
				ActorType:  actor.Type,
				ActorID:    actor.ID,
				Login:      bonus.Login,
				CampaignID: bonus.CampaignID,
				BonusID:    bonus.ID,
				EventType:  storage.EventLeverageChange,
				BeforeState: map[string]any{"leverage": bonus.AdjustedLeverage},
				AfterState:  map[string]any{"leverage": bonus.OriginalLeverage},
			})
		}
	}

	now := time.Now().UTC()
	bonus.Status = status
	bonus.CancelledAt = &now
	bonus.CancellationReason = reason
	if err := e.repo.UpdateBonus(bonus); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	e.audit(storage.AuditEntry{
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		Login:       bonus.Login,
		CampaignID:  bonus.CampaignID,
		BonusID:     bonus.ID,
		EventType:   eventType,
		BeforeState: before,
		AfterState:  map[string]any{"status": status, "reason": reason},
	})

	if err := e.UnregisterIfNoBonuses(ctx, bonus.Login); err != nil {
		e.logger.Error("unregister monitoring", "login", bonus.Login, "error", err)
	}

	e.logger.Info("bonus closed",
		"login", bonus.Login, "ref", bonus.RefCode, "status", status, "reason", reason)
	e.notifier.NotifyCancellation(bonus.Login, reason, remaining)

	return nil
}

// CheckEligibility gathers the campaign, account and bonus counts and runs
// the pure evaluator. A missing account is an eligibility failure, not an
// error.
func (e *Engine) CheckEligibility(ctx context.Context, campaign *storage.Campaign, login string, depositAmount float64) ([]eligibility.Failure, error) {
	account, err := e.gw.GetAccount(ctx, login)
	if err != nil && !errors.Is(err, gateway.ErrAccountNotFound) {
		return nil, fmt.Errorf("fetch account %s: %w", login, err)
	}

	prior, err := e.repo.CountBonusesForCampaign(campaign.ID, login)
	if err != nil {
		return nil, fmt.Errorf("count campaign bonuses: %w", err)
	}
	active, err := e.repo.CountActiveBonuses(login)
	if err != nil {
		return nil, fmt.Errorf("count active bonuses: %w", err)
	}

	return eligibility.Evaluate(eligibility.Input{
		Campaign:             campaign,
		Account:              account,
		DepositAmount:        depositAmount,
		PriorCampaignBonuses: prior,
		ActiveBonuses:        active,
		Now:                  time.Now().UTC(),
	}), nil
}

// AssignChecked runs eligibility and assigns only when clean.
func (e *Engine) AssignChecked(ctx context.Context, campaign *storage.Campaign, login string, depositAmount float64, actor Actor) (*storage.Bonus, error) {
	failures, err := e.CheckEligibility(ctx, campaign, login, depositAmount)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotEligible, failures[0].Message)
	}
	return e.Assign(ctx, campaign, login, depositAmount, actor)
}

// AssignWithOverride forces assignment past eligibility failures, but only
// when every failure is individually overridable.
func (e *Engine) AssignWithOverride(ctx context.Context, campaign *storage.Campaign, login string, depositAmount float64, actor Actor) (*storage.Bonus, error) {
	failures, err := e.CheckEligibility(ctx, campaign, login, depositAmount)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 && !eligibility.AllOverridable(failures) {
		var blocked []string
		for _, f := range failures {
			if !f.Overridable {
				blocked = append(blocked, f.Code)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotOverridable, strings.Join(blocked, ", "))
	}

	bonus, err := e.Assign(ctx, campaign, login, depositAmount, actor)
	if err != nil {
		return nil, err
	}

	if len(failures) > 0 {
		var codes []string
		for _, f := range failures {
			codes = append(codes, f.Code)
		}
		e.audit(storage.AuditEntry{
			ActorType:  actor.Type,
			ActorID:    actor.ID,
			Login:      login,
			CampaignID: campaign.ID,
			BonusID:    bonus.ID,
			EventType:  storage.EventAdminOverride,
			AfterState: map[string]any{"overridden_failures": strings.Join(codes, ",")},
		})
	}

	return bonus, nil
}

// OverrideLeverage sets an explicit leverage value on the account,
// bypassing the calculator. Admin-only path.
func (e *Engine) OverrideLeverage(ctx context.Context, login string, value int, actor Actor) error {
	account, err := e.gw.GetAccount(ctx, login)
	if err != nil {
		return fmt.Errorf("fetch account %s: %w", login, err)
	}
	if err := e.gw.SetLeverage(ctx, login, value); err != nil {
		return fmt.Errorf("set leverage on %s: %w", login, err)
	}
	e.audit(storage.AuditEntry{
		ActorType:   actor.Type,
		ActorID:     actor.ID,
		Login:       login,
		EventType:   storage.EventLeverageChange,
		BeforeState: map[string]any{"leverage": account.Leverage},
		AfterState:  map[string]any{"leverage": value},
	})
	return nil
}

// RegisterForMonitoring adds the login to the monitor's working set, or
// merges the reason and refreshes the snapshot if it is already there.
// Idempotent.
func (e *Engine) RegisterForMonitoring(ctx context.Context, login, reason string) error {
	mon, err := e.repo.GetMonitoredAccount(login)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		mon = &storage.MonitoredAccount{
			Login:    login,
			IsActive: true,
		}
		mon.SetReasons([]string{reason})
		// Watermark starts at zero so every historical deal is visible to
		// variant-C tracking.
		if account, accErr := e.gw.GetAccount(ctx, login); accErr == nil {
			mon.LastBalance = account.Balance
			mon.LastEquity = account.Equity
			mon.LastCredit = account.Credit
		}
		now := time.Now().UTC()
		mon.LastPolledAt = &now
		return e.repo.CreateMonitoredAccount(mon)
	}

	// Refresh from the gateway rather than trusting a stale snapshot.
	if account, accErr := e.gw.GetAccount(ctx, login); accErr == nil {
		mon.LastBalance = account.Balance
		mon.LastEquity = account.Equity
		mon.LastCredit = account.Credit
	}
	mon.AddReason(reason)
	mon.IsActive = true
	mon.ConsecutiveErrors = 0
	return e.repo.UpdateMonitoredAccount(mon)
}

// UnregisterIfNoBonuses deactivates monitoring once the login has no
// active bonuses, unless a keep reason (deposit watch, auto-discovery)
// remains.
func (e *Engine) UnregisterIfNoBonuses(_ context.Context, login string) error {
	active, err := e.repo.CountActiveBonuses(login)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	mon, err := e.repo.GetMonitoredAccount(login)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	var remaining []string
	for _, r := range mon.Reasons() {
		if r == ReasonDepositWatch || r == ReasonAutoDiscovered {
			remaining = append(remaining, r)
		}
	}
	if len(remaining) == 0 {
		mon.IsActive = false
		mon.SetReasons(nil)
	} else {
		mon.SetReasons(remaining)
	}
	return e.repo.UpdateMonitoredAccount(mon)
}

// Repo exposes the repository for callers wired only through the engine.
func (e *Engine) Repo() *storage.Repository { return e.repo }

// Gateway exposes the trading gateway the engine operates on.
func (e *Engine) Gateway() gateway.Gateway { return e.gw }

func (e *Engine) audit(entry storage.AuditEntry) {
	if err := e.repo.LogEvent(entry); err != nil {
		e.logger.Error("write audit log", "event", entry.EventType, "error", err)
	}
}
