// Package monitor is the account reconciliation loop. The external platform
// offers no push notifications, so each cycle pulls account snapshots,
// classifies what changed (deposits, withdrawals, drawdowns, trades) and
// drives the engine to converge the local ledger with the platform.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/leverage"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/telegram"
	"github.com/camuig/mt5-bonus/internal/trigger"
)

const (
	// Accounts at the ceiling are skipped until manually reset.
	maxConsecutiveErrors = 5

	forceRemoveAttempts   = 5
	closePositionAttempts = 3

	// equity vs balance+credit slack that still counts as "no open positions"
	positionTolerance = 1.0
)

// Summary reports what one cycle did.
type Summary struct {
	Total       int
	Deposits    int
	Withdrawals int
	Drawdowns   int
	Deals       int
	Errors      int
}

func (s Summary) Eventful() bool {
	return s.Deposits > 0 || s.Withdrawals > 0 || s.Drawdowns > 0 || s.Deals > 0 || s.Errors > 0
}

type Monitor struct {
	gw         gateway.Gateway
	repo       *storage.Repository
	engine     *engine.Engine
	dispatcher *trigger.Dispatcher
	notifier   *telegram.Notifier
	logger     *logger.Logger

	autoDiscover bool
	retryWait    time.Duration
}

func New(
	gw gateway.Gateway,
	repo *storage.Repository,
	eng *engine.Engine,
	dispatcher *trigger.Dispatcher,
	notifier *telegram.Notifier,
	log *logger.Logger,
	autoDiscover bool,
) *Monitor {
	return &Monitor{
		gw:           gw,
		repo:         repo,
		engine:       eng,
		dispatcher:   dispatcher,
		notifier:     notifier,
		logger:       log,
		autoDiscover: autoDiscover,
		retryWait:    1500 * time.Millisecond,
	}
}

// SetRetryWait adjusts the pause between a mutation and its verification
// fetch. Tests shorten it.
func (m *Monitor) SetRetryWait(d time.Duration) { m.retryWait = d }

// RunCycle polls every active monitored account once, least recently
// polled first. One account's failure never blocks the others.
func (m *Monitor) RunCycle(ctx context.Context) Summary {
	var summary Summary

	if m.autoDiscover {
		m.discoverAccounts(ctx)
	}

	accounts, err := m.repo.PollableAccounts(maxConsecutiveErrors)
	if err != nil {
		m.logger.Error("list monitored accounts", "error", err)
		return summary
	}
	summary.Total = len(accounts)

	for i := range accounts {
		mon := &accounts[i]
		m.pollAccount(ctx, mon, &summary)
		if mon.ConsecutiveErrors > 0 {
			summary.Errors++
		}
	}
	return summary
}

func (m *Monitor) pollAccount(ctx context.Context, mon *storage.MonitoredAccount, summary *Summary) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return m.pollTurn(ctx, mon, summary)
	}()

	if err != nil {
		mon.ConsecutiveErrors++
		mon.LastError = truncate(err.Error(), 500)
		m.logger.Error("account poll failed", "login", mon.Login, "error", err)
	}

	if saveErr := m.repo.SaveAccountPollState(mon); saveErr != nil {
		m.logger.Error("persist monitored account", "login", mon.Login, "error", saveErr)
	}
}

// pollTurn runs one account's reconciliation state machine. Every corrective
// action re-fetches the snapshot before the next decision: the external
// snapshot is the only shared mutable state, and acting on a stale one
// misclassifies the next delta.
func (m *Monitor) pollTurn(ctx context.Context, mon *storage.MonitoredAccount, summary *Summary) error {
	account, err := m.gw.GetAccount(ctx, mon.Login)
	if err != nil {
		return err
	}

	// Deposit detection: balance rose while credit did not, so this is
	// client money, not a bonus being posted.
	balanceDelta := account.Balance - mon.LastBalance
	if balanceDelta > engine.Epsilon && account.Credit <= mon.LastCredit+engine.Epsilon {
		if err := m.handleDeposits(ctx, mon, account, balanceDelta, summary); err != nil {
			return err
		}
		if account, err = m.gw.GetAccount(ctx, mon.Login); err != nil {
			return err
		}
	}

	// Withdrawal detection.
	if account.Balance < mon.LastBalance-engine.Epsilon {
		withdrawal := mon.LastBalance - account.Balance
		ratio := 1.0
		if mon.LastBalance > 0 {
			ratio = withdrawal / mon.LastBalance
		}
		m.logger.Info("withdrawal detected",
			"login", mon.Login, "amount", withdrawal, "ratio", ratio)

		if ratio >= 1.0 {
			m.cancelAllForWithdrawal(ctx, mon.Login, withdrawal)
		} else if err := m.applyProportionalReduction(ctx, mon.Login, ratio, withdrawal, account.Balance); err != nil {
			return err
		}
		summary.Withdrawals++
		if account, err = m.gw.GetAccount(ctx, mon.Login); err != nil {
			return err
		}
	}

	// Drawdown breach: equity at or below credit means the trader's own
	// funds are gone and only bonus money is left at risk.
	if account.Credit > 0 && account.Equity <= account.Credit+engine.Epsilon {
		m.logger.Warn("drawdown breach",
			"login", mon.Login, "equity", account.Equity, "credit", account.Credit)
		m.notifier.NotifyDrawdown(mon.Login, account.Equity, account.Credit)

		reason := fmt.Sprintf("drawdown_breach:equity=%.2f,credit=%.2f", account.Equity, account.Credit)
		m.closePositions(ctx, mon.Login)
		m.cancelAllAndClearCredit(ctx, mon.Login, reason)
		summary.Drawdowns++
		if account, err = m.gw.GetAccount(ctx, mon.Login); err != nil {
			return err
		}
	}

	// Orphaned-credit cleanup: external credit with no active bonus behind
	// it, typically a previously failed removal. Credit that just rose is
	// left alone — that is an assignment still committing.
	if account.Credit > engine.Epsilon && account.Credit <= mon.LastCredit+engine.Epsilon {
		active, err := m.repo.ActiveBonusesByLogin(mon.Login)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			m.logger.Info("orphaned credit cleanup",
				"login", mon.Login, "credit", account.Credit)
			m.forceRemoveCredit(ctx, mon.Login)
			if account, err = m.gw.GetAccount(ctx, mon.Login); err != nil {
				return err
			}
		}
	}

	// Volume tracking for variant-C bonuses.
	typeC, err := m.repo.ActiveTypeCBonusesByLogin(mon.Login)
	if err != nil {
		return err
	}
	if len(typeC) > 0 {
		deals, err := m.gw.GetTradeHistory(ctx, mon.Login, mon.LastDealTimestamp)
		if err != nil {
			return err
		}
		for _, deal := range deals {
			for i := range typeC {
				converted, procErr := m.engine.ProcessDeal(ctx, &typeC[i], deal)
				if procErr != nil {
					m.logger.Error("process deal", "login", mon.Login, "deal", deal.DealID, "error", procErr)
					continue
				}
				if converted {
					summary.Deals++
				}
			}
			if deal.Timestamp > mon.LastDealTimestamp {
				mon.LastDealTimestamp = deal.Timestamp
			}
		}
	}

	// Commit the snapshot from the last fetched account object. One more
	// fetch here would open a window where a deposit lands between the
	// fetches and is silently absorbed into the new baseline.
	mon.LastBalance = account.Balance
	mon.LastEquity = account.Equity
	mon.LastCredit = account.Credit
	mon.ConsecutiveErrors = 0
	mon.LastError = ""
	now := time.Now().UTC()
	mon.LastPolledAt = &now

	return nil
}

func (m *Monitor) handleDeposits(ctx context.Context, mon *storage.MonitoredAccount, account *gateway.Account, balanceDelta float64, summary *Summary) error {
	ops, err := m.gw.GetBalanceLedger(ctx, mon.Login, mon.LastDealTimestamp)
	if err != nil {
		return err
	}

	var deposits []gateway.BalanceDeal
	for _, op := range ops {
		if op.Amount > engine.Epsilon {
			deposits = append(deposits, op)
		}
	}

	if len(deposits) == 0 {
		// Ledger gave no detail; fall back to the aggregate delta.
		m.logger.Info("deposit detected via snapshot",
			"login", mon.Login, "amount", balanceDelta)
		if _, err := m.dispatcher.Deposit(ctx, mon.Login, balanceDelta, account.AgentCode); err != nil {
			m.logger.Error("deposit trigger", "login", mon.Login, "error", err)
		}
		summary.Deposits++
		return nil
	}

	for _, dep := range deposits {
		m.logger.Info("deposit detected",
			"login", mon.Login, "amount", dep.Amount, "deal", dep.DealID)
		if _, err := m.dispatcher.Deposit(ctx, mon.Login, dep.Amount, account.AgentCode); err != nil {
			m.logger.Error("deposit trigger", "login", mon.Login, "error", err)
		}
		summary.Deposits++
		if dep.Timestamp > mon.LastDealTimestamp {
			mon.LastDealTimestamp = dep.Timestamp
		}
	}
	return nil
}

// applyProportionalReduction scales every active bonus down by the
// withdrawal ratio. A bonus whose outstanding part would drop below the
// tolerance is cancelled outright instead. The external credit is removed
// before the ledger shrinks: a failed removal leaves the bonus untouched and
// comes back as the error, so the snapshot is not committed and the next
// cycle re-detects the same withdrawal delta and retries.
func (m *Monitor) applyProportionalReduction(ctx context.Context, login string, ratio, withdrawalAmount, currentBalance float64) error {
	bonuses, err := m.repo.ActiveBonusesByLogin(login)
	if err != nil {
		return fmt.Errorf("list active bonuses: %w", err)
	}

	var firstErr error
	for i := range bonuses {
		b := &bonuses[i]
		oldOutstanding := b.Outstanding()
		if oldOutstanding <= engine.Epsilon {
			continue
		}

		removed := engine.Round2(oldOutstanding * ratio)
		newOutstanding := engine.Round2(oldOutstanding - removed)

		if newOutstanding < engine.Epsilon {
			if err := m.engine.Cancel(ctx, b, fmt.Sprintf("withdrawal_triggered:%.2f", withdrawalAmount), engine.System); err != nil {
				m.logger.Error("cancel on reduction", "login", login, "bonus", b.ID, "error", err)
			}
			continue
		}

		if err := m.gw.RemoveCredit(ctx, login, removed, fmt.Sprintf("Bonus %s partial reduction: withdrawal %.2f", b.RefCode, withdrawalAmount)); err != nil {
			m.logger.Error("remove credit on reduction", "login", login, "bonus", b.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("remove credit for bonus %d: %w", b.ID, err)
			}
			continue
		}

		oldLeverage := b.AdjustedLeverage
		b.BonusAmount = engine.Round2(b.AmountConverted + newOutstanding)

		if b.BonusType == storage.BonusTypeA && b.OriginalLeverage > 0 {
			effectivePct := leverage.EffectivePct(newOutstanding, currentBalance)
			b.AdjustedLeverage = leverage.Adjusted(b.OriginalLeverage, effectivePct)
			if err := m.gw.SetLeverage(ctx, login, b.AdjustedLeverage); err != nil {
				m.logger.Error("adjust leverage on reduction", "login", login, "bonus", b.ID, "error", err)
			}
		}

		if err := m.repo.UpdateBonus(b); err != nil {
			m.logger.Error("persist reduction", "login", login, "bonus", b.ID, "error", err)
			continue
		}

		if err := m.repo.LogEvent(storage.AuditEntry{
			Login:      login,
			CampaignID: b.CampaignID,
			BonusID:    b.ID,
			EventType:  storage.EventPartialReduction,
			BeforeState: map[string]any{
				"outstanding": oldOutstanding,
				"leverage":    oldLeverage,
			},
			AfterState: map[string]any{
				"outstanding":       newOutstanding,
				"removed":           removed,
				"leverage":          b.AdjustedLeverage,
				"withdrawal_amount": withdrawalAmount,
				"ratio":             ratio,
			},
		}); err != nil {
			m.logger.Error("write audit log", "login", login, "error", err)
		}

		m.logger.Info("bonus proportionally reduced",
			"login", login, "bonus", b.ID, "removed", removed,
			"outstanding", newOutstanding, "ratio", ratio)
	}
	return firstErr
}

// cancelAllForWithdrawal winds down every active bonus after a full
// withdrawal. Variant-C bonuses go through the conversion tracker's
// withdrawal path so the unconverted remainder and the withdrawal amount
// land in the audit trail; the rest take the generic cancellation.
func (m *Monitor) cancelAllForWithdrawal(ctx context.Context, login string, withdrawal float64) {
	bonuses, err := m.repo.ActiveBonusesByLogin(login)
	if err != nil {
		m.logger.Error("list active bonuses", "login", login, "error", err)
		return
	}
	for i := range bonuses {
		b := &bonuses[i]
		if b.BonusType == storage.BonusTypeC {
			if _, err := m.engine.HandleWithdrawal(ctx, b, withdrawal); err != nil {
				m.logger.Error("cancel bonus", "login", login, "bonus", b.ID, "error", err)
			}
			continue
		}
		if err := m.engine.Cancel(ctx, b, fmt.Sprintf("withdrawal_triggered:%.2f", withdrawal), engine.System); err != nil {
			m.logger.Error("cancel bonus", "login", login, "bonus", b.ID, "error", err)
		}
	}
	m.forceRemoveCredit(ctx, login)
}

func (m *Monitor) cancelAllAndClearCredit(ctx context.Context, login, reason string) {
	bonuses, err := m.repo.ActiveBonusesByLogin(login)
	if err != nil {
		m.logger.Error("list active bonuses", "login", login, "error", err)
		return
	}
	for i := range bonuses {
		if err := m.engine.Cancel(ctx, &bonuses[i], reason, engine.System); err != nil {
			m.logger.Error("cancel bonus", "login", login, "bonus", bonuses[i].ID, "error", err)
		}
	}
	m.forceRemoveCredit(ctx, login)
}

func (m *Monitor) closePositions(ctx context.Context, login string) {
	for attempt := 1; attempt <= closePositionAttempts; attempt++ {
		if err := m.gw.CloseAllPositions(ctx, login); err != nil {
			m.logger.Error("close positions", "login", login, "attempt", attempt, "error", err)
		}
		time.Sleep(m.retryWait)

		account, err := m.gw.GetAccount(ctx, login)
		if err != nil {
			continue
		}
		if math.Abs(account.Equity-account.Balance-account.Credit) < positionTolerance {
			m.logger.Info("positions closed", "login", login, "attempt", attempt)
			return
		}
		m.logger.Warn("positions may still be open",
			"login", login, "equity", account.Equity,
			"balance_credit", account.Balance+account.Credit, "attempt", attempt)
	}
}

// forceRemoveCredit strips all credit from the account with verification
// after each attempt. It never reports success it has not observed: if the
// credit survives every attempt an operational alert goes out and the next
// cycle's orphan cleanup tries again.
func (m *Monitor) forceRemoveCredit(ctx context.Context, login string) {
	var lastSeen float64

	for attempt := 1; attempt <= forceRemoveAttempts; attempt++ {
		account, err := m.gw.GetAccount(ctx, login)
		if err != nil {
			if errors.Is(err, gateway.ErrAccountNotFound) {
				return
			}
			m.logger.Error("fetch account for credit removal", "login", login, "attempt", attempt, "error", err)
			time.Sleep(m.retryWait)
			continue
		}

		if account.Credit <= engine.Epsilon {
			m.logger.Info("credit cleared", "login", login, "credit", account.Credit)
			return
		}
		lastSeen = account.Credit

		// Open positions block credit removal; close them and retry.
		if math.Abs(account.Equity-account.Balance-account.Credit) > positionTolerance {
			m.logger.Info("closing positions before credit removal",
				"login", login, "attempt", attempt)
			if err := m.gw.CloseAllPositions(ctx, login); err != nil {
				m.logger.Error("close positions", "login", login, "error", err)
			}
			time.Sleep(m.retryWait)
			continue
		}

		m.logger.Info("removing credit",
			"login", login, "amount", account.Credit, "attempt", attempt)
		if err := m.gw.RemoveCredit(ctx, login, account.Credit, "Bonus cancelled - credit removal"); err != nil {
			m.logger.Error("remove credit", "login", login, "attempt", attempt, "error", err)
		}
		time.Sleep(m.retryWait)

		check, err := m.gw.GetAccount(ctx, login)
		if err == nil && check.Credit <= engine.Epsilon {
			m.logger.Info("credit removal verified", "login", login)
			return
		}
		if err == nil {
			lastSeen = check.Credit
		}
		m.logger.Warn("credit removal not confirmed",
			"login", login, "credit", lastSeen, "attempt", attempt)
	}

	m.logger.Error("credit removal failed after all attempts",
		"login", login, "credit", lastSeen)
	m.notifier.NotifyCreditStuck(login, lastSeen)
}

// discoverAccounts registers logins the platform knows but the monitor does
// not, and reactivates deactivated ones that still exist.
func (m *Monitor) discoverAccounts(ctx context.Context) {
	logins, err := m.gw.ListAllLogins(ctx)
	if err != nil {
		m.logger.Error("auto-discovery: list logins", "error", err)
		return
	}

	existing, err := m.repo.AllMonitoredAccounts()
	if err != nil {
		m.logger.Error("auto-discovery: list monitored", "error", err)
		return
	}
	known := make(map[string]*storage.MonitoredAccount, len(existing))
	for i := range existing {
		known[existing[i].Login] = &existing[i]
	}

	for _, login := range logins {
		mon, ok := known[login]
		if !ok {
			if err := m.engine.RegisterForMonitoring(ctx, login, engine.ReasonAutoDiscovered); err != nil {
				m.logger.Error("auto-discovery: register", "login", login, "error", err)
				continue
			}
			m.logger.Info("auto-discovered account", "login", login)
			continue
		}
		if !mon.IsActive {
			mon.IsActive = true
			mon.AddReason(engine.ReasonAutoDiscovered)
			if err := m.repo.UpdateMonitoredAccount(mon); err != nil {
				m.logger.Error("auto-discovery: reactivate", "login", login, "error", err)
				continue
			}
			m.logger.Info("reactivated account", "login", login)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
