package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/telegram"
	"github.com/camuig/mt5-bonus/internal/trigger"
)

type fixture struct {
	monitor *Monitor
	gw      *gateway.Mock
	repo    *storage.Repository
	engine  *engine.Engine
}

func newFixture(t *testing.T, autoDiscover bool) *fixture {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo := storage.NewRepository(db)

	gw := gateway.NewSeededMock()
	log := logger.New("error")
	notifier := telegram.NewNotifier(&config.Config{}, log)
	eng := engine.New(gw, repo, notifier, log)
	dispatcher := trigger.NewDispatcher(eng, repo, log)

	mon := New(gw, repo, eng, dispatcher, notifier, log, autoDiscover)
	mon.SetRetryWait(time.Millisecond)

	return &fixture{monitor: mon, gw: gw, repo: repo, engine: eng}
}

func (f *fixture) autoDepositCampaign(t *testing.T, pct float64) *storage.Campaign {
	t.Helper()
	c := &storage.Campaign{
		Name:            "Deposit Bonus",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: pct,
	}
	c.SetTriggerTypes([]string{storage.TriggerAutoDeposit})
	require.NoError(t, f.repo.CreateCampaign(c))
	return c
}

func TestCycleDetectsDeposit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.autoDepositCampaign(t, 50)
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10001", engine.ReasonDepositWatch))

	f.gw.SimulateDeposit("10001", 500)

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Deposits)
	require.Equal(t, 0, summary.Errors)

	bonuses, err := f.repo.ActiveBonusesByLogin("10001")
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	require.Equal(t, 250.0, bonuses[0].BonusAmount)

	// Snapshot committed past the deposit and the posted credit.
	mon, err := f.repo.GetMonitoredAccount("10001")
	require.NoError(t, err)
	require.Equal(t, 5500.0, mon.LastBalance)
	require.Equal(t, 250.0, mon.LastCredit)
	require.NotZero(t, mon.LastDealTimestamp)
}

func TestCycleDoesNotReplayDeposits(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.autoDepositCampaign(t, 50)
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10001", engine.ReasonDepositWatch))
	f.gw.SimulateDeposit("10001", 500)

	f.monitor.RunCycle(ctx)
	f.monitor.RunCycle(ctx)

	bonuses, err := f.repo.ListBonuses("10001", "", 10)
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
}

func TestPartialWithdrawalReducesProportionally(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := f.autoDepositCampaign(t, 50)
	// Account 10002 holds 10000; a 400 deposit earns a 200 bonus.
	bonus, err := f.engine.Assign(ctx, c, "10002", 400, engine.System)
	require.NoError(t, err)
	require.Equal(t, 200.0, bonus.BonusAmount)

	// Withdraw a quarter of the balance.
	f.gw.SimulateWithdrawal("10002", 2500)

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Withdrawals)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusActive, got.Status)
	require.Equal(t, 150.0, got.BonusAmount)
	require.Equal(t, 150.0, got.Outstanding())

	account, err := f.gw.GetAccount(ctx, "10002")
	require.NoError(t, err)
	require.Equal(t, 150.0, account.Credit)

	logs, err := f.repo.ListAuditLogs("10002", 20)
	require.NoError(t, err)
	var sawReduction bool
	for _, l := range logs {
		if l.EventType == storage.EventPartialReduction {
			sawReduction = true
		}
	}
	require.True(t, sawReduction)
}

// flakyGateway fails credit removals on demand; everything else passes
// through to the seeded mock.
type flakyGateway struct {
	*gateway.Mock
	failRemoveCredit bool
}

func (g *flakyGateway) RemoveCredit(ctx context.Context, login string, amount float64, comment string) error {
	if g.failRemoveCredit {
		return errors.New("trade server busy")
	}
	return g.Mock.RemoveCredit(ctx, login, amount, comment)
}

func TestReductionRetriesWhenCreditRemovalFails(t *testing.T) {
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo := storage.NewRepository(db)

	flaky := &flakyGateway{Mock: gateway.NewSeededMock(), failRemoveCredit: true}
	log := logger.New("error")
	notifier := telegram.NewNotifier(&config.Config{}, log)
	eng := engine.New(flaky, repo, notifier, log)
	dispatcher := trigger.NewDispatcher(eng, repo, log)
	mon := New(flaky, repo, eng, dispatcher, notifier, log, false)
	mon.SetRetryWait(time.Millisecond)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:            "Deposit Bonus",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 50,
	}
	require.NoError(t, repo.CreateCampaign(c))
	bonus, err := eng.Assign(ctx, c, "10002", 400, engine.System)
	require.NoError(t, err)
	require.Equal(t, 200.0, bonus.BonusAmount)

	flaky.Mock.SimulateWithdrawal("10002", 2500)

	summary := mon.RunCycle(ctx)
	require.Equal(t, 1, summary.Errors)

	// The ledger must not shrink while the external credit stayed put, and
	// the baseline must keep the pre-withdrawal balance so the delta is
	// seen again next cycle.
	got, err := repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, 200.0, got.BonusAmount)

	account, err := flaky.Mock.GetAccount(ctx, "10002")
	require.NoError(t, err)
	require.Equal(t, 200.0, account.Credit)

	row, err := repo.GetMonitoredAccount("10002")
	require.NoError(t, err)
	require.Equal(t, 1, row.ConsecutiveErrors)
	require.Equal(t, 10000.0, row.LastBalance)

	// Once the server recovers the same delta is re-detected and the
	// reduction lands.
	flaky.failRemoveCredit = false
	summary = mon.RunCycle(ctx)
	require.Equal(t, 0, summary.Errors)

	got, err = repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, 150.0, got.BonusAmount)

	account, err = flaky.Mock.GetAccount(ctx, "10002")
	require.NoError(t, err)
	require.Equal(t, 150.0, account.Credit)

	row, err = repo.GetMonitoredAccount("10002")
	require.NoError(t, err)
	require.Equal(t, 0, row.ConsecutiveErrors)
	require.Equal(t, 7500.0, row.LastBalance)
}

func TestPartialWithdrawalReducesMixedVariantsBySum(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	cA := &storage.Campaign{
		Name:            "Leverage Boost",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeA,
		BonusPercentage: 50,
	}
	cB := &storage.Campaign{
		Name:            "Credit Bonus",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
	}
	cC := &storage.Campaign{
		Name:             "Trade To Own",
		Status:           storage.CampaignActive,
		BonusType:        storage.BonusTypeC,
		BonusPercentage:  100,
		LotRequirement:   10,
		LotTrackingScope: storage.ScopeAll,
	}
	for _, c := range []*storage.Campaign{cA, cB, cC} {
		require.NoError(t, f.repo.CreateCampaign(c))
	}

	bonusA, err := f.engine.Assign(ctx, cA, "10002", 400, engine.System)
	require.NoError(t, err)
	bonusB, err := f.engine.Assign(ctx, cB, "10002", 400, engine.System)
	require.NoError(t, err)
	bonusC, err := f.engine.Assign(ctx, cC, "10002", 300, engine.System)
	require.NoError(t, err)

	// Part of the volume-convertible bonus has already become balance.
	bonusC.LotsTraded = 3
	bonusC.AmountConverted = 90
	require.NoError(t, f.repo.UpdateBonus(bonusC))
	require.NoError(t, f.gw.RemoveCredit(ctx, "10002", 90, "conversion"))
	require.NoError(t, f.gw.DepositToBalance(ctx, "10002", 90, "conversion"))
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10002", engine.ReasonActiveBonus))

	// Outstanding 200 + 100 + 210 = 510 against a 10090 balance; withdraw
	// a quarter of the balance.
	f.gw.SimulateWithdrawal("10002", 2522.50)

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Withdrawals)
	require.Equal(t, 0, summary.Errors)

	gotA, err := f.repo.GetBonus(bonusA.ID)
	require.NoError(t, err)
	gotB, err := f.repo.GetBonus(bonusB.ID)
	require.NoError(t, err)
	gotC, err := f.repo.GetBonus(bonusC.ID)
	require.NoError(t, err)

	require.Equal(t, 150.0, gotA.Outstanding())
	require.Equal(t, 75.0, gotB.Outstanding())
	require.InDelta(t, 157.5, gotC.Outstanding(), 0.01)
	require.Equal(t, storage.BonusActive, gotC.Status)
	require.Equal(t, 90.0, gotC.AmountConverted)

	// The removals sum to the withdrawal ratio applied to the total
	// outstanding, within 2dp rounding per bonus.
	removedTotal := (200.0 - gotA.Outstanding()) +
		(100.0 - gotB.Outstanding()) +
		(210.0 - gotC.Outstanding())
	require.InDelta(t, 510.0*0.25, removedTotal, 0.03)

	account, err := f.gw.GetAccount(ctx, "10002")
	require.NoError(t, err)
	require.InDelta(t, 510.0-removedTotal, account.Credit, 0.01)
}

func TestPartialWithdrawalAdjustsVariantALeverage(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:            "Leverage Boost",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeA,
		BonusPercentage: 50,
	}
	c.SetTriggerTypes([]string{storage.TriggerAutoDeposit})
	require.NoError(t, f.repo.CreateCampaign(c))

	// Account 10002: balance 10000, leverage 1:200. 50% of 400 is 200.
	bonus, err := f.engine.Assign(ctx, c, "10002", 400, engine.System)
	require.NoError(t, err)
	require.Equal(t, 133, bonus.AdjustedLeverage)

	f.gw.SimulateWithdrawal("10002", 2500)
	f.monitor.RunCycle(ctx)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusActive, got.Status)

	// Outstanding fell to 150 against a 7500 balance: 2% effective bonus.
	account, err := f.gw.GetAccount(ctx, "10002")
	require.NoError(t, err)
	require.Equal(t, got.AdjustedLeverage, account.Leverage)
	require.Greater(t, account.Leverage, 133)
	require.LessOrEqual(t, account.Leverage, 200)
}

func TestFullWithdrawalCancelsEverything(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := f.autoDepositCampaign(t, 50)
	bonus, err := f.engine.Assign(ctx, c, "10005", 400, engine.System)
	require.NoError(t, err)

	// Seeded balance 1000: withdraw it all.
	f.gw.SimulateWithdrawal("10005", 1000)

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Withdrawals)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusCancelled, got.Status)

	account, err := f.gw.GetAccount(ctx, "10005")
	require.NoError(t, err)
	require.Equal(t, 0.0, account.Credit)

	// Monitoring winds down and stays down after the snapshot commit.
	mon, err := f.repo.GetMonitoredAccount("10005")
	require.NoError(t, err)
	require.False(t, mon.IsActive)
}

func TestFullWithdrawalRecordsVariantCRemainder(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:             "Trade To Own",
		Status:           storage.CampaignActive,
		BonusType:        storage.BonusTypeC,
		BonusPercentage:  100,
		LotRequirement:   10,
		LotTrackingScope: storage.ScopeAll,
	}
	require.NoError(t, f.repo.CreateCampaign(c))

	bonus, err := f.engine.Assign(ctx, c, "10005", 400, engine.System)
	require.NoError(t, err)

	// Seeded balance 1000: withdraw it all.
	f.gw.SimulateWithdrawal("10005", 1000)
	f.monitor.RunCycle(ctx)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusCancelled, got.Status)
	require.Contains(t, got.CancellationReason, "withdrawal_triggered")

	account, err := f.gw.GetAccount(ctx, "10005")
	require.NoError(t, err)
	require.Equal(t, 0.0, account.Credit)

	// The conversion tracker's withdrawal path audits the unconverted
	// remainder and the withdrawal amount.
	logs, err := f.repo.ListAuditLogs("10005", 20)
	require.NoError(t, err)
	var cancellation string
	for _, l := range logs {
		if l.EventType == storage.EventCancellation {
			cancellation = l.AfterState
		}
	}
	require.Contains(t, cancellation, "withdrawal_amount")
	require.Contains(t, cancellation, "cancelled_credit")
}

func TestDrawdownBreachClosesAndCancels(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:            "Leverage Boost",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeA,
		BonusPercentage: 50,
	}
	require.NoError(t, f.repo.CreateCampaign(c))

	// Account 10003: balance 2500, leverage 1:1000.
	bonus, err := f.engine.Assign(ctx, c, "10003", 1000, engine.System)
	require.NoError(t, err)
	require.Equal(t, 500.0, bonus.BonusAmount)

	// Trading losses eat the whole client stake: equity at credit.
	f.gw.SetEquity("10003", 450)

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Drawdowns)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusCancelled, got.Status)
	require.Contains(t, got.CancellationReason, "drawdown_breach")

	account, err := f.gw.GetAccount(ctx, "10003")
	require.NoError(t, err)
	require.Equal(t, 0.0, account.Credit)
	require.Equal(t, 1000, account.Leverage)
}

func TestOrphanedCreditCleanedUp(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Credit with no bonus behind it, present before the baseline snapshot:
	// a removal that failed in some earlier run.
	require.NoError(t, f.gw.PostCredit(ctx, "10004", 300, "stray"))
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10004", engine.ReasonDepositWatch))

	f.monitor.RunCycle(ctx)

	account, err := f.gw.GetAccount(ctx, "10004")
	require.NoError(t, err)
	require.Equal(t, 0.0, account.Credit)
}

func TestOrphanCleanupSparesFreshCredit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// Baseline first, credit after: looks like an assignment mid-commit,
	// so the cleanup must leave it alone this cycle.
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10004", engine.ReasonDepositWatch))
	require.NoError(t, f.gw.PostCredit(ctx, "10004", 300, "committing"))

	f.monitor.RunCycle(ctx)

	account, err := f.gw.GetAccount(ctx, "10004")
	require.NoError(t, err)
	require.Equal(t, 300.0, account.Credit)
}

func TestVolumeTrackingAdvancesWatermark(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:             "Trade To Own",
		Status:           storage.CampaignActive,
		BonusType:        storage.BonusTypeC,
		BonusPercentage:  100,
		LotRequirement:   10,
		LotTrackingScope: storage.ScopeAll,
	}
	require.NoError(t, f.repo.CreateCampaign(c))

	bonus, err := f.engine.Assign(ctx, c, "10001", 1000, engine.System)
	require.NoError(t, err)

	f.gw.SimulateDeal("10001", "EURUSD", 3, time.Now().Unix())

	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Deals)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, 300.0, got.AmountConverted)

	// Same deal must not convert twice.
	f.monitor.RunCycle(ctx)
	got, err = f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, 300.0, got.AmountConverted)

	// A later deal picks up from the watermark.
	f.gw.SimulateDeal("10001", "EURUSD", 3, time.Now().Unix()+10)
	f.monitor.RunCycle(ctx)
	got, err = f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, 600.0, got.AmountConverted)
}

func TestErrorIsolationAndCeiling(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	// One login the gateway does not know, one healthy.
	require.NoError(t, f.repo.CreateMonitoredAccount(&storage.MonitoredAccount{
		Login:    "77777",
		IsActive: true,
	}))
	require.NoError(t, f.engine.RegisterForMonitoring(ctx, "10001", engine.ReasonDepositWatch))

	for i := 0; i < maxConsecutiveErrors; i++ {
		summary := f.monitor.RunCycle(ctx)
		require.Equal(t, 2, summary.Total)
		require.Equal(t, 1, summary.Errors)
	}

	broken, err := f.repo.GetMonitoredAccount("77777")
	require.NoError(t, err)
	require.Equal(t, maxConsecutiveErrors, broken.ConsecutiveErrors)
	require.NotEmpty(t, broken.LastError)

	// At the ceiling the account drops out of the working set.
	summary := f.monitor.RunCycle(ctx)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 0, summary.Errors)
}

func TestErrorsResetOnRecovery(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.repo.CreateMonitoredAccount(&storage.MonitoredAccount{
		Login:    "10006",
		IsActive: true,
		// Below the ceiling: still polled.
		ConsecutiveErrors: maxConsecutiveErrors - 1,
		LastError:         "account not found",
	}))

	f.monitor.RunCycle(ctx)

	mon, err := f.repo.GetMonitoredAccount("10006")
	require.NoError(t, err)
	require.Equal(t, 0, mon.ConsecutiveErrors)
	require.Empty(t, mon.LastError)
	require.NotNil(t, mon.LastPolledAt)
}

func TestAutoDiscoveryRegistersAllLogins(t *testing.T) {
	f := newFixture(t, true)

	f.monitor.RunCycle(context.Background())

	accounts, err := f.repo.AllMonitoredAccounts()
	require.NoError(t, err)
	// The seeded mock carries eight demo accounts.
	require.Len(t, accounts, 8)
	for _, a := range accounts {
		require.True(t, a.IsActive)
		require.True(t, a.HasReason(engine.ReasonAutoDiscovered))
	}
}

func TestCheckExpiredBonuses(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	c := &storage.Campaign{
		Name:            "Short Lived",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 50,
		ExpiryDays:      7,
	}
	require.NoError(t, f.repo.CreateCampaign(c))

	bonus, err := f.engine.Assign(ctx, c, "10001", 1000, engine.System)
	require.NoError(t, err)

	// Backdate the expiry.
	past := time.Now().UTC().Add(-time.Hour)
	bonus.ExpiresAt = &past
	require.NoError(t, f.repo.UpdateBonus(bonus))

	count := f.monitor.CheckExpiredBonuses(ctx)
	require.Equal(t, 1, count)

	got, err := f.repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusExpired, got.Status)

	account, err := f.gw.GetAccount(ctx, "10001")
	require.NoError(t, err)
	require.Equal(t, 0.0, account.Credit)
}
