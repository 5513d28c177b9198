package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory gateway used for local runs and tests. Credit and
// balance mutations follow the same accounting as the real server:
// equity = balance + credit when no positions are open.
type Mock struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	deals       map[string][]Deal
	balanceOps  map[string][]BalanceDeal
	dealCounter int
}

func NewMock() *Mock {
	return &Mock{
		accounts:    make(map[string]*Account),
		deals:       make(map[string][]Deal),
		balanceOps:  make(map[string][]BalanceDeal),
		dealCounter: 1000,
	}
}

// NewSeededMock returns a mock pre-populated with demo accounts.
func NewSeededMock() *Mock {
	m := NewMock()
	seed := []struct {
		login     string
		balance   float64
		leverage  int
		group     string
		country   string
		name      string
		agentCode string
	}{
		{"10001", 5000, 500, `demo\standard`, "US", "John Doe", "IB001"},
		{"10002", 10000, 200, `demo\standard`, "UK", "Jane Smith", "IB002"},
		{"10003", 2500, 1000, `demo\premium`, "DE", "Hans Mueller", ""},
		{"10004", 50000, 100, `live\standard`, "JP", "Taro Yamada", "IB003"},
		{"10005", 1000, 500, `demo\standard`, "AU", "Alice Brown", ""},
		{"10006", 7500, 300, `live\premium`, "CA", "Bob Wilson", "IB001"},
		{"10007", 15000, 200, `demo\vip`, "FR", "Pierre Dupont", ""},
		{"10008", 3000, 500, `live\standard`, "BR", "Carlos Silva", "IB002"},
	}
	for _, s := range seed {
		m.AddAccount(&Account{
			Login:     s.login,
			Balance:   s.balance,
			Equity:    s.balance,
			Leverage:  s.leverage,
			Group:     s.group,
			Country:   s.country,
			Name:      s.name,
			AgentCode: s.agentCode,
		})
	}
	return m
}

func (m *Mock) AddAccount(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.Login] = &cp
}

func (m *Mock) GetAccount(_ context.Context, login string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *Mock) PostCredit(_ context.Context, login string, amount float64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Credit += amount
	acct.Equity += amount
	return nil
}

func (m *Mock) RemoveCredit(_ context.Context, login string, amount float64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Credit -= amount
	if acct.Credit < 0 {
		acct.Credit = 0
	}
	acct.Equity = acct.Balance + acct.Credit
	return nil
}

func (m *Mock) SetLeverage(_ context.Context, login string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Leverage = leverage
	return nil
}

func (m *Mock) DepositToBalance(_ context.Context, login string, amount float64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Balance += amount
	acct.Equity = acct.Balance + acct.Credit
	return nil
}

func (m *Mock) GetTradeHistory(_ context.Context, login string, since int64) ([]Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deal
	for _, d := range m.deals[login] {
		if d.Timestamp > since {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mock) GetBalanceLedger(_ context.Context, login string, since int64) ([]BalanceDeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BalanceDeal
	for _, d := range m.balanceOps[login] {
		if d.Timestamp > since {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Mock) CloseAllPositions(_ context.Context, login string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[login]
	if !ok {
		return ErrAccountNotFound
	}
	acct.Equity = acct.Balance + acct.Credit
	return nil
}

func (m *Mock) ListAllLogins(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logins := make([]string, 0, len(m.accounts))
	for login := range m.accounts {
		logins = append(logins, login)
	}
	return logins, nil
}

func (m *Mock) ListAllGroups(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var groups []string
	for _, a := range m.accounts {
		if !seen[a.Group] {
			seen[a.Group] = true
			groups = append(groups, a.Group)
		}
	}
	return groups, nil
}

// SimulateDeposit records a client deposit: balance rises and a ledger
// entry appears, exactly what the monitor loop must detect.
func (m *Mock) SimulateDeposit(login string, amount float64) BalanceDeal {
	return m.simulateBalanceOp(login, amount, "Deposit")
}

// SimulateWithdrawal records a client withdrawal.
func (m *Mock) SimulateWithdrawal(login string, amount float64) BalanceDeal {
	return m.simulateBalanceOp(login, -amount, "Withdrawal")
}

func (m *Mock) simulateBalanceOp(login string, amount float64, comment string) BalanceDeal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dealCounter++
	op := BalanceDeal{
		DealID:    fmt.Sprint(m.dealCounter),
		Login:     login,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
		Comment:   comment,
	}
	m.balanceOps[login] = append(m.balanceOps[login], op)
	if acct, ok := m.accounts[login]; ok {
		acct.Balance += amount
		acct.Equity += amount
	}
	return op
}

// SimulateDeal appends a closed trade to the login's history.
func (m *Mock) SimulateDeal(login, symbol string, lots float64, timestamp int64) Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dealCounter++
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	deal := Deal{
		DealID:     fmt.Sprint(m.dealCounter),
		Login:      login,
		Symbol:     symbol,
		VolumeLots: lots,
		Price:      1.1,
		Timestamp:  timestamp,
		Direction:  "out",
	}
	m.deals[login] = append(m.deals[login], deal)
	return deal
}

// SetEquity overrides the equity snapshot, standing in for open-position
// losses that the mock does not model tick by tick.
func (m *Mock) SetEquity(login string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[login]; ok {
		acct.Equity = equity
	}
}
