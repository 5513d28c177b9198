package gateway

import (
	"context"
	"errors"
)

// ErrAccountNotFound is returned by GetAccount when the login does not
// exist on the trading server. All other errors are transport failures.
var ErrAccountNotFound = errors.New("account not found")

// Account is a point-in-time snapshot of a trading account.
type Account struct {
	Login     string
	Balance   float64
	Equity    float64
	Credit    float64
	Leverage  int
	Group     string
	Country   string
	Name      string
	AgentCode string
}

// Deal is one closed trade from the server's history.
type Deal struct {
	DealID     string
	Login      string
	Symbol     string
	VolumeLots float64
	Price      float64
	Profit     float64
	Timestamp  int64
	Direction  string // "in" or "out"
}

// BalanceDeal is one balance-ledger operation (deposit or withdrawal).
type BalanceDeal struct {
	DealID    string
	Login     string
	Amount    float64
	Timestamp int64
	Comment   string
}

// Gateway is the trading-server surface the bonus engine operates on.
// Implementations: Mock (in-memory) and WebAPI (MT5 manager Web API),
// selected at startup by configuration.
type Gateway interface {
	GetAccount(ctx context.Context, login string) (*Account, error)
	PostCredit(ctx context.Context, login string, amount float64, comment string) error
	RemoveCredit(ctx context.Context, login string, amount float64, comment string) error
	SetLeverage(ctx context.Context, login string, leverage int) error
	DepositToBalance(ctx context.Context, login string, amount float64, comment string) error
	// GetTradeHistory returns deals strictly after the given unix timestamp.
	GetTradeHistory(ctx context.Context, login string, since int64) ([]Deal, error)
	// GetBalanceLedger returns balance operations strictly after the given
	// unix timestamp.
	GetBalanceLedger(ctx context.Context, login string, since int64) ([]BalanceDeal, error)
	CloseAllPositions(ctx context.Context, login string) error
	ListAllLogins(ctx context.Context) ([]string, error)
	ListAllGroups(ctx context.Context) ([]string, error)
}
