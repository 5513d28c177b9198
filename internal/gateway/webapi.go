package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/logger"
)

// APIError is a non-2xx response from the MT5 Web API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mt5 api error: status %d: %s", e.StatusCode, e.Body)
}

// WebAPI talks to an MT5 manager Web API over HTTP with bearer-token
// sessions. A 401 triggers one re-authentication and retry.
type WebAPI struct {
	httpClient *http.Client
	baseURL    string
	login      string
	password   string
	logger     *logger.Logger

	mu    sync.Mutex
	token string
}

func NewWebAPI(cfg *config.Config, log *logger.Logger) *WebAPI {
	return &WebAPI{
		httpClient: &http.Client{Timeout: cfg.MT5Timeout()},
		baseURL:    cfg.MT5.ServerURL + cfg.MT5.APIPrefix,
		login:      cfg.MT5.ManagerLogin,
		password:   cfg.MT5.ManagerPassword,
		logger:     log,
	}
}

// Connect authenticates the manager session.
func (w *WebAPI) Connect(ctx context.Context) error {
	if err := w.authenticate(ctx); err != nil {
		return fmt.Errorf("mt5 connect: %w", err)
	}
	w.logger.Info("mt5 gateway connected", "url", w.baseURL)
	return nil
}

func (w *WebAPI) authenticate(ctx context.Context) error {
	payload := map[string]string{"login": w.login, "password": w.password}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/auth/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 500)}
	}

	var auth struct {
		Token   string `json:"token"`
		Session string `json:"session"`
	}
	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("parse auth response: %w", err)
	}
	token := auth.Token
	if token == "" {
		token = auth.Session
	}
	if token == "" {
		return fmt.Errorf("auth response missing token")
	}

	w.mu.Lock()
	w.token = token
	w.mu.Unlock()
	return nil
}

func (w *WebAPI) request(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	data, err := w.doRequest(ctx, method, path, query, payload)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusUnauthorized {
		w.logger.Warn("mt5 session expired, re-authenticating")
		if err := w.authenticate(ctx); err != nil {
			return nil, err
		}
		return w.doRequest(ctx, method, path, query, payload)
	}
	return data, err
}

func (w *WebAPI) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	u := w.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+w.token)
	w.mu.Unlock()

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(data), 500)}
	}
	return data, nil
}

func (w *WebAPI) GetAccount(ctx context.Context, login string) (*Account, error) {
	q := url.Values{"login": {login}}
	data, err := w.request(ctx, http.MethodGet, "/user/get", q, nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	var raw struct {
		Login     json.Number `json:"Login"`
		Balance   float64     `json:"Balance"`
		Equity    float64     `json:"Equity"`
		Credit    float64     `json:"Credit"`
		Leverage  int         `json:"Leverage"`
		Group     string      `json:"Group"`
		Country   string      `json:"Country"`
		Name      string      `json:"Name"`
		AgentCode string      `json:"LeadSource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}

	acctLogin := raw.Login.String()
	if acctLogin == "" {
		acctLogin = login
	}
	return &Account{
		Login:     acctLogin,
		Balance:   raw.Balance,
		Equity:    raw.Equity,
		Credit:    raw.Credit,
		Leverage:  raw.Leverage,
		Group:     raw.Group,
		Country:   raw.Country,
		Name:      raw.Name,
		AgentCode: raw.AgentCode,
	}, nil
}

// MT5 balance-operation type codes.
const (
	opBalanceDeposit = 2
	opCreditIn       = 3
	opCreditOut      = 4
)

func (w *WebAPI) PostCredit(ctx context.Context, login string, amount float64, comment string) error {
	return w.balanceOp(ctx, login, opCreditIn, amount, comment)
}

func (w *WebAPI) RemoveCredit(ctx context.Context, login string, amount float64, comment string) error {
	if amount < 0 {
		amount = -amount
	}
	return w.balanceOp(ctx, login, opCreditOut, -amount, comment)
}

func (w *WebAPI) DepositToBalance(ctx context.Context, login string, amount float64, comment string) error {
	return w.balanceOp(ctx, login, opBalanceDeposit, amount, comment)
}

func (w *WebAPI) balanceOp(ctx context.Context, login string, opType int, amount float64, comment string) error {
	loginNum, err := strconv.Atoi(login)
	if err != nil {
		return fmt.Errorf("invalid login %q: %w", login, err)
	}
	_, err = w.request(ctx, http.MethodPost, "/trade/balance", nil, map[string]any{
		"Login":   loginNum,
		"Type":    opType,
		"Balance": amount,
		"Comment": comment,
	})
	return err
}

func (w *WebAPI) SetLeverage(ctx context.Context, login string, leverage int) error {
	loginNum, err := strconv.Atoi(login)
	if err != nil {
		return fmt.Errorf("invalid login %q: %w", login, err)
	}
	_, err = w.request(ctx, http.MethodPost, "/user/update", nil, map[string]any{
		"Login":    loginNum,
		"Leverage": leverage,
	})
	return err
}

type rawDeal struct {
	Deal    json.Number `json:"Deal"`
	Login   json.Number `json:"Login"`
	Symbol  string      `json:"Symbol"`
	Action  int         `json:"Action"`
	Volume  float64     `json:"Volume"`
	Price   float64     `json:"Price"`
	Profit  float64     `json:"Profit"`
	Time    int64       `json:"Time"`
	Entry   int         `json:"Entry"`
	Comment string      `json:"Comment"`
}

func (w *WebAPI) fetchDeals(ctx context.Context, login string, since int64) ([]rawDeal, error) {
	q := url.Values{
		"login": {login},
		"to":    {strconv.FormatInt(time.Now().Unix(), 10)},
	}
	if since > 0 {
		q.Set("from", strconv.FormatInt(since+1, 10))
	}

	data, err := w.request(ctx, http.MethodGet, "/deal/get_page", q, nil)
	if err != nil {
		return nil, err
	}

	var page struct {
		Deals []rawDeal `json:"deals"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		// Some server builds return a bare array.
		if err2 := json.Unmarshal(data, &page.Deals); err2 != nil {
			return nil, fmt.Errorf("parse deals: %w", err)
		}
	}
	return page.Deals, nil
}

func (w *WebAPI) GetTradeHistory(ctx context.Context, login string, since int64) ([]Deal, error) {
	raw, err := w.fetchDeals(ctx, login, since)
	if err != nil {
		return nil, err
	}

	var deals []Deal
	for _, d := range raw {
		if d.Symbol == "" || d.Time <= since {
			continue
		}
		direction := "in"
		if d.Entry != 0 {
			direction = "out"
		}
		deals = append(deals, Deal{
			DealID:     d.Deal.String(),
			Login:      login,
			Symbol:     d.Symbol,
			VolumeLots: d.Volume / 10000.0,
			Price:      d.Price,
			Profit:     d.Profit,
			Timestamp:  d.Time,
			Direction:  direction,
		})
	}
	return deals, nil
}

func (w *WebAPI) GetBalanceLedger(ctx context.Context, login string, since int64) ([]BalanceDeal, error) {
	raw, err := w.fetchDeals(ctx, login, since)
	if err != nil {
		return nil, err
	}

	var ops []BalanceDeal
	for _, d := range raw {
		// Balance operations carry no symbol.
		if d.Symbol != "" || d.Action != opBalanceDeposit || d.Time <= since {
			continue
		}
		ops = append(ops, BalanceDeal{
			DealID:    d.Deal.String(),
			Login:     login,
			Amount:    d.Profit,
			Timestamp: d.Time,
			Comment:   d.Comment,
		})
	}
	return ops, nil
}

func (w *WebAPI) CloseAllPositions(ctx context.Context, login string) error {
	loginNum, err := strconv.Atoi(login)
	if err != nil {
		return fmt.Errorf("invalid login %q: %w", login, err)
	}
	_, err = w.request(ctx, http.MethodPost, "/position/close_all", nil, map[string]any{
		"Login": loginNum,
	})
	return err
}

func (w *WebAPI) ListAllLogins(ctx context.Context) ([]string, error) {
	data, err := w.request(ctx, http.MethodGet, "/user/logins", nil, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse logins: %w", err)
	}
	logins := make([]string, 0, len(raw))
	for _, l := range raw {
		logins = append(logins, l.String())
	}
	return logins, nil
}

func (w *WebAPI) ListAllGroups(ctx context.Context) ([]string, error) {
	data, err := w.request(ctx, http.MethodGet, "/group/list", nil, nil)
	if err != nil {
		return nil, err
	}
	var groups []string
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("parse groups: %w", err)
	}
	return groups, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
