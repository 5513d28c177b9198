// Package trigger maps external business events (deposits, registrations,
// promo codes) onto matching active campaigns and drives the engine for
// each candidate. Dispatch never raises past its boundary: a failure for
// one campaign is recorded and the next candidate still runs.
package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
)

// Result is the outcome of one campaign's dispatch.
type Result struct {
	CampaignID uint   `json:"campaign_id"`
	BonusID    uint   `json:"bonus_id,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

type Dispatcher struct {
	engine *engine.Engine
	repo   *storage.Repository
	logger *logger.Logger
}

func NewDispatcher(eng *engine.Engine, repo *storage.Repository, log *logger.Logger) *Dispatcher {
	return &Dispatcher{engine: eng, repo: repo, logger: log}
}

// Deposit dispatches a deposit event. Candidates are active auto_deposit
// campaigns (those that also declare agent codes require a matching code)
// plus agent_code campaigns listing the given code.
func (d *Dispatcher) Deposit(ctx context.Context, login string, amount float64, agentCode string) ([]Result, error) {
	active, err := d.repo.ActiveCampaigns()
	if err != nil {
		return nil, err
	}

	seen := make(map[uint]bool)
	var candidates []storage.Campaign

	for _, c := range active {
		if !c.HasTrigger(storage.TriggerAutoDeposit) {
			continue
		}
		if codes := c.AgentCodes(); len(codes) > 0 {
			if agentCode == "" || !containsString(codes, agentCode) {
				continue
			}
		}
		seen[c.ID] = true
		candidates = append(candidates, c)
	}

	if agentCode != "" {
		for _, c := range active {
			if seen[c.ID] || !c.HasTrigger(storage.TriggerAgentCode) {
				continue
			}
			if containsString(c.AgentCodes(), agentCode) {
				seen[c.ID] = true
				candidates = append(candidates, c)
			}
		}
	}

	var results []Result
	for i := range candidates {
		c := &candidates[i]
		kind := storage.TriggerAutoDeposit
		if agentCode != "" && containsString(c.AgentCodes(), agentCode) && c.HasTrigger(storage.TriggerAgentCode) && !c.HasTrigger(storage.TriggerAutoDeposit) {
			kind = storage.TriggerAgentCode
		}
		results = append(results, d.dispatchOne(ctx, c, login, amount, kind, map[string]any{
			"deposit_amount": amount,
			"agent_code":     agentCode,
		}))
	}
	return results, nil
}

// Registration dispatches a new-account event against registration-triggered
// campaigns. The bonus base falls back to the account balance since no
// deposit amount is in play.
func (d *Dispatcher) Registration(ctx context.Context, login string) ([]Result, error) {
	active, err := d.repo.ActiveCampaigns()
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := range active {
		c := &active[i]
		if !c.HasTrigger(storage.TriggerRegistration) {
			continue
		}
		results = append(results, d.dispatchOne(ctx, c, login, 0, storage.TriggerRegistration, map[string]any{}))
	}
	return results, nil
}

// PromoCode dispatches a promo-code redemption against campaigns carrying
// that exact code.
func (d *Dispatcher) PromoCode(ctx context.Context, login, code string, depositAmount float64) ([]Result, error) {
	campaigns, err := d.repo.ActiveCampaignsByPromoCode(code)
	if err != nil {
		return nil, err
	}

	var results []Result
	for i := range campaigns {
		c := &campaigns[i]
		results = append(results, d.dispatchOne(ctx, c, login, depositAmount, storage.TriggerPromoCode, map[string]any{
			"promo_code":     code,
			"deposit_amount": depositAmount,
		}))
	}
	return results, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *storage.Campaign, login string, depositAmount float64, kind string, eventData map[string]any) Result {
	event := &storage.TriggerEvent{
		CampaignID:  c.ID,
		Login:       login,
		TriggerType: kind,
	}
	if raw, err := json.Marshal(eventData); err == nil {
		event.EventData = string(raw)
	}

	result := Result{CampaignID: c.ID}

	failures, err := d.engine.CheckEligibility(ctx, c, login, depositAmount)
	switch {
	case err != nil:
		event.Status = storage.TriggerFailed
		event.SkipReason = truncate(err.Error(), 255)
		result.Status = storage.TriggerFailed
		result.Reason = err.Error()
		d.logger.Error("trigger eligibility check", "campaign", c.ID, "login", login, "error", err)

	case len(failures) > 0:
		event.Status = storage.TriggerSkipped
		event.SkipReason = truncate(failures[0].Message, 255)
		result.Status = storage.TriggerSkipped
		result.Reason = failures[0].Message

	default:
		bonus, assignErr := d.engine.Assign(ctx, c, login, depositAmount, engine.System)
		if assignErr != nil {
			event.Status = storage.TriggerFailed
			event.SkipReason = truncate(assignErr.Error(), 255)
			result.Status = storage.TriggerFailed
			result.Reason = assignErr.Error()
			d.logger.Error("trigger assignment", "campaign", c.ID, "login", login, "error", assignErr)
		} else {
			now := time.Now().UTC()
			event.Status = storage.TriggerProcessed
			event.ProcessedAt = &now
			result.Status = storage.TriggerProcessed
			result.BonusID = bonus.ID
		}
	}

	if err := d.repo.CreateTriggerEvent(event); err != nil {
		d.logger.Error("record trigger event", "campaign", c.ID, "login", login, "error", err)
	}
	return result
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
