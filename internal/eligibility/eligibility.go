// Package eligibility decides whether an account may receive a campaign
// bonus. Evaluation is pure: every input the checks need (account snapshot,
// bonus counts) is passed in, so the evaluator has no side effects and is
// safe to call repeatedly.
package eligibility

import (
	"fmt"
	"time"

	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/storage"
)

// Failure codes.
const (
	CodeCampaignNotActive = "campaign_not_active"
	CodeCampaignEnded     = "campaign_ended"
	CodeAccountNotFound   = "account_not_found"
	CodeGroupMismatch     = "group_mismatch"
	CodeCountryMismatch   = "country_mismatch"
	CodeDepositBelowMin   = "deposit_below_min"
	CodeDepositAboveMax   = "deposit_above_max"
	CodeAlreadyReceived   = "already_received"
	CodeTooManyActive     = "too_many_active"
)

// Failure is one reason an account is not eligible. Overridable failures
// may be bypassed by an operator; the rest always block.
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Overridable bool   `json:"overridable"`
}

// Input carries everything Evaluate needs. Account is nil when the login
// does not exist on the trading server. PriorCampaignBonuses counts bonuses
// this login ever received under this campaign; ActiveBonuses counts the
// login's currently active bonuses across all campaigns.
type Input struct {
	Campaign            *storage.Campaign
	Account             *gateway.Account
	DepositAmount       float64 // 0 = no deposit in play
	PriorCampaignBonuses int64
	ActiveBonuses       int64
	Now                 time.Time
}

// Evaluate runs every check and returns all failures, never short-circuiting,
// so an operator can see the complete picture before deciding to override.
func Evaluate(in Input) []Failure {
	var failures []Failure
	c := in.Campaign

	if c.Status != storage.CampaignActive {
		failures = append(failures, Failure{
			Code:    CodeCampaignNotActive,
			Message: fmt.Sprintf("campaign is %s, not active", c.Status),
		})
	}

	if c.EndDate != nil && in.Now.After(*c.EndDate) {
		failures = append(failures, Failure{
			Code:    CodeCampaignEnded,
			Message: "campaign has ended",
		})
	}

	if in.Account == nil {
		failures = append(failures, Failure{
			Code:    CodeAccountNotFound,
			Message: "trading account not found",
		})
	} else {
		if groups := c.TargetGroups(); len(groups) > 0 && !contains(groups, in.Account.Group) {
			failures = append(failures, Failure{
				Code:    CodeGroupMismatch,
				Message: fmt.Sprintf("account group %q not in target groups", in.Account.Group),
			})
		}
		if countries := c.TargetCountries(); len(countries) > 0 && !contains(countries, in.Account.Country) {
			failures = append(failures, Failure{
				Code:    CodeCountryMismatch,
				Message: fmt.Sprintf("account country %q not in target countries", in.Account.Country),
			})
		}
	}

	if in.DepositAmount > 0 {
		if c.MinDeposit > 0 && in.DepositAmount < c.MinDeposit {
			failures = append(failures, Failure{
				Code:        CodeDepositBelowMin,
				Message:     fmt.Sprintf("deposit %.2f below minimum %.2f", in.DepositAmount, c.MinDeposit),
				Overridable: true,
			})
		}
		if c.MaxDeposit > 0 && in.DepositAmount > c.MaxDeposit {
			failures = append(failures, Failure{
				Code:        CodeDepositAboveMax,
				Message:     fmt.Sprintf("deposit %.2f above maximum %.2f", in.DepositAmount, c.MaxDeposit),
				Overridable: true,
			})
		}
	}

	if c.OneBonusPerAccount && in.PriorCampaignBonuses > 0 {
		failures = append(failures, Failure{
			Code:        CodeAlreadyReceived,
			Message:     "account already received this campaign bonus",
			Overridable: true,
		})
	}

	if c.MaxConcurrentBonuses > 0 && in.ActiveBonuses >= int64(c.MaxConcurrentBonuses) {
		failures = append(failures, Failure{
			Code: CodeTooManyActive,
			Message: fmt.Sprintf("account has %d active bonuses (max %d)",
				in.ActiveBonuses, c.MaxConcurrentBonuses),
			Overridable: true,
		})
	}

	return failures
}

// EvaluateFirst returns only the first failure, for flows that do not
// surface overrides.
func EvaluateFirst(in Input) *Failure {
	failures := Evaluate(in)
	if len(failures) == 0 {
		return nil
	}
	return &failures[0]
}

// AllOverridable reports whether an operator may force the assignment.
func AllOverridable(failures []Failure) bool {
	for _, f := range failures {
		if !f.Overridable {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
