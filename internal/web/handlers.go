package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/storage"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type depositTriggerRequest struct {
	Login     string  `json:"login" binding:"required"`
	Amount    float64 `json:"amount" binding:"required,gt=0"`
	AgentCode string  `json:"agent_code"`
}

func (s *Server) handleDepositTrigger(c *gin.Context) {
	var req depositTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.dispatcher.Deposit(c.Request.Context(), req.Login, req.Amount, req.AgentCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type registrationTriggerRequest struct {
	Login string `json:"login" binding:"required"`
}

func (s *Server) handleRegistrationTrigger(c *gin.Context) {
	var req registrationTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.dispatcher.Registration(c.Request.Context(), req.Login)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type promoCodeTriggerRequest struct {
	Login         string  `json:"login" binding:"required"`
	Code          string  `json:"code" binding:"required"`
	DepositAmount float64 `json:"deposit_amount"`
}

func (s *Server) handlePromoCodeTrigger(c *gin.Context) {
	var req promoCodeTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.dispatcher.PromoCode(c.Request.Context(), req.Login, req.Code, req.DepositAmount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type assignBonusRequest struct {
	CampaignID    uint    `json:"campaign_id" binding:"required"`
	Login         string  `json:"login" binding:"required"`
	DepositAmount float64 `json:"deposit_amount"`
	Override      bool    `json:"override"`
	AdminID       uint    `json:"admin_id"`
}

func (s *Server) handleAssignBonus(c *gin.Context) {
	var req assignBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign, err := s.repo.GetCampaign(req.CampaignID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	actor := engine.Admin(req.AdminID)
	var bonus *storage.Bonus
	if req.Override {
		bonus, err = s.engine.AssignWithOverride(c.Request.Context(), campaign, req.Login, req.DepositAmount, actor)
	} else {
		bonus, err = s.engine.AssignChecked(c.Request.Context(), campaign, req.Login, req.DepositAmount, actor)
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, bonus)
}

type checkEligibilityRequest struct {
	CampaignID    uint    `json:"campaign_id" binding:"required"`
	Login         string  `json:"login" binding:"required"`
	DepositAmount float64 `json:"deposit_amount"`
}

func (s *Server) handleCheckEligibility(c *gin.Context) {
	var req checkEligibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign, err := s.repo.GetCampaign(req.CampaignID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}

	failures, err := s.engine.CheckEligibility(c.Request.Context(), campaign, req.Login, req.DepositAmount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"eligible": len(failures) == 0,
		"failures": failures,
	})
}

type cancelBonusRequest struct {
	Reason  string `json:"reason" binding:"required"`
	AdminID uint   `json:"admin_id"`
}

func (s *Server) handleCancelBonus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bonus id"})
		return
	}

	var req cancelBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bonus, err := s.repo.GetBonus(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bonus not found"})
		return
	}

	if err := s.engine.Cancel(c.Request.Context(), bonus, req.Reason, engine.Admin(req.AdminID)); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bonus)
}

type overrideLeverageRequest struct {
	Leverage int  `json:"leverage" binding:"required,gt=0"`
	AdminID  uint `json:"admin_id"`
}

func (s *Server) handleOverrideLeverage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bonus id"})
		return
	}

	var req overrideLeverageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bonus, err := s.repo.GetBonus(uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bonus not found"})
		return
	}

	if err := s.engine.OverrideLeverage(c.Request.Context(), bonus.Login, req.Leverage, engine.Admin(req.AdminID)); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	bonus.AdjustedLeverage = req.Leverage
	if err := s.repo.UpdateBonus(bonus); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bonus)
}

func (s *Server) handleListBonuses(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	bonuses, err := s.repo.ListBonuses(c.Query("login"), c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonuses": bonuses})
}

func (s *Server) handleListCampaigns(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	campaigns, err := s.repo.ListCampaigns(c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

type createCampaignRequest struct {
	Name            string  `json:"name" binding:"required"`
	Status          string  `json:"status"`
	BonusType       string  `json:"bonus_type" binding:"required,oneof=A B C"`
	BonusPercentage float64 `json:"bonus_percentage" binding:"required,gt=0"`
	MaxBonusAmount  float64 `json:"max_bonus_amount"`
	MinDeposit      float64 `json:"min_deposit"`
	MaxDeposit      float64 `json:"max_deposit"`

	LotRequirement     float64  `json:"lot_requirement"`
	LotTrackingScope   string   `json:"lot_tracking_scope"`
	SymbolFilter       []string `json:"symbol_filter"`
	PerTradeLotMinimum float64  `json:"per_trade_lot_minimum"`

	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
	ExpiryDays int        `json:"expiry_days"`

	TargetGroups    []string `json:"target_groups"`
	TargetCountries []string `json:"target_countries"`

	TriggerTypes []string `json:"trigger_types"`
	PromoCode    string   `json:"promo_code"`
	AgentCodes   []string `json:"agent_codes"`

	OneBonusPerAccount   bool   `json:"one_bonus_per_account"`
	MaxConcurrentBonuses int    `json:"max_concurrent_bonuses"`
	Notes                string `json:"notes"`
}

func (s *Server) handleCreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.BonusType == storage.BonusTypeC && req.LotRequirement <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lot_requirement must be positive for variant C"})
		return
	}

	campaign := &storage.Campaign{
		Name:               req.Name,
		Status:             req.Status,
		BonusType:          req.BonusType,
		BonusPercentage:    req.BonusPercentage,
		MaxBonusAmount:     req.MaxBonusAmount,
		MinDeposit:         req.MinDeposit,
		MaxDeposit:         req.MaxDeposit,
		LotRequirement:     req.LotRequirement,
		LotTrackingScope:   req.LotTrackingScope,
		PerTradeLotMinimum: req.PerTradeLotMinimum,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		ExpiryDays:         req.ExpiryDays,
		PromoCode:          req.PromoCode,
		OneBonusPerAccount: req.OneBonusPerAccount,
		Notes:              req.Notes,
	}
	if campaign.Status == "" {
		campaign.Status = storage.CampaignDraft
	}
	if campaign.LotTrackingScope == "" && req.BonusType == storage.BonusTypeC {
		campaign.LotTrackingScope = storage.ScopeAll
	}
	campaign.MaxConcurrentBonuses = req.MaxConcurrentBonuses
	if campaign.MaxConcurrentBonuses == 0 {
		campaign.MaxConcurrentBonuses = 1
	}
	campaign.SetSymbolFilter(req.SymbolFilter)
	campaign.SetTargetGroups(req.TargetGroups)
	campaign.SetTargetCountries(req.TargetCountries)
	campaign.SetTriggerTypes(req.TriggerTypes)
	campaign.SetAgentCodes(req.AgentCodes)

	if err := s.repo.CreateCampaign(campaign); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

// handleListGroups surfaces the server's group names for campaign targeting.
func (s *Server) handleListGroups(c *gin.Context) {
	groups, err := s.engine.Gateway().ListAllGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *Server) handleListMonitoredAccounts(c *gin.Context) {
	accounts, err := s.repo.AllMonitoredAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) handleListAuditLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	logs, err := s.repo.ListAuditLogs(c.Query("login"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": logs})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
