package storage

import (
	"encoding/json"
	"time"
)

// Campaign statuses.
const (
	CampaignDraft    = "draft"
	CampaignActive   = "active"
	CampaignPaused   = "paused"
	CampaignEnded    = "ended"
	CampaignArchived = "archived"
)

// Bonus variants. A adjusts leverage dynamically, B is plain fixed credit,
// C converts into balance as volume is traded.
const (
	BonusTypeA = "A"
	BonusTypeB = "B"
	BonusTypeC = "C"
)

// Lot tracking scopes for variant C.
const (
	ScopeAll               = "all"
	ScopePostBonus         = "post_bonus"
	ScopeSymbolFiltered    = "symbol_filtered"
	ScopePerTradeThreshold = "per_trade_threshold"
)

// Trigger kinds.
const (
	TriggerAutoDeposit  = "auto_deposit"
	TriggerPromoCode    = "promo_code"
	TriggerRegistration = "registration"
	TriggerAgentCode    = "agent_code"
)

// Bonus statuses.
const (
	BonusActive    = "active"
	BonusConverted = "converted"
	BonusCancelled = "cancelled"
	BonusExpired   = "expired"
)

// Trigger event statuses.
const (
	TriggerPending   = "pending"
	TriggerProcessed = "processed"
	TriggerFailed    = "failed"
	TriggerSkipped   = "skipped"
)

// Audit event kinds.
const (
	EventAssignment       = "assignment"
	EventCancellation     = "cancellation"
	EventConversionStep   = "conversion_step"
	EventLeverageChange   = "leverage_change"
	EventPartialReduction = "partial_reduction"
	EventExpiry           = "expiry"
	EventAdminOverride    = "admin_override"
)

// Audit actors.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
)

type Campaign struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name            string  `gorm:"not null" json:"name"`
	Status          string  `gorm:"index;not null;default:'draft'" json:"status"`
	BonusType       string  `gorm:"not null" json:"bonus_type"`
	BonusPercentage float64 `gorm:"not null" json:"bonus_percentage"`
	MaxBonusAmount  float64 `json:"max_bonus_amount"` // 0 = no cap
	MinDeposit      float64 `json:"min_deposit"`      // 0 = no minimum
	MaxDeposit      float64 `json:"max_deposit"`      // 0 = no maximum

	// Variant C
	LotRequirement     float64 `json:"lot_requirement"`
	LotTrackingScope   string  `json:"lot_tracking_scope"`
	SymbolFilterJSON   string  `gorm:"type:text" json:"symbol_filter_json"`
	PerTradeLotMinimum float64 `json:"per_trade_lot_minimum"`

	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
	ExpiryDays int        `json:"expiry_days"` // 0 = bonuses never expire

	TargetGroupsJSON   string `gorm:"type:text" json:"target_groups_json"`
	TargetCountriesJSON string `gorm:"type:text" json:"target_countries_json"`

	TriggerTypesJSON string `gorm:"type:text" json:"trigger_types_json"`
	PromoCode        string `gorm:"index" json:"promo_code"`
	AgentCodesJSON   string `gorm:"type:text" json:"agent_codes_json"`

	OneBonusPerAccount   bool `json:"one_bonus_per_account"`
	MaxConcurrentBonuses int  `gorm:"default:1" json:"max_concurrent_bonuses"`

	Notes string `gorm:"type:text" json:"notes"`
}

func (c *Campaign) SymbolFilter() []string    { return decodeList(c.SymbolFilterJSON) }
func (c *Campaign) TargetGroups() []string    { return decodeList(c.TargetGroupsJSON) }
func (c *Campaign) TargetCountries() []string { return decodeList(c.TargetCountriesJSON) }
func (c *Campaign) TriggerTypes() []string    { return decodeList(c.TriggerTypesJSON) }
func (c *Campaign) AgentCodes() []string      { return decodeList(c.AgentCodesJSON) }

func (c *Campaign) SetSymbolFilter(v []string)    { c.SymbolFilterJSON = encodeList(v) }
func (c *Campaign) SetTargetGroups(v []string)    { c.TargetGroupsJSON = encodeList(v) }
func (c *Campaign) SetTargetCountries(v []string) { c.TargetCountriesJSON = encodeList(v) }
func (c *Campaign) SetTriggerTypes(v []string)    { c.TriggerTypesJSON = encodeList(v) }
func (c *Campaign) SetAgentCodes(v []string)      { c.AgentCodesJSON = encodeList(v) }

// HasTrigger reports whether the campaign reacts to the given trigger kind.
func (c *Campaign) HasTrigger(kind string) bool {
	for _, t := range c.TriggerTypes() {
		if t == kind {
			return true
		}
	}
	return false
}

type Bonus struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignID uint   `gorm:"index;not null" json:"campaign_id"`
	Login      string `gorm:"index;not null" json:"login"`
	RefCode    string `gorm:"index" json:"ref_code"`
	BonusType  string `gorm:"not null" json:"bonus_type"`

	// Outstanding amount; rewritten downward by proportional reduction but
	// never below AmountConverted.
	BonusAmount float64 `gorm:"not null" json:"bonus_amount"`

	// Variant A
	OriginalLeverage int `json:"original_leverage"`
	AdjustedLeverage int `json:"adjusted_leverage"`

	// Variant C
	LotsRequired    float64 `json:"lots_required"`
	LotsTraded      float64 `json:"lots_traded"`
	AmountConverted float64 `json:"amount_converted"`

	Status             string     `gorm:"index;not null;default:'active'" json:"status"`
	AssignedAt         time.Time  `json:"assigned_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	CancellationReason string     `json:"cancellation_reason"`
}

// Outstanding is the still-unconverted part of the bonus.
func (b *Bonus) Outstanding() float64 {
	return b.BonusAmount - b.AmountConverted
}

// LotProgress is one append-only volume-conversion step of a variant-C bonus.
type LotProgress struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	BonusID         uint    `gorm:"index;not null" json:"bonus_id"`
	DealID          string  `gorm:"not null" json:"deal_id"`
	Symbol          string  `json:"symbol"`
	Lots            float64 `json:"lots"`
	AmountConverted float64 `json:"amount_converted"`
}

type MonitoredAccount struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Login string `gorm:"uniqueIndex;not null" json:"login"`

	LastBalance float64 `json:"last_balance"`
	LastEquity  float64 `json:"last_equity"`
	LastCredit  float64 `json:"last_credit"`

	// Watermark: newest deal timestamp already processed. Never decreases.
	LastDealTimestamp int64 `json:"last_deal_timestamp"`

	IsActive           bool   `gorm:"index" json:"is_active"`
	MonitorReasonsJSON string `gorm:"type:text" json:"monitor_reasons_json"`

	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error"`

	LastPolledAt *time.Time `json:"last_polled_at"`
}

func (m *MonitoredAccount) Reasons() []string     { return decodeList(m.MonitorReasonsJSON) }
func (m *MonitoredAccount) SetReasons(v []string) { m.MonitorReasonsJSON = encodeList(v) }

func (m *MonitoredAccount) HasReason(reason string) bool {
	for _, r := range m.Reasons() {
		if r == reason {
			return true
		}
	}
	return false
}

func (m *MonitoredAccount) AddReason(reason string) {
	if !m.HasReason(reason) {
		m.SetReasons(append(m.Reasons(), reason))
	}
}

type TriggerEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CampaignID  uint       `gorm:"index" json:"campaign_id"`
	Login       string     `gorm:"index;not null" json:"login"`
	TriggerType string     `gorm:"not null" json:"trigger_type"`
	EventData   string     `gorm:"type:text" json:"event_data"`
	Status      string     `gorm:"not null;default:'pending'" json:"status"`
	SkipReason  string     `json:"skip_reason"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// AuditLog is append-only; the engine writes it and never reads it back.
type AuditLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	ActorType  string `gorm:"not null" json:"actor_type"`
	ActorID    uint   `json:"actor_id"`
	Login      string `gorm:"index" json:"login"`
	CampaignID uint   `gorm:"index" json:"campaign_id"`
	BonusID    uint   `json:"bonus_id"`
	EventType  string `gorm:"not null" json:"event_type"`

	BeforeState string `gorm:"type:text" json:"before_state"`
	AfterState  string `gorm:"type:text" json:"after_state"`
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return ""
	}
	raw, _ := json.Marshal(v)
	return string(raw)
}
