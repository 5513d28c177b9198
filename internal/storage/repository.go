package storage

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Campaigns

func (r *Repository) CreateCampaign(c *Campaign) error {
	return r.db.Create(c).Error
}

func (r *Repository) UpdateCampaign(c *Campaign) error {
	return r.db.Save(c).Error
}

func (r *Repository) GetCampaign(id uint) (*Campaign, error) {
	var c Campaign
	if err := r.db.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListCampaigns(status string, limit int) ([]Campaign, error) {
	q := r.db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var campaigns []Campaign
	err := q.Find(&campaigns).Error
	return campaigns, err
}

func (r *Repository) ActiveCampaigns() ([]Campaign, error) {
	var campaigns []Campaign
	err := r.db.Where("status = ?", CampaignActive).Find(&campaigns).Error
	return campaigns, err
}

func (r *Repository) ActiveCampaignsByPromoCode(code string) ([]Campaign, error) {
	var campaigns []Campaign
	err := r.db.Where("status = ? AND promo_code = ?", CampaignActive, code).Find(&campaigns).Error
	return campaigns, err
}

// Bonuses

func (r *Repository) CreateBonus(b *Bonus) error {
	return r.db.Create(b).Error
}

func (r *Repository) UpdateBonus(b *Bonus) error {
	return r.db.Save(b).Error
}

func (r *Repository) GetBonus(id uint) (*Bonus, error) {
	var b Bonus
	if err := r.db.First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) ActiveBonusesByLogin(login string) ([]Bonus, error) {
	var bonuses []Bonus
	err := r.db.Where("login = ? AND status = ?", login, BonusActive).Find(&bonuses).Error
	return bonuses, err
}

func (r *Repository) ActiveTypeCBonusesByLogin(login string) ([]Bonus, error) {
	var bonuses []Bonus
	err := r.db.Where("login = ? AND status = ? AND bonus_type = ?",
		login, BonusActive, BonusTypeC).Find(&bonuses).Error
	return bonuses, err
}

func (r *Repository) CountBonusesForCampaign(campaignID uint, login string) (int64, error) {
	var n int64
	err := r.db.Model(&Bonus{}).
		Where("campaign_id = ? AND login = ?", campaignID, login).
		Count(&n).Error
	return n, err
}

func (r *Repository) CountActiveBonuses(login string) (int64, error) {
	var n int64
	err := r.db.Model(&Bonus{}).
		Where("login = ? AND status = ?", login, BonusActive).
		Count(&n).Error
	return n, err
}

func (r *Repository) ExpiredActiveBonuses(now time.Time) ([]Bonus, error) {
	var bonuses []Bonus
	err := r.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		BonusActive, now).Find(&bonuses).Error
	return bonuses, err
}

func (r *Repository) ListBonuses(login string, status string, limit int) ([]Bonus, error) {
	q := r.db.Order("assigned_at DESC")
	if login != "" {
		q = q.Where("login = ?", login)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var bonuses []Bonus
	err := q.Find(&bonuses).Error
	return bonuses, err
}

// Lot progress

func (r *Repository) CreateLotProgress(p *LotProgress) error {
	return r.db.Create(p).Error
}

func (r *Repository) LotProgressForBonus(bonusID uint) ([]LotProgress, error) {
	var steps []LotProgress
	err := r.db.Where("bonus_id = ?", bonusID).Order("created_at ASC").Find(&steps).Error
	return steps, err
}

// Monitored accounts

func (r *Repository) GetMonitoredAccount(login string) (*MonitoredAccount, error) {
	var m MonitoredAccount
	err := r.db.Where("login = ?", login).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repository) CreateMonitoredAccount(m *MonitoredAccount) error {
	return r.db.Create(m).Error
}

func (r *Repository) UpdateMonitoredAccount(m *MonitoredAccount) error {
	return r.db.Save(m).Error
}

// SaveAccountPollState persists only the columns the poll loop owns. The
// engine may flip is_active or rewrite reasons mid-turn, and a full Save of
// the loop's stale struct would undo that.
func (r *Repository) SaveAccountPollState(m *MonitoredAccount) error {
	return r.db.Model(&MonitoredAccount{}).Where("id = ?", m.ID).
		Updates(map[string]any{
			"last_balance":        m.LastBalance,
			"last_equity":         m.LastEquity,
			"last_credit":         m.LastCredit,
			"last_deal_timestamp": m.LastDealTimestamp,
			"consecutive_errors":  m.ConsecutiveErrors,
			"last_error":          m.LastError,
			"last_polled_at":      m.LastPolledAt,
		}).Error
}

// PollableAccounts returns active accounts below the error ceiling, least
// recently polled first (never-polled accounts lead).
func (r *Repository) PollableAccounts(maxErrors int) ([]MonitoredAccount, error) {
	var accounts []MonitoredAccount
	err := r.db.Where("is_active = ? AND consecutive_errors < ?", true, maxErrors).
		Order("last_polled_at IS NOT NULL, last_polled_at ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *Repository) AllMonitoredAccounts() ([]MonitoredAccount, error) {
	var accounts []MonitoredAccount
	err := r.db.Find(&accounts).Error
	return accounts, err
}

// Trigger events

func (r *Repository) CreateTriggerEvent(t *TriggerEvent) error {
	return r.db.Create(t).Error
}

func (r *Repository) ListTriggerEvents(login string, limit int) ([]TriggerEvent, error) {
	q := r.db.Order("created_at DESC")
	if login != "" {
		q = q.Where("login = ?", login)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []TriggerEvent
	err := q.Find(&events).Error
	return events, err
}

// Audit log

// AuditEntry is the write-side shape of one audit record; states are
// serialized to JSON at write time.
type AuditEntry struct {
	ActorType   string
	ActorID     uint
	Login       string
	CampaignID  uint
	BonusID     uint
	EventType   string
	BeforeState map[string]any
	AfterState  map[string]any
}

func (r *Repository) LogEvent(e AuditEntry) error {
	actorType := e.ActorType
	if actorType == "" {
		actorType = ActorSystem
	}
	entry := AuditLog{
		ActorType:   actorType,
		ActorID:     e.ActorID,
		Login:       e.Login,
		CampaignID:  e.CampaignID,
		BonusID:     e.BonusID,
		EventType:   e.EventType,
		BeforeState: encodeState(e.BeforeState),
		AfterState:  encodeState(e.AfterState),
	}
	return r.db.Create(&entry).Error
}

func (r *Repository) ListAuditLogs(login string, limit int) ([]AuditLog, error) {
	q := r.db.Order("created_at DESC")
	if login != "" {
		q = q.Where("login = ?", login)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []AuditLog
	err := q.Find(&entries).Error
	return entries, err
}

func encodeState(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, _ := json.Marshal(m)
	return string(raw)
}
