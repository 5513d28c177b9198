package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/telegram"
	"github.com/camuig/mt5-bonus/internal/trigger"
)

func newTestServer(t *testing.T) (*Server, *storage.Repository) {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	repo := storage.NewRepository(db)

	gw := gateway.NewSeededMock()
	log := logger.New("error")
	cfg := &config.Config{}
	notifier := telegram.NewNotifier(cfg, log)
	eng := engine.New(gw, repo, notifier, log)
	dispatcher := trigger.NewDispatcher(eng, repo, log)

	return NewServer(eng, dispatcher, repo, cfg, log), repo
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndListCampaigns(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]any{
		"name":             "Welcome 50",
		"status":           storage.CampaignActive,
		"bonus_type":       "B",
		"bonus_percentage": 50,
		"min_deposit":      100,
		"trigger_types":    []string{storage.TriggerAutoDeposit},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created storage.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.ID)
	require.True(t, created.HasTrigger(storage.TriggerAutoDeposit))

	rec = doJSON(t, srv, http.MethodGet, "/api/campaigns?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Campaigns []storage.Campaign `json:"campaigns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Campaigns, 1)
}

func TestCreateCampaignValidatesVariantC(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/campaigns", map[string]any{
		"name":             "Broken",
		"bonus_type":       "C",
		"bonus_percentage": 100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDepositTriggerFlow(t *testing.T) {
	srv, repo := newTestServer(t)

	c := &storage.Campaign{
		Name:            "Welcome",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 50,
	}
	c.SetTriggerTypes([]string{storage.TriggerAutoDeposit})
	require.NoError(t, repo.CreateCampaign(c))

	rec := doJSON(t, srv, http.MethodPost, "/api/triggers/deposit", map[string]any{
		"login":  "10001",
		"amount": 1000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []trigger.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.Equal(t, storage.TriggerProcessed, resp.Results[0].Status)

	bonuses, err := repo.ActiveBonusesByLogin("10001")
	require.NoError(t, err)
	require.Len(t, bonuses, 1)
	require.Equal(t, 500.0, bonuses[0].BonusAmount)
}

func TestAssignAndCancelBonus(t *testing.T) {
	srv, repo := newTestServer(t)

	c := &storage.Campaign{
		Name:            "Manual",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
	}
	require.NoError(t, repo.CreateCampaign(c))

	rec := doJSON(t, srv, http.MethodPost, "/api/bonuses/assign", map[string]any{
		"campaign_id":    c.ID,
		"login":          "10002",
		"deposit_amount": 1000,
		"admin_id":       3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var bonus storage.Bonus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bonus))
	require.Equal(t, 250.0, bonus.BonusAmount)

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/bonuses/%d/cancel", bonus.ID), map[string]any{
		"reason":   "client request",
		"admin_id": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := repo.GetBonus(bonus.ID)
	require.NoError(t, err)
	require.Equal(t, storage.BonusCancelled, got.Status)
}

func TestAssignRejectsIneligibleWithoutOverride(t *testing.T) {
	srv, repo := newTestServer(t)

	c := &storage.Campaign{
		Name:            "Min 500",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
		MinDeposit:      500,
	}
	require.NoError(t, repo.CreateCampaign(c))

	body := map[string]any{
		"campaign_id":    c.ID,
		"login":          "10002",
		"deposit_amount": 100,
	}
	rec := doJSON(t, srv, http.MethodPost, "/api/bonuses/assign", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body["override"] = true
	rec = doJSON(t, srv, http.MethodPost, "/api/bonuses/assign", body)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCheckEligibilityEndpoint(t *testing.T) {
	srv, repo := newTestServer(t)

	c := &storage.Campaign{
		Name:            "Min 500",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
		MinDeposit:      500,
	}
	require.NoError(t, repo.CreateCampaign(c))

	rec := doJSON(t, srv, http.MethodPost, "/api/bonuses/check-eligibility", map[string]any{
		"campaign_id":    c.ID,
		"login":          "10001",
		"deposit_amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Eligible bool `json:"eligible"`
		Failures []struct {
			Code        string `json:"code"`
			Overridable bool   `json:"overridable"`
		} `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Eligible)
	require.Len(t, resp.Failures, 1)
	require.Equal(t, "deposit_below_min", resp.Failures[0].Code)
	require.True(t, resp.Failures[0].Overridable)
}

func TestCancelUnknownBonus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/bonuses/999/cancel", map[string]any{"reason": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	srv, repo := newTestServer(t)

	c := &storage.Campaign{
		Name:            "Manual",
		Status:          storage.CampaignActive,
		BonusType:       storage.BonusTypeB,
		BonusPercentage: 25,
	}
	require.NoError(t, repo.CreateCampaign(c))

	rec := doJSON(t, srv, http.MethodPost, "/api/bonuses/assign", map[string]any{
		"campaign_id":    c.ID,
		"login":          "10003",
		"deposit_amount": 1000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/audit?login=10003", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Audit []storage.AuditLog `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Audit, 1)
	require.Equal(t, storage.EventAssignment, resp.Audit[0].EventType)
}
