package monitor

import (
	"context"
	"time"
)

// CheckExpiredBonuses closes every active bonus whose expiry has passed.
// Returns how many were expired.
func (m *Monitor) CheckExpiredBonuses(ctx context.Context) int {
	expired, err := m.repo.ExpiredActiveBonuses(time.Now().UTC())
	if err != nil {
		m.logger.Error("list expired bonuses", "error", err)
		return 0
	}

	count := 0
	for i := range expired {
		b := &expired[i]
		if err := m.engine.Expire(ctx, b); err != nil {
			m.logger.Error("expire bonus", "login", b.Login, "bonus", b.ID, "error", err)
			continue
		}
		m.logger.Info("bonus expired", "login", b.Login, "ref", b.RefCode, "amount", b.BonusAmount)
		count++
	}
	return count
}
