package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

// ReplaceLeaderboard deletes every entry of the marathon, inserts entries and
// marks the marathon generated, all in one transaction. Readers never see a
// partial ranking.
func (s *Store) ReplaceLeaderboard(ctx context.Context, marathonID string, entries []model.LeaderboardEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("marathon_id = ?", marathonID).Delete(&model.LeaderboardEntry{}).Error; err != nil {
			return fmt.Errorf("delete leaderboard: %w", err)
		}
		if len(entries) > 0 {
			if err := tx.CreateInBatches(&entries, 200).Error; err != nil {
				return fmt.Errorf("insert leaderboard: %w", err)
			}
		}
		res := tx.Model(&model.Marathon{}).
			Where("id = ?", marathonID).
			Update("leaderboard_generated", true)
		if res.Error != nil {
			return fmt.Errorf("mark leaderboard generated: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return notFound(gorm.ErrRecordNotFound, "marathon %s", marathonID)
		}
		return nil
	})
}

func (s *Store) FindLeaderboard(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	err := s.db.WithContext(ctx).
		Where("marathon_id = ?", marathonID).
		Order("position").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("find leaderboard: %w", err)
	}
	return entries, nil
}
