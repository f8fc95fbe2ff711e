package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"updown/internal/store/model"
	"updown/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type positionRepo struct {
	db *gorm.DB
}

func (r *positionRepo) Save(ctx context.Context, p *types.Position) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return errors.New("position id 不能为空")
	}
	rec := positionToModel(p)
	rec.UpdatedAtUnix = time.Now().Unix()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "position_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "entry_price", "exit_price", "size_dollars",
				"realized_pnl", "opened_at", "closed_at", "updated_at",
			}),
		}).
		Create(rec).Error
}

func (r *positionRepo) FindByID(ctx context.Context, positionID string) (*types.Position, error) {
	var rec model.PositionModel
	err := r.db.WithContext(ctx).Where("position_id = ?", positionID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p := modelToPosition(&rec)
	return &p, nil
}

// FindLive 返回指定 (window, strategy) 下唯一的非终态仓位。
func (r *positionRepo) FindLive(ctx context.Context, windowID, strategyID string) (*types.Position, error) {
	var rec model.PositionModel
	err := r.db.WithContext(ctx).
		Where("window_id = ? AND strategy_id = ? AND state NOT IN ?",
			windowID, strategyID,
			[]int{int(types.PositionStateClosed), int(types.PositionStateAbandoned)}).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	p := modelToPosition(&rec)
	return &p, nil
}

func (r *positionRepo) ListNonTerminal(ctx context.Context) ([]types.Position, error) {
	var recs []model.PositionModel
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []int{int(types.PositionStateClosed), int(types.PositionStateAbandoned)}).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return modelsToPositions(recs), nil
}

func (r *positionRepo) ListByWindow(ctx context.Context, windowID string) ([]types.Position, error) {
	var recs []model.PositionModel
	err := r.db.WithContext(ctx).
		Where("window_id = ?", windowID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return modelsToPositions(recs), nil
}

func positionToModel(p *types.Position) *model.PositionModel {
	rec := &model.PositionModel{
		PositionID:    p.ID,
		WindowID:      p.WindowID,
		StrategyID:    p.StrategyID,
		Side:          int(p.Side),
		SizeDollars:   p.SizeDollars,
		EntryPrice:    p.EntryPrice,
		ExitPrice:     p.ExitPrice,
		State:         int(p.State),
		RealizedPnL:   p.RealizedPnL,
		CreatedAtUnix: time.Now().Unix(),
	}
	if !p.OpenedAt.IsZero() {
		rec.OpenedUnix = p.OpenedAt.Unix()
	}
	if !p.ClosedAt.IsZero() {
		rec.ClosedUnix = p.ClosedAt.Unix()
	}
	return rec
}

func modelToPosition(rec *model.PositionModel) types.Position {
	p := types.Position{
		ID:          rec.PositionID,
		WindowID:    rec.WindowID,
		StrategyID:  rec.StrategyID,
		Side:        types.Side(rec.Side),
		SizeDollars: rec.SizeDollars,
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		State:       types.PositionState(rec.State),
		RealizedPnL: rec.RealizedPnL,
		UpdatedAt:   time.Unix(rec.UpdatedAtUnix, 0).UTC(),
	}
	if rec.OpenedUnix > 0 {
		p.OpenedAt = time.Unix(rec.OpenedUnix, 0).UTC()
	}
	if rec.ClosedUnix > 0 {
		p.ClosedAt = time.Unix(rec.ClosedUnix, 0).UTC()
	}
	return p
}

func modelsToPositions(recs []model.PositionModel) []types.Position {
	out := make([]types.Position, 0, len(recs))
	for i := range recs {
		out = append(out, modelToPosition(&recs[i]))
	}
	return out
}
