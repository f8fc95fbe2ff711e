package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"updown/internal/store/model"
	"updown/internal/types"

	"gorm.io/gorm"
)

type intentRepo struct {
	db *gorm.DB
}

func (r *intentRepo) Insert(ctx context.Context, it *types.Intent) error {
	if it == nil || strings.TrimSpace(it.ID) == "" {
		return errors.New("intent id 不能为空")
	}
	rec := intentToModel(it)
	rec.CreatedAtUnix = it.CreatedAt.Unix()
	rec.UpdatedAtUnix = time.Now().Unix()
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *intentRepo) Update(ctx context.Context, it *types.Intent) error {
	if it == nil || strings.TrimSpace(it.ID) == "" {
		return errors.New("intent id 不能为空")
	}
	updates := map[string]any{
		"status":       int(it.Status),
		"attempts":     it.Attempts,
		"external_ref": it.ExternalRef,
		"filled_price": it.FilledPrice,
		"filled_size":  it.FilledSize,
		"reason":       it.Reason,
		"updated_at":   time.Now().Unix(),
	}
	if !it.ResolvedAt.IsZero() {
		updates["resolved_at"] = it.ResolvedAt.Unix()
	}
	return r.db.WithContext(ctx).Model(&model.IntentModel{}).
		Where("intent_id = ?", it.ID).
		Updates(updates).Error
}

func (r *intentRepo) FindByID(ctx context.Context, intentID string) (*types.Intent, error) {
	var rec model.IntentModel
	err := r.db.WithContext(ctx).Where("intent_id = ?", intentID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	it := modelToIntent(&rec)
	return &it, nil
}

func (r *intentRepo) FindLive(ctx context.Context, windowID, strategyID string, typ types.IntentType) (*types.Intent, error) {
	var rec model.IntentModel
	err := r.db.WithContext(ctx).
		Where("window_id = ? AND strategy_id = ? AND intent_type = ? AND status IN ?",
			windowID, strategyID, int(typ),
			[]int{int(types.IntentStatusPending), int(types.IntentStatusExecuting)}).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	it := modelToIntent(&rec)
	return &it, nil
}

func (r *intentRepo) ListUnresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error) {
	q := r.db.WithContext(ctx).
		Where("status IN ?", []int{int(types.IntentStatusPending), int(types.IntentStatusExecuting)})
	if !olderThan.IsZero() {
		q = q.Where("created_at <= ?", olderThan.Unix())
	}
	var recs []model.IntentModel
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return modelsToIntents(recs), nil
}

func (r *intentRepo) ListByWindow(ctx context.Context, windowID string) ([]types.Intent, error) {
	var recs []model.IntentModel
	err := r.db.WithContext(ctx).
		Where("window_id = ?", windowID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return modelsToIntents(recs), nil
}

func intentToModel(it *types.Intent) *model.IntentModel {
	rec := &model.IntentModel{
		IntentID:      it.ID,
		Type:          int(it.Type),
		WindowID:      it.WindowID,
		StrategyID:    it.StrategyID,
		PositionID:    it.Payload.PositionID,
		Side:          int(it.Payload.Side),
		SizeDollars:   it.Payload.SizeDollars,
		LimitPrice:    it.Payload.LimitPrice,
		PayloadReason: it.Payload.Reason,
		Status:        int(it.Status),
		Attempts:      it.Attempts,
		ExternalRef:   it.ExternalRef,
		Reason:        it.Reason,
	}
	if !it.ResolvedAt.IsZero() {
		rec.ResolvedUnix = it.ResolvedAt.Unix()
	}
	return rec
}

func modelToIntent(rec *model.IntentModel) types.Intent {
	it := types.Intent{
		ID:         rec.IntentID,
		Type:       types.IntentType(rec.Type),
		WindowID:   rec.WindowID,
		StrategyID: rec.StrategyID,
		Payload: types.IntentPayload{
			PositionID:  rec.PositionID,
			Side:        types.Side(rec.Side),
			SizeDollars: rec.SizeDollars,
			LimitPrice:  rec.LimitPrice,
			Reason:      rec.PayloadReason,
		},
		Status:      types.IntentStatus(rec.Status),
		Attempts:    rec.Attempts,
		ExternalRef: rec.ExternalRef,
		FilledPrice: rec.FilledPrice,
		FilledSize:  rec.FilledSize,
		Reason:      rec.Reason,
		CreatedAt:   time.Unix(rec.CreatedAtUnix, 0).UTC(),
	}
	if rec.ResolvedUnix > 0 {
		it.ResolvedAt = time.Unix(rec.ResolvedUnix, 0).UTC()
	}
	return it
}

func modelsToIntents(recs []model.IntentModel) []types.Intent {
	out := make([]types.Intent, 0, len(recs))
	for i := range recs {
		out = append(out, modelToIntent(&recs[i]))
	}
	return out
}
