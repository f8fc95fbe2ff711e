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

type windowRepo struct {
	db *gorm.DB
}

func (r *windowRepo) Save(ctx context.Context, w *types.Window) error {
	if w == nil || strings.TrimSpace(w.ID) == "" {
		return errors.New("window id 不能为空")
	}
	rec := windowToModel(w)
	rec.UpdatedAtUnix = time.Now().Unix()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "window_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "outcome", "provisional", "strike_price", "resolved_at", "updated_at",
			}),
		}).
		Create(rec).Error
}

func (r *windowRepo) FindByID(ctx context.Context, windowID string) (*types.Window, error) {
	var rec model.WindowModel
	err := r.db.WithContext(ctx).Where("window_id = ?", windowID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	w := modelToWindow(&rec)
	return &w, nil
}

func (r *windowRepo) ListUnresolved(ctx context.Context) ([]types.Window, error) {
	var recs []model.WindowModel
	err := r.db.WithContext(ctx).
		Where("state <> ?", int(types.WindowStateResolved)).
		Order("open_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return modelsToWindows(recs), nil
}

func (r *windowRepo) ListRecent(ctx context.Context, symbol string, limit int) ([]types.Window, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("open_at DESC").Limit(limit)
	if strings.TrimSpace(symbol) != "" {
		q = q.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol)))
	}
	var recs []model.WindowModel
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return modelsToWindows(recs), nil
}

func windowToModel(w *types.Window) *model.WindowModel {
	rec := &model.WindowModel{
		WindowID:      w.ID,
		Symbol:        strings.ToUpper(strings.TrimSpace(w.Symbol)),
		Epoch:         w.Epoch,
		OpenUnix:      w.OpenTime.Unix(),
		CloseUnix:     w.CloseTime.Unix(),
		StrikePrice:   w.StrikePrice,
		State:         int(w.State),
		Outcome:       int(w.Outcome),
		CreatedAtUnix: time.Now().Unix(),
	}
	if w.Provisional {
		rec.Provisional = 1
	}
	if !w.ResolvedAt.IsZero() {
		rec.ResolvedUnix = w.ResolvedAt.Unix()
	}
	return rec
}

func modelToWindow(rec *model.WindowModel) types.Window {
	w := types.Window{
		ID:          rec.WindowID,
		Symbol:      rec.Symbol,
		Epoch:       rec.Epoch,
		OpenTime:    time.Unix(rec.OpenUnix, 0).UTC(),
		CloseTime:   time.Unix(rec.CloseUnix, 0).UTC(),
		StrikePrice: rec.StrikePrice,
		State:       types.WindowState(rec.State),
		Outcome:     types.Outcome(rec.Outcome),
		Provisional: rec.Provisional != 0,
	}
	if rec.ResolvedUnix > 0 {
		w.ResolvedAt = time.Unix(rec.ResolvedUnix, 0).UTC()
	}
	return w
}

func modelsToWindows(recs []model.WindowModel) []types.Window {
	out := make([]types.Window, 0, len(recs))
	for i := range recs {
		out = append(out, modelToWindow(&recs[i]))
	}
	return out
}
