package sqlite

import (
	"context"
	"errors"
	"time"

	"updown/internal/store/model"

	"gorm.io/gorm"
)

type auditRepo struct {
	db *gorm.DB
}

func (r *auditRepo) Insert(ctx context.Context, rec *model.AuditModel) error {
	if rec == nil {
		return errors.New("audit record 不能为空")
	}
	if rec.CreatedAtUnix == 0 {
		rec.CreatedAtUnix = time.Now().Unix()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]model.AuditModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []model.AuditModel
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

type snapshotRepo struct {
	db *gorm.DB
}

func (r *snapshotRepo) Insert(ctx context.Context, rec *model.SnapshotModel) error {
	if rec == nil {
		return errors.New("snapshot record 不能为空")
	}
	if rec.CreatedAtUnix == 0 {
		rec.CreatedAtUnix = time.Now().Unix()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *snapshotRepo) Latest(ctx context.Context) (*model.SnapshotModel, error) {
	var rec model.SnapshotModel
	err := r.db.WithContext(ctx).Order("created_at DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
