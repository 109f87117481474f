package syncruns

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/graphsync-backend/internal/domain"
	"github.com/yungbote/graphsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/graphsync-backend/internal/platform/logger"
)

type SyncRunRepo interface {
	Create(dbc dbctx.Context, run *domain.SyncRun) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.SyncRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListRecent(dbc dbctx.Context, limit int) ([]*domain.SyncRun, error)
}

type syncRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSyncRunRepo(db *gorm.DB, baseLog *logger.Logger) SyncRunRepo {
	return &syncRunRepo{
		db:  db,
		log: baseLog.With("repo", "SyncRunRepo"),
	}
}

func (r *syncRunRepo) Create(dbc dbctx.Context, run *domain.SyncRun) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Create(run).Error
}

func (r *syncRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.SyncRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var run domain.SyncRun
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&run).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *syncRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.SyncRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *syncRunRepo) ListRecent(dbc dbctx.Context, limit int) ([]*domain.SyncRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*domain.SyncRun
	err := transaction.WithContext(dbc.Ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
