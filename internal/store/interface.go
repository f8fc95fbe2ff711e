package store

import (
	"context"
	"time"

	"updown/internal/store/model"
	"updown/internal/types"
)

// UnitOfWork defines a transaction scope.
type UnitOfWork interface {
	// Commit commits the transaction.
	Commit() error
	// Rollback rolls back the transaction.
	Rollback() error

	// Windows returns the window repository within this transaction.
	Windows() WindowRepository
	// Positions returns the position repository within this transaction.
	Positions() PositionRepository
	// Intents returns the intent repository within this transaction.
	Intents() IntentRepository
	// Audits returns the audit repository within this transaction.
	Audits() AuditRepository
	// Snapshots returns the kill-switch snapshot repository within this transaction.
	Snapshots() SnapshotRepository
}

// Store is the entry point for database access.
type Store interface {
	// Begin starts a new UnitOfWork (transaction).
	Begin(ctx context.Context) (UnitOfWork, error)
	// Close closes the store connection.
	Close() error
}

// WindowRepository handles window persistence. Windows are append-only:
// state moves forward and resolved rows are never mutated again.
type WindowRepository interface {
	Save(ctx context.Context, w *types.Window) error
	FindByID(ctx context.Context, windowID string) (*types.Window, error)
	ListUnresolved(ctx context.Context) ([]types.Window, error)
	ListRecent(ctx context.Context, symbol string, limit int) ([]types.Window, error)
}

// PositionRepository handles position persistence.
type PositionRepository interface {
	Save(ctx context.Context, p *types.Position) error
	FindByID(ctx context.Context, positionID string) (*types.Position, error)
	FindLive(ctx context.Context, windowID, strategyID string) (*types.Position, error)
	ListNonTerminal(ctx context.Context) ([]types.Position, error)
	ListByWindow(ctx context.Context, windowID string) ([]types.Position, error)
}

// IntentRepository handles intent persistence. Intents are never deleted.
type IntentRepository interface {
	Insert(ctx context.Context, it *types.Intent) error
	Update(ctx context.Context, it *types.Intent) error
	FindByID(ctx context.Context, intentID string) (*types.Intent, error)
	// FindLive 返回同 (windowID, strategyID, type) 下状态仍为
	// Pending/Executing 的 intent，用于重复拦截。
	FindLive(ctx context.Context, windowID, strategyID string, typ types.IntentType) (*types.Intent, error)
	ListUnresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error)
	ListByWindow(ctx context.Context, windowID string) ([]types.Intent, error)
}

// AuditRepository handles audit/divergence records.
type AuditRepository interface {
	Insert(ctx context.Context, rec *model.AuditModel) error
	ListRecent(ctx context.Context, limit int) ([]model.AuditModel, error)
}

// SnapshotRepository handles kill-switch recovery snapshots.
type SnapshotRepository interface {
	Insert(ctx context.Context, rec *model.SnapshotModel) error
	Latest(ctx context.Context) (*model.SnapshotModel, error)
}
