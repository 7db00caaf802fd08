package store

import (
	"context"
	"errors"
	"time"

	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/model"
)

// Store - хранилище счетов, товаров, журнала и покупок.
// Методы Commit* атомарны: новый баланс/остаток и записи журнала
// фиксируются одной транзакцией либо не фиксируются вовсе.
// Сериализацию конкурентных операций обеспечивает движок (engine),
// хранилище отвечает только за целостность записи.
type Store interface {
	// Счета
	CreateAccount(ctx context.Context, account model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	SetAccountSuspended(ctx context.Context, id string, suspended bool) error

	// Товары
	CreateItem(ctx context.Context, item model.Item) error
	GetItem(ctx context.Context, id string) (model.Item, error)
	UpdateItem(ctx context.Context, item model.Item) error
	SetItemArchived(ctx context.Context, id string, archived bool) error
	ListItems(ctx context.Context, includeArchived bool) ([]model.Item, error)

	// Журнал
	LedgerHistory(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// Покупки
	GetPurchase(ctx context.Context, id string) (model.PurchaseRecord, error)
	ListPurchasesByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseRecord, error)
	ListPurchasesByStatus(ctx context.Context, status model.PurchaseStatus) ([]model.PurchaseRecord, error)

	// Группы
	CreateGroup(ctx context.Context, group model.Group) error
	GetGroup(ctx context.Context, id string) (model.Group, error)
	AddGroupMember(ctx context.Context, groupID string, accountID string) error
	RemoveGroupMember(ctx context.Context, groupID string, accountID string) error
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	// Атомарные фиксации операций движка
	CommitEntry(ctx context.Context, newBalance int64, entry model.LedgerEntry) error
	CommitTransfer(ctx context.Context, senderBalance int64, receiverBalance int64, out model.LedgerEntry, in model.LedgerEntry) error
	CommitPurchase(ctx context.Context, buyerBalance int64, newStock model.Stock, entry model.LedgerEntry, record model.PurchaseRecord) error
	MarkDelivered(ctx context.Context, recordID string, at time.Time) error
}

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrItemNotFound     = errors.New("item not found")
	ErrRecordNotFound   = errors.New("purchase record not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyDelivered = errors.New("already delivered")
)

// NewStore выбирает реализацию: Postgres при заданном DSN,
// иначе - память (разработка и тесты).
func NewStore(cfg config.StoreConfig) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(cfg.DBDsn)
}
