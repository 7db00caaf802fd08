package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avdonin/pointsmarket/internal/model"
	"github.com/avdonin/pointsmarket/internal/store"
)

// Справочные операции: счета, товары, группы.
// Обычный CRUD, но изменение остатка товара идет через ту же
// блокировку, что и покупки.

func (e *engine) ProvisionAccount(ctx context.Context, actorID string, accountID string, role model.Role) (model.Account, error) {
	if !role.Valid() {
		return model.Account{}, ErrInvalidRole
	}
	// выдача привилегированных ролей - только суперадмин
	required := opCatalog
	if role != model.RoleUser {
		required = opMint
	}
	if _, err := e.authorize(ctx, actorID, required); err != nil {
		return model.Account{}, err
	}

	account := model.Account{
		ID:        accountID,
		Balance:   0,
		Role:      role,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Account{}, ErrAlreadyExists
		}
		return model.Account{}, err
	}

	e.zaplog.Info("account provisioned",
		zap.String("account", accountID),
		zap.String("role", string(role)))
	return account, nil
}

func (e *engine) SuspendAccount(ctx context.Context, actorID string, accountID string) error {
	return e.setSuspended(ctx, actorID, accountID, true)
}

func (e *engine) RestoreAccount(ctx context.Context, actorID string, accountID string) error {
	return e.setSuspended(ctx, actorID, accountID, false)
}

func (e *engine) setSuspended(ctx context.Context, actorID string, accountID string, suspended bool) error {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return err
	}
	if err := e.store.SetAccountSuspended(ctx, accountID, suspended); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	e.zaplog.Info("account suspension changed",
		zap.String("account", accountID),
		zap.Bool("suspended", suspended))
	return nil
}

func (e *engine) CreateItem(ctx context.Context, actorID string, name string, price int64, stock model.Stock) (model.Item, error) {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return model.Item{}, err
	}
	if price <= 0 {
		return model.Item{}, ErrInvalidAmount
	}
	if !stock.Unlimited() && stock.Count() < 0 {
		return model.Item{}, ErrInvalidAmount
	}

	item := model.Item{
		ID:        uuid.NewString(),
		Name:      name,
		Price:     price,
		Stock:     stock,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateItem(ctx, item); err != nil {
		return model.Item{}, err
	}

	e.zaplog.Info("item created",
		zap.String("item", item.ID),
		zap.String("name", name))
	return item, nil
}

func (e *engine) UpdateItem(ctx context.Context, actorID string, item model.Item) (model.Item, error) {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return model.Item{}, err
	}
	if item.Price <= 0 {
		return model.Item{}, ErrInvalidAmount
	}
	if !item.Stock.Unlimited() && item.Stock.Count() < 0 {
		return model.Item{}, ErrInvalidAmount
	}

	// правка цены/остатка конкурирует с покупками - под блокировкой товара
	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, itemKey(item.ID))
	if err != nil {
		return model.Item{}, err
	}
	defer release()

	if _, err := e.store.GetItem(ctx, item.ID); err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return model.Item{}, ErrItemUnavailable
		}
		return model.Item{}, err
	}
	if err := e.store.UpdateItem(ctx, item); err != nil {
		return model.Item{}, err
	}
	updated, err := e.store.GetItem(ctx, item.ID)
	if err != nil {
		return model.Item{}, err
	}

	e.zaplog.Info("item updated", zap.String("item", item.ID))
	return updated, nil
}

func (e *engine) ArchiveItem(ctx context.Context, actorID string, itemID string) error {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return err
	}

	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, itemKey(itemID))
	if err != nil {
		return err
	}
	defer release()

	if err := e.store.SetItemArchived(ctx, itemID, true); err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return ErrItemUnavailable
		}
		return err
	}
	e.zaplog.Info("item archived", zap.String("item", itemID))
	return nil
}

func (e *engine) CreateGroup(ctx context.Context, actorID string, name string) (model.Group, error) {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return model.Group{}, err
	}

	group := model.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := e.store.CreateGroup(ctx, group); err != nil {
		return model.Group{}, err
	}
	return group, nil
}

func (e *engine) AddGroupMember(ctx context.Context, actorID string, groupID string, accountID string) error {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return err
	}
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return err
	}
	err := e.store.AddGroupMember(ctx, groupID, accountID)
	switch {
	case errors.Is(err, store.ErrGroupNotFound):
		return ErrGroupNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrAlreadyExists
	default:
		return err
	}
}

func (e *engine) RemoveGroupMember(ctx context.Context, actorID string, groupID string, accountID string) error {
	if _, err := e.authorize(ctx, actorID, opCatalog); err != nil {
		return err
	}
	if err := e.store.RemoveGroupMember(ctx, groupID, accountID); err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return ErrGroupNotFound
		}
		return err
	}
	return nil
}

// Чтение для отображения. Без блокировок: допускается небольшое
// отставание, решения об изменениях на этих данных не принимаются

func (e *engine) Balance(ctx context.Context, actorID string, accountID string) (model.Account, error) {
	if err := e.authorizeRead(ctx, actorID, accountID); err != nil {
		return model.Account{}, err
	}
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return model.Account{}, ErrAccountNotFound
		}
		return model.Account{}, err
	}
	return account, nil
}

func (e *engine) History(ctx context.Context, actorID string, accountID string) ([]model.LedgerEntry, error) {
	if err := e.authorizeRead(ctx, actorID, accountID); err != nil {
		return nil, err
	}
	return e.store.LedgerHistory(ctx, accountID)
}

// authorizeRead: свой счет доступен любому, чужой - администратору
func (e *engine) authorizeRead(ctx context.Context, actorID string, accountID string) error {
	operation := opTransfer
	if actorID != accountID {
		operation = opCatalog
	}
	_, err := e.authorize(ctx, actorID, operation)
	return err
}

func (e *engine) Items(ctx context.Context, actorID string, includeArchived bool) ([]model.Item, error) {
	operation := opPurchase
	if includeArchived {
		operation = opCatalog
	}
	if _, err := e.authorize(ctx, actorID, operation); err != nil {
		return nil, err
	}
	return e.store.ListItems(ctx, includeArchived)
}

func (e *engine) Purchases(ctx context.Context, actorID string) ([]model.PurchaseRecord, error) {
	if _, err := e.authorize(ctx, actorID, opPurchase); err != nil {
		return nil, err
	}
	return e.store.ListPurchasesByBuyer(ctx, actorID)
}

func (e *engine) PendingDeliveries(ctx context.Context, actorID string) ([]model.PurchaseRecord, error) {
	if _, err := e.authorize(ctx, actorID, opDeliver); err != nil {
		return nil, err
	}
	return e.store.ListPurchasesByStatus(ctx, model.PurchaseStatusPending)
}
