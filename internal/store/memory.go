package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avdonin/pointsmarket/internal/model"
)

// MemoryStore - реализация Store в памяти. Используется в тестах
// и как бэкенд для разработки (пустой DSN).
// Один мьютекс на все хранилище: каждый Commit* атомарен целиком.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]model.Account
	items     map[string]model.Item
	ledger    map[string][]model.LedgerEntry // по счетам, в порядке фиксации
	purchases map[string]model.PurchaseRecord
	groups    map[string]model.Group
	members   map[string]map[string]struct{} // groupID -> счета
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]model.Account),
		items:     make(map[string]model.Item),
		ledger:    make(map[string][]model.LedgerEntry),
		purchases: make(map[string]model.PurchaseRecord),
		groups:    make(map[string]model.Group),
		members:   make(map[string]map[string]struct{}),
	}
}

// Счета

func (store *MemoryStore) CreateAccount(_ context.Context, account model.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.accounts[account.ID]; ok {
		return ErrAlreadyExists
	}
	store.accounts[account.ID] = account
	return nil
}

func (store *MemoryStore) GetAccount(_ context.Context, id string) (model.Account, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	account, ok := store.accounts[id]
	if !ok {
		return model.Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *MemoryStore) SetAccountSuspended(_ context.Context, id string, suspended bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	account, ok := store.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.Suspended = suspended
	store.accounts[id] = account
	return nil
}

// Товары

func (store *MemoryStore) CreateItem(_ context.Context, item model.Item) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.items[item.ID]; ok {
		return ErrAlreadyExists
	}
	store.items[item.ID] = item
	return nil
}

func (store *MemoryStore) GetItem(_ context.Context, id string) (model.Item, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	item, ok := store.items[id]
	if !ok {
		return model.Item{}, ErrItemNotFound
	}
	return item, nil
}

func (store *MemoryStore) UpdateItem(_ context.Context, item model.Item) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	current, ok := store.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}
	item.Archived = current.Archived
	item.CreatedAt = current.CreatedAt
	store.items[item.ID] = item
	return nil
}

func (store *MemoryStore) SetItemArchived(_ context.Context, id string, archived bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	item, ok := store.items[id]
	if !ok {
		return ErrItemNotFound
	}
	item.Archived = archived
	store.items[id] = item
	return nil
}

func (store *MemoryStore) ListItems(_ context.Context, includeArchived bool) ([]model.Item, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var items []model.Item
	for _, item := range store.items {
		if item.Archived && !includeArchived {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

// Журнал

func (store *MemoryStore) LedgerHistory(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	entries := store.ledger[accountID]
	out := make([]model.LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Покупки

func (store *MemoryStore) GetPurchase(_ context.Context, id string) (model.PurchaseRecord, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	record, ok := store.purchases[id]
	if !ok {
		return model.PurchaseRecord{}, ErrRecordNotFound
	}
	return record, nil
}

func (store *MemoryStore) ListPurchasesByBuyer(_ context.Context, buyerID string) ([]model.PurchaseRecord, error) {
	return store.listPurchases(func(r model.PurchaseRecord) bool { return r.BuyerID == buyerID })
}

func (store *MemoryStore) ListPurchasesByStatus(_ context.Context, status model.PurchaseStatus) ([]model.PurchaseRecord, error) {
	return store.listPurchases(func(r model.PurchaseRecord) bool { return r.Status == status })
}

func (store *MemoryStore) listPurchases(match func(model.PurchaseRecord) bool) ([]model.PurchaseRecord, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var records []model.PurchaseRecord
	for _, record := range store.purchases {
		if match(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PurchasedAt.Before(records[j].PurchasedAt) })
	return records, nil
}

// Группы

func (store *MemoryStore) CreateGroup(_ context.Context, group model.Group) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.groups[group.ID]; ok {
		return ErrAlreadyExists
	}
	store.groups[group.ID] = group
	store.members[group.ID] = make(map[string]struct{})
	return nil
}

func (store *MemoryStore) GetGroup(_ context.Context, id string) (model.Group, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	group, ok := store.groups[id]
	if !ok {
		return model.Group{}, ErrGroupNotFound
	}
	return group, nil
}

func (store *MemoryStore) AddGroupMember(_ context.Context, groupID string, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	members, ok := store.members[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	if _, ok := members[accountID]; ok {
		return ErrAlreadyExists
	}
	members[accountID] = struct{}{}
	return nil
}

func (store *MemoryStore) RemoveGroupMember(_ context.Context, groupID string, accountID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	members, ok := store.members[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	delete(members, accountID)
	return nil
}

func (store *MemoryStore) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	members, ok := store.members[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	out := make([]string, 0, len(members))
	for account := range members {
		out = append(out, account)
	}
	sort.Strings(out)
	return out, nil
}

// Фиксации операций

func (store *MemoryStore) CommitEntry(_ context.Context, newBalance int64, entry model.LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.applyEntry(newBalance, entry)
}

// applyEntry вызывается под mu
func (store *MemoryStore) applyEntry(newBalance int64, entry model.LedgerEntry) error {
	account, ok := store.accounts[entry.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance = newBalance
	store.accounts[entry.AccountID] = account
	store.ledger[entry.AccountID] = append(store.ledger[entry.AccountID], entry)
	return nil
}

func (store *MemoryStore) CommitTransfer(_ context.Context, senderBalance int64, receiverBalance int64, out model.LedgerEntry, in model.LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	// проверка обеих сторон до изменений: всё или ничего
	if _, ok := store.accounts[out.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if _, ok := store.accounts[in.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if err := store.applyEntry(senderBalance, out); err != nil {
		return err
	}
	return store.applyEntry(receiverBalance, in)
}

func (store *MemoryStore) CommitPurchase(_ context.Context, buyerBalance int64, newStock model.Stock, entry model.LedgerEntry, record model.PurchaseRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	item, ok := store.items[record.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if _, ok := store.accounts[entry.AccountID]; !ok {
		return ErrAccountNotFound
	}

	item.Stock = newStock
	store.items[record.ItemID] = item
	store.purchases[record.ID] = record
	return store.applyEntry(buyerBalance, entry)
}

func (store *MemoryStore) MarkDelivered(_ context.Context, recordID string, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	record, ok := store.purchases[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	if record.Status != model.PurchaseStatusPending {
		return ErrAlreadyDelivered
	}
	record.Status = model.PurchaseStatusDelivered
	delivered := at
	record.DeliveredAt = &delivered
	store.purchases[recordID] = record
	return nil
}
