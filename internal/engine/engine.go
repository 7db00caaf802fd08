package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/model"
	"github.com/avdonin/pointsmarket/internal/store"
)

// Engine - единственная точка изменения балансов и остатков.
// Каждая операция: захват блокировок -> повторное чтение состояния ->
// проверка предусловий -> атомарная фиксация в хранилище.
// Любая ошибка до фиксации не оставляет следов.
type Engine interface {
	// Операции экономики
	Mint(ctx context.Context, actorID string, targetID string, amount int64, reason string) (OpResult, error)
	Transfer(ctx context.Context, senderID string, receiverID string, amount int64, note string) (TransferResult, error)
	RewardOrFine(ctx context.Context, actorID string, targetID string, amount int64, isReward bool, reason string) (OpResult, error)
	RewardOrFineGroup(ctx context.Context, actorID string, groupID string, amount int64, isReward bool, reason string) ([]MemberResult, error)
	Purchase(ctx context.Context, buyerID string, itemID string, quantity int64) (PurchaseResult, error)
	DeliveryConfirm(ctx context.Context, actorID string, recordID string) (model.PurchaseRecord, error)

	// Справочники
	ProvisionAccount(ctx context.Context, actorID string, accountID string, role model.Role) (model.Account, error)
	SuspendAccount(ctx context.Context, actorID string, accountID string) error
	RestoreAccount(ctx context.Context, actorID string, accountID string) error
	CreateItem(ctx context.Context, actorID string, name string, price int64, stock model.Stock) (model.Item, error)
	UpdateItem(ctx context.Context, actorID string, item model.Item) (model.Item, error)
	ArchiveItem(ctx context.Context, actorID string, itemID string) error
	CreateGroup(ctx context.Context, actorID string, name string) (model.Group, error)
	AddGroupMember(ctx context.Context, actorID string, groupID string, accountID string) error
	RemoveGroupMember(ctx context.Context, actorID string, groupID string, accountID string) error

	// Чтение (без блокировок, только для отображения)
	Balance(ctx context.Context, actorID string, accountID string) (model.Account, error)
	History(ctx context.Context, actorID string, accountID string) ([]model.LedgerEntry, error)
	Items(ctx context.Context, actorID string, includeArchived bool) ([]model.Item, error)
	Purchases(ctx context.Context, actorID string) ([]model.PurchaseRecord, error)
	PendingDeliveries(ctx context.Context, actorID string) ([]model.PurchaseRecord, error)
}

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAccountNotFound   = errors.New("account not found")
	ErrItemUnavailable   = errors.New("item unavailable")
	ErrSenderSuspended   = errors.New("sender suspended")
	ErrBuyerSuspended    = errors.New("buyer suspended")
	ErrSameAccount       = errors.New("same account")
	ErrAlreadyDelivered  = errors.New("already delivered")
	ErrRecordNotFound    = errors.New("record not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrBusy              = errors.New("busy, retry later")
)

// Результаты операций

type OpResult struct {
	LedgerID   string
	NewBalance int64
}

type TransferResult struct {
	OutLedgerID     string
	InLedgerID      string
	SenderBalance   int64
	ReceiverBalance int64
}

type PurchaseResult struct {
	RecordID   string
	LedgerID   string
	NewBalance int64
	NewStock   model.Stock
}

// MemberResult - исход групповой операции для одного участника.
// Err заполнен, если участник пропущен (частичный успех группы).
type MemberResult struct {
	AccountID  string
	LedgerID   string
	NewBalance int64
	Err        error
}

// Notifier получает события покупок после фиксации (fire-and-forget)
type Notifier interface {
	PurchaseCreated(record model.PurchaseRecord)
	DeliveryConfirmed(record model.PurchaseRecord)
}

// Закрытый набор операций для таблицы ролей

type op int

const (
	opMint op = iota
	opTransfer
	opAdjust
	opPurchase
	opDeliver
	opCatalog
)

var minRole = map[op]model.Role{
	opMint:     model.RoleSuperAdmin,
	opTransfer: model.RoleUser,
	opAdjust:   model.RoleAdmin,
	opPurchase: model.RoleUser,
	opDeliver:  model.RoleAdmin,
	opCatalog:  model.RoleAdmin,
}

const defaultLockTimeout = 3 * time.Second

type engine struct {
	cfg      config.EngineConfig
	store    store.Store
	locks    *lockTable
	notifier Notifier
	zaplog   *zap.Logger
}

func NewEngine(cfg config.EngineConfig, store store.Store, notifier Notifier, zaplog *zap.Logger) Engine {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	return &engine{
		cfg:      cfg,
		store:    store,
		locks:    newLockTable(),
		notifier: notifier,
		zaplog:   zaplog,
	}
}

// authorize повторно читает счет инициатора и сверяет роль с таблицей.
// Роль из запроса не используется: шлюз авторизации дает только личность
func (e *engine) authorize(ctx context.Context, actorID string, operation op) (model.Account, error) {
	actor, err := e.store.GetAccount(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return model.Account{}, ErrUnauthorized
		}
		return model.Account{}, err
	}
	if !actor.Role.AtLeast(minRole[operation]) {
		return model.Account{}, ErrUnauthorized
	}
	return actor, nil
}

// addChecked: зачисление с контролем переполнения int64
func addChecked(balance int64, amount int64) (int64, bool) {
	if amount > math.MaxInt64-balance {
		return 0, false
	}
	return balance + amount, true
}

func newEntry(accountID string, kind model.EntryKind, debit int64, credit int64, balanceAfter int64, narration string) model.LedgerEntry {
	return model.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Kind:         kind,
		Debit:        debit,
		Credit:       credit,
		BalanceAfter: balanceAfter,
		Narration:    narration,
		Timestamp:    time.Now(),
	}
}

func (e *engine) Mint(ctx context.Context, actorID string, targetID string, amount int64, reason string) (OpResult, error) {
	if _, err := e.authorize(ctx, actorID, opMint); err != nil {
		return OpResult{}, err
	}
	if amount <= 0 {
		return OpResult{}, ErrInvalidAmount
	}

	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, accountKey(targetID))
	if err != nil {
		return OpResult{}, err
	}
	defer release()

	target, err := e.store.GetAccount(ctx, targetID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return OpResult{}, ErrAccountNotFound
		}
		return OpResult{}, err
	}

	newBalance, ok := addChecked(target.Balance, amount)
	if !ok {
		return OpResult{}, ErrInvalidAmount
	}
	entry := newEntry(targetID, model.EntryKindMint, 0, amount, newBalance, reason)
	if err := e.store.CommitEntry(ctx, newBalance, entry); err != nil {
		return OpResult{}, err
	}

	e.zaplog.Info("mint committed",
		zap.String("account", targetID),
		zap.Int64("amount", amount),
		zap.Int64("balance", newBalance))

	return OpResult{LedgerID: entry.ID, NewBalance: newBalance}, nil
}

func (e *engine) Transfer(ctx context.Context, senderID string, receiverID string, amount int64, note string) (TransferResult, error) {
	if senderID == receiverID {
		return TransferResult{}, ErrSameAccount
	}
	if amount <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}
	if _, err := e.authorize(ctx, senderID, opTransfer); err != nil {
		return TransferResult{}, err
	}

	// оба счета под блокировкой, порядок захвата фиксированный
	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, accountKey(senderID), accountKey(receiverID))
	if err != nil {
		return TransferResult{}, err
	}
	defer release()

	sender, err := e.store.GetAccount(ctx, senderID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return TransferResult{}, ErrAccountNotFound
		}
		return TransferResult{}, err
	}
	if sender.Suspended {
		return TransferResult{}, ErrSenderSuspended
	}
	receiver, err := e.store.GetAccount(ctx, receiverID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return TransferResult{}, ErrAccountNotFound
		}
		return TransferResult{}, err
	}
	if sender.Balance < amount {
		return TransferResult{}, ErrInsufficientFunds
	}

	senderBalance := sender.Balance - amount
	receiverBalance, ok := addChecked(receiver.Balance, amount)
	if !ok {
		return TransferResult{}, ErrInvalidAmount
	}
	out := newEntry(senderID, model.EntryKindTransferOut, amount, 0, senderBalance, note)
	in := newEntry(receiverID, model.EntryKindTransferIn, 0, amount, receiverBalance, note)
	in.Timestamp = out.Timestamp

	if err := e.store.CommitTransfer(ctx, senderBalance, receiverBalance, out, in); err != nil {
		return TransferResult{}, err
	}

	e.zaplog.Info("transfer committed",
		zap.String("sender", senderID),
		zap.String("receiver", receiverID),
		zap.Int64("amount", amount))

	return TransferResult{
		OutLedgerID:     out.ID,
		InLedgerID:      in.ID,
		SenderBalance:   senderBalance,
		ReceiverBalance: receiverBalance,
	}, nil
}

func (e *engine) RewardOrFine(ctx context.Context, actorID string, targetID string, amount int64, isReward bool, reason string) (OpResult, error) {
	if _, err := e.authorize(ctx, actorID, opAdjust); err != nil {
		return OpResult{}, err
	}
	if amount <= 0 {
		return OpResult{}, ErrInvalidAmount
	}
	return e.adjustOne(ctx, targetID, amount, isReward, reason)
}

// adjustOne - одно начисление/штраф как отдельная атомарная единица.
// Авторизация выполняется до вызова
func (e *engine) adjustOne(ctx context.Context, targetID string, amount int64, isReward bool, reason string) (OpResult, error) {
	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, accountKey(targetID))
	if err != nil {
		return OpResult{}, err
	}
	defer release()

	// приостановленный счет можно поощрять и штрафовать
	target, err := e.store.GetAccount(ctx, targetID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return OpResult{}, ErrAccountNotFound
		}
		return OpResult{}, err
	}

	var newBalance int64
	var entry model.LedgerEntry
	if isReward {
		var ok bool
		newBalance, ok = addChecked(target.Balance, amount)
		if !ok {
			return OpResult{}, ErrInvalidAmount
		}
		entry = newEntry(targetID, model.EntryKindReward, 0, amount, newBalance, reason)
	} else {
		if target.Balance < amount {
			return OpResult{}, ErrInsufficientFunds
		}
		newBalance = target.Balance - amount
		entry = newEntry(targetID, model.EntryKindFine, amount, 0, newBalance, reason)
	}

	if err := e.store.CommitEntry(ctx, newBalance, entry); err != nil {
		return OpResult{}, err
	}

	e.zaplog.Info("adjustment committed",
		zap.String("account", targetID),
		zap.Bool("reward", isReward),
		zap.Int64("amount", amount),
		zap.Int64("balance", newBalance))

	return OpResult{LedgerID: entry.ID, NewBalance: newBalance}, nil
}

func (e *engine) RewardOrFineGroup(ctx context.Context, actorID string, groupID string, amount int64, isReward bool, reason string) ([]MemberResult, error) {
	if _, err := e.authorize(ctx, actorID, opAdjust); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	members, err := e.store.GroupMembers(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}

	// каждый участник - отдельная атомарная единица:
	// неудача одного не откатывает остальных
	results := make([]MemberResult, 0, len(members))
	for _, member := range members {
		opResult, err := e.adjustOne(ctx, member, amount, isReward, reason)
		if err != nil {
			results = append(results, MemberResult{AccountID: member, Err: err})
			continue
		}
		results = append(results, MemberResult{
			AccountID:  member,
			LedgerID:   opResult.LedgerID,
			NewBalance: opResult.NewBalance,
		})
	}
	return results, nil
}

func (e *engine) Purchase(ctx context.Context, buyerID string, itemID string, quantity int64) (PurchaseResult, error) {
	if quantity <= 0 {
		return PurchaseResult{}, ErrInvalidAmount
	}
	if _, err := e.authorize(ctx, buyerID, opPurchase); err != nil {
		return PurchaseResult{}, err
	}

	release, err := e.locks.acquire(ctx, e.cfg.LockTimeout, accountKey(buyerID), itemKey(itemID))
	if err != nil {
		return PurchaseResult{}, err
	}
	defer release()

	// проверки только по состоянию после захвата блокировок:
	// две конкурентные покупки последней единицы не пройдут обе
	buyer, err := e.store.GetAccount(ctx, buyerID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return PurchaseResult{}, ErrAccountNotFound
		}
		return PurchaseResult{}, err
	}
	if buyer.Suspended {
		return PurchaseResult{}, ErrBuyerSuspended
	}

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return PurchaseResult{}, ErrItemUnavailable
		}
		return PurchaseResult{}, err
	}
	if !item.Available() {
		return PurchaseResult{}, ErrItemUnavailable
	}
	if !item.Stock.Covers(quantity) {
		return PurchaseResult{}, ErrInsufficientStock
	}

	// стоимость за пределами int64 не сворачивается в кредит покупателю
	if quantity > math.MaxInt64/item.Price {
		return PurchaseResult{}, ErrInvalidAmount
	}
	totalPrice := item.Price * quantity
	if buyer.Balance < totalPrice {
		return PurchaseResult{}, ErrInsufficientFunds
	}

	newBalance := buyer.Balance - totalPrice
	newStock := item.Stock.Sub(quantity)
	entry := newEntry(buyerID, model.EntryKindPurchase, totalPrice, 0, newBalance,
		fmt.Sprintf("purchase: %s x%d", item.Name, quantity))
	record := model.PurchaseRecord{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		BuyerID:     buyerID,
		Quantity:    quantity,
		UnitPrice:   item.Price,
		TotalPrice:  totalPrice,
		Status:      model.PurchaseStatusPending,
		PurchasedAt: entry.Timestamp,
	}

	if err := e.store.CommitPurchase(ctx, newBalance, newStock, entry, record); err != nil {
		return PurchaseResult{}, err
	}

	e.zaplog.Info("purchase committed",
		zap.String("buyer", buyerID),
		zap.String("item", itemID),
		zap.Int64("quantity", quantity),
		zap.Int64("total", totalPrice))

	if e.notifier != nil {
		go e.notifier.PurchaseCreated(record)
	}

	return PurchaseResult{
		RecordID:   record.ID,
		LedgerID:   entry.ID,
		NewBalance: newBalance,
		NewStock:   newStock,
	}, nil
}

func (e *engine) DeliveryConfirm(ctx context.Context, actorID string, recordID string) (model.PurchaseRecord, error) {
	if _, err := e.authorize(ctx, actorID, opDeliver); err != nil {
		return model.PurchaseRecord{}, err
	}

	// условный UPDATE в хранилище: перевод только из PENDING,
	// повторное подтверждение не проходит
	if err := e.store.MarkDelivered(ctx, recordID, time.Now()); err != nil {
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			return model.PurchaseRecord{}, ErrRecordNotFound
		case errors.Is(err, store.ErrAlreadyDelivered):
			return model.PurchaseRecord{}, ErrAlreadyDelivered
		default:
			return model.PurchaseRecord{}, err
		}
	}

	record, err := e.store.GetPurchase(ctx, recordID)
	if err != nil {
		return model.PurchaseRecord{}, err
	}

	e.zaplog.Info("delivery confirmed",
		zap.String("record", recordID),
		zap.String("buyer", record.BuyerID))

	if e.notifier != nil {
		go e.notifier.DeliveryConfirmed(record)
	}
	return record, nil
}
