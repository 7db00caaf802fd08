package model

import "time"

// Роли участников

type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPERADMIN"
)

var roleRank = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast: роль r не ниже min
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Учетные записи

type Account struct {
	ID        string
	Balance   int64 // всегда >= 0
	Role      Role
	Suspended bool
	CreatedAt time.Time
}

// Товары

// Stock: конечный остаток либо безлимит (цифровые товары).
// Нулевое значение = LimitedStock(0), т.е. распродано.
type Stock struct {
	unlimited bool
	count     int64
}

func UnlimitedStock() Stock {
	return Stock{unlimited: true}
}

func LimitedStock(n int64) Stock {
	return Stock{count: n}
}

func (s Stock) Unlimited() bool {
	return s.unlimited
}

func (s Stock) Count() int64 {
	return s.count
}

// Covers: достаточно ли остатка на qty единиц
func (s Stock) Covers(qty int64) bool {
	return s.unlimited || s.count >= qty
}

// Sub: остаток после списания qty единиц. Для безлимита - без изменений
func (s Stock) Sub(qty int64) Stock {
	if s.unlimited {
		return s
	}
	return Stock{count: s.count - qty}
}

type Item struct {
	ID        string
	Name      string
	Price     int64
	Stock     Stock
	Active    bool
	Archived  bool
	CreatedAt time.Time
}

func (i Item) Available() bool {
	return i.Active && !i.Archived
}

// Журнал баланса

type EntryKind string

const (
	EntryKindMint           EntryKind = "MINT"
	EntryKindTransferOut    EntryKind = "TRANSFER_OUT"
	EntryKindTransferIn     EntryKind = "TRANSFER_IN"
	EntryKindReward         EntryKind = "REWARD"
	EntryKindFine           EntryKind = "FINE"
	EntryKindPurchase       EntryKind = "PURCHASE"
	EntryKindPurchaseRefund EntryKind = "PURCHASE_REFUND"
)

// LedgerEntry - неизменяемая запись журнала.
// Заполняется ровно одно из Debit/Credit. BalanceAfter - баланс счета
// сразу после фиксации записи, так журнал хранит и историю баланса.
// AccountID пуст для системных событий без конкретного счета.
type LedgerEntry struct {
	ID           string
	AccountID    string
	Kind         EntryKind
	Debit        int64
	Credit       int64
	BalanceAfter int64
	Narration    string
	Timestamp    time.Time
}

// Покупки

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "PENDING"
	PurchaseStatusDelivered PurchaseStatus = "DELIVERED"
)

// PurchaseRecord создается вместе с записью журнала PURCHASE.
// Статус меняется только PENDING -> DELIVERED.
type PurchaseRecord struct {
	ID          string
	ItemID      string
	BuyerID     string
	Quantity    int64
	UnitPrice   int64
	TotalPrice  int64
	Status      PurchaseStatus
	PurchasedAt time.Time
	DeliveredAt *time.Time
}

// Группы

type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time
}
