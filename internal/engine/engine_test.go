package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/model"
	"github.com/avdonin/pointsmarket/internal/store"
)

const (
	superadmin = "9001"
	admin      = "9002"
)

func newTestEngine(t *testing.T) (Engine, *store.MemoryStore) {
	t.Helper()

	mem := store.NewMemoryStore()
	eng := NewEngine(config.EngineConfig{LockTimeout: time.Second}, mem, nil, zap.NewNop())

	seedAccount(t, mem, superadmin, 0, model.RoleSuperAdmin)
	seedAccount(t, mem, admin, 0, model.RoleAdmin)
	return eng, mem
}

func seedAccount(t *testing.T, mem *store.MemoryStore, id string, balance int64, role model.Role) {
	t.Helper()
	err := mem.CreateAccount(context.Background(), model.Account{
		ID:        id,
		Balance:   balance,
		Role:      role,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func seedItem(t *testing.T, mem *store.MemoryStore, id string, price int64, stock model.Stock) {
	t.Helper()
	err := mem.CreateItem(context.Background(), model.Item{
		ID:        id,
		Name:      "item " + id,
		Price:     price,
		Stock:     stock,
		Active:    true,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestMint(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 0, model.RoleUser)

	result, err := eng.Mint(ctx, superadmin, "100001", 500, "initial grant")
	require.NoError(t, err)
	require.Equal(t, int64(500), result.NewBalance)
	require.NotEmpty(t, result.LedgerID)

	// чтение сразу отражает фиксацию
	account, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(500), account.Balance)

	// ровно одна запись журнала с balance_after
	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.EntryKindMint, entries[0].Kind)
	require.Equal(t, int64(500), entries[0].Credit)
	require.Zero(t, entries[0].Debit)
	require.Equal(t, int64(500), entries[0].BalanceAfter)
}

func TestMintErrors(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 0, model.RoleUser)

	// эмиссия - только суперадмин
	_, err := eng.Mint(ctx, admin, "100001", 500, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.Mint(ctx, superadmin, "100001", 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Mint(ctx, superadmin, "100001", -5, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Mint(ctx, superadmin, "nosuch", 500, "")
	require.ErrorIs(t, err, ErrAccountNotFound)

	// ошибки не оставляют следов в журнале
	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// зачисления не переполняют баланс
func TestMintOverflow(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", math.MaxInt64-5, model.RoleUser)

	_, err := eng.Mint(ctx, superadmin, "100001", 10, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.RewardOrFine(ctx, admin, "100001", 10, true, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	account, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64-5), account.Balance)

	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTransferReceiverOverflow(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedAccount(t, mem, "100002", math.MaxInt64-5, model.RoleUser)

	_, err := eng.Transfer(ctx, "100001", "100002", 10, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	sender, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(100), sender.Balance)

	receiver, err := mem.GetAccount(ctx, "100002")
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64-5), receiver.Balance)
}

func TestTransfer(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 300, model.RoleUser)
	seedAccount(t, mem, "100002", 50, model.RoleUser)

	result, err := eng.Transfer(ctx, "100001", "100002", 200, "thanks")
	require.NoError(t, err)
	require.Equal(t, int64(100), result.SenderBalance)
	require.Equal(t, int64(250), result.ReceiverBalance)

	// по записи на каждой стороне
	outEntries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Len(t, outEntries, 1)
	require.Equal(t, model.EntryKindTransferOut, outEntries[0].Kind)
	require.Equal(t, int64(200), outEntries[0].Debit)
	require.Equal(t, int64(100), outEntries[0].BalanceAfter)

	inEntries, err := mem.LedgerHistory(ctx, "100002")
	require.NoError(t, err)
	require.Len(t, inEntries, 1)
	require.Equal(t, model.EntryKindTransferIn, inEntries[0].Kind)
	require.Equal(t, int64(200), inEntries[0].Credit)
	require.Equal(t, int64(250), inEntries[0].BalanceAfter)
}

func TestTransferInsufficientFunds(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedAccount(t, mem, "100002", 0, model.RoleUser)

	_, err := eng.Transfer(ctx, "100001", "100002", 150, "")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// балансы и журнал не тронуты
	sender, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(100), sender.Balance)

	receiver, err := mem.GetAccount(ctx, "100002")
	require.NoError(t, err)
	require.Zero(t, receiver.Balance)

	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTransferErrors(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedAccount(t, mem, "100003", 100, model.RoleUser)
	require.NoError(t, mem.SetAccountSuspended(ctx, "100003", true))

	_, err := eng.Transfer(ctx, "100001", "100001", 10, "")
	require.ErrorIs(t, err, ErrSameAccount)

	_, err = eng.Transfer(ctx, "100001", "100002", -10, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Transfer(ctx, "100001", "nosuch", 10, "")
	require.ErrorIs(t, err, ErrAccountNotFound)

	// приостановленный отправитель не переводит
	_, err = eng.Transfer(ctx, "100003", "100001", 10, "")
	require.ErrorIs(t, err, ErrSenderSuspended)
}

// встречные переводы между одной парой счетов не взаимоблокируются:
// блокировки берутся в фиксированном глобальном порядке
func TestTransferOppositeDirections(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 1000, model.RoleUser)
	seedAccount(t, mem, "100002", 1000, model.RoleUser)

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := eng.Transfer(ctx, "100001", "100002", 1, "")
			require.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := eng.Transfer(ctx, "100002", "100001", 1, "")
			require.NoError(t, err)
		}
	}()
	wg.Wait()

	a, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	b, err := mem.GetAccount(ctx, "100002")
	require.NoError(t, err)
	require.Equal(t, int64(1000), a.Balance)
	require.Equal(t, int64(1000), b.Balance)
}

// инвариант сохранения: сумма балансов постоянна, отрицательных нет,
// на каждый успешный перевод ровно две записи журнала
func TestTransferConservation(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()

	accounts := []string{"200001", "200002", "200003", "200004"}
	const perAccount = int64(100)
	for _, id := range accounts {
		seedAccount(t, mem, id, perAccount, model.RoleUser)
	}

	const workers = 8
	const rounds = 50
	var succeeded int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				from := accounts[(w+i)%len(accounts)]
				to := accounts[(w+i+1)%len(accounts)]
				_, err := eng.Transfer(ctx, from, to, 30, "")
				if err != nil {
					require.ErrorIs(t, err, ErrInsufficientFunds)
					continue
				}
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	var total, entryCount int64
	for _, id := range accounts {
		account, err := mem.GetAccount(ctx, id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, account.Balance, int64(0))
		total += account.Balance

		entries, err := mem.LedgerHistory(ctx, id)
		require.NoError(t, err)
		entryCount += int64(len(entries))

		// порядок записей по счету согласован с balance_after
		for i, entry := range entries {
			if i == 0 {
				continue
			}
			prev := entries[i-1]
			diff := entry.Credit - entry.Debit
			require.Equal(t, prev.BalanceAfter+diff, entry.BalanceAfter)
		}
	}
	require.Equal(t, perAccount*int64(len(accounts)), total)
	require.Equal(t, succeeded*2, entryCount)
}

func TestRewardAndFine(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)

	result, err := eng.RewardOrFine(ctx, admin, "100001", 40, true, "good job")
	require.NoError(t, err)
	require.Equal(t, int64(140), result.NewBalance)

	result, err = eng.RewardOrFine(ctx, admin, "100001", 90, false, "violation")
	require.NoError(t, err)
	require.Equal(t, int64(50), result.NewBalance)

	// штраф больше баланса не проходит
	_, err = eng.RewardOrFine(ctx, admin, "100001", 60, false, "violation")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// обычному пользователю нельзя
	_, err = eng.RewardOrFine(ctx, "100001", "100001", 10, true, "")
	require.ErrorIs(t, err, ErrUnauthorized)

	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, model.EntryKindReward, entries[0].Kind)
	require.Equal(t, model.EntryKindFine, entries[1].Kind)
}

// поощрение и штраф применимы к приостановленному счету
func TestAdjustSuspendedAccount(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	require.NoError(t, mem.SetAccountSuspended(ctx, "100001", true))

	_, err := eng.RewardOrFine(ctx, admin, "100001", 40, true, "")
	require.NoError(t, err)

	_, err = eng.RewardOrFine(ctx, admin, "100001", 40, false, "")
	require.NoError(t, err)
}

// групповой штраф: неудача одного участника не откатывает остальных
func TestGroupFinePartialSuccess(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "300001", 30, model.RoleUser)
	seedAccount(t, mem, "300002", 100, model.RoleUser)
	seedAccount(t, mem, "300003", 100, model.RoleUser)

	group, err := eng.CreateGroup(ctx, admin, "team")
	require.NoError(t, err)
	for _, member := range []string{"300001", "300002", "300003"} {
		require.NoError(t, eng.AddGroupMember(ctx, admin, group.ID, member))
	}

	results, err := eng.RewardOrFineGroup(ctx, admin, group.ID, 50, false, "missed deadline")
	require.NoError(t, err)
	require.Len(t, results, 3)

	var failed, ok int
	for _, result := range results {
		if result.Err != nil {
			require.Equal(t, "300001", result.AccountID)
			require.ErrorIs(t, result.Err, ErrInsufficientFunds)
			failed++
			continue
		}
		require.Equal(t, int64(50), result.NewBalance)
		ok++
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 2, ok)

	// пропущенный участник не изменился
	account, err := mem.GetAccount(ctx, "300001")
	require.NoError(t, err)
	require.Equal(t, int64(30), account.Balance)
}

func TestGroupErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.RewardOrFineGroup(ctx, admin, "nosuch", 50, true, "")
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestPurchase(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedItem(t, mem, "mug", 20, model.LimitedStock(3))

	result, err := eng.Purchase(ctx, "100001", "mug", 2)
	require.NoError(t, err)
	require.Equal(t, int64(60), result.NewBalance)
	require.False(t, result.NewStock.Unlimited())
	require.Equal(t, int64(1), result.NewStock.Count())

	record, err := mem.GetPurchase(ctx, result.RecordID)
	require.NoError(t, err)
	require.Equal(t, model.PurchaseStatusPending, record.Status)
	require.Equal(t, int64(20), record.UnitPrice)
	require.Equal(t, int64(40), record.TotalPrice)
	require.Nil(t, record.DeliveredAt)

	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.EntryKindPurchase, entries[0].Kind)
	require.Equal(t, int64(40), entries[0].Debit)
	require.Equal(t, int64(60), entries[0].BalanceAfter)
}

func TestPurchaseUnlimitedStock(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedItem(t, mem, "wallpaper", 5, model.UnlimitedStock())

	result, err := eng.Purchase(ctx, "100001", "wallpaper", 10)
	require.NoError(t, err)
	require.Equal(t, int64(50), result.NewBalance)
	require.True(t, result.NewStock.Unlimited())
}

func TestPurchaseErrors(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedAccount(t, mem, "100002", 100, model.RoleUser)
	require.NoError(t, mem.SetAccountSuspended(ctx, "100002", true))
	seedItem(t, mem, "mug", 20, model.LimitedStock(3))
	seedItem(t, mem, "pricey", 500, model.LimitedStock(3))
	seedItem(t, mem, "old", 20, model.LimitedStock(3))
	require.NoError(t, mem.SetItemArchived(ctx, "old", true))

	_, err := eng.Purchase(ctx, "100001", "mug", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = eng.Purchase(ctx, "100001", "nosuch", 1)
	require.ErrorIs(t, err, ErrItemUnavailable)

	// архивный товар недоступен
	_, err = eng.Purchase(ctx, "100001", "old", 1)
	require.ErrorIs(t, err, ErrItemUnavailable)

	_, err = eng.Purchase(ctx, "100001", "mug", 4)
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = eng.Purchase(ctx, "100001", "pricey", 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = eng.Purchase(ctx, "100002", "mug", 1)
	require.ErrorIs(t, err, ErrBuyerSuspended)
}

// стоимость за пределами int64 не дает ни кредита, ни бесплатной покупки
func TestPurchaseTotalOverflow(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 10, model.RoleUser)
	seedItem(t, mem, "wp7", 7, model.UnlimitedStock())
	seedItem(t, mem, "wp8", 8, model.UnlimitedStock())

	// произведение сворачивается в отрицательное
	_, err := eng.Purchase(ctx, "100001", "wp7", 1<<62)
	require.ErrorIs(t, err, ErrInvalidAmount)

	// произведение сворачивается ровно в ноль
	_, err = eng.Purchase(ctx, "100001", "wp8", 1<<62)
	require.ErrorIs(t, err, ErrInvalidAmount)

	buyer, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, int64(10), buyer.Balance)

	entries, err := mem.LedgerHistory(ctx, "100001")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// две конкурентные покупки последней единицы: ровно один успех
func TestPurchaseLastUnitRace(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 20, model.RoleUser)
	seedItem(t, mem, "last", 20, model.LimitedStock(1))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := eng.Purchase(ctx, "100001", "last", 1)
			results <- err
		}()
	}

	var errs []error
	for i := 0; i < 2; i++ {
		errs = append(errs, <-results)
	}

	var succeeded, outOfStock int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if errors.Is(err, ErrInsufficientStock) {
			outOfStock++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, outOfStock)

	item, err := mem.GetItem(ctx, "last")
	require.NoError(t, err)
	require.Zero(t, item.Stock.Count())

	buyer, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Zero(t, buyer.Balance)
}

// распродажа под нагрузкой: остаток не уходит в минус
func TestPurchaseNoOversell(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedItem(t, mem, "scarce", 10, model.LimitedStock(5))

	const buyers = 10
	ids := make([]string, buyers)
	for i := 0; i < buyers; i++ {
		ids[i] = "40000" + string(rune('0'+i))
		seedAccount(t, mem, ids[i], 10, model.RoleUser)
	}

	var succeeded int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(buyers)
	for i := 0; i < buyers; i++ {
		go func(id string) {
			defer wg.Done()
			_, err := eng.Purchase(ctx, id, "scarce", 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			require.ErrorIs(t, err, ErrInsufficientStock)
		}(ids[i])
	}
	wg.Wait()

	require.Equal(t, int64(5), succeeded)
	item, err := mem.GetItem(ctx, "scarce")
	require.NoError(t, err)
	require.Zero(t, item.Stock.Count())
}

func TestDeliveryConfirm(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedItem(t, mem, "mug", 20, model.LimitedStock(3))

	result, err := eng.Purchase(ctx, "100001", "mug", 1)
	require.NoError(t, err)

	balanceBefore, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)

	record, err := eng.DeliveryConfirm(ctx, admin, result.RecordID)
	require.NoError(t, err)
	require.Equal(t, model.PurchaseStatusDelivered, record.Status)
	require.NotNil(t, record.DeliveredAt)

	// выдача не влияет на баланс и остаток
	balanceAfter, err := mem.GetAccount(ctx, "100001")
	require.NoError(t, err)
	require.Equal(t, balanceBefore.Balance, balanceAfter.Balance)

	// повторное подтверждение не проходит и ничего не меняет
	_, err = eng.DeliveryConfirm(ctx, admin, result.RecordID)
	require.ErrorIs(t, err, ErrAlreadyDelivered)

	record, err = mem.GetPurchase(ctx, result.RecordID)
	require.NoError(t, err)
	require.Equal(t, model.PurchaseStatusDelivered, record.Status)

	_, err = eng.DeliveryConfirm(ctx, admin, "nosuch")
	require.ErrorIs(t, err, ErrRecordNotFound)

	_, err = eng.DeliveryConfirm(ctx, "100001", result.RecordID)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestProvisionAccount(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	account, err := eng.ProvisionAccount(ctx, admin, "500001", model.RoleUser)
	require.NoError(t, err)
	require.Zero(t, account.Balance)
	require.Equal(t, model.RoleUser, account.Role)

	_, err = eng.ProvisionAccount(ctx, admin, "500001", model.RoleUser)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// привилегированные роли выдает только суперадмин
	_, err = eng.ProvisionAccount(ctx, admin, "500002", model.RoleAdmin)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.ProvisionAccount(ctx, superadmin, "500002", model.RoleAdmin)
	require.NoError(t, err)

	_, err = eng.ProvisionAccount(ctx, superadmin, "500003", model.Role("WIZARD"))
	require.ErrorIs(t, err, ErrInvalidRole)
}

// отрицательный остаток не принимается ни при создании, ни при правке
func TestItemStockValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.CreateItem(ctx, admin, "bad", 5, model.LimitedStock(-5))
	require.ErrorIs(t, err, ErrInvalidAmount)

	item, err := eng.CreateItem(ctx, admin, "good", 5, model.LimitedStock(1))
	require.NoError(t, err)

	item.Stock = model.LimitedStock(-1)
	_, err = eng.UpdateItem(ctx, admin, item)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestReadAuthorization(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	seedAccount(t, mem, "100001", 100, model.RoleUser)
	seedAccount(t, mem, "100002", 100, model.RoleUser)

	// свой баланс - можно
	account, err := eng.Balance(ctx, "100001", "100001")
	require.NoError(t, err)
	require.Equal(t, int64(100), account.Balance)

	// чужой - только администратору
	_, err = eng.Balance(ctx, "100001", "100002")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.Balance(ctx, admin, "100002")
	require.NoError(t, err)
}
