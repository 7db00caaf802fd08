package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// lockTable выдает эксклюзивные блокировки по ключу сущности
// ("account/<id>", "item/<id>"). Ключи захватываются в отсортированном
// порядке - фиксированный глобальный порядок исключает взаимные
// блокировки встречных операций. Ожидание ограничено таймаутом,
// по истечении - ErrBusy.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) lock(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

func accountKey(id string) string { return "account/" + id }
func itemKey(id string) string    { return "item/" + id }

// acquire захватывает все ключи либо ни одного.
// Возвращаемая функция освобождает захваченное.
func (t *lockTable) acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, key := range sorted {
		ch := t.lock(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			release()
			return nil, ErrBusy
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
