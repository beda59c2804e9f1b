package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/gamemarket/internal/model"
)

func testEntry(id, user string, amount int, typ model.TransactionType) model.Transaction {
	return model.Transaction{ID: id, Data: model.TransactionData{
		UserID:    user,
		Amount:    amount,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}}
}

func testPendingOrder(id string) model.Order {
	now := time.Now().UTC()
	return model.Order{ID: id, Data: model.OrderData{
		RequesterID: "requester",
		ProviderID:  "provider",
		SessionDate: "2026-10-20",
		SessionTime: "19:30",
		Price:       700,
		Status:      model.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
}

func seed(t *testing.T, store Store, user string, amount int) {
	t.Helper()
	payment := model.Payment{ID: "seed-" + user, Data: model.PaymentData{ExternalID: "seed-" + user, UserID: user, Status: model.PaymentStatusPaid}}
	_, err := store.PaymentSettle(context.Background(), payment, testEntry("seed-tx-"+user, user, amount, model.TransactionTypeCharge))
	require.NoError(t, err)
}

func TestMemStoreBalance(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	// пустой баланс
	balance, err := store.BalanceGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, balance.Data.Balance)

	seed(t, store, "u1", 300)

	// списание больше остатка не применяется
	_, err = store.BalanceDecrease(ctx, testEntry("tx-1", "u1", 301, model.TransactionTypeSpend))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err = store.BalanceDecrease(ctx, testEntry("tx-2", "u1", 300, model.TransactionTypeSpend))
	require.NoError(t, err)
	require.Equal(t, 0, balance.Data.Balance)

	_, err = store.BalanceDecrease(ctx, testEntry("tx-3", "u1", 0, model.TransactionTypeSpend))
	require.ErrorIs(t, err, ErrPointsIncorrect)

	history, err := store.TransactionGet(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, model.TransactionTypeSpend, history[0].Data.Type)
	require.Equal(t, model.TransactionTypeCharge, history[1].Data.Type)
}

func TestMemStorePaymentSettleOnce(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	payment := model.Payment{ID: "p1", Data: model.PaymentData{ExternalID: "pay-1", UserID: "u1", Status: model.PaymentStatusPaid}}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, duplicates int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.PaymentSettle(ctx, payment, testEntry("tx-"+strconv.Itoa(i), "u1", 1000, model.TransactionTypeCharge))
			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				succeeded++
			case ErrAlreadyExists:
				duplicates++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, 19, duplicates)

	balance, err := store.BalanceGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1000, balance.Data.Balance)

	stored, err := store.PaymentGet(ctx, "pay-1")
	require.NoError(t, err)
	require.Equal(t, "u1", stored.Data.UserID)

	_, err = store.PaymentGet(ctx, "pay-2")
	require.ErrorIs(t, err, ErrNoRows)
}

func TestMemStoreOrderTransitionGuard(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	seed(t, store, "requester", 700)
	order := testPendingOrder("o1")
	_, err := store.OrderPost(ctx, order, testEntry("spend", "requester", 700, model.TransactionTypeSpend))
	require.NoError(t, err)

	_, err = store.OrderTransition(ctx, "o1", model.OrderStatusPending, model.OrderStatusAccepted, nil)
	require.NoError(t, err)

	// параллельное завершение начисляет исполнителю ровно один раз
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			settlement := &model.Settlement{Entry: testEntry("earn-"+strconv.Itoa(i), "provider", 700, model.TransactionTypeEarn)}
			_, err := store.OrderTransition(ctx, "o1", model.OrderStatusAccepted, model.OrderStatusCompleted, settlement)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrStatusMismatch)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, succeeded)

	balance, err := store.BalanceGet(ctx, "provider")
	require.NoError(t, err)
	require.Equal(t, 700, balance.Data.Balance)

	stored, err := store.OrderGet(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCompleted, stored.Data.Status)
}

func TestMemStoreOrderPostInsufficientFunds(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	seed(t, store, "requester", 100)
	_, err := store.OrderPost(ctx, testPendingOrder("o1"), testEntry("spend", "requester", 700, model.TransactionTypeSpend))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = store.OrderGet(ctx, "o1")
	require.ErrorIs(t, err, ErrNoRows)

	orders, err := store.OrderGetByUser(ctx, "requester")
	require.NoError(t, err)
	require.Empty(t, orders)

	history, err := store.TransactionGet(ctx, "requester")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestMemStoreEntryType(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	seed(t, store, "u1", 300)

	// списание записью пополнения
	_, err := store.BalanceDecrease(ctx, testEntry("tx-1", "u1", 100, model.TransactionTypeCharge))
	require.ErrorIs(t, err, ErrEntryType)

	// начисление записью списания
	payment := model.Payment{ID: "p2", Data: model.PaymentData{ExternalID: "pay-2", UserID: "u1", Status: model.PaymentStatusPaid}}
	_, err = store.PaymentSettle(ctx, payment, testEntry("tx-2", "u1", 100, model.TransactionTypeSpend))
	require.ErrorIs(t, err, ErrEntryType)

	_, err = store.PaymentGet(ctx, "pay-2")
	require.ErrorIs(t, err, ErrNoRows)

	balance, err := store.BalanceGet(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 300, balance.Data.Balance)

	history, err := store.TransactionGet(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
}
