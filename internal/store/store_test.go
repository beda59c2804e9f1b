package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/store/config"
)

// Тесты PostgreSQL выполняются только при заданной TEST_DATABASE_URI
func newTestPgStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URI is not set")
	}
	store, err := NewStore(config.Config{DBDsn: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreBalance(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()
	customer := uuid.NewString()

	// начальный баланс
	balance, err := store.BalanceGet(ctx, customer)
	require.NoError(t, err)
	require.Equal(t, 0, balance.Data.Balance)

	// пополнение на 300
	payment := model.Payment{ID: uuid.NewString(), Data: model.PaymentData{
		ExternalID:  uuid.NewString(),
		UserID:      customer,
		Status:      model.PaymentStatusPaid,
		AmountTotal: 3000,
		AmountPaid:  3000,
		Currency:    "KRW",
		RawResponse: []byte(`{"status":"PAID"}`),
		CreatedAt:   time.Now().UTC(),
	}}
	charge := testEntry(uuid.NewString(), customer, 300, model.TransactionTypeCharge)
	charge.Data.PaymentID = payment.ID
	balance, err = store.PaymentSettle(ctx, payment, charge)
	require.NoError(t, err)
	require.Equal(t, 300, balance.Data.Balance)

	// повтор того же платежа
	_, err = store.PaymentSettle(ctx, payment, testEntry(uuid.NewString(), customer, 300, model.TransactionTypeCharge))
	require.ErrorIs(t, err, ErrAlreadyExists)

	// списание больше остатка
	_, err = store.BalanceDecrease(ctx, testEntry(uuid.NewString(), customer, 301, model.TransactionTypeSpend))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// списание 300
	balance, err = store.BalanceDecrease(ctx, testEntry(uuid.NewString(), customer, 300, model.TransactionTypeSpend))
	require.NoError(t, err)
	require.Equal(t, 0, balance.Data.Balance)

	history, err := store.TransactionGet(ctx, customer)
	require.NoError(t, err)
	require.Len(t, history, 2)

	stored, err := store.PaymentGet(ctx, payment.Data.ExternalID)
	require.NoError(t, err)
	require.Equal(t, payment.ID, stored.ID)
	require.JSONEq(t, `{"status":"PAID"}`, string(stored.Data.RawResponse))
}

func TestStoreOrder(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()

	order := testPendingOrder(uuid.NewString())
	order.Data.RequesterID = uuid.NewString()
	order.Data.ProviderID = uuid.NewString()

	payment := model.Payment{ID: uuid.NewString(), Data: model.PaymentData{
		ExternalID: uuid.NewString(),
		UserID:     order.Data.RequesterID,
		Status:     model.PaymentStatusPaid,
		Currency:   "KRW",
		CreatedAt:  time.Now().UTC(),
	}}
	_, err := store.PaymentSettle(ctx, payment, testEntry(uuid.NewString(), order.Data.RequesterID, 700, model.TransactionTypeCharge))
	require.NoError(t, err)

	// Создание заказа
	balance, err := store.OrderPost(ctx, order, testEntry(uuid.NewString(), order.Data.RequesterID, 700, model.TransactionTypeSpend))
	require.NoError(t, err)
	require.Equal(t, 0, balance.Data.Balance)

	// Чтение заказа
	dbOrder, err := store.OrderGet(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.Data.Price, dbOrder.Data.Price)
	require.Equal(t, model.OrderStatusPending, dbOrder.Data.Status)

	// Смена статуса с неверным исходным
	_, err = store.OrderTransition(ctx, order.ID, model.OrderStatusAccepted, model.OrderStatusCompleted, nil)
	require.ErrorIs(t, err, ErrStatusMismatch)

	// Отмена с возвратом
	refund := testEntry(uuid.NewString(), order.Data.RequesterID, 700, model.TransactionTypeRefund)
	refund.Data.RelatedUserID = order.Data.ProviderID
	dbOrder, err = store.OrderTransition(ctx, order.ID, model.OrderStatusPending, model.OrderStatusCanceled, &model.Settlement{Entry: refund})
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCanceled, dbOrder.Data.Status)

	balance, err = store.BalanceGet(ctx, order.Data.RequesterID)
	require.NoError(t, err)
	require.Equal(t, 700, balance.Data.Balance)

	orders, err := store.OrderGetByUser(ctx, order.Data.ProviderID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}
