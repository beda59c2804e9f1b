// Package balance выполняет операции над балансом токенов.
// Каждое изменение баланса сопровождается ровно одной записью в журнале
// и выполняется одной атомарной операцией хранилища.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/order"
	"github.com/iurnickita/gamemarket/internal/store"
)

type Balance interface {
	Get(ctx context.Context, userID string) (model.Balance, error)
	History(ctx context.Context, userID string) ([]model.Transaction, error)
	Spend(ctx context.Context, userID string, amount int, description string) (model.Balance, error)
	PlaceOrder(ctx context.Context, newOrder model.Order) (model.Balance, error)
	SettleOrder(ctx context.Context, current model.Order, to model.OrderStatus) (model.Order, error)
	SettlePayment(ctx context.Context, payment model.Payment, tokens int) (model.Balance, error)
}

var ErrAmountIncorrect = errors.New("amount must be positive")

type balance struct {
	store store.Store
	now   func() time.Time
}

func NewBalance(store store.Store) Balance {
	return &balance{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (balance *balance) newEntry(userID string, amount int, typ model.TransactionType) model.Transaction {
	return model.Transaction{
		ID: uuid.NewString(),
		Data: model.TransactionData{
			UserID:    userID,
			Amount:    amount,
			Type:      typ,
			CreatedAt: balance.now(),
		},
	}
}

func (balance *balance) Get(ctx context.Context, userID string) (model.Balance, error) {
	return balance.store.BalanceGet(ctx, userID)
}

func (balance *balance) History(ctx context.Context, userID string) ([]model.Transaction, error) {
	return balance.store.TransactionGet(ctx, userID)
}

// Spend списывает токены, если их хватает. Иначе store.ErrInsufficientFunds и баланс не меняется.
func (balance *balance) Spend(ctx context.Context, userID string, amount int, description string) (model.Balance, error) {
	if amount <= 0 {
		return model.Balance{}, ErrAmountIncorrect
	}
	entry := balance.newEntry(userID, amount, model.TransactionTypeSpend)
	entry.Data.Description = description
	return balance.store.BalanceDecrease(ctx, entry)
}

// PlaceOrder списывает стоимость заказа у заказчика и сохраняет заказ в одной транзакции.
func (balance *balance) PlaceOrder(ctx context.Context, newOrder model.Order) (model.Balance, error) {
	if newOrder.Data.Price <= 0 {
		return model.Balance{}, ErrAmountIncorrect
	}
	spend := balance.newEntry(newOrder.Data.RequesterID, newOrder.Data.Price, model.TransactionTypeSpend)
	spend.Data.RelatedUserID = newOrder.Data.ProviderID
	spend.Data.Description = fmt.Sprintf("session order %s placed", newOrder.ID)
	return balance.store.OrderPost(ctx, newOrder, spend)
}

// SettleOrder переводит заказ из текущего статуса в to.
// Начисление, если оно положено переходу, фиксируется вместе со статусом.
// Если статус заказа успел измениться, возвращается store.ErrStatusMismatch.
func (balance *balance) SettleOrder(ctx context.Context, current model.Order, to model.OrderStatus) (model.Order, error) {
	var settlement *model.Settlement
	if s, ok := order.SettlementFor(current, to); ok {
		if s.Amount <= 0 {
			return model.Order{}, ErrAmountIncorrect
		}
		entry := balance.newEntry(s.UserID, s.Amount, s.Type)
		entry.Data.RelatedUserID = s.RelatedUserID
		entry.Data.Description = fmt.Sprintf("session order %s %s", current.ID, to)
		settlement = &model.Settlement{Entry: entry}
	}
	return balance.store.OrderTransition(ctx, current.ID, current.Data.Status, to, settlement)
}

// SettlePayment сохраняет подтвержденный платеж и начисляет купленные токены.
// Повтор по тому же внешнему идентификатору дает store.ErrAlreadyExists без изменений баланса.
func (balance *balance) SettlePayment(ctx context.Context, payment model.Payment, tokens int) (model.Balance, error) {
	if tokens <= 0 {
		return model.Balance{}, ErrAmountIncorrect
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.Data.CreatedAt.IsZero() {
		payment.Data.CreatedAt = balance.now()
	}

	charge := balance.newEntry(payment.Data.UserID, tokens, model.TransactionTypeCharge)
	charge.Data.PaymentID = payment.ID
	charge.Data.Description = fmt.Sprintf("token purchase %s", payment.Data.ExternalID)
	if payment.Data.OrderName != "" {
		charge.Data.Description = fmt.Sprintf("token purchase %s (%s)", payment.Data.ExternalID, payment.Data.OrderName)
	}
	return balance.store.PaymentSettle(ctx, payment, charge)
}
