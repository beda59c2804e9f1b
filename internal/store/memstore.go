package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/gamemarket/internal/model"
)

// memStore хранит данные в памяти с теми же гарантиями атомарности, что и PostgreSQL:
// каждая операция выполняется целиком под одной блокировкой.
type memStore struct {
	mu           sync.Mutex
	orders       map[string]model.Order
	balances     map[string]model.Balance
	transactions []model.Transaction
	payments     map[string]model.Payment
}

func NewMemStore() Store {
	return &memStore{
		orders:   make(map[string]model.Order),
		balances: make(map[string]model.Balance),
		payments: make(map[string]model.Payment),
	}
}

func (store *memStore) Close() error {
	return nil
}

func (store *memStore) OrderPost(ctx context.Context, order model.Order, spend model.Transaction) (model.Balance, error) {
	if err := ctx.Err(); err != nil {
		return model.Balance{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.orders[order.ID]; ok {
		return model.Balance{}, ErrAlreadyExists
	}
	balance, err := store.debit(spend)
	if err != nil {
		return model.Balance{}, err
	}
	store.orders[order.ID] = order
	store.apply(balance, spend)
	return balance, nil
}

func (store *memStore) OrderGet(ctx context.Context, id string) (model.Order, error) {
	if err := ctx.Err(); err != nil {
		return model.Order{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	order, ok := store.orders[id]
	if !ok {
		return model.Order{}, ErrNoRows
	}
	return order, nil
}

func (store *memStore) OrderGetByUser(ctx context.Context, userID string) ([]model.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	var orders []model.Order
	for _, order := range store.orders {
		if order.Data.RequesterID == userID || order.Data.ProviderID == userID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].Data.CreatedAt.After(orders[j].Data.CreatedAt)
	})
	return orders, nil
}

func (store *memStore) OrderTransition(ctx context.Context, id string, from, to model.OrderStatus, settlement *model.Settlement) (model.Order, error) {
	if err := ctx.Err(); err != nil {
		return model.Order{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	order, ok := store.orders[id]
	if !ok || order.Data.Status != from {
		return model.Order{}, ErrStatusMismatch
	}

	if settlement != nil {
		balance, err := store.credit(settlement.Entry)
		if err != nil {
			return model.Order{}, err
		}
		store.apply(balance, settlement.Entry)
	}

	order.Data.Status = to
	order.Data.UpdatedAt = time.Now().UTC()
	store.orders[id] = order
	return order, nil
}

func (store *memStore) BalanceGet(ctx context.Context, userID string) (model.Balance, error) {
	if err := ctx.Err(); err != nil {
		return model.Balance{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	balance, ok := store.balances[userID]
	if !ok {
		return model.Balance{UserID: userID}, nil
	}
	return balance, nil
}

func (store *memStore) BalanceDecrease(ctx context.Context, entry model.Transaction) (model.Balance, error) {
	if err := ctx.Err(); err != nil {
		return model.Balance{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	balance, err := store.debit(entry)
	if err != nil {
		return model.Balance{}, err
	}
	store.apply(balance, entry)
	return balance, nil
}

func (store *memStore) TransactionGet(ctx context.Context, userID string) ([]model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	var transactions []model.Transaction
	for i := len(store.transactions) - 1; i >= 0; i-- {
		if store.transactions[i].Data.UserID == userID {
			transactions = append(transactions, store.transactions[i])
		}
	}
	return transactions, nil
}

func (store *memStore) PaymentGet(ctx context.Context, externalID string) (model.Payment, error) {
	if err := ctx.Err(); err != nil {
		return model.Payment{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	payment, ok := store.payments[externalID]
	if !ok {
		return model.Payment{}, ErrNoRows
	}
	return payment, nil
}

func (store *memStore) PaymentSettle(ctx context.Context, payment model.Payment, charge model.Transaction) (model.Balance, error) {
	if err := ctx.Err(); err != nil {
		return model.Balance{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.payments[payment.Data.ExternalID]; ok {
		return model.Balance{}, ErrAlreadyExists
	}
	balance, err := store.credit(charge)
	if err != nil {
		return model.Balance{}, err
	}
	store.payments[payment.Data.ExternalID] = payment
	store.apply(balance, charge)
	return balance, nil
}

// credit и debit только вычисляют новый баланс, запись делает apply.
func (store *memStore) credit(entry model.Transaction) (model.Balance, error) {
	if entry.Data.Amount <= 0 {
		return model.Balance{}, ErrPointsIncorrect
	}
	if entry.Data.Type.Sign() < 0 {
		return model.Balance{}, ErrEntryType
	}
	balance := store.balances[entry.Data.UserID]
	balance.UserID = entry.Data.UserID
	balance.Data.Balance += entry.Data.Type.Sign() * entry.Data.Amount
	balance.Data.UpdatedAt = entry.Data.CreatedAt
	return balance, nil
}

func (store *memStore) debit(entry model.Transaction) (model.Balance, error) {
	if entry.Data.Amount <= 0 {
		return model.Balance{}, ErrPointsIncorrect
	}
	if entry.Data.Type.Sign() > 0 {
		return model.Balance{}, ErrEntryType
	}
	balance := store.balances[entry.Data.UserID]
	if balance.Data.Balance < entry.Data.Amount {
		return model.Balance{}, ErrInsufficientFunds
	}
	balance.UserID = entry.Data.UserID
	balance.Data.Balance += entry.Data.Type.Sign() * entry.Data.Amount
	balance.Data.UpdatedAt = entry.Data.CreatedAt
	return balance, nil
}

func (store *memStore) apply(balance model.Balance, entry model.Transaction) {
	store.balances[balance.UserID] = balance
	store.transactions = append(store.transactions, entry)
}
