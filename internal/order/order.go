// Package order описывает жизненный цикл заказа: допустимые переходы статусов,
// кто может их выполнять и какое движение по балансу они вызывают.
package order

import (
	"errors"

	"github.com/iurnickita/gamemarket/internal/model"
)

var (
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrNotParty          = errors.New("user is not a party to the order")
	ErrRoleForbidden     = errors.New("user role does not permit this status change")
	ErrIllegalTransition = errors.New("current state does not permit this change")
)

type Role int

const (
	RoleProvider Role = iota + 1
	RoleRequester
)

type edge struct {
	from model.OrderStatus
	to   model.OrderStatus
}

// Допустимые переходы и роль, которая может их выполнить.
// Любая другая пара, включая переход в тот же статус, запрещена.
var transitions = map[edge]Role{
	{model.OrderStatusPending, model.OrderStatusAccepted}:   RoleProvider,
	{model.OrderStatusPending, model.OrderStatusRejected}:   RoleProvider,
	{model.OrderStatusAccepted, model.OrderStatusCompleted}: RoleProvider,
	{model.OrderStatusPending, model.OrderStatusCanceled}:   RoleRequester,
	{model.OrderStatusAccepted, model.OrderStatusCanceled}:  RoleRequester,
}

// Terminal сообщает, что из статуса нет переходов.
func Terminal(status model.OrderStatus) bool {
	for e := range transitions {
		if e.from == status {
			return false
		}
	}
	return true
}

// Transition проверяет смену статуса заказа пользователем actor
// и возвращает новый статус либо причину отказа.
// Сначала проверяется участие в заказе, затем сам переход, затем роль.
func Transition(order model.Order, actor string, to model.OrderStatus) (model.OrderStatus, error) {
	if !to.Valid() {
		return "", ErrUnknownStatus
	}

	isProvider := actor != "" && actor == order.Data.ProviderID
	isRequester := actor != "" && actor == order.Data.RequesterID
	if !isProvider && !isRequester {
		return "", ErrNotParty
	}

	if Terminal(order.Data.Status) {
		return "", ErrIllegalTransition
	}
	role, ok := transitions[edge{order.Data.Status, to}]
	if !ok {
		return "", ErrIllegalTransition
	}

	switch {
	case role == RoleProvider && isProvider:
	case role == RoleRequester && isRequester:
	default:
		return "", ErrRoleForbidden
	}
	return to, nil
}

// Settlement описывает начисление, которое сопровождает переход в статус to:
// завершение оплачивает исполнителю, отмена и отклонение возвращают заказчику.
// Для остальных статусов движения по балансу нет.
type Settlement struct {
	UserID        string
	RelatedUserID string
	Amount        int
	Type          model.TransactionType
}

func SettlementFor(order model.Order, to model.OrderStatus) (Settlement, bool) {
	switch to {
	case model.OrderStatusCompleted:
		return Settlement{
			UserID:        order.Data.ProviderID,
			RelatedUserID: order.Data.RequesterID,
			Amount:        order.Data.Price,
			Type:          model.TransactionTypeEarn,
		}, true
	case model.OrderStatusCanceled, model.OrderStatusRejected:
		return Settlement{
			UserID:        order.Data.RequesterID,
			RelatedUserID: order.Data.ProviderID,
			Amount:        order.Data.Price,
			Type:          model.TransactionTypeRefund,
		}, true
	}
	return Settlement{}, false
}
