package model

import "time"

// Заказы на игровые сессии

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCanceled  OrderStatus = "canceled"
)

// Valid сообщает, является ли статус одним из известных.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAccepted, OrderStatusRejected,
		OrderStatusCompleted, OrderStatusCanceled:
		return true
	}
	return false
}

type Order struct {
	ID   string
	Data OrderData
}
type OrderData struct {
	RequesterID string
	ProviderID  string
	SessionDate string
	SessionTime string
	Price       int
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Баланс и журнал операций

type TransactionType string

const (
	TransactionTypeCharge TransactionType = "CHARGE"
	TransactionTypeEarn   TransactionType = "EARN"
	TransactionTypeSpend  TransactionType = "SPEND"
	TransactionTypeRefund TransactionType = "REFUND"
)

// Sign возвращает знак, с которым операция входит в баланс.
func (t TransactionType) Sign() int {
	if t == TransactionTypeSpend {
		return -1
	}
	return 1
}

type Balance struct {
	UserID string
	Data   BalanceData
}
type BalanceData struct {
	Balance   int
	UpdatedAt time.Time
}

type Transaction struct {
	ID   string
	Data TransactionData
}
type TransactionData struct {
	UserID        string
	Amount        int
	Type          TransactionType
	PaymentID     string
	RelatedUserID string
	Description   string
	CreatedAt     time.Time
}

// Settlement: движение по балансу, которое выполняется вместе со сменой статуса заказа.
type Settlement struct {
	Entry Transaction
}

// Внешние платежи

type PaymentStatus string

const (
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

type Payment struct {
	ID   string
	Data PaymentData
}
type PaymentData struct {
	ExternalID  string
	UserID      string
	Status      PaymentStatus
	AmountTotal int64
	AmountPaid  int64
	Currency    string
	MethodType  string
	ChannelName string
	Provider    string
	OrderName   string
	PaidAt      time.Time
	RequestedAt time.Time
	RawResponse []byte
	ReceiptURL  string
	CreatedAt   time.Time
}
