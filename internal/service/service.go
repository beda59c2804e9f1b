package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iurnickita/gamemarket/internal/balance"
	"github.com/iurnickita/gamemarket/internal/events"
	"github.com/iurnickita/gamemarket/internal/lock"
	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/order"
	"github.com/iurnickita/gamemarket/internal/payment"
	"github.com/iurnickita/gamemarket/internal/service/config"
	"github.com/iurnickita/gamemarket/internal/service/portoneclient"
	"github.com/iurnickita/gamemarket/internal/store"
)

type Service interface {
	ChangeOrderStatus(ctx context.Context, actingUserID, requestID string, newStatus model.OrderStatus) (model.Order, error)
	VerifyPayment(ctx context.Context, actingUserID, externalPaymentID string) (PaymentResult, error)
	PlaceOrder(ctx context.Context, newOrder model.Order) (model.Order, error)
	GetOrder(ctx context.Context, actingUserID, id string) (model.Order, error)
	ListOrders(ctx context.Context, actingUserID string) ([]model.Order, error)
	GetBalance(ctx context.Context, userID string) (model.Balance, error)
	GetTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
	SpendTokens(ctx context.Context, userID string, amount int, description string) (model.Balance, error)
}

// Итог проверки платежа
type PaymentResult struct {
	Success        bool
	Message        string
	PaymentID      string
	TokenAmount    int
	CurrentBalance int
}

const (
	sessionDateLayout = "2006-01-02"
	sessionTimeLayout = "15:04"
	publishTimeout    = 3 * time.Second
)

var tracer = otel.Tracer("github.com/iurnickita/gamemarket/internal/service")

type service struct {
	cfg       config.Config
	store     store.Store
	balance   balance.Balance
	rules     payment.Rules
	portone   portoneclient.PortOneClient
	publisher events.Publisher
	locker    lock.Locker
	zaplog    *zap.Logger
}

func NewService(cfg config.Config, store store.Store, publisher events.Publisher, locker lock.Locker, zaplog *zap.Logger) (Service, error) {
	if len(cfg.Payment.PriceList) == 0 {
		return nil, errors.New("payment price list is empty")
	}
	if cfg.SettleTimeout <= 0 {
		return nil, errors.New("settle timeout must be positive")
	}

	service := service{
		cfg:       cfg,
		store:     store,
		balance:   balance.NewBalance(store),
		rules:     payment.NewRules(cfg.Payment),
		portone:   portoneclient.NewPortOneClient(cfg.PortOne),
		publisher: publisher,
		locker:    locker,
		zaplog:    zaplog,
	}
	return &service, nil
}

// settleContext отвязывает фиксацию от отмены запроса клиентом.
// Начатая запись либо применяется целиком, либо не применяется.
func (service *service) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), service.cfg.SettleTimeout)
}

func (service *service) ChangeOrderStatus(ctx context.Context, actingUserID, requestID string, newStatus model.OrderStatus) (_ model.Order, err error) {
	ctx, span := tracer.Start(ctx, "ChangeOrderStatus", trace.WithAttributes(
		attribute.String("order.id", requestID),
		attribute.String("order.status", string(newStatus)),
		attribute.String("user.id", actingUserID)))
	defer func() { endSpan(span, err) }()

	if actingUserID == "" || requestID == "" || newStatus == "" {
		return model.Order{}, ErrInsufficientData
	}
	if !newStatus.Valid() {
		return model.Order{}, ErrUnknownStatus
	}

	current, err := service.store.OrderGet(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, storeError(err)
	}

	if _, err = order.Transition(current, actingUserID, newStatus); err != nil {
		return model.Order{}, orderError(err)
	}

	settleCtx, cancel := service.settleContext(ctx)
	defer cancel()
	updated, err := service.balance.SettleOrder(settleCtx, current, newStatus)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStatusMismatch):
			return model.Order{}, ErrConcurrentChange
		case errors.Is(err, store.ErrCommitFailed):
			// статус и начисление могли примениться, а могли и нет
			service.zaplog.Error("order settlement outcome unknown",
				zap.String("order_id", current.ID),
				zap.String("from", string(current.Data.Status)),
				zap.String("to", string(newStatus)),
				zap.String("requester_id", current.Data.RequesterID),
				zap.String("provider_id", current.Data.ProviderID),
				zap.Int("price", current.Data.Price),
				zap.Error(err))
			return model.Order{}, ErrInternal.with(err)
		default:
			return model.Order{}, storeError(err)
		}
	}

	service.zaplog.Info("order status changed",
		zap.String("order_id", updated.ID),
		zap.String("user_id", actingUserID),
		zap.String("from", string(current.Data.Status)),
		zap.String("to", string(updated.Data.Status)))

	service.publish(ctx, events.OrderStatusChanged{
		OrderID:     updated.ID,
		From:        string(current.Data.Status),
		To:          string(updated.Data.Status),
		RequesterID: updated.Data.RequesterID,
		ProviderID:  updated.Data.ProviderID,
		Price:       updated.Data.Price,
		OccurredAt:  updated.Data.UpdatedAt,
	})
	return updated, nil
}

func (service *service) VerifyPayment(ctx context.Context, actingUserID, externalPaymentID string) (_ PaymentResult, err error) {
	ctx, span := tracer.Start(ctx, "VerifyPayment", trace.WithAttributes(
		attribute.String("payment.external_id", externalPaymentID),
		attribute.String("user.id", actingUserID)))
	defer func() { endSpan(span, err) }()

	if actingUserID == "" || externalPaymentID == "" {
		return PaymentResult{}, ErrInsufficientData
	}

	release, err := service.locker.Acquire(ctx, "payment:"+externalPaymentID)
	switch {
	case errors.Is(err, lock.ErrLocked):
		return PaymentResult{}, ErrPaymentInProgress
	case err != nil:
		// без блокировки повтор все равно отсечет уникальный индекс
		service.zaplog.Warn("payment lock unavailable",
			zap.String("external_payment_id", externalPaymentID),
			zap.Error(err))
	default:
		defer func() {
			if err := release(); err != nil {
				service.zaplog.Warn("payment lock release failed",
					zap.String("external_payment_id", externalPaymentID),
					zap.Error(err))
			}
		}()
	}

	// Подтверждение у провайдера
	p, err := service.portone.GetPayment(ctx, externalPaymentID)
	if err != nil {
		return PaymentResult{}, ErrUpstream.with(err)
	}

	// Проверки без побочных эффектов
	if err = payment.CheckStatus(p); err != nil {
		return PaymentResult{}, ErrPaymentNotCompleted.with(err)
	}
	if err = payment.CheckOwner(p, actingUserID); err != nil {
		return PaymentResult{}, ErrPaymentOwner
	}

	_, err = service.store.PaymentGet(ctx, externalPaymentID)
	switch {
	case err == nil:
		return PaymentResult{}, ErrPaymentAlreadyProcessed
	case !errors.Is(err, store.ErrNoRows):
		return PaymentResult{}, storeError(err)
	}

	tokens, err := service.rules.Tokens(p)
	if err != nil {
		if errors.Is(err, payment.ErrAmountMismatch) {
			return PaymentResult{}, ErrPaymentNotCompleted.with(err)
		}
		return PaymentResult{}, ErrUnsupportedAmount.with(err)
	}
	if err = service.rules.CheckChannel(p); err != nil {
		return PaymentResult{}, ErrPaymentMismatch.with(err)
	}

	record := model.Payment{
		ID:   uuid.NewString(),
		Data: payment.Record(p, actingUserID),
	}
	record.Data.ExternalID = externalPaymentID

	settleCtx, cancel := service.settleContext(ctx)
	defer cancel()
	balance, err := service.balance.SettlePayment(settleCtx, record, tokens)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			return PaymentResult{}, ErrPaymentAlreadyProcessed
		case errors.Is(err, store.ErrCommitFailed):
			service.zaplog.Error("payment settlement outcome unknown",
				zap.String("payment_id", record.ID),
				zap.String("external_payment_id", externalPaymentID),
				zap.String("user_id", actingUserID),
				zap.Int("tokens", tokens),
				zap.Error(err))
			return PaymentResult{}, ErrInternal.with(err)
		default:
			return PaymentResult{}, storeError(err)
		}
	}

	service.zaplog.Info("payment charged",
		zap.String("payment_id", record.ID),
		zap.String("external_payment_id", externalPaymentID),
		zap.String("user_id", actingUserID),
		zap.Int("tokens", tokens),
		zap.Int("balance", balance.Data.Balance),
		zap.Bool("sandbox", payment.Sandbox(p)))

	service.publish(ctx, events.PaymentCharged{
		PaymentID:         record.ID,
		ExternalPaymentID: externalPaymentID,
		UserID:            actingUserID,
		TokenAmount:       tokens,
		Balance:           balance.Data.Balance,
		OccurredAt:        balance.Data.UpdatedAt,
	})

	return PaymentResult{
		Success:        true,
		Message:        fmt.Sprintf("%d tokens charged", tokens),
		PaymentID:      record.ID,
		TokenAmount:    tokens,
		CurrentBalance: balance.Data.Balance,
	}, nil
}

func (service *service) PlaceOrder(ctx context.Context, newOrder model.Order) (_ model.Order, err error) {
	ctx, span := tracer.Start(ctx, "PlaceOrder", trace.WithAttributes(
		attribute.String("user.id", newOrder.Data.RequesterID)))
	defer func() { endSpan(span, err) }()

	if newOrder.Data.RequesterID == "" || newOrder.Data.ProviderID == "" {
		return model.Order{}, ErrInsufficientData
	}
	if err = validateOrder(newOrder.Data); err != nil {
		return model.Order{}, ErrInvalidOrder.with(err)
	}

	now := time.Now().UTC()
	newOrder.ID = uuid.NewString()
	newOrder.Data.Status = model.OrderStatusPending
	newOrder.Data.CreatedAt = now
	newOrder.Data.UpdatedAt = now
	span.SetAttributes(attribute.String("order.id", newOrder.ID))

	settleCtx, cancel := service.settleContext(ctx)
	defer cancel()
	balance, err := service.balance.PlaceOrder(settleCtx, newOrder)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return model.Order{}, ErrInsufficientFunds
		case errors.Is(err, store.ErrCommitFailed):
			service.zaplog.Error("order placement outcome unknown",
				zap.String("order_id", newOrder.ID),
				zap.String("requester_id", newOrder.Data.RequesterID),
				zap.Int("price", newOrder.Data.Price),
				zap.Error(err))
			return model.Order{}, ErrInternal.with(err)
		default:
			return model.Order{}, storeError(err)
		}
	}

	service.zaplog.Info("order placed",
		zap.String("order_id", newOrder.ID),
		zap.String("user_id", newOrder.Data.RequesterID),
		zap.String("provider_id", newOrder.Data.ProviderID),
		zap.Int("price", newOrder.Data.Price),
		zap.Int("balance", balance.Data.Balance))

	service.publish(ctx, events.OrderStatusChanged{
		OrderID:     newOrder.ID,
		To:          string(newOrder.Data.Status),
		RequesterID: newOrder.Data.RequesterID,
		ProviderID:  newOrder.Data.ProviderID,
		Price:       newOrder.Data.Price,
		OccurredAt:  now,
	})
	return newOrder, nil
}

func validateOrder(data model.OrderData) error {
	if data.RequesterID == data.ProviderID {
		return errors.New("requester and provider must differ")
	}
	if data.Price <= 0 {
		return errors.New("price must be positive")
	}
	if _, err := time.Parse(sessionDateLayout, data.SessionDate); err != nil {
		return fmt.Errorf("session date: %w", err)
	}
	if _, err := time.Parse(sessionTimeLayout, data.SessionTime); err != nil {
		return fmt.Errorf("session time: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ только его участникам.
func (service *service) GetOrder(ctx context.Context, actingUserID, id string) (model.Order, error) {
	if actingUserID == "" || id == "" {
		return model.Order{}, ErrInsufficientData
	}

	o, err := service.store.OrderGet(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, storeError(err)
	}
	if o.Data.RequesterID != actingUserID && o.Data.ProviderID != actingUserID {
		return model.Order{}, ErrNotOrderParty
	}
	return o, nil
}

func (service *service) ListOrders(ctx context.Context, actingUserID string) ([]model.Order, error) {
	if actingUserID == "" {
		return nil, ErrInsufficientData
	}

	orders, err := service.store.OrderGetByUser(ctx, actingUserID)
	if err != nil {
		return nil, storeError(err)
	}
	return orders, nil
}

func (service *service) GetBalance(ctx context.Context, userID string) (model.Balance, error) {
	if userID == "" {
		return model.Balance{}, ErrInsufficientData
	}

	b, err := service.balance.Get(ctx, userID)
	if err != nil {
		return model.Balance{}, storeError(err)
	}
	return b, nil
}

func (service *service) GetTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	if userID == "" {
		return nil, ErrInsufficientData
	}

	history, err := service.balance.History(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return history, nil
}

func (service *service) SpendTokens(ctx context.Context, userID string, amount int, description string) (model.Balance, error) {
	if userID == "" {
		return model.Balance{}, ErrInsufficientData
	}
	if amount <= 0 {
		return model.Balance{}, ErrInvalidAmount
	}

	settleCtx, cancel := service.settleContext(ctx)
	defer cancel()
	b, err := service.balance.Spend(settleCtx, userID, amount, description)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			return model.Balance{}, ErrInsufficientFunds
		case errors.Is(err, balance.ErrAmountIncorrect), errors.Is(err, store.ErrPointsIncorrect):
			return model.Balance{}, ErrInvalidAmount
		default:
			return model.Balance{}, storeError(err)
		}
	}
	service.zaplog.Info("tokens spent",
		zap.String("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance", b.Data.Balance))
	return b, nil
}

// publish отправляет событие после фиксации. Ошибка только логируется:
// состояние уже записано и откатывать его из-за брокера нельзя.
func (service *service) publish(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.zaplog.Warn("event not published",
			zap.String("routing_key", event.RoutingKey()),
			zap.Error(err))
	}
}

func orderError(err error) error {
	switch {
	case errors.Is(err, order.ErrUnknownStatus):
		return ErrUnknownStatus
	case errors.Is(err, order.ErrNotParty):
		return ErrNotOrderParty
	case errors.Is(err, order.ErrRoleForbidden):
		return ErrRoleForbidden
	case errors.Is(err, order.ErrIllegalTransition):
		return ErrIllegalTransition
	default:
		return internal("order transition: %w", err)
	}
}

// storeError переводит ошибку хранилища в ошибку сервиса.
// Повторять можно только таймаут хранилища.
func storeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStorageTimeout.with(err)
	}
	return internal("store: %w", err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Message(err))
	}
	span.End()
}
