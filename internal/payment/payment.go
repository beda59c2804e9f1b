// Package payment проверяет подтверждение платежа от провайдера
// и переводит оплаченную сумму в токены по прайс-листу.
// Все проверки чистые: ни одна не обращается к хранилищу.
package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/service/config"
	"github.com/iurnickita/gamemarket/internal/service/portoneclient"
)

var (
	ErrNotCompleted      = errors.New("payment not completed")
	ErrOwnerMismatch     = errors.New("payment owner does not match current user")
	ErrUnsupportedAmount = errors.New("unsupported payment amount")
	ErrAmountMismatch    = errors.New("paid amount does not match total")
	ErrCurrencyMismatch  = errors.New("unexpected payment currency")
	ErrMethodMismatch    = errors.New("unexpected payment method")
	ErrProviderMismatch  = errors.New("unexpected payment provider")
)

type Rules struct {
	priceList   map[int64]int
	currency    string
	methodTypes []string
	pgProviders []string
}

func NewRules(cfg config.Payment) Rules {
	return Rules{
		priceList:   cfg.PriceList,
		currency:    cfg.Currency,
		methodTypes: cfg.MethodTypes,
		pgProviders: cfg.PGProviders,
	}
}

// CheckStatus допускает только оплаченные платежи.
func CheckStatus(p portoneclient.Payment) error {
	if p.Status != portoneclient.PaymentStatusPaid {
		return fmt.Errorf("%w: %s", ErrNotCompleted, p.Status)
	}
	return nil
}

// payerStrategy извлекает идентификатор плательщика из одного места ответа провайдера.
type payerStrategy func(p portoneclient.Payment) (string, bool)

// Источники плательщика в порядке проверки
var payerStrategies = []payerStrategy{
	customerID,
	customDataUserID,
}

// CheckOwner требует, чтобы хотя бы один источник указывал на userID.
func CheckOwner(p portoneclient.Payment, userID string) error {
	if userID == "" {
		return ErrOwnerMismatch
	}
	for _, strategy := range payerStrategies {
		if payer, ok := strategy(p); ok && payer == userID {
			return nil
		}
	}
	return ErrOwnerMismatch
}

func customerID(p portoneclient.Payment) (string, bool) {
	return p.Customer.CustomerID, p.Customer.CustomerID != ""
}

// customDataUserID читает userId из customData. Поле приходит объектом
// или строкой с JSON внутри, иногда закодированной повторно.
func customDataUserID(p portoneclient.Payment) (string, bool) {
	raw := p.CustomData
	for depth := 0; depth < 3; depth++ {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return "", false
		}
		if raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return "", false
			}
			raw = []byte(s)
			continue
		}

		var data map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&data); err != nil {
			return "", false
		}
		switch v := data["userId"].(type) {
		case string:
			return v, v != ""
		case json.Number:
			return v.String(), true
		}
		return "", false
	}
	return "", false
}

// Tokens возвращает количество токенов за оплаченную сумму.
func (r Rules) Tokens(p portoneclient.Payment) (int, error) {
	if p.Amount.Paid != 0 && p.Amount.Paid != p.Amount.Total {
		return 0, fmt.Errorf("%w: paid %d, total %d", ErrAmountMismatch, p.Amount.Paid, p.Amount.Total)
	}
	tokens, ok := r.priceList[p.Amount.Total]
	if !ok || tokens <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedAmount, p.Amount.Total)
	}
	return tokens, nil
}

// Sandbox сообщает, что платеж прошел через тестовый канал.
func Sandbox(p portoneclient.Payment) bool {
	return p.Channel.Type == portoneclient.ChannelTypeTest
}

// CheckChannel проверяет валюту всегда, а способ оплаты и PG-провайдера только в боевом канале.
func (r Rules) CheckChannel(p portoneclient.Payment) error {
	if p.Currency != r.currency {
		return fmt.Errorf("%w: %s", ErrCurrencyMismatch, p.Currency)
	}
	if Sandbox(p) {
		return nil
	}
	if !slices.Contains(r.methodTypes, p.Method.Type) {
		return fmt.Errorf("%w: %s", ErrMethodMismatch, p.Method.Type)
	}
	if !slices.Contains(r.pgProviders, p.Channel.PgProvider) {
		return fmt.Errorf("%w: %s", ErrProviderMismatch, p.Channel.PgProvider)
	}
	return nil
}

// Record переносит подтвержденный платеж в запись для хранения.
func Record(p portoneclient.Payment, userID string) model.PaymentData {
	return model.PaymentData{
		ExternalID:  p.ID,
		UserID:      userID,
		Status:      model.PaymentStatusPaid,
		AmountTotal: p.Amount.Total,
		AmountPaid:  p.Amount.Paid,
		Currency:    p.Currency,
		MethodType:  p.Method.Type,
		ChannelName: p.Channel.Name,
		Provider:    p.Channel.PgProvider,
		OrderName:   p.OrderName,
		PaidAt:      p.PaidAt,
		RequestedAt: p.RequestedAt,
		RawResponse: p.Raw,
		ReceiptURL:  p.ReceiptURL,
	}
}
