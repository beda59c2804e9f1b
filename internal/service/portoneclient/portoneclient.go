package portoneclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/iurnickita/gamemarket/internal/service/config"
)

// JSON ответ GET /payments/{paymentId}
type Payment struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	Status        string          `json:"status"`
	OrderName     string          `json:"orderName"`
	Amount        Amount          `json:"amount"`
	Currency      string          `json:"currency"`
	Method        Method          `json:"method"`
	Channel       Channel         `json:"channel"`
	Customer      Customer        `json:"customer"`
	CustomData    json.RawMessage `json:"customData"`
	RequestedAt   time.Time       `json:"requestedAt"`
	PaidAt        time.Time       `json:"paidAt"`
	ReceiptURL    string          `json:"receiptUrl"`

	// Тело ответа как есть, для аудита
	Raw []byte `json:"-"`
}

type Amount struct {
	Total int64 `json:"total"`
	Paid  int64 `json:"paid"`
}

type Method struct {
	Type string `json:"type"`
}

type Channel struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	PgProvider string `json:"pgProvider"`
}

type Customer struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
}

const (
	PaymentStatusPaid      = "PAID"
	PaymentStatusPending   = "PENDING"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"

	ChannelTypeTest = "TEST"
)

var (
	ErrUnexpectedStatus  = errors.New("unexpected payment provider response status")
	ErrMalformedResponse = errors.New("malformed payment provider response")
)

type PortOneClient interface {
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
}

type portOneClient struct {
	client *resty.Client
}

func NewPortOneClient(cfg config.PortOne) PortOneClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "PortOne "+cfg.APISecret).
		SetHeader("Accept", "application/json")
	return portOneClient{client: client}
}

// GetPayment запрашивает у провайдера актуальное состояние платежа.
// Любой ответ кроме 200 с разборчивым телом считается ошибкой вызова. Повторов внутри нет.
func (c portOneClient) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("paymentId", paymentID).
		Get("/payments/{paymentId}")
	if err != nil {
		return Payment{}, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var payment Payment
		if err = json.Unmarshal(resp.Body(), &payment); err != nil {
			return Payment{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if payment.Status == "" {
			return Payment{}, fmt.Errorf("%w: no status", ErrMalformedResponse)
		}
		payment.Raw = resp.Body()
		return payment, nil
	default:
		return Payment{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}
}
