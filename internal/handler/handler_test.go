package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/gamemarket/internal/auth"
	"github.com/iurnickita/gamemarket/internal/events"
	"github.com/iurnickita/gamemarket/internal/lock"
	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/service"
	"github.com/iurnickita/gamemarket/internal/service/config"
	"github.com/iurnickita/gamemarket/internal/store"
	"github.com/iurnickita/gamemarket/internal/token"
)

const testSecret = "secret"

type testServer struct {
	srv   *httptest.Server
	store store.Store
}

func newTestServer(t *testing.T, svc service.Service, st store.Store) testServer {
	t.Helper()
	h := newHandler(auth.NewAuth(testSecret), svc, zap.NewNop())
	srv := httptest.NewServer(h.newRouter(time.Second))
	t.Cleanup(srv.Close)
	return testServer{srv: srv, store: st}
}

// newMemServer поднимает сервер поверх настоящего сервиса и хранилища в памяти.
func newMemServer(t *testing.T) testServer {
	t.Helper()
	st := store.NewMemStore()
	svc, err := service.NewService(config.Config{
		PortOne:       config.PortOne{BaseURL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond},
		Payment:       config.Payment{PriceList: map[int64]int{9360: 1000}, Currency: "KRW"},
		SettleTimeout: time.Second,
	}, st, events.NewNoopPublisher(), lock.NewNoopLocker(), zap.NewNop())
	require.NoError(t, err)
	return newTestServer(t, svc, st)
}

func (s testServer) do(t *testing.T, user, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		signed, err := token.BuildJWTString(testSecret, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+signed)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	}
	return resp.StatusCode, raw
}

func (s testServer) seed(t *testing.T, user string, tokens int) {
	t.Helper()
	p := model.Payment{ID: "seed-" + user, Data: model.PaymentData{ExternalID: "seed-" + user, UserID: user, Status: model.PaymentStatusPaid}}
	_, err := s.store.PaymentSettle(context.Background(), p, model.Transaction{ID: "seed-tx-" + user, Data: model.TransactionData{
		UserID: user, Amount: tokens, Type: model.TransactionTypeCharge, CreatedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
}

func decodeError(t *testing.T, body []byte) ErrorJSON {
	t.Helper()
	var resp ErrorJSONResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestOrderRoutes(t *testing.T) {
	s := newMemServer(t)
	s.seed(t, "R", 1000)

	// без токена
	code, body := s.do(t, "", http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusUnauthorized, code)
	unauthorized := decodeError(t, body)
	assert.Equal(t, "UnauthenticatedError", unauthorized.Kind)
	assert.False(t, unauthorized.Retryable)

	code, _ = s.do(t, "R", http.MethodGet, "/api/orders", "")
	require.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, "R", http.MethodPost, "/api/orders", `{"providerId":"P","date":"2026-10-20","time":"21:00","price":700}`)
	require.Equal(t, http.StatusCreated, code)
	var placed OrderJSON
	require.NoError(t, json.Unmarshal(body, &placed))
	assert.Equal(t, "pending", placed.Status)
	assert.Equal(t, "R", placed.RequesterID)

	code, body = s.do(t, "R", http.MethodPost, "/api/orders", `{"providerId":"P","date":"2026-10-20","time":"21:00","price":700}`)
	require.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient funds", decodeError(t, body).Message)

	code, body = s.do(t, "P", http.MethodGet, "/api/orders/"+placed.ID, "")
	require.Equal(t, http.StatusOK, code)

	// чужой заказ выглядит как несуществующий
	code, foreignBody := s.do(t, "X", http.MethodGet, "/api/orders/"+placed.ID, "")
	require.Equal(t, http.StatusNotFound, code)
	code, missingBody := s.do(t, "X", http.MethodGet, "/api/orders/nope", "")
	require.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, string(missingBody), string(foreignBody))

	code, _ = s.do(t, "X", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"canceled"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, "R", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"accepted"}`)
	require.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ForbiddenError", decodeError(t, body).Kind)

	code, body = s.do(t, "P", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"done"}`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", decodeError(t, body).Kind)

	code, body = s.do(t, "P", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"accepted"}`)
	require.Equal(t, http.StatusOK, code)
	code, body = s.do(t, "P", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"completed"}`)
	require.Equal(t, http.StatusOK, code)
	var completed OrderJSON
	require.NoError(t, json.Unmarshal(body, &completed))
	assert.Equal(t, "completed", completed.Status)

	code, body = s.do(t, "R", http.MethodPost, "/api/orders/status", `{"requestId":"`+placed.ID+`","status":"canceled"}`)
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "current state does not permit this change", decodeError(t, body).Message)

	code, body = s.do(t, "P", http.MethodGet, "/api/balance", "")
	require.Equal(t, http.StatusOK, code)
	var balance BalanceJSONResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, 700, balance.Balance)

	code, body = s.do(t, "P", http.MethodGet, "/api/balance/transactions", "")
	require.Equal(t, http.StatusOK, code)
	var transactions []TransactionJSON
	require.NoError(t, json.Unmarshal(body, &transactions))
	require.Len(t, transactions, 1)
	assert.Equal(t, "EARN", transactions[0].Type)
	assert.Equal(t, "R", transactions[0].RelatedUserID)
}

func TestBalanceRoutes(t *testing.T) {
	s := newMemServer(t)
	s.seed(t, "R", 100)

	code, body := s.do(t, "R", http.MethodPost, "/api/balance/spend", `{"amount":30,"description":"gift"}`)
	require.Equal(t, http.StatusOK, code)
	var balance BalanceJSONResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, 70, balance.Balance)

	code, _ = s.do(t, "R", http.MethodPost, "/api/balance/spend", `{"amount":300}`)
	require.Equal(t, http.StatusPaymentRequired, code)

	code, body = s.do(t, "R", http.MethodPost, "/api/balance/spend", `{"amount":`)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", decodeError(t, body).Kind)

	code, _ = s.do(t, "Y", http.MethodGet, "/api/balance/transactions", "")
	require.Equal(t, http.StatusNoContent, code)
}

func TestVerifyPaymentUpstreamDown(t *testing.T) {
	s := newMemServer(t)

	code, body := s.do(t, "R", http.MethodPost, "/api/payments/verify", `{"externalPaymentId":"pay-1"}`)
	require.Equal(t, http.StatusBadGateway, code)
	e := decodeError(t, body)
	assert.Equal(t, "UpstreamError", e.Kind)
	assert.True(t, e.Retryable)
	// подробности транспорта наружу не уходят
	assert.NotContains(t, e.Message, "127.0.0.1")
}

// stubService отвечает заданной ошибкой на проверку платежа.
type stubService struct {
	service.Service
	result service.PaymentResult
	err    error
}

func (s stubService) VerifyPayment(context.Context, string, string) (service.PaymentResult, error) {
	return s.result, s.err
}

func TestVerifyPaymentResponses(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "already processed", err: service.ErrPaymentAlreadyProcessed, wantCode: http.StatusConflict, wantMsg: "payment already processed"},
		{name: "in progress", err: service.ErrPaymentInProgress, wantCode: http.StatusConflict, wantMsg: "payment verification already in progress"},
		{name: "owner", err: service.ErrPaymentOwner, wantCode: http.StatusForbidden, wantMsg: "payment owner does not match current user"},
		{name: "not completed", err: service.ErrPaymentNotCompleted, wantCode: http.StatusBadRequest, wantMsg: "payment not completed"},
		{name: "unsupported amount", err: service.ErrUnsupportedAmount, wantCode: http.StatusBadRequest, wantMsg: "unsupported payment amount"},
		{name: "storage timeout", err: service.ErrStorageTimeout, wantCode: http.StatusServiceUnavailable, wantMsg: "storage timeout"},
		{name: "unexpected", err: errors.New("disk on fire"), wantCode: http.StatusInternalServerError, wantMsg: "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, stubService{err: tt.err}, nil)
			code, body := s.do(t, "R", http.MethodPost, "/api/payments/verify", `{"externalPaymentId":"pay-1"}`)
			require.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMsg, decodeError(t, body).Message)
		})
	}

	s := newTestServer(t, stubService{result: service.PaymentResult{Success: true, Message: "1000 tokens charged", TokenAmount: 1000, CurrentBalance: 1500}}, nil)
	code, body := s.do(t, "R", http.MethodPost, "/api/payments/verify", `{"externalPaymentId":"pay-1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success":true,"message":"1000 tokens charged","tokenAmount":1000,"currentBalance":1500}`, string(body))
}
