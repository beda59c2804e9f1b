package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/iurnickita/gamemarket/internal/auth"
	"github.com/iurnickita/gamemarket/internal/handler/config"
	"github.com/iurnickita/gamemarket/internal/logger"
	"github.com/iurnickita/gamemarket/internal/model"
	"github.com/iurnickita/gamemarket/internal/service"
)

const shutdownTimeout = 30 * time.Second

// Serve обслуживает HTTP до отмены ctx, после чего дожидается текущих запросов.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)
	router := h.newRouter(cfg.RequestTimeout)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("starting server", zap.String("address", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	zaplog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter(requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(logger.RequestLogger(h.zaplog))
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/status", h.ChangeOrderStatus)

		r.Post("/payments/verify", h.VerifyPayment)

		r.Get("/balance", h.GetBalance)
		r.Get("/balance/transactions", h.GetTransactions)
		r.Post("/balance/spend", h.SpendTokens)
	})
	return r
}

type OrderJSON struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requesterId"`
	ProviderID  string    `json:"providerId"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Price       int       `json:"price"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func orderJSON(order model.Order) OrderJSON {
	return OrderJSON{
		ID:          order.ID,
		RequesterID: order.Data.RequesterID,
		ProviderID:  order.Data.ProviderID,
		Date:        order.Data.SessionDate,
		Time:        order.Data.SessionTime,
		Price:       order.Data.Price,
		Status:      string(order.Data.Status),
		CreatedAt:   order.Data.CreatedAt,
		UpdatedAt:   order.Data.UpdatedAt,
	}
}

type PlaceOrderJSONRequest struct {
	ProviderID string `json:"providerId"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Price      int    `json:"price"`
}

func (h *handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	order := model.Order{Data: model.OrderData{
		RequesterID: auth.UserID(r.Context()),
		ProviderID:  req.ProviderID,
		SessionDate: req.Date,
		SessionTime: req.Time,
		Price:       req.Price,
	}}
	placed, err := h.service.PlaceOrder(r.Context(), order)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, orderJSON(placed))
}

func (h *handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ordersJSON := make([]OrderJSON, 0, len(orders))
	for _, order := range orders {
		ordersJSON = append(ordersJSON, orderJSON(order))
	}
	h.writeJSON(w, http.StatusOK, ordersJSON)
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderJSON(order))
}

type ChangeOrderStatusJSONRequest struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

func (h *handler) ChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req ChangeOrderStatusJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.service.ChangeOrderStatus(r.Context(), auth.UserID(r.Context()), req.RequestID, model.OrderStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderJSON(order))
}

type VerifyPaymentJSONRequest struct {
	ExternalPaymentID string `json:"externalPaymentId"`
}

type VerifyPaymentJSONResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	TokenAmount    int    `json:"tokenAmount"`
	CurrentBalance int    `json:"currentBalance"`
}

func (h *handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.VerifyPayment(r.Context(), auth.UserID(r.Context()), req.ExternalPaymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, VerifyPaymentJSONResponse{
		Success:        result.Success,
		Message:        result.Message,
		TokenAmount:    result.TokenAmount,
		CurrentBalance: result.CurrentBalance,
	})
}

type BalanceJSONResponse struct {
	UserID    string    `json:"userId"`
	Balance   int       `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.service.GetBalance(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{
		UserID:    balance.UserID,
		Balance:   balance.Data.Balance,
		UpdatedAt: balance.Data.UpdatedAt,
	})
}

type TransactionJSON struct {
	ID            string    `json:"id"`
	Amount        int       `json:"amount"`
	Type          string    `json:"type"`
	PaymentID     string    `json:"paymentId,omitempty"`
	RelatedUserID string    `json:"relatedUserId,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	transactions, err := h.service.GetTransactions(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	transactionsJSON := make([]TransactionJSON, 0, len(transactions))
	for _, entry := range transactions {
		transactionsJSON = append(transactionsJSON, TransactionJSON{
			ID:            entry.ID,
			Amount:        entry.Data.Amount,
			Type:          string(entry.Data.Type),
			PaymentID:     entry.Data.PaymentID,
			RelatedUserID: entry.Data.RelatedUserID,
			Description:   entry.Data.Description,
			CreatedAt:     entry.Data.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, transactionsJSON)
}

type SpendJSONRequest struct {
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

func (h *handler) SpendTokens(w http.ResponseWriter, r *http.Request) {
	var req SpendJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	balance, err := h.service.SpendTokens(r.Context(), auth.UserID(r.Context()), req.Amount, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{
		UserID:    balance.UserID,
		Balance:   balance.Data.Balance,
		UpdatedAt: balance.Data.UpdatedAt,
	})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorJSON(service.KindValidation, "malformed request body", false))
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}
