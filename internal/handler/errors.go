package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/iurnickita/gamemarket/internal/service"
)

type ErrorJSONResponse struct {
	Error ErrorJSON `json:"error"`
}

type ErrorJSON struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func errorJSON(kind service.Kind, message string, retryable bool) ErrorJSONResponse {
	return ErrorJSONResponse{Error: ErrorJSON{Kind: kind.String(), Message: message, Retryable: retryable}}
}

// statusCode выбирает код ответа по виду ошибки.
func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrStorageTimeout):
		return http.StatusServiceUnavailable
	}

	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindConflict:
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	// посторонний не должен отличать чужой заказ от несуществующего
	if errors.Is(err, service.ErrNotOrderParty) {
		err = service.ErrOrderNotFound
	}

	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.zaplog.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("code", code),
			zap.Error(err))
	}
	h.writeJSON(w, code, errorJSON(service.KindOf(err), service.Message(err), service.Retryable(err)))
}
