package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/iurnickita/gamemarket/internal/token"
)

type Auth interface {
	Middleware(h http.Handler) http.Handler
}

type ctxKey struct{}

const cookieUserToken = "gamemarketUserToken"

var ErrNoToken = errors.New("no token")

type auth struct {
	secret string
}

func NewAuth(secret string) Auth {
	return &auth{secret: secret}
}

func (a *auth) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userID, err := a.getUserID(r)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Тело ответа совпадает по форме с остальными ошибками API
type unauthorizedJSON struct {
	Error struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func writeUnauthorized(w http.ResponseWriter) {
	var resp unauthorizedJSON
	resp.Error.Kind = "UnauthenticatedError"
	resp.Error.Message = "unauthorized"

	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(resp)
}

// getUserID читает токен из заголовка Authorization, а если его нет, из куки.
func (a *auth) getUserID(r *http.Request) (string, error) {
	var tokenString string
	if header := r.Header.Get("Authorization"); header != "" {
		var ok bool
		tokenString, ok = strings.CutPrefix(header, "Bearer ")
		if !ok {
			return "", ErrNoToken
		}
	} else {
		tokenCookie, err := r.Cookie(cookieUserToken)
		if err != nil {
			return "", ErrNoToken
		}
		tokenString = tokenCookie.Value
	}
	return token.GetUserID(a.secret, tokenString)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID возвращает пользователя, которого установил Middleware.
func UserID(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}
