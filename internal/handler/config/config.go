package config

import "time"

type Config struct {
	ServerAddr string `envconfig:"RUN_ADDRESS"`
	// Ограничение на обработку одного запроса
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	// Ключ подписи JWT сервиса аутентификации
	TokenSecret string `envconfig:"TOKEN_SECRET"`
}
