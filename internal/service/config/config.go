package config

import "time"

type Config struct {
	PortOne PortOne
	Payment Payment
	Events  Events
	Lock    Lock
	Tracing Tracing
	// Таймаут фиксации изменений, не зависящий от отмены запроса клиентом
	SettleTimeout time.Duration `envconfig:"SETTLE_TIMEOUT" default:"15s"`
}

// API платежного провайдера PortOne
type PortOne struct {
	BaseURL   string        `envconfig:"PORTONE_BASE_URL" default:"https://api.portone.io"`
	APISecret string        `envconfig:"PORTONE_API_SECRET"`
	Timeout   time.Duration `envconfig:"PORTONE_TIMEOUT" default:"5s"`
}

// Правила проверки платежей
type Payment struct {
	// Сумма в минимальных единицах валюты -> количество токенов
	PriceList   map[int64]int `envconfig:"PAYMENT_PRICE_LIST" default:"1100:100,5500:500,9360:1000,18700:2000,46000:5000"`
	Currency    string        `envconfig:"PAYMENT_CURRENCY" default:"KRW"`
	MethodTypes []string      `envconfig:"PAYMENT_METHOD_TYPES" default:"PaymentMethodCard,PaymentMethodEasyPay"`
	PGProviders []string      `envconfig:"PAYMENT_PG_PROVIDERS" default:"TOSSPAYMENTS,KCP_V2"`
}

type Events struct {
	AMQPURL  string `envconfig:"AMQP_URL"`
	Exchange string `envconfig:"AMQP_EXCHANGE" default:"gamemarket"`
}

type Lock struct {
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL           time.Duration `envconfig:"PAYMENT_LOCK_TTL" default:"30s"`
}

type Tracing struct {
	Endpoint    string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `envconfig:"OTEL_SERVICE_NAME" default:"gamemarket"`
}
