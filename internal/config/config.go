package config

import (
	"errors"
	"flag"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	handlerConfig "github.com/iurnickita/gamemarket/internal/handler/config"
	loggerConfig "github.com/iurnickita/gamemarket/internal/logger/config"
	serviceConfig "github.com/iurnickita/gamemarket/internal/service/config"
	storeConfig "github.com/iurnickita/gamemarket/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

// GetConfig собирает конфигурацию: флаги, затем переменные окружения.
// Переменные окружения приоритетнее флагов. Файл .env, если есть, дополняет окружение.
func GetConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return parse(os.Args[0], os.Args[1:])
}

func parse(name string, args []string) (Config, error) {
	var cfg Config

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.StringVar(&cfg.Handler.ServerAddr, "a", "localhost:8080", "Service address and port")
	flags.StringVar(&cfg.Store.DBDsn, "d", "", "Database connection string, in-memory storage if empty")
	flags.StringVar(&cfg.Logger.LogLevel, "l", "info", "Log level")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}

	var errs []error
	if cfg.Handler.TokenSecret == "" {
		errs = append(errs, errors.New("TOKEN_SECRET is required"))
	}
	if cfg.Service.PortOne.APISecret == "" {
		errs = append(errs, errors.New("PORTONE_API_SECRET is required"))
	}
	if len(cfg.Service.Payment.PriceList) == 0 {
		errs = append(errs, errors.New("PAYMENT_PRICE_LIST is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
