package eventstore

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Переменные окружения, распознаваемые LoadConfig.
const (
	EnvExpirySeconds  = "EVENTSTORE_RETRY_EXPIRY_SECONDS"
	EnvBackoffSeconds = "EVENTSTORE_RETRY_BACKOFF_SECONDS"
	EnvTimezone       = "EVENTSTORE_TIMEZONE"
	EnvAutoStart      = "EVENTSTORE_RETRY_AUTOSTART"
)

// Config содержит параметры хранилища событий и координатора.
type Config struct {
	// ExpiryThreshold — возраст записи, после которого она подлежит повторной отправке.
	// Не должен быть меньше типичного таймаута отправки брокеру.
	ExpiryThreshold time.Duration
	// RetryInterval — пауза между циклами координатора.
	RetryInterval time.Duration
	// Timezone переопределяет зону часов (для тестов). Пустая строка — локальная зона.
	Timezone string
	// AutoStart включает запуск координатора при старте приложения.
	AutoStart bool
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		ExpiryThreshold: DefaultExpiryThreshold,
		RetryInterval:   DefaultRetryInterval,
		AutoStart:       true,
	}
}

// LoadConfig читает конфигурацию из переменных окружения поверх значений по умолчанию.
func LoadConfig() (Config, error) {
	return loadConfig(os.LookupEnv)
}

// LoadConfigFile читает конфигурацию из .env-файла. Переменные окружения
// процесса имеют приоритет над значениями из файла.
func LoadConfigFile(path string) (Config, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("не удалось прочитать файл конфигурации %s: %w", path, err)
	}
	return loadConfig(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	})
}

func loadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvExpirySeconds); ok && v != "" {
		d, err := parseSeconds(EnvExpirySeconds, v)
		if err != nil {
			return Config{}, err
		}
		cfg.ExpiryThreshold = d
	}

	if v, ok := lookup(EnvBackoffSeconds); ok && v != "" {
		d, err := parseSeconds(EnvBackoffSeconds, v)
		if err != nil {
			return Config{}, err
		}
		cfg.RetryInterval = d
	}

	if v, ok := lookup(EnvTimezone); ok {
		cfg.Timezone = v
	}

	if v, ok := lookup(EnvAutoStart); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, EnvAutoStart, v)
		}
		cfg.AutoStart = b
	}

	return cfg, cfg.Validate()
}

func parseSeconds(key, v string) (time.Duration, error) {
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, key, v)
	}
	return time.Duration(n * float64(time.Second)), nil
}

// Validate проверяет согласованность конфигурации.
func (c Config) Validate() error {
	if c.ExpiryThreshold <= 0 {
		return fmt.Errorf("%w: порог истечения должен быть положительным", ErrInvalidArgument)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("%w: интервал повторов должен быть положительным", ErrInvalidArgument)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("%w: неизвестная временная зона %q", ErrInvalidArgument, c.Timezone)
		}
	}
	return nil
}

// Clock возвращает системные часы в зоне из конфигурации.
func (c Config) Clock() (Clock, error) {
	return NewSystemClock(c.Timezone)
}

// CoordinatorOptions возвращает опции координатора из конфигурации.
func (c Config) CoordinatorOptions() []CoordinatorOption {
	return []CoordinatorOption{
		WithInterval(c.RetryInterval),
		WithExpiry(c.ExpiryThreshold),
	}
}
