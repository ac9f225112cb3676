// Package config загружает конфигурацию сервиса из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/x-research-team/dtx-wiki/storage"
)

// Config - конфигурация процесса wikidb.
type Config struct {
	// URL - строка подключения PostgreSQL или путь к файлу SQLite.
	URL string `env:"WIKIDB_URL" envDefault:"db/wiki.db"`
	// Driver выбирает реализацию пула: "sqlite" или "postgres".
	Driver string `env:"WIKIDB_DRIVER" envDefault:"sqlite"`
	// MaxPoolSize - верхняя граница числа одновременно открытых соединений.
	MaxPoolSize int `env:"WIKIDB_MAX_POOL_SIZE" envDefault:"30"`
	// QueriesFile - путь к .properties с запросами; пусто означает встроенный каталог.
	QueriesFile string `env:"WIKIDB_SQL_QUERIES_FILE"`
	// Queue - адрес шины, на котором работает диспетчер.
	Queue string `env:"WIKIDB_QUEUE" envDefault:"wikidb.queue"`
	// Workers задает число воркеров доставки; 0 означает горутину на конверт.
	Workers int `env:"WIKIDB_WORKERS" envDefault:"0"`
	// QueueSize - емкость очереди воркеров.
	QueueSize int `env:"WIKIDB_QUEUE_SIZE" envDefault:"256"`
	// MaxInFlight ограничивает число одновременно обрабатываемых конвертов; 0 снимает ограничение.
	MaxInFlight int `env:"WIKIDB_MAX_IN_FLIGHT" envDefault:"0"`

	LogLevel     string `env:"WIKIDB_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"WIKIDB_LOG_FORMAT" envDefault:"text"`
	OTelEndpoint string `env:"WIKIDB_OTEL_ENDPOINT"`
}

// Load читает конфигурацию из окружения и проверяет ее.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver != storage.DriverPostgres && c.Driver != storage.DriverSQLite {
		return fmt.Errorf("неизвестный драйвер хранилища '%s'", c.Driver)
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("адрес хранилища не задан")
	}
	if c.MaxPoolSize <= 0 {
		return fmt.Errorf("размер пула должен быть положительным, получено %d", c.MaxPoolSize)
	}
	if strings.TrimSpace(c.Queue) == "" {
		return fmt.Errorf("адрес очереди не задан")
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.MaxInFlight < 0 {
		return fmt.Errorf("число воркеров, размер очереди и лимит обработки не могут быть отрицательными")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		return fmt.Errorf("неизвестный формат логов '%s'", c.LogFormat)
	}
	return nil
}

// Level разбирает уровень логирования.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("неизвестный уровень логов '%s': %w", c.LogLevel, err)
	}
	return level, nil
}

// Storage возвращает параметры открытия пула.
func (c Config) Storage() storage.Config {
	return storage.Config{
		Driver:      c.Driver,
		URL:         c.URL,
		MaxPoolSize: c.MaxPoolSize,
	}
}
