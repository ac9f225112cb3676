package channel

import "log/slog"

// config содержит неэкспортируемую конфигурацию шины.
type config struct {
	logger      *slog.Logger
	maxInFlight int
	workers     int
	queueSize   int
}

// Option определяет тип для функциональных опций шины.
type Option func(*config)

// WithLogger устанавливает логгер шины.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxInFlight ограничивает число конвертов, обрабатываемых одновременно.
// Значение 0 снимает ограничение: тогда параллелизм ограничен только пулом
// соединений хранилища.
func WithMaxInFlight(n int) Option {
	return func(c *config) {
		c.maxInFlight = n
	}
}

// WithWorkerPool переключает доставку на фиксированный пул из workers
// воркеров с очередью queueSize. По умолчанию каждый конверт обрабатывается
// в собственной горутине.
func WithWorkerPool(workers, queueSize int) Option {
	return func(c *config) {
		c.workers = workers
		c.queueSize = queueSize
	}
}
