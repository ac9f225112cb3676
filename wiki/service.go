// Package wiki содержит обработчики хранилища страниц: каждая операция
// арендует соединение из пула, выполняет один запрос из каталога и
// преобразует строки результата в ответ.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/x-research-team/dtx-wiki/catalog"
	"github.com/x-research-team/dtx-wiki/storage"
)

// ErrPageExists возвращается при создании страницы с уже занятым именем.
var ErrPageExists = errors.New("страница с таким именем уже существует")

// Page - страница вики.
type Page struct {
	ID      int64
	Name    string
	Content string
}

// PageResult - результат поиска страницы по имени.
type PageResult struct {
	Found bool
	Page  Page
}

// Service выполняет операции над страницами. Создается один раз при старте
// и передается потребителям явно.
type Service struct {
	queries *catalog.Catalog
	pool    storage.Pool
	logger  *slog.Logger
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger устанавливает логгер сервиса.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService создает сервис поверх каталога запросов и пула соединений.
func NewService(queries *catalog.Catalog, pool storage.Pool, opts ...Option) *Service {
	s := &Service{
		queries: queries,
		pool:    pool,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema создает таблицу страниц. Ошибка при старте фатальна.
func (s *Service) EnsureSchema(ctx context.Context) error {
	if _, err := s.exec(ctx, catalog.CreatePagesTable); err != nil {
		return fmt.Errorf("не удалось создать таблицу страниц: %w", err)
	}
	return nil
}

// ListPages возвращает имена всех страниц в лексикографическом порядке,
// независимо от порядка, в котором их отдает хранилище.
func (s *Service) ListPages(ctx context.Context) ([]string, error) {
	stmt, err := s.queries.Get(catalog.AllPages)
	if err != nil {
		return nil, err
	}

	pages := make([]string, 0)
	err = s.pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		rows, err := q.Query(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("не удалось прочитать имя страницы: %w", err)
			}
			pages = append(pages, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(pages)
	return pages, nil
}

// GetPage ищет страницу по имени. Отсутствие страницы не является ошибкой.
func (s *Service) GetPage(ctx context.Context, name string) (PageResult, error) {
	stmt, err := s.queries.Get(catalog.GetPage)
	if err != nil {
		return PageResult{}, err
	}

	var res PageResult
	err = s.pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		rows, err := q.Query(ctx, stmt, name)
		if err != nil {
			return err
		}
		defer rows.Close()

		if rows.Next() {
			res.Found = true
			res.Page.Name = name
			if err := rows.Scan(&res.Page.ID, &res.Page.Content); err != nil {
				return fmt.Errorf("не удалось прочитать страницу '%s': %w", name, err)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return PageResult{}, err
	}
	return res, nil
}

// CreatePage создает страницу. Занятое имя приводит к ошибке ErrPageExists.
func (s *Service) CreatePage(ctx context.Context, name, content string) error {
	_, err := s.exec(ctx, catalog.CreatePage, name, content)
	if errors.Is(err, storage.ErrUniqueViolation) {
		return fmt.Errorf("%w: '%s': %w", ErrPageExists, name, err)
	}
	return err
}

// SavePage заменяет содержимое страницы. Несуществующий id не является ошибкой;
// при одновременных сохранениях побеждает последнее.
func (s *Service) SavePage(ctx context.Context, id int64, content string) error {
	n, err := s.exec(ctx, catalog.SavePage, content, id)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.DebugContext(ctx, "сохранение несуществующей страницы", slog.Int64("page_id", id))
	}
	return nil
}

// DeletePage удаляет страницу. Несуществующий id не является ошибкой.
func (s *Service) DeletePage(ctx context.Context, id int64) error {
	n, err := s.exec(ctx, catalog.DeletePage, id)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.DebugContext(ctx, "удаление несуществующей страницы", slog.Int64("page_id", id))
	}
	return nil
}

// exec выполняет изменяющий запрос на одном арендованном соединении.
func (s *Service) exec(ctx context.Context, id catalog.ID, args ...any) (int64, error) {
	stmt, err := s.queries.Get(id)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = s.pool.WithConn(ctx, func(ctx context.Context, q storage.Querier) error {
		var err error
		affected, err = q.Exec(ctx, stmt, args...)
		return err
	})
	return affected, err
}
