// Package catalog содержит неизменяемый каталог SQL-запросов хранилища страниц.
// Каталог загружается один раз при старте из файла в формате .properties
// или из встроенного набора запросов для выбранного драйвера.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/magiconair/properties"
)

// ID - логический идентификатор запроса в каталоге.
type ID string

const (
	CreatePagesTable ID = "create-pages-table"
	AllPages         ID = "all-pages"
	GetPage          ID = "get-page"
	CreatePage       ID = "create-page"
	SavePage         ID = "save-page"
	DeletePage       ID = "delete-page"
)

// Required перечисляет идентификаторы, без которых каталог считается неполным.
var Required = []ID{CreatePagesTable, AllPages, GetPage, CreatePage, SavePage, DeletePage}

//go:embed queries/*.properties
var defaults embed.FS

var (
	// ErrConfig является корнем всех ошибок загрузки каталога.
	ErrConfig = errors.New("ошибка конфигурации каталога запросов")
	// ErrUnknownQuery возвращается Get для отсутствующего идентификатора.
	ErrUnknownQuery = errors.New("запрос отсутствует в каталоге")
)

// ConfigError описывает, почему каталог не удалось загрузить.
type ConfigError struct {
	Source string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("каталог запросов '%s': %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("каталог запросов '%s': %s", e.Source, e.Reason)
}

// Is позволяет сопоставлять любую ConfigError с ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Catalog - неизменяемое отображение идентификаторов запросов в текст SQL.
// Безопасен для одновременного чтения из любого числа горутин.
type Catalog struct {
	source     string
	statements map[ID]string
}

// Load загружает каталог из файла path. Если path пуст, используется встроенный
// каталог для драйвера driver ("postgres" или "sqlite").
func Load(path, driver string) (*Catalog, error) {
	if strings.TrimSpace(path) != "" {
		props, err := properties.LoadFile(path, properties.UTF8)
		if err != nil {
			return nil, &ConfigError{Source: path, Reason: "не удалось прочитать файл", Err: err}
		}
		return fromProperties(path, props)
	}

	name := "queries/" + strings.ToLower(strings.TrimSpace(driver)) + ".properties"
	data, err := defaults.ReadFile(name)
	if err != nil {
		return nil, &ConfigError{Source: name, Reason: fmt.Sprintf("нет встроенного каталога для драйвера '%s'", driver), Err: err}
	}
	return Parse(name, data)
}

// Parse строит каталог из содержимого .properties; source используется в сообщениях об ошибках.
func Parse(source string, data []byte) (*Catalog, error) {
	props, err := properties.Load(data, properties.UTF8)
	if err != nil {
		return nil, &ConfigError{Source: source, Reason: "некорректный формат", Err: err}
	}
	return fromProperties(source, props)
}

func fromProperties(source string, props *properties.Properties) (*Catalog, error) {
	statements := make(map[ID]string, len(Required))
	for _, id := range Required {
		stmt, ok := props.Get(string(id))
		if !ok || strings.TrimSpace(stmt) == "" {
			return nil, &ConfigError{Source: source, Reason: fmt.Sprintf("отсутствует запрос '%s'", id)}
		}
		statements[id] = strings.TrimSpace(stmt)
	}
	return &Catalog{source: source, statements: statements}, nil
}

// Get возвращает текст запроса. Отсутствие запроса для проверенного действия
// означает ошибку программирования.
func (c *Catalog) Get(id ID) (string, error) {
	stmt, ok := c.statements[id]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrUnknownQuery, id)
	}
	return stmt, nil
}

// MustGet аналогичен Get, но паникует при отсутствии запроса.
func (c *Catalog) MustGet(id ID) string {
	stmt, err := c.Get(id)
	if err != nil {
		panic(err)
	}
	return stmt
}

// IDs возвращает отсортированный список загруженных идентификаторов.
func (c *Catalog) IDs() []ID {
	ids := make([]ID, 0, len(c.statements))
	for id := range c.statements {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Source возвращает источник, из которого был загружен каталог.
func (c *Catalog) Source() string {
	return c.source
}
