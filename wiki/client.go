package wiki

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/x-research-team/dtx-wiki/bus/action"
	"github.com/x-research-team/dtx-wiki/bus/channel"
)

// Client - типизированная обертка над шиной для вызывающих сторон внутри
// процесса. Отказы возвращаются как *action.Failure.
type Client struct {
	bus     *channel.Bus
	address string
}

// NewClient создает клиента, отправляющего конверты на address.
func NewClient(bus *channel.Bus, address string) *Client {
	return &Client{bus: bus, address: address}
}

// Pages возвращает отсортированный список имен страниц.
func (c *Client) Pages(ctx context.Context) ([]string, error) {
	reply, err := c.request(ctx, action.AllPages, nil)
	if err != nil {
		return nil, err
	}

	switch pages := reply["pages"].(type) {
	case []string:
		return pages, nil
	case []any:
		out := make([]string, 0, len(pages))
		for _, p := range pages {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("неожиданный тип имени страницы %T", p)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return []string{}, nil
	default:
		return nil, fmt.Errorf("неожиданный тип списка страниц %T", pages)
	}
}

// Page ищет страницу по имени.
func (c *Client) Page(ctx context.Context, name string) (PageResult, error) {
	reply, err := c.request(ctx, action.GetPage, action.Payload{"page": name})
	if err != nil {
		return PageResult{}, err
	}

	found, _ := reply["found"].(bool)
	if !found {
		return PageResult{}, nil
	}

	id, err := reply.Int64("id")
	if err != nil {
		return PageResult{}, err
	}
	content, _ := reply.String("content", "rawContent")
	return PageResult{Found: true, Page: Page{ID: id, Name: name, Content: content}}, nil
}

// Create создает страницу.
func (c *Client) Create(ctx context.Context, name, content string) error {
	_, err := c.request(ctx, action.CreatePage, action.Payload{"name": name, "content": content})
	return err
}

// Save заменяет содержимое страницы.
func (c *Client) Save(ctx context.Context, id int64, content string) error {
	_, err := c.request(ctx, action.SavePage, action.Payload{"id": id, "content": content})
	return err
}

// Delete удаляет страницу.
func (c *Client) Delete(ctx context.Context, id int64) error {
	_, err := c.request(ctx, action.DeletePage, action.Payload{"id": id})
	return err
}

func (c *Client) request(ctx context.Context, name action.Name, payload action.Payload) (action.Payload, error) {
	env := action.NewEnvelope(name, payload)
	action.Inject(ctx, otel.GetTextMapPropagator(), &env)
	return c.bus.Request(ctx, c.address, env)
}
