package wiki

import (
	"context"
	"fmt"

	"github.com/x-research-team/dtx-wiki/bus/action"
)

// Register связывает публичные действия диспетчера с операциями сервиса.
func (s *Service) Register(d *action.Dispatcher) error {
	handlers := map[action.Name]action.Handler{
		action.AllPages:   s.handleAllPages,
		action.GetPage:    s.handleGetPage,
		action.CreatePage: s.handleCreatePage,
		action.SavePage:   s.handleSavePage,
		action.DeletePage: s.handleDeletePage,
	}

	for _, name := range action.Names() {
		if err := d.Register(name, handlers[name]); err != nil {
			return fmt.Errorf("не удалось зарегистрировать обработчик '%s': %w", name, err)
		}
	}
	return nil
}

func (s *Service) handleAllPages(ctx context.Context, _ action.Payload) (action.Payload, error) {
	pages, err := s.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	return action.Payload{"pages": pages}, nil
}

func (s *Service) handleGetPage(ctx context.Context, p action.Payload) (action.Payload, error) {
	name, err := p.RequireString("page", "name")
	if err != nil {
		return nil, err
	}

	res, err := s.GetPage(ctx, name)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return action.Payload{"found": false}, nil
	}
	return action.Payload{
		"found":      true,
		"id":         res.Page.ID,
		"content":    res.Page.Content,
		"rawContent": res.Page.Content,
	}, nil
}

func (s *Service) handleCreatePage(ctx context.Context, p action.Payload) (action.Payload, error) {
	name, err := p.RequireString("title", "name")
	if err != nil {
		return nil, err
	}
	content, err := p.RequireString("markdown", "content")
	if err != nil {
		return nil, err
	}

	if err := s.CreatePage(ctx, name, content); err != nil {
		return nil, err
	}
	return action.Ack(), nil
}

func (s *Service) handleSavePage(ctx context.Context, p action.Payload) (action.Payload, error) {
	id, err := p.Int64("id")
	if err != nil {
		return nil, err
	}
	content, err := p.RequireString("markdown", "content")
	if err != nil {
		return nil, err
	}

	if err := s.SavePage(ctx, id, content); err != nil {
		return nil, err
	}
	return action.Ack(), nil
}

func (s *Service) handleDeletePage(ctx context.Context, p action.Payload) (action.Payload, error) {
	id, err := p.Int64("id")
	if err != nil {
		return nil, err
	}

	if err := s.DeletePage(ctx, id); err != nil {
		return nil, err
	}
	return action.Ack(), nil
}
