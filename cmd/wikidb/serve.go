package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/x-research-team/dtx-wiki/bus/action"
	"github.com/x-research-team/dtx-wiki/bus/channel"
)

// maxLineSize ограничивает длину одной строки запроса.
const maxLineSize = 16 << 20

// request - строка запроса на stdin.
type request struct {
	// ID возвращается в ответе без изменений; если пуст, используется
	// идентификатор конверта.
	ID      string         `json:"id,omitempty"`
	Action  string         `json:"action"`
	Payload action.Payload `json:"payload,omitempty"`
}

// reply - строка ответа в stdout: либо payload, либо error.
type reply struct {
	ID      string         `json:"id"`
	Payload action.Payload `json:"payload,omitempty"`
	Error   *replyError    `json:"error,omitempty"`
}

type replyError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// serve читает запросы построчно и отправляет их в шину, не дожидаясь
// ответа на предыдущие. Ответы пишутся по мере готовности и коррелируются
// по id. Возвращается после конца ввода и доставки всех ответов.
func serve(ctx context.Context, bus *channel.Bus, address string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	w := &replyWriter{enc: json.NewEncoder(out)}
	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		req, err := decodeRequest(line)
		if err != nil {
			logger.WarnContext(ctx, "некорректная строка запроса", slog.Any("error", err))
			w.write(reply{Error: &replyError{
				Code:    int(action.NoActionSpecified),
				Name:    action.NoActionSpecified.String(),
				Message: fmt.Sprintf("некорректный запрос: %v", err),
			}})
			continue
		}

		env := action.NewEnvelope(action.Name(req.Action), req.Payload)
		replyID := req.ID
		if replyID == "" {
			replyID = env.ID.String()
		}

		future, err := bus.Send(ctx, address, env)
		if err != nil {
			w.write(failureReply(replyID, err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			res := <-future
			if res.Err != nil {
				w.write(failureReply(replyID, res.Err))
				return
			}
			w.write(reply{ID: replyID, Payload: res.Payload})
		}()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ошибка чтения запросов: %w", err)
	}
	return nil
}

func decodeRequest(line []byte) (request, error) {
	var req request
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	return req, nil
}

func failureReply(id string, err error) reply {
	f, ok := action.AsFailure(err)
	if !ok {
		f = &action.Failure{Code: action.DbError, Message: err.Error()}
		if errors.Is(err, channel.ErrNoConsumer) || errors.Is(err, channel.ErrClosed) {
			f.Code = action.BadAction
		}
	}
	return reply{ID: id, Error: &replyError{
		Code:    int(f.Code),
		Name:    f.Code.String(),
		Message: f.Message,
	}}
}

// replyWriter сериализует запись ответов из разных горутин.
type replyWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *replyWriter) write(r reply) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.enc.Encode(r)
}
