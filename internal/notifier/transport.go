package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"eldercare/internal/config"
	logx "eldercare/pkg/logx"
)

// Transport hands one message to the outside world. One call is one
// attempt.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// NewTransport builds the configured transport.
func NewTransport(cfg config.Notifier, log logx.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "log":
		return NewLogTransport(log), nil
	case "outbox":
		return NewOutboxTransport(cfg.OutboxPath)
	default:
		return nil, fmt.Errorf("unknown notifier transport: %s", cfg.Transport)
	}
}

type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("notification",
		logx.String("id", m.ID),
		logx.String("channel", string(m.Channel)),
		logx.String("to", m.To),
		logx.String("reminder_id", m.ReminderID),
		logx.String("reason", m.Reason),
		logx.String("text", m.Text),
	)
	return nil
}

// OutboxTransport appends each message as one JSON line.
type OutboxTransport struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func NewOutboxTransport(path string) (*OutboxTransport, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &OutboxTransport{path: path, f: f}, nil
}

func (t *OutboxTransport) Name() string { return "outbox" }

func (t *OutboxTransport) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return fmt.Errorf("outbox %s: closed", t.path)
	}
	_, err = t.f.Write(b)
	return err
}

func (t *OutboxTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
